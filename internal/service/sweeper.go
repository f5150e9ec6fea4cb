package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartAbandonmentSweeper периодически помечает брошенными сессии, не подтверждённые
// за abandonAfter. Блокируется до отмены ctx. Шлюз не вызывается, записи не удаляются.
func (s *Service) StartAbandonmentSweeper(ctx context.Context) {
	if s.abandonAfter <= 0 {
		return
	}

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAbandoned(ctx)
		}
	}
}

func (s *Service) sweepAbandoned(ctx context.Context) {
	n, err := s.repo.MarkAbandoned(ctx, s.now().Add(-s.abandonAfter))
	if err != nil {
		s.logger.Warn("abandonment sweep error", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("payment sessions abandoned", zap.Int64("count", n))
	}
}
