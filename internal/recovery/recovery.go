// Package recovery хранит ссылку на незавершённый платёж пользователя, чтобы после возврата
// со страницы шлюза или перезагрузки можно было продолжить проверку оплаты.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

// Store описывает долговременное хранилище не более чем одной ссылки на пользователя.
type Store interface {
	SavePending(ctx context.Context, ownerID int64, reference string) error
	LoadPending(ctx context.Context, ownerID int64) (string, bool, error)
	// ClearPendingIf удаляет запись, только если в ней хранится reference.
	ClearPendingIf(ctx context.Context, ownerID int64, reference string) (bool, error)
}

// Recovery реализует правила работы с незавершёнными платежами поверх Store.
type Recovery struct {
	store  Store
	logger *zap.Logger
}

// New создаёт Recovery.
func New(store Store, logger *zap.Logger) *Recovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{store: store, logger: logger}
}

// Save запоминает ссылку. Вызывается после успешной инициации и до перехода на страницу шлюза.
func (r *Recovery) Save(ctx context.Context, ownerID int64, reference string) error {
	if err := r.store.SavePending(ctx, ownerID, reference); err != nil {
		return fmt.Errorf("save pending reference: %w", err)
	}
	return nil
}

// Load возвращает незавершённую ссылку пользователя, если она есть.
func (r *Recovery) Load(ctx context.Context, ownerID int64) (string, bool, error) {
	ref, ok, err := r.store.LoadPending(ctx, ownerID)
	if err != nil {
		return "", false, fmt.Errorf("load pending reference: %w", err)
	}
	return ref, ok, nil
}

// Settle удаляет запись после проверки платежа, но только при терминальном исходе
// и только если запись всё ещё указывает на проверенную ссылку.
func (r *Recovery) Settle(ctx context.Context, ownerID int64, reference string, status model.VerificationStatus) error {
	if status != model.VerificationVerified && status != model.VerificationFailed {
		return nil
	}

	cleared, err := r.store.ClearPendingIf(ctx, ownerID, reference)
	if err != nil {
		return fmt.Errorf("settle pending reference: %w", err)
	}
	if cleared {
		r.logger.Info("pending payment settled",
			zap.Int64("ownerID", ownerID),
			zap.String("reference", reference),
			zap.String("status", string(status)),
		)
	}
	return nil
}
