package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/yearbook-checkout/internal/gateway"
	"github.com/mmeshcher/yearbook-checkout/internal/model"
	"github.com/mmeshcher/yearbook-checkout/internal/repository"
)

// Checkout содержит результат успешной инициации платежа.
type Checkout struct {
	Reference        string
	RedirectURL      string
	AmountMinorUnits int64
	Currency         string
	Rate             decimal.Decimal
}

// VerificationResult содержит итог проверки платежа.
type VerificationResult struct {
	Reference         string
	Status            model.VerificationStatus
	AmountMinorUnits  int64
	Currency          string
	Entitlements      []model.Entitlement
	AlreadyReconciled bool
}

// InitiateCheckout строит запрос по корзине пользователя, создаёт сессию со снимком корзины,
// регистрирует платёж в шлюзе и сохраняет ссылку до перехода на страницу оплаты.
// При ошибке шлюза корзина не меняется, а сессия остаётся в initiated до очистки по таймауту.
func (s *Service) InitiateCheckout(ctx context.Context, ownerID int64) (*Checkout, error) {
	acc, err := s.repo.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	cart, err := s.repo.ListCart(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	req, err := s.builder.Build(ctx, *acc, cart)
	if err != nil {
		return nil, err
	}
	if req.AmountMinorUnits <= 0 {
		return nil, ErrNothingToPay
	}

	session := model.PaymentSession{
		Reference:          req.Reference,
		OwnerID:            ownerID,
		AmountMinorUnits:   req.AmountMinorUnits,
		SettlementCurrency: req.SettlementCurrency,
		Status:             model.SessionStatusInitiated,
		Items:              req.Items,
	}
	if err := s.repo.CreateSession(ctx, session, req.Rate); err != nil {
		return nil, err
	}

	res, err := s.gateway.Initiate(ctx, req)
	if err != nil {
		s.logger.Warn("payment initiation failed",
			zap.Int64("ownerID", ownerID),
			zap.String("reference", req.Reference),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, gateway.ErrInvalidRequest):
			return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		case errors.Is(err, gateway.ErrUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	if res.Reference != req.Reference {
		s.logger.Warn("gateway returned a different reference",
			zap.String("reference", req.Reference),
			zap.String("gatewayReference", res.Reference),
		)
	}

	if err := s.recovery.Save(ctx, ownerID, req.Reference); err != nil {
		return nil, err
	}

	s.logger.Info("payment initiated",
		zap.Int64("ownerID", ownerID),
		zap.String("reference", req.Reference),
		zap.Int64("amount", req.AmountMinorUnits),
		zap.String("currency", req.SettlementCurrency),
	)

	return &Checkout{
		Reference:        req.Reference,
		RedirectURL:      res.RedirectURL,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.SettlementCurrency,
		Rate:             req.Rate,
	}, nil
}

// Reconcile проверяет платёж в шлюзе и выдаёт доступы по снимку корзины ровно один раз.
// Повторный вызов для уже сверенной сессии не обращается к шлюзу и возвращает прежние доступы.
func (s *Service) Reconcile(ctx context.Context, ownerID int64, reference string) (*VerificationResult, error) {
	log := s.logger.With(zap.Int64("ownerID", ownerID), zap.String("reference", reference))

	session, err := s.repo.GetSession(ctx, reference)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			log.Warn("verification for unknown payment reference")
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.OwnerID != ownerID {
		log.Warn("verification for payment reference of another owner", zap.Int64("sessionOwnerID", session.OwnerID))
		return nil, ErrSessionNotFound
	}

	switch session.Status {
	case model.SessionStatusReconciled:
		ents, err := s.repo.GetSessionEntitlements(ctx, reference)
		if err != nil {
			return nil, err
		}
		s.settle(ctx, ownerID, reference, model.VerificationVerified)
		return verifiedResult(session, ents, true), nil
	case model.SessionStatusFailed:
		s.settle(ctx, ownerID, reference, model.VerificationFailed)
		return nil, ErrPaymentFailed
	}

	tx, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			return nil, ErrNotFoundYet
		case errors.Is(err, gateway.ErrUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	switch tx.Status {
	case model.VerificationPending:
		return &VerificationResult{
			Reference:        reference,
			Status:           model.VerificationPending,
			AmountMinorUnits: session.AmountMinorUnits,
			Currency:         session.SettlementCurrency,
		}, nil
	case model.VerificationFailed:
		if _, err := s.repo.MarkSessionFailed(ctx, reference); err != nil {
			return nil, err
		}
		log.Info("payment failed at gateway")
		s.settle(ctx, ownerID, reference, model.VerificationFailed)
		return nil, ErrPaymentFailed
	}

	if tx.AmountMinorUnits != session.AmountMinorUnits || !strings.EqualFold(tx.Currency, session.SettlementCurrency) {
		log.Error("gateway transaction does not match payment session",
			zap.Int64("expectedAmount", session.AmountMinorUnits),
			zap.Int64("reportedAmount", tx.AmountMinorUnits),
			zap.String("expectedCurrency", session.SettlementCurrency),
			zap.String("reportedCurrency", tx.Currency),
		)
		return nil, ErrAmountMismatch
	}

	ents, already, err := s.repo.ReconcileSession(ctx, reference)
	if err != nil {
		if errors.Is(err, repository.ErrSessionFailed) {
			return nil, ErrPaymentFailed
		}
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if !already {
		log.Info("payment reconciled", zap.Int("entitlements", len(ents)))
	}
	s.settle(ctx, ownerID, reference, model.VerificationVerified)

	return verifiedResult(session, ents, already), nil
}

// settle очищает сохранённую ссылку. Ошибка хранилища не отменяет уже выполненную сверку.
func (s *Service) settle(ctx context.Context, ownerID int64, reference string, status model.VerificationStatus) {
	if err := s.recovery.Settle(ctx, ownerID, reference, status); err != nil {
		s.logger.Error("settle pending reference error",
			zap.Int64("ownerID", ownerID),
			zap.String("reference", reference),
			zap.Error(err),
		)
	}
}

func verifiedResult(session *model.PaymentSession, ents []model.Entitlement, already bool) *VerificationResult {
	return &VerificationResult{
		Reference:         session.Reference,
		Status:            model.VerificationVerified,
		AmountMinorUnits:  session.AmountMinorUnits,
		Currency:          session.SettlementCurrency,
		Entitlements:      ents,
		AlreadyReconciled: already,
	}
}

// PendingPayment возвращает незавершённую ссылку пользователя, если она есть.
func (s *Service) PendingPayment(ctx context.Context, ownerID int64) (string, bool, error) {
	return s.recovery.Load(ctx, ownerID)
}
