// Package service реализует бизнес-логику сервиса оплаты: корзину, инициацию платежа,
// сверку результата со шлюзом и выдачу доступов.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/yearbook-checkout/internal/checkout"
	"github.com/mmeshcher/yearbook-checkout/internal/gateway"
	"github.com/mmeshcher/yearbook-checkout/internal/model"
	"github.com/mmeshcher/yearbook-checkout/internal/recovery"
	"github.com/mmeshcher/yearbook-checkout/internal/repository"
)

var (
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidAccount возвращается при некорректных данных регистрации.
	ErrInvalidAccount = errors.New("invalid account data")
	// ErrInvalidCartItem возвращается при некорректной позиции корзины.
	ErrInvalidCartItem = errors.New("invalid cart item")
	// ErrNotSchool возвращается, если цену альбома пытается задать не школа.
	ErrNotSchool = errors.New("only school accounts can set yearbook prices")
	// ErrNothingToPay возвращается, если сумма к оплате равна нулю.
	ErrNothingToPay = errors.New("nothing to pay")
	// ErrGatewayUnavailable возвращается при временной недоступности шлюза.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected возвращается, если шлюз отклонил запрос на оплату.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrSessionNotFound возвращается, если ссылка на платёж неизвестна серверу.
	ErrSessionNotFound = errors.New("payment session not found")
	// ErrNotFoundYet возвращается, если шлюз ещё не завершил обработку транзакции.
	ErrNotFoundYet = errors.New("transaction not found yet")
	// ErrPaymentFailed возвращается, если шлюз окончательно отклонил платёж.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrAmountMismatch возвращается, если сумма или валюта транзакции не совпадают с сессией.
	ErrAmountMismatch = errors.New("transaction amount mismatch")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateAccount(ctx context.Context, acc model.Account) (int64, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	GetAccount(ctx context.Context, id int64) (*model.Account, error)

	SetYearbookPrice(ctx context.Context, schoolID int64, year int, price decimal.Decimal) error
	GetYearbookPrice(ctx context.Context, schoolID int64, year int) (decimal.Decimal, error)

	AddCartItem(ctx context.Context, item model.CartItem) (*model.CartItem, error)
	ListCart(ctx context.Context, ownerID int64) ([]model.CartItem, error)
	RemoveCartItem(ctx context.Context, ownerID, itemID int64) error

	CreateSession(ctx context.Context, s model.PaymentSession, rate decimal.Decimal) error
	GetSession(ctx context.Context, reference string) (*model.PaymentSession, error)
	MarkSessionFailed(ctx context.Context, reference string) (bool, error)
	MarkAbandoned(ctx context.Context, before time.Time) (int64, error)
	ReconcileSession(ctx context.Context, reference string) ([]model.Entitlement, bool, error)
	GetSessionEntitlements(ctx context.Context, reference string) ([]model.Entitlement, error)
	ListEntitlements(ctx context.Context, ownerID int64) ([]model.Entitlement, error)
}

// Gateway описывает платёжный шлюз.
type Gateway interface {
	Initiate(ctx context.Context, req model.PaymentRequest) (*gateway.Initiation, error)
	Verify(ctx context.Context, reference string) (*model.Transaction, error)
}

// RateQuoter возвращает курс вместе со временем его получения.
type RateQuoter interface {
	Quote(ctx context.Context, base, display string) model.ExchangeRate
}

// Options содержит параметры сервиса, не зависящие от хранилища.
type Options struct {
	BaseCurrency       string
	SettlementCurrency string
	BadgeSlotPrice     decimal.Decimal
	AbandonAfter       time.Duration
	SweepInterval      time.Duration
	Logger             *zap.Logger
}

// Service содержит бизнес-логику сервиса оплаты.
type Service struct {
	repo     Repository
	gateway  Gateway
	builder  *checkout.Builder
	recovery *recovery.Recovery
	rates    RateQuoter

	base          string
	settlement    string
	badgePrice    decimal.Decimal
	abandonAfter  time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewService создаёт новый сервис.
func NewService(repo Repository, gw Gateway, builder *checkout.Builder, rec *recovery.Recovery, rates RateQuoter, opts Options) *Service {
	s := &Service{
		repo:          repo,
		gateway:       gw,
		builder:       builder,
		recovery:      rec,
		rates:         rates,
		base:          strings.ToUpper(opts.BaseCurrency),
		settlement:    strings.ToUpper(opts.SettlementCurrency),
		badgePrice:    opts.BadgeSlotPrice,
		abandonAfter:  opts.AbandonAfter,
		sweepInterval: opts.SweepInterval,
		logger:        opts.Logger,
		now:           time.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = time.Minute
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Registration содержит данные для создания учётной записи.
type Registration struct {
	Login      string
	Password   string
	Kind       model.AccountKind
	SchoolName string
	AdminEmail string
	AdminPhone string
	FirstName  string
	LastName   string
	Email      string
	Phone      string
}

// RegisterAccount регистрирует новую учётную запись.
func (s *Service) RegisterAccount(ctx context.Context, reg Registration) (int64, error) {
	if reg.Login == "" || reg.Password == "" {
		return 0, fmt.Errorf("%w: login and password are required", ErrInvalidAccount)
	}
	if reg.Kind == "" {
		reg.Kind = model.AccountKindViewer
	}
	if reg.Kind != model.AccountKindSchool && reg.Kind != model.AccountKindViewer {
		return 0, fmt.Errorf("%w: unknown account kind %q", ErrInvalidAccount, reg.Kind)
	}

	id, err := s.repo.CreateAccount(ctx, model.Account{
		Login:        reg.Login,
		PasswordHash: hashPassword(reg.Login, reg.Password),
		Kind:         reg.Kind,
		SchoolName:   reg.SchoolName,
		AdminEmail:   reg.AdminEmail,
		AdminPhone:   reg.AdminPhone,
		FirstName:    reg.FirstName,
		LastName:     reg.LastName,
		Email:        reg.Email,
		Phone:        reg.Phone,
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Authenticate проверяет логин и пароль и возвращает идентификатор учётной записи.
func (s *Service) Authenticate(ctx context.Context, login, password string) (int64, error) {
	acc, err := s.repo.GetAccountByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if subtle.ConstantTimeCompare(hashPassword(login, password), acc.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return acc.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// SetYearbookPrice задаёт цену альбома школы за год.
func (s *Service) SetYearbookPrice(ctx context.Context, schoolID int64, year int, price decimal.Decimal) error {
	if year <= 0 || price.IsNegative() {
		return fmt.Errorf("%w: year %d price %s", ErrInvalidCartItem, year, price)
	}

	acc, err := s.repo.GetAccount(ctx, schoolID)
	if err != nil {
		return err
	}
	if acc.Kind != model.AccountKindSchool {
		return ErrNotSchool
	}

	return s.repo.SetYearbookPrice(ctx, schoolID, year, price)
}

// CartRequest описывает запрос на добавление позиции в корзину.
type CartRequest struct {
	ItemType model.ItemType
	SchoolID *int64
	Year     *int
	Quantity int
}

// AddToCart добавляет позицию в корзину, фиксируя текущую цену.
func (s *Service) AddToCart(ctx context.Context, ownerID int64, req CartRequest) (*model.CartItem, error) {
	item := model.CartItem{
		OwnerID:  ownerID,
		ItemType: req.ItemType,
		Quantity: req.Quantity,
	}

	switch req.ItemType {
	case model.ItemTypeYearbookYear:
		if req.SchoolID == nil || req.Year == nil || *req.Year <= 0 {
			return nil, fmt.Errorf("%w: school_id and year are required", ErrInvalidCartItem)
		}
		price, err := s.repo.GetYearbookPrice(ctx, *req.SchoolID, *req.Year)
		if err != nil {
			return nil, err
		}
		item.SchoolID = req.SchoolID
		item.Year = req.Year
		item.Quantity = 1
		item.UnitPriceBase = price
	case model.ItemTypeBadgeSlot:
		if req.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidCartItem)
		}
		item.UnitPriceBase = s.badgePrice
	default:
		return nil, fmt.Errorf("%w: unknown item type %q", ErrInvalidCartItem, req.ItemType)
	}

	return s.repo.AddCartItem(ctx, item)
}

// ListCart возвращает корзину пользователя.
func (s *Service) ListCart(ctx context.Context, ownerID int64) ([]model.CartItem, error) {
	return s.repo.ListCart(ctx, ownerID)
}

// RemoveFromCart удаляет позицию из корзины пользователя.
func (s *Service) RemoveFromCart(ctx context.Context, ownerID, itemID int64) error {
	return s.repo.RemoveCartItem(ctx, ownerID, itemID)
}

// ListEntitlements возвращает выданные пользователю доступы.
func (s *Service) ListEntitlements(ctx context.Context, ownerID int64) ([]model.Entitlement, error) {
	return s.repo.ListEntitlements(ctx, ownerID)
}

// Rate возвращает текущий курс базовой валюты к валюте расчёта.
func (s *Service) Rate(ctx context.Context) model.ExchangeRate {
	return s.rates.Quote(ctx, s.base, s.settlement)
}

// Currencies возвращает базовую валюту и валюту расчёта.
func (s *Service) Currencies() (string, string) {
	return s.base, s.settlement
}
