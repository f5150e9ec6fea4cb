// Package checkout собирает из корзины и профиля пользователя запрос на оплату для платёжного шлюза.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
	"github.com/mmeshcher/yearbook-checkout/internal/validation"
)

var (
	// ErrMissingField возвращается, если в профиле нет обязательного для оплаты поля.
	ErrMissingField = errors.New("missing required field")
	// ErrEmptyCart возвращается при попытке оплатить пустую корзину.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidItem возвращается для позиции корзины с некорректным количеством или ценой.
	ErrInvalidItem = errors.New("invalid cart item")
)

// MissingFieldError указывает, какого поля не хватает.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingField, e.Field)
}

// Is позволяет сравнивать ошибку с ErrMissingField через errors.Is.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

var minorUnitsPerMajor = decimal.NewFromInt(100)

// RateProvider возвращает курс пары валют.
type RateProvider interface {
	GetRate(ctx context.Context, base, display string) decimal.Decimal
}

// Builder строит PaymentRequest. Сумма пересчитывается один раз, при сборке запроса.
type Builder struct {
	rates        RateProvider
	base         string
	settlement   string
	newReference func(ownerID int64) string
	logger       *zap.Logger
}

// Option настраивает Builder.
type Option func(*Builder)

// WithReferenceFunc подменяет генератор ссылок на платёж.
func WithReferenceFunc(fn func(ownerID int64) string) Option {
	return func(b *Builder) {
		b.newReference = fn
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder создаёт Builder для пары базовая валюта → валюта расчёта.
func NewBuilder(rates RateProvider, base, settlement string, opts ...Option) *Builder {
	b := &Builder{
		rates:        rates,
		base:         strings.ToUpper(base),
		settlement:   strings.ToUpper(settlement),
		newReference: NewReference,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewReference возвращает уникальную ссылку на попытку оплаты.
func NewReference(ownerID int64) string {
	return fmt.Sprintf("YB-%d-%s", ownerID, uuid.NewString())
}

// Build собирает запрос на оплату корзины cart пользователем acc.
func (b *Builder) Build(ctx context.Context, acc model.Account, cart []model.CartItem) (model.PaymentRequest, error) {
	if len(cart) == 0 {
		return model.PaymentRequest{}, ErrEmptyCart
	}

	customer, err := CustomerFromAccount(acc)
	if err != nil {
		return model.PaymentRequest{}, err
	}

	rawPhone := customer.CustomerContact().Phone
	phone, recognized := validation.NormalizePhone(rawPhone)
	if !recognized {
		b.logger.Warn("unrecognized phone format, passing through to gateway",
			zap.Int64("ownerID", acc.ID),
			zap.String("phone", phone),
		)
	}

	total := decimal.Zero
	items := make([]model.SnapshotItem, 0, len(cart))
	for _, it := range cart {
		if it.Quantity <= 0 || it.UnitPriceBase.IsNegative() {
			return model.PaymentRequest{}, fmt.Errorf("%w: %d", ErrInvalidItem, it.ID)
		}
		total = total.Add(it.Subtotal())
		items = append(items, snapshotOf(it))
	}

	rate := b.rates.GetRate(ctx, b.base, b.settlement)

	return model.PaymentRequest{
		Reference:          b.newReference(acc.ID),
		OwnerID:            acc.ID,
		Customer:           customer,
		Phone:              phone,
		PhoneRecognized:    recognized,
		AmountMinorUnits:   MinorUnits(total, rate),
		SettlementCurrency: b.settlement,
		Rate:               rate,
		Items:              items,
	}, nil
}

// MinorUnits переводит сумму в базовой валюте в минимальные единицы валюты расчёта
// с округлением до ближайшего целого.
func MinorUnits(totalBase, rate decimal.Decimal) int64 {
	return totalBase.Mul(rate).Mul(minorUnitsPerMajor).Round(0).IntPart()
}

// CustomerFromAccount определяет плательщика по классу учётной записи.
// Email и телефон обязательны всегда, имя и фамилия нужны только зрителям.
func CustomerFromAccount(acc model.Account) (model.Customer, error) {
	switch acc.Kind {
	case model.AccountKindSchool:
		org := model.Organization{
			Name: strings.TrimSpace(acc.SchoolName),
			AdminContact: model.Contact{
				Email: strings.TrimSpace(acc.AdminEmail),
				Phone: strings.TrimSpace(acc.AdminPhone),
			},
		}
		if org.AdminContact.Email == "" {
			return nil, &MissingFieldError{Field: "admin_email"}
		}
		if org.AdminContact.Phone == "" {
			return nil, &MissingFieldError{Field: "admin_phone"}
		}
		if org.Name == "" {
			return nil, &MissingFieldError{Field: "school_name"}
		}
		return org, nil

	case model.AccountKindViewer:
		ind := model.Individual{
			FirstName: strings.TrimSpace(acc.FirstName),
			LastName:  strings.TrimSpace(acc.LastName),
			Contact: model.Contact{
				Email: strings.TrimSpace(acc.Email),
				Phone: strings.TrimSpace(acc.Phone),
			},
		}
		if ind.Contact.Email == "" {
			return nil, &MissingFieldError{Field: "email"}
		}
		if ind.Contact.Phone == "" {
			return nil, &MissingFieldError{Field: "phone"}
		}
		if ind.FirstName == "" {
			return nil, &MissingFieldError{Field: "first_name"}
		}
		if ind.LastName == "" {
			return nil, &MissingFieldError{Field: "last_name"}
		}
		return ind, nil
	}

	return nil, &MissingFieldError{Field: "account_kind"}
}

func snapshotOf(it model.CartItem) model.SnapshotItem {
	s := model.SnapshotItem{
		CartItemID:    it.ID,
		ItemType:      it.ItemType,
		Quantity:      it.Quantity,
		UnitPriceBase: it.UnitPriceBase,
	}
	if it.SchoolID != nil {
		v := *it.SchoolID
		s.SchoolID = &v
	}
	if it.Year != nil {
		v := *it.Year
		s.Year = &v
	}
	return s
}
