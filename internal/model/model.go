// Package model содержит доменные сущности сервиса оплаты доступа к выпускным альбомам.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind описывает класс учётной записи.
type AccountKind string

const (
	AccountKindSchool AccountKind = "school"
	AccountKindViewer AccountKind = "viewer"
)

// Account представляет зарегистрированного пользователя вместе с профилем, нужным для оплаты.
type Account struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Kind         AccountKind

	// Заполняются для школ.
	SchoolName string
	AdminEmail string
	AdminPhone string

	// Заполняются для зрителей.
	FirstName string
	LastName  string
	Email     string
	Phone     string

	CreatedAt time.Time
}

// ItemType описывает вид позиции корзины.
type ItemType string

const (
	ItemTypeYearbookYear ItemType = "yearbook_year"
	ItemTypeBadgeSlot    ItemType = "badge_slot"
)

// Valid сообщает, известен ли вид позиции.
func (t ItemType) Valid() bool {
	return t == ItemTypeYearbookYear || t == ItemTypeBadgeSlot
}

// CartItem описывает неоплаченную позицию корзины. Цена фиксируется в базовой валюте при добавлении.
type CartItem struct {
	ID            int64
	OwnerID       int64
	ItemType      ItemType
	SchoolID      *int64
	Year          *int
	Quantity      int
	UnitPriceBase decimal.Decimal
	CreatedAt     time.Time
}

// Subtotal возвращает стоимость позиции в базовой валюте.
func (c CartItem) Subtotal() decimal.Decimal {
	return c.UnitPriceBase.Mul(decimal.NewFromInt(int64(c.Quantity)))
}

// ExchangeRate содержит курс базовой валюты к валюте отображения.
// Нулевой FetchedAt означает резервное значение, а не полученное из источника.
type ExchangeRate struct {
	Rate      decimal.Decimal
	FetchedAt time.Time
}

// IsFallback сообщает, что курс не был получен из источника.
func (r ExchangeRate) IsFallback() bool {
	return r.FetchedAt.IsZero()
}

// Contact содержит контактные данные плательщика.
type Contact struct {
	Email string
	Phone string
}

// Customer описывает плательщика: организацию или частное лицо.
type Customer interface {
	CustomerContact() Contact
	isCustomer()
}

// Organization описывает плательщика-школу.
type Organization struct {
	Name         string
	AdminContact Contact
}

// CustomerContact возвращает контакты администратора школы.
func (o Organization) CustomerContact() Contact { return o.AdminContact }

func (Organization) isCustomer() {}

// Individual описывает плательщика-зрителя.
type Individual struct {
	FirstName string
	LastName  string
	Contact   Contact
}

// CustomerContact возвращает контакты зрителя.
func (i Individual) CustomerContact() Contact { return i.Contact }

func (Individual) isCustomer() {}

// SnapshotItem хранит позицию корзины, зафиксированную в момент инициации платежа.
type SnapshotItem struct {
	CartItemID    int64
	ItemType      ItemType
	SchoolID      *int64
	Year          *int
	Quantity      int
	UnitPriceBase decimal.Decimal
}

// PaymentRequest содержит готовый к отправке в платёжный шлюз запрос.
type PaymentRequest struct {
	Reference          string
	OwnerID            int64
	Customer           Customer
	Phone              string
	PhoneRecognized    bool
	AmountMinorUnits   int64
	SettlementCurrency string
	Rate               decimal.Decimal
	Items              []SnapshotItem
}

// SessionStatus описывает состояние платёжной сессии.
type SessionStatus string

const (
	SessionStatusInitiated  SessionStatus = "initiated"
	SessionStatusReconciled SessionStatus = "reconciled"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// IsTerminal сообщает, что сессия больше не может сменить состояние.
// Брошенная сессия не терминальна: шлюз может подтвердить её позже.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusReconciled || s == SessionStatusFailed
}

// PaymentSession описывает серверную запись о попытке оплаты с замороженным снимком корзины.
type PaymentSession struct {
	Reference          string
	OwnerID            int64
	AmountMinorUnits   int64
	SettlementCurrency string
	Status             SessionStatus
	Items              []SnapshotItem
	CreatedAt          time.Time
	ReconciledAt       *time.Time
}

// VerificationStatus описывает статус транзакции по данным шлюза.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationPending  VerificationStatus = "pending"
	VerificationFailed   VerificationStatus = "failed"
)

// Transaction содержит ответ шлюза при проверке транзакции.
type Transaction struct {
	Reference        string
	Status           VerificationStatus
	AmountMinorUnits int64
	Currency         string
}

// EntitlementKind описывает вид выданного доступа.
type EntitlementKind string

const (
	EntitlementYearPurchase   EntitlementKind = "year_purchase"
	EntitlementBadgeSlotGrant EntitlementKind = "badge_slot_grant"
)

// KindForItem возвращает вид доступа, выдаваемого за позицию корзины.
func KindForItem(t ItemType) EntitlementKind {
	if t == ItemTypeBadgeSlot {
		return EntitlementBadgeSlotGrant
	}
	return EntitlementYearPurchase
}

// Entitlement описывает доступ, выданный после подтверждённой оплаты.
type Entitlement struct {
	ID               int64
	OwnerID          int64
	SessionReference string
	CartItemID       int64
	Kind             EntitlementKind
	SchoolID         *int64
	Year             *int
	Quantity         int
	GrantedAt        time.Time
}
