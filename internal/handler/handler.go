// Package handler содержит HTTP-обработчики API сервиса оплаты.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/yearbook-checkout/internal/checkout"
	"github.com/mmeshcher/yearbook-checkout/internal/middleware"
	"github.com/mmeshcher/yearbook-checkout/internal/model"
	"github.com/mmeshcher/yearbook-checkout/internal/repository"
	"github.com/mmeshcher/yearbook-checkout/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, reg service.Registration) (int64, error)
	Authenticate(ctx context.Context, login, password string) (int64, error)
	SetYearbookPrice(ctx context.Context, schoolID int64, year int, price decimal.Decimal) error
	AddToCart(ctx context.Context, ownerID int64, req service.CartRequest) (*model.CartItem, error)
	ListCart(ctx context.Context, ownerID int64) ([]model.CartItem, error)
	RemoveFromCart(ctx context.Context, ownerID, itemID int64) error
	InitiateCheckout(ctx context.Context, ownerID int64) (*service.Checkout, error)
	Reconcile(ctx context.Context, ownerID int64, reference string) (*service.VerificationResult, error)
	PendingPayment(ctx context.Context, ownerID int64) (string, bool, error)
	ListEntitlements(ctx context.Context, ownerID int64) ([]model.Entitlement, error)
	Rate(ctx context.Context) model.ExchangeRate
	Currencies() (string, string)
}

// Handler реализует HTTP-обработчики API сервиса оплаты.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeServiceError отображает ошибки бизнес-логики на HTTP-статусы и машиночитаемые коды.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var missing *checkout.MissingFieldError

	switch {
	case errors.As(err, &missing):
		writeError(w, http.StatusUnprocessableEntity, "missing_field", missing.Error())
	case errors.Is(err, checkout.ErrEmptyCart):
		writeError(w, http.StatusUnprocessableEntity, "empty_cart", err.Error())
	case errors.Is(err, checkout.ErrInvalidItem),
		errors.Is(err, service.ErrInvalidCartItem),
		errors.Is(err, service.ErrNothingToPay),
		errors.Is(err, service.ErrGatewayRejected):
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case errors.Is(err, service.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, service.ErrNotSchool):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, repository.ErrAccountExists):
		writeError(w, http.StatusConflict, "account_exists", "login already taken")
	case errors.Is(err, repository.ErrCartItemExists):
		writeError(w, http.StatusConflict, "cart_item_exists", err.Error())
	case errors.Is(err, repository.ErrCartItemNotFound):
		writeError(w, http.StatusNotFound, "cart_item_not_found", err.Error())
	case errors.Is(err, repository.ErrYearbookNotFound):
		writeError(w, http.StatusNotFound, "yearbook_not_found", err.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, "gateway_unavailable", "payment gateway is unavailable, try again later")
	case errors.Is(err, service.ErrNotFoundYet):
		writeError(w, http.StatusAccepted, "not_found_yet", "payment is still being processed, check again later")
	case errors.Is(err, service.ErrPaymentFailed):
		writeError(w, http.StatusPaymentRequired, "payment_failed", err.Error())
	case errors.Is(err, service.ErrAmountMismatch):
		writeError(w, http.StatusConflict, "amount_mismatch", err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		h.logger.Error("request error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", http.StatusText(http.StatusInternalServerError))
	}
}

func ownerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", http.StatusText(http.StatusUnauthorized))
	}
	return id, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

type registerRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	Kind       string `json:"kind"`
	SchoolName string `json:"school_name"`
	AdminEmail string `json:"admin_email"`
	AdminPhone string `json:"admin_phone"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
}

// Register регистрирует учётную запись и выдаёт cookie авторизации.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.RegisterAccount(r.Context(), service.Registration{
		Login:      req.Login,
		Password:   req.Password,
		Kind:       model.AccountKind(req.Kind),
		SchoolName: req.SchoolName,
		AdminEmail: req.AdminEmail,
		AdminPhone: req.AdminPhone,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Email:      req.Email,
		Phone:      req.Phone,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, id)
	w.WriteHeader(http.StatusOK)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login аутентифицирует пользователя и выдаёт cookie авторизации.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "login and password are required")
		return
	}

	id, err := h.service.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, id)
	w.WriteHeader(http.StatusOK)
}

type priceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SetYearbookPrice задаёт цену альбома текущей школы за год из пути.
func (h *Handler) SetYearbookPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "year must be a number")
		return
	}

	var req priceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SetYearbookPrice(r.Context(), id, year, req.Price); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type cartItemRequest struct {
	ItemType string `json:"item_type"`
	SchoolID *int64 `json:"school_id,omitempty"`
	Year     *int   `json:"year,omitempty"`
	Quantity int    `json:"quantity"`
}

type cartItemResponse struct {
	ID            int64           `json:"id"`
	ItemType      string          `json:"item_type"`
	SchoolID      *int64          `json:"school_id,omitempty"`
	Year          *int            `json:"year,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitPriceBase decimal.Decimal `json:"unit_price"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	AddedAt       string          `json:"added_at"`
}

func toCartItemResponse(it model.CartItem) cartItemResponse {
	return cartItemResponse{
		ID:            it.ID,
		ItemType:      string(it.ItemType),
		SchoolID:      it.SchoolID,
		Year:          it.Year,
		Quantity:      it.Quantity,
		UnitPriceBase: it.UnitPriceBase,
		Subtotal:      it.Subtotal(),
		AddedAt:       it.CreatedAt.Format(time.RFC3339),
	}
}

// AddToCart добавляет позицию в корзину текущего пользователя.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req cartItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	item, err := h.service.AddToCart(r.Context(), id, service.CartRequest{
		ItemType: model.ItemType(req.ItemType),
		SchoolID: req.SchoolID,
		Year:     req.Year,
		Quantity: req.Quantity,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCartItemResponse(*item))
}

type cartResponse struct {
	Items     []cartItemResponse `json:"items"`
	TotalBase decimal.Decimal    `json:"total"`
	Currency  string             `json:"currency"`
}

// GetCart возвращает корзину текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListCart(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	base, _ := h.service.Currencies()
	resp := cartResponse{
		Items:     make([]cartItemResponse, 0, len(items)),
		TotalBase: decimal.Zero,
		Currency:  base,
	}
	for _, it := range items {
		resp.Items = append(resp.Items, toCartItemResponse(it))
		resp.TotalBase = resp.TotalBase.Add(it.Subtotal())
	}

	writeJSON(w, http.StatusOK, resp)
}

// RemoveFromCart удаляет позицию из корзины текущего пользователя.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	itemID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "item id must be a number")
		return
	}

	if err := h.service.RemoveFromCart(r.Context(), id, itemID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type checkoutResponse struct {
	Reference   string          `json:"reference"`
	RedirectURL string          `json:"redirect_url"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Rate        decimal.Decimal `json:"rate"`
}

// InitiatePayment начинает оплату корзины и возвращает адрес страницы шлюза.
// Ссылка на платёж уже сохранена к моменту ответа.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	co, err := h.service.InitiateCheckout(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		Reference:   co.Reference,
		RedirectURL: co.RedirectURL,
		Amount:      co.AmountMinorUnits,
		Currency:    co.Currency,
		Rate:        co.Rate,
	})
}

type entitlementResponse struct {
	ID         int64  `json:"id"`
	Kind       string `json:"kind"`
	CartItemID int64  `json:"cart_item_id"`
	SchoolID   *int64 `json:"school_id,omitempty"`
	Year       *int   `json:"year,omitempty"`
	Quantity   int    `json:"quantity"`
	Reference  string `json:"reference"`
	GrantedAt  string `json:"granted_at"`
}

func toEntitlementResponses(ents []model.Entitlement) []entitlementResponse {
	resp := make([]entitlementResponse, 0, len(ents))
	for _, e := range ents {
		resp = append(resp, entitlementResponse{
			ID:         e.ID,
			Kind:       string(e.Kind),
			CartItemID: e.CartItemID,
			SchoolID:   e.SchoolID,
			Year:       e.Year,
			Quantity:   e.Quantity,
			Reference:  e.SessionReference,
			GrantedAt:  e.GrantedAt.Format(time.RFC3339),
		})
	}
	return resp
}

type verificationResponse struct {
	Reference         string                `json:"reference"`
	Status            string                `json:"status"`
	Amount            int64                 `json:"amount"`
	Currency          string                `json:"currency"`
	AlreadyReconciled bool                  `json:"already_reconciled"`
	Entitlements      []entitlementResponse `json:"entitlements"`
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request, id int64, reference string) {
	res, err := h.service.Reconcile(r.Context(), id, reference)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == model.VerificationPending {
		status = http.StatusAccepted
	}

	writeJSON(w, status, verificationResponse{
		Reference:         res.Reference,
		Status:            string(res.Status),
		Amount:            res.AmountMinorUnits,
		Currency:          res.Currency,
		AlreadyReconciled: res.AlreadyReconciled,
		Entitlements:      toEntitlementResponses(res.Entitlements),
	})
}

// VerifyPayment проверяет платёж по ссылке из пути и выдаёт доступы.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	h.verify(w, r, id, chi.URLParam(r, "reference"))
}

// PaymentCallback обрабатывает возврат со страницы шлюза. Если шлюз не передал ссылку,
// используется сохранённая ссылка пользователя.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	reference := r.URL.Query().Get("reference")
	if reference == "" {
		reference = r.URL.Query().Get("trxref")
	}
	if reference == "" {
		ref, found, err := h.service.PendingPayment(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "session_not_found", "no pending payment")
			return
		}
		reference = ref
	}

	h.verify(w, r, id, reference)
}

type pendingResponse struct {
	Reference string `json:"reference"`
}

// GetPendingPayment возвращает незавершённую ссылку пользователя.
func (h *Handler) GetPendingPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	ref, found, err := h.service.PendingPayment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, pendingResponse{Reference: ref})
}

// GetEntitlements возвращает доступы текущего пользователя.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	ents, err := h.service.ListEntitlements(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(ents) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toEntitlementResponses(ents))
}

type rateResponse struct {
	Base      string          `json:"base"`
	Currency  string          `json:"currency"`
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt *string         `json:"fetched_at,omitempty"`
	Fallback  bool            `json:"fallback"`
}

// GetRate возвращает текущий курс базовой валюты к валюте расчёта.
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	q := h.service.Rate(r.Context())
	base, settlement := h.service.Currencies()

	resp := rateResponse{
		Base:     base,
		Currency: settlement,
		Rate:     q.Rate,
		Fallback: q.IsFallback(),
	}
	if !q.IsFallback() {
		ts := q.FetchedAt.Format(time.RFC3339)
		resp.FetchedAt = &ts
	}

	writeJSON(w, http.StatusOK, resp)
}
