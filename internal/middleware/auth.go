// Package middleware содержит HTTP middleware сервиса оплаты.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const ownerIDKey contextKey = "ownerID"

const (
	authCookieName = "checkout_auth"
	authCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware проверяет подписанный cookie и кладёт идентификатор владельца в контекст.
type AuthMiddleware struct {
	secretKey []byte
	now       func() time.Time
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете генерируется случайный ключ,
// и cookie перестают действовать после перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			key = []byte("yearbook-checkout-fallback-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		now:       time.Now,
	}
}

// Middleware пропускает запрос дальше только с действительным cookie.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ownerID, ok := a.parse(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
	})
}

// SetAuthCookie выдаёт cookie авторизации владельцу ownerID.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, ownerID int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(strconv.FormatInt(ownerID, 10)),
		Path:     "/",
		Expires:  a.now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sign возвращает "<id>.<hmac>". Cookie с SameSite=Lax переживает возврат со страницы шлюза.
func (a *AuthMiddleware) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parse(value string) (int64, bool) {
	id, _, found := strings.Cut(value, ".")
	if !found {
		return 0, false
	}

	if !hmac.Equal([]byte(value), []byte(a.sign(id))) {
		return 0, false
	}

	ownerID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || ownerID <= 0 {
		return 0, false
	}

	return ownerID, true
}

// WithOwnerID возвращает контекст с идентификатором владельца.
func WithOwnerID(ctx context.Context, ownerID int64) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// OwnerIDFromContext извлекает идентификатор владельца из контекста запроса.
func OwnerIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ownerIDKey).(int64)
	return id, ok
}
