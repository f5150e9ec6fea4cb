package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

const (
	// DefaultTTL задаёт срок годности полученного курса.
	DefaultTTL = time.Hour
	// DefaultFetchTimeout ограничивает один общий запрос к источнику.
	DefaultFetchTimeout = 10 * time.Second
)

// DefaultFallbackRate используется, когда источник курсов недоступен.
var DefaultFallbackRate = decimal.NewFromInt(1500)

// RateSource описывает внешний источник курсов.
type RateSource interface {
	FetchRate(ctx context.Context, base, display string) (decimal.Decimal, error)
}

// Cache хранит по одному курсу на пару валют. Ошибка источника не обновляет запись,
// поэтому следующий вызов снова обращается к источнику.
type Cache struct {
	source       RateSource
	ttl          time.Duration
	fetchTimeout time.Duration
	fallback     decimal.Decimal
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.RWMutex
	entries map[string]model.ExchangeRate
	group   singleflight.Group
}

// CacheOption настраивает Cache.
type CacheOption func(*Cache)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithFetchTimeout задаёт таймаут общего запроса к источнику.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithLogger задаёт логгер кэша.
func WithLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache создаёт кэш курсов с указанным TTL и резервным курсом.
func NewCache(source RateSource, ttl time.Duration, fallback decimal.Decimal, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if !fallback.IsPositive() {
		fallback = DefaultFallbackRate
	}

	c := &Cache{
		source:       source,
		ttl:          ttl,
		fetchTimeout: DefaultFetchTimeout,
		fallback:     fallback,
		logger:       zap.NewNop(),
		now:          time.Now,
		entries:      make(map[string]model.ExchangeRate),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRate возвращает курс base→display. Никогда не возвращает ошибку.
func (c *Cache) GetRate(ctx context.Context, base, display string) decimal.Decimal {
	return c.Quote(ctx, base, display).Rate
}

// Quote возвращает курс вместе со временем получения. Для резервного курса FetchedAt нулевой.
// Общий запрос к источнику не зависит от отмены ctx вызвавшего его клиента: отменённый
// вызов получает резервный курс, остальные ждут результата запроса.
func (c *Cache) Quote(ctx context.Context, base, display string) model.ExchangeRate {
	key := pairKey(base, display)

	if rate, ok := c.fresh(key); ok {
		return rate
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if rate, ok := c.fresh(key); ok {
			return rate, nil
		}

		fctx, cancel := context.WithTimeout(fetchCtx, c.fetchTimeout)
		defer cancel()

		value, err := c.source.FetchRate(fctx, base, display)
		if err != nil {
			return nil, err
		}

		rate := model.ExchangeRate{Rate: value, FetchedAt: c.now()}
		c.mu.Lock()
		c.entries[key] = rate
		c.mu.Unlock()
		return rate, nil
	})

	var (
		v   interface{}
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.logger.Warn("exchange rate source failed, using fallback",
			zap.String("pair", key),
			zap.String("fallback", c.fallback.String()),
			zap.Error(err),
		)
		return model.ExchangeRate{Rate: c.fallback}
	}

	return v.(model.ExchangeRate)
}

func (c *Cache) fresh(key string) (model.ExchangeRate, bool) {
	c.mu.RLock()
	rate, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(rate.FetchedAt) >= c.ttl {
		return model.ExchangeRate{}, false
	}
	return rate, true
}

func pairKey(base, display string) string {
	return strings.ToUpper(base) + ":" + strings.ToUpper(display)
}
