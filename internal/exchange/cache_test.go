package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

type stubSource struct {
	calls atomic.Int32
	rate  decimal.Decimal
	err   error
	delay time.Duration
}

func (s *stubSource) FetchRate(ctx context.Context, base, display string) (decimal.Decimal, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.rate, s.err
}

// blockingSource отвечает только после закрытия release и учитывает отмену ctx.
type blockingSource struct {
	calls   atomic.Int32
	once    sync.Once
	started chan struct{}
	release chan struct{}
	rate    decimal.Decimal
}

func newBlockingSource(rate decimal.Decimal) *blockingSource {
	return &blockingSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
		rate:    rate,
	}
}

func (s *blockingSource) FetchRate(ctx context.Context, base, display string) (decimal.Decimal, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
		return s.rate, nil
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_ServesCachedRateWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	src := &stubSource{rate: decimal.NewFromInt(1650)}
	cache := NewCache(src, time.Hour, decimal.NewFromInt(1500), WithClock(clock.Now))

	ctx := context.Background()

	rate := cache.GetRate(ctx, "USD", "NGN")
	assert.True(t, rate.Equal(decimal.NewFromInt(1650)))
	assert.Equal(t, int32(1), src.calls.Load())

	clock.Advance(time.Hour - time.Second)
	rate = cache.GetRate(ctx, "USD", "NGN")
	assert.True(t, rate.Equal(decimal.NewFromInt(1650)))
	assert.Equal(t, int32(1), src.calls.Load(), "cached rate must not hit the source")

	clock.Advance(2 * time.Second)
	src.rate = decimal.NewFromInt(1700)
	rate = cache.GetRate(ctx, "USD", "NGN")
	assert.True(t, rate.Equal(decimal.NewFromInt(1700)))
	assert.Equal(t, int32(2), src.calls.Load(), "expired rate must be refetched")
}

func TestCache_FallbackDoesNotPoisonCache(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	src := &stubSource{err: errors.New("connection refused")}
	cache := NewCache(src, time.Hour, decimal.NewFromInt(1500), WithClock(clock.Now))

	ctx := context.Background()

	quote := cache.Quote(ctx, "USD", "NGN")
	assert.True(t, quote.Rate.Equal(decimal.NewFromInt(1500)))
	assert.True(t, quote.IsFallback())

	src.err = nil
	src.rate = decimal.NewFromInt(1650)

	quote = cache.Quote(ctx, "USD", "NGN")
	assert.True(t, quote.Rate.Equal(decimal.NewFromInt(1650)))
	assert.False(t, quote.IsFallback())
	assert.Equal(t, int32(2), src.calls.Load(), "a failed fetch must be retried on the next call")
}

func TestCache_FailedRefreshKeepsRetrying(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	src := &stubSource{rate: decimal.NewFromInt(1650)}
	cache := NewCache(src, time.Hour, decimal.NewFromInt(1500), WithClock(clock.Now))

	ctx := context.Background()
	_ = cache.GetRate(ctx, "USD", "NGN")

	clock.Advance(2 * time.Hour)
	src.err = errors.New("timeout")

	assert.True(t, cache.GetRate(ctx, "USD", "NGN").Equal(decimal.NewFromInt(1500)))
	assert.True(t, cache.GetRate(ctx, "USD", "NGN").Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	src := &stubSource{rate: decimal.NewFromInt(1650), delay: 50 * time.Millisecond}
	cache := NewCache(src, time.Hour, decimal.NewFromInt(1500))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rate := cache.GetRate(context.Background(), "USD", "NGN")
			assert.True(t, rate.Equal(decimal.NewFromInt(1650)))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), src.calls.Load())
}

func TestCache_PairsAreIndependent(t *testing.T) {
	src := &stubSource{rate: decimal.NewFromInt(1650)}
	cache := NewCache(src, time.Hour, decimal.NewFromInt(1500))

	ctx := context.Background()
	_ = cache.GetRate(ctx, "USD", "NGN")
	_ = cache.GetRate(ctx, "usd", "ngn")
	_ = cache.GetRate(ctx, "USD", "GHS")

	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCache_CancelledCallerDoesNotAffectSharedFetch(t *testing.T) {
	src := newBlockingSource(decimal.NewFromInt(1650))
	cache := NewCache(src, time.Hour, decimal.NewFromInt(1500))

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	first := make(chan model.ExchangeRate, 1)
	go func() { first <- cache.Quote(ctxA, "USD", "NGN") }()

	select {
	case <-src.started:
	case <-time.After(time.Second):
		t.Fatal("rate source was not called")
	}

	second := make(chan model.ExchangeRate, 1)
	go func() { second <- cache.Quote(context.Background(), "USD", "NGN") }()

	cancelA()
	quoteA := <-first
	assert.True(t, quoteA.IsFallback(), "cancelled caller falls back")

	close(src.release)
	quoteB := <-second
	assert.False(t, quoteB.IsFallback())
	assert.True(t, quoteB.Rate.Equal(decimal.NewFromInt(1650)))

	cached := cache.Quote(context.Background(), "USD", "NGN")
	assert.True(t, cached.Rate.Equal(decimal.NewFromInt(1650)))
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCache_FetchTimeout(t *testing.T) {
	src := newBlockingSource(decimal.NewFromInt(1650))
	cache := NewCache(src, time.Hour, decimal.NewFromInt(1500), WithFetchTimeout(20*time.Millisecond))

	quote := cache.Quote(context.Background(), "USD", "NGN")
	assert.True(t, quote.IsFallback())
	assert.Equal(t, int32(1), src.calls.Load())
}
