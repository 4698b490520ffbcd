package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ErrPriceUnavailable means no current and no last-known price exists for
// the symbol. Callers must treat it as "unknown", never as zero.
var ErrPriceUnavailable = errors.New("price unavailable")

type entry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Service is a read-through price cache over the upstream market-data
// proxy. Concurrent cache misses collapse into one upstream fetch; a failed
// fetch degrades to the last known value instead of failing the caller.
// When rdb is set, fetched prices are mirrored to Redis so multiple
// processes share one upstream budget.
type Service struct {
	url    string
	ttl    time.Duration
	client *http.Client
	rdb    *redis.Client
	log    zerolog.Logger

	sf    singleflight.Group
	mu    sync.RWMutex
	cache map[string]entry

	// mirror runs outside the cache lock for every accepted quote
	mirror func(ctx context.Context, symbol string, p decimal.Decimal)
}

func NewService(url string, ttl time.Duration, rdb *redis.Client, log zerolog.Logger) *Service {
	s := &Service{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
		rdb:    rdb,
		log:    log.With().Str("component", "prices").Logger(),
		cache:  make(map[string]entry),
	}
	s.mirror = s.toRedis
	return s
}

func (s *Service) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	e, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < s.ttl {
		return e.price, nil
	}

	_, err, _ := s.sf.Do("fetch", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("price refresh failed, serving last known")
	}

	s.mu.RLock()
	e, ok = s.cache[symbol]
	s.mu.RUnlock()
	if ok {
		return e.price, nil
	}
	if p, redisErr := s.fromRedis(ctx, symbol); redisErr == nil {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
}

// refresh pulls the full quote map from the upstream proxy. The endpoint
// answers {"BTC": "67000.12", ...}; zero or negative quotes are dropped.
func (s *Service) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price source status %d", resp.StatusCode)
	}
	var raw map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return err
	}
	now := time.Now()
	fresh := make(map[string]decimal.Decimal, len(raw))
	for sym, v := range raw {
		p, err := decimal.NewFromString(v)
		if err != nil || !p.IsPositive() {
			continue
		}
		fresh[sym] = p
	}
	s.mu.Lock()
	for sym, p := range fresh {
		s.cache[sym] = entry{price: p, fetchedAt: now}
	}
	s.mu.Unlock()
	// the redis round-trip is a network call; readers must not wait on it
	for sym, p := range fresh {
		s.mirror(ctx, sym, p)
	}
	return nil
}

func (s *Service) fromRedis(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	v, err := s.rdb.Get(ctx, "price:"+symbol).Result()
	if err != nil {
		return decimal.Zero, err
	}
	p, err := decimal.NewFromString(v)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, redis.Nil
	}
	return p, nil
}

func (s *Service) toRedis(ctx context.Context, symbol string, p decimal.Decimal) {
	if s.rdb == nil {
		return
	}
	// best effort; a flaky redis must not affect the fetch path
	if err := s.rdb.Set(ctx, "price:"+symbol, p.String(), 10*s.ttl).Err(); err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("redis set failed")
	}
}

// Seed preloads last-known prices; used at startup and in tests.
func (s *Service) Seed(quotes map[string]decimal.Decimal) {
	now := time.Now()
	s.mu.Lock()
	for sym, p := range quotes {
		s.cache[sym] = entry{price: p, fetchedAt: now}
	}
	s.mu.Unlock()
}

// Fixed is a static PriceSource for tests and offline tooling.
type Fixed map[string]decimal.Decimal

func (f Fixed) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := f[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return p, nil
}
