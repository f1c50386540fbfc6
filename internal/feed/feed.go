// Package feed is the Price Feed component: it seeds and streams mark
// prices for the symbols the engine trades, publishing every fresh tick on
// the event bus and serving reads from a sharded in-memory cache.
package feed

import (
	"context"
	"log"
	"math/rand"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/events"
	"trading-core/pkg/cache"
	binance "trading-core/pkg/market/binance"
)

// Tick is the payload published on events.EventPriceTick.
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Feed seeds, streams and serves prices for a fixed set of tracked symbols.
type Feed struct {
	rest    *binance.MarketDataClient
	klines  *binance.Client
	stream  *binance.StreamClient
	bus     *events.Bus
	cache   *cache.ShardedPriceCache
	symbols []string
	staleAfter time.Duration
	seedRetries int
}

// Config configures a Feed.
type Config struct {
	Symbols     []string
	StaleAfter  time.Duration
	SeedRetries int
	Testnet     bool
}

// New builds a Feed over the Binance public REST and websocket surface.
func New(bus *events.Bus, cfg Config) *Feed {
	retries := cfg.SeedRetries
	if retries <= 0 {
		retries = 5
	}
	return &Feed{
		rest:        binance.NewMarketDataClient(cfg.Testnet),
		klines:      binance.NewClient("", "", cfg.Testnet),
		stream:      binance.NewStreamClientWithConfig(cfg.Testnet, cappedReconnectConfig()),
		bus:         bus,
		cache:       cache.NewShardedPriceCache(),
		symbols:     cfg.Symbols,
		staleAfter:  cfg.StaleAfter,
		seedRetries: retries,
	}
}

// cappedReconnectConfig caps reconnect backoff at 30s. The StreamClient
// applies it to SubscribeKlines only; the ticker stream the feed attaches
// never reconnects.
func cappedReconnectConfig() *binance.ReconnectConfig {
	return &binance.ReconnectConfig{
		Enabled:      true,
		MaxRetries:   0, // StreamClient treats 0 as 100 attempts
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// TrackedSymbols returns the configured symbol universe.
func (f *Feed) TrackedSymbols() []string {
	return f.symbols
}

// Start seeds every symbol from REST, then attaches a websocket ticker
// stream per symbol. It returns once seeding completes (streaming continues
// in background goroutines until ctx is cancelled).
func (f *Feed) Start(ctx context.Context) {
	for _, sym := range f.symbols {
		if err := f.seed(ctx, sym); err != nil {
			log.Printf("feed: seed %s failed after retries: %v", sym, err)
		}
	}

	for _, sym := range f.symbols {
		symbol := sym
		go f.streamSymbol(ctx, symbol)
	}
}

// seed fetches one REST price with jittered retry before the websocket
// stream has a chance to deliver its first tick.
func (f *Feed) seed(ctx context.Context, symbol string) error {
	var lastErr error
	for attempt := 0; attempt < f.seedRetries; attempt++ {
		t, err := f.rest.TickerPrice(ctx, symbol)
		if err == nil {
			f.record(symbol, t.Price, time.UnixMilli(t.Time))
			return nil
		}
		lastErr = err
		delay := time.Duration(200*(1<<attempt))*time.Millisecond + jitter()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func jitter() time.Duration {
	return time.Duration(rand.Intn(150)) * time.Millisecond
}

// streamSymbol reads one symbol's websocket ticker stream until ctx is
// cancelled or the stream closes. The stream is not re-dialled after a
// disconnect: the symbol's cached mark then ages until Latest reports it
// stale.
func (f *Feed) streamSymbol(ctx context.Context, symbol string) {
	ch, stop, err := f.stream.SubscribeTicker(ctx, symbol)
	if err != nil {
		log.Printf("feed: subscribe ticker %s error: %v", symbol, err)
		return
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			ts := time.Now()
			if t.Time > 0 {
				ts = time.UnixMilli(t.Time)
			}
			f.record(t.Symbol, t.Price, ts)
		}
	}
}

// Seed publishes a price for symbol as if it had arrived from REST/stream.
// Exposed for tests and for manually backfilling a symbol ahead of the
// websocket stream's first tick.
func (f *Feed) Seed(symbol string, price float64) {
	f.record(symbol, price, time.Now())
}

func (f *Feed) record(symbol string, price float64, ts time.Time) {
	f.cache.Set(symbol, price)
	if f.bus != nil {
		f.bus.Publish(events.EventPriceTick, Tick{Symbol: symbol, Price: price, Timestamp: ts})
	}
}

// Latest returns the current mark for a symbol and whether it is stale.
func (f *Feed) Latest(symbol string) (domain.PricePoint, error) {
	price, age, ok := f.cache.GetWithAge(symbol)
	if !ok {
		return domain.PricePoint{}, domain.ErrSymbolUnknown
	}
	pt := domain.PricePoint{Symbol: symbol, Price: price, Timestamp: time.Now().Add(-age), Seeded: true}
	if f.staleAfter > 0 && age > f.staleAfter {
		return pt, domain.ErrPriceUnavailable
	}
	return pt, nil
}

// Snapshot returns every tracked symbol's latest price for dashboards.
func (f *Feed) Snapshot() map[string]float64 {
	return f.cache.GetAll()
}

// IsTracked reports whether symbol is part of the configured universe.
func (f *Feed) IsTracked(symbol string) bool {
	for _, s := range f.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Klines returns candlestick bars for the kline endpoint. Bars come
// straight from the REST klines endpoint rather than the tick buffer,
// since the feed only retains the latest mark per symbol.
func (f *Feed) Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	if !f.IsTracked(symbol) {
		return nil, domain.ErrSymbolUnknown
	}
	return f.klines.GetKlines(symbol, interval, limit, 0, 0)
}
