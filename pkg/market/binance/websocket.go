package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamClient streams Binance's public combined-stream websocket feed for
// one symbol at a time. The price feed shares one StreamClient across its
// per-symbol ticker streams.
type StreamClient struct {
	StreamURL       string
	dialer          *websocket.Dialer
	ReconnectConfig *ReconnectConfig
}

// ReconnectConfig controls the exponential backoff a StreamClient uses to
// re-establish a stream connection after it drops.
type ReconnectConfig struct {
	Enabled      bool
	MaxRetries   int // 0 means up to 100 attempts
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultReconnectConfig is the out-of-the-box backoff schedule: up to 10
// attempts, doubling from 1s to a 30s ceiling.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		Enabled:      true,
		MaxRetries:   10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// NewStreamClient points at the combined-stream websocket host; testnet
// swaps in the sandbox host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL:       (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:          websocket.DefaultDialer,
		ReconnectConfig: DefaultReconnectConfig(),
	}
}

// NewStreamClientWithConfig is NewStreamClient with a caller-supplied
// reconnect schedule. The schedule governs SubscribeKlines only; the
// subscribeSimple-based streams never reconnect.
func NewStreamClientWithConfig(testnet bool, reconnectCfg *ReconnectConfig) *StreamClient {
	c := NewStreamClient(testnet)
	if reconnectCfg != nil {
		c.ReconnectConfig = reconnectCfg
	}
	return c
}

// backoffDelay returns the wait before reconnect attempt n, capped at
// MaxDelay.
func (c *StreamClient) backoffDelay(attempt int) time.Duration {
	if c.ReconnectConfig == nil {
		return time.Second
	}
	delay := float64(c.ReconnectConfig.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.ReconnectConfig.Multiplier
	}
	if d := time.Duration(delay); d < c.ReconnectConfig.MaxDelay {
		return d
	}
	return c.ReconnectConfig.MaxDelay
}

// SubscribeKlines streams parsed klines for symbol/interval and reconnects
// with backoff on read failure; it is the only stream here that
// auto-reconnects.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error) {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan Kline, 100)
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	var mu sync.Mutex
	active := conn

	stop := func() {
		stopOnce.Do(func() {
			close(stopCh)
			mu.Lock()
			if active != nil {
				_ = active.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = active.Close()
			}
			mu.Unlock()
			close(out)
		})
	}

	reconnect := func() (*websocket.Conn, error) {
		if c.ReconnectConfig == nil || !c.ReconnectConfig.Enabled {
			return nil, fmt.Errorf("reconnect disabled")
		}

		maxRetries := c.ReconnectConfig.MaxRetries
		if maxRetries == 0 {
			maxRetries = 100 // unlimited in spirit, bounded in practice
		}

		for attempt := 0; attempt < maxRetries; attempt++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stopCh:
				return nil, fmt.Errorf("stopped")
			default:
			}

			delay := c.backoffDelay(attempt)
			log.Printf("market: %s kline stream reconnecting in %v (attempt %d/%d)", symbol, delay, attempt+1, maxRetries)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stopCh:
				return nil, fmt.Errorf("stopped")
			}

			newConn, _, err := c.dialer.DialContext(ctx, u, nil)
			if err != nil {
				log.Printf("market: %s kline reconnect failed: %v", symbol, err)
				continue
			}

			log.Printf("market: %s kline stream reconnected", symbol)
			return newConn, nil
		}
		return nil, fmt.Errorf("max retries (%d) exceeded", maxRetries)
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			default:
			}

			mu.Lock()
			conn := active
			mu.Unlock()
			if conn == nil {
				return
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}

				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}

				log.Printf("market: %s kline read error: %v", symbol, err)

				if c.ReconnectConfig == nil || !c.ReconnectConfig.Enabled {
					return
				}

				mu.Lock()
				_ = active.Close()
				mu.Unlock()

				newConn, reconErr := reconnect()
				if reconErr != nil {
					log.Printf("market: %s giving up on kline stream: %v", symbol, reconErr)
					return
				}

				mu.Lock()
				active = newConn
				mu.Unlock()
				continue
			}

			parsed, err := parseKlineMessage(msg)
			if err != nil {
				log.Printf("market: %s kline parse error: %v", symbol, err)
				continue
			}

			select {
			case out <- parsed:
			default:
				// slow consumer; drop rather than block the read loop
			}
		}
	}()

	return out, stop, nil
}

// subscribeSimple opens a best-effort stream for streamName: it decodes
// every frame with parse and exits (without reconnecting) the moment the
// connection drops or a read fails. SubscribeTrades, SubscribeBookTicker,
// SubscribeDepth and SubscribeTicker are all one-line wrappers around this.
func subscribeSimple[T any](ctx context.Context, c *StreamClient, streamName, label string, parse func([]byte) (T, error)) (<-chan T, func(), error) {
	u := fmt.Sprintf("%s/%s", c.StreamURL, streamName)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws %s: %w", label, err)
	}

	out := make(chan T, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			close(out)
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Printf("market: %s read error: %v", label, err)
				return
			}

			parsed, err := parse(msg)
			if err != nil {
				log.Printf("market: %s parse error: %v", label, err)
				continue
			}
			out <- parsed
		}
	}()

	return out, stop, nil
}

// SubscribeTrades subscribes to the raw trade stream.
func (c *StreamClient) SubscribeTrades(ctx context.Context, symbol string) (<-chan Trade, func(), error) {
	return subscribeSimple(ctx, c, fmt.Sprintf("%s@trade", symbol), "trade", parseTradeMessage)
}

// SubscribeBookTicker subscribes to best bid/ask updates.
func (c *StreamClient) SubscribeBookTicker(ctx context.Context, symbol string) (<-chan BookTicker, func(), error) {
	return subscribeSimple(ctx, c, fmt.Sprintf("%s@bookTicker", symbol), "bookTicker", parseBookTickerMessage)
}

// SubscribeDepth subscribes to the diff depth stream.
func (c *StreamClient) SubscribeDepth(ctx context.Context, symbol string) (<-chan DepthUpdate, func(), error) {
	return subscribeSimple(ctx, c, fmt.Sprintf("%s@depth", symbol), "depth", parseDepthMessage)
}

// SubscribeTicker subscribes to the rolling 24h ticker stream; this is what the
// price feed attaches per tracked symbol once its REST seed has landed.
func (c *StreamClient) SubscribeTicker(ctx context.Context, symbol string) (<-chan Ticker, func(), error) {
	return subscribeSimple(ctx, c, fmt.Sprintf("%s@ticker", symbol), "ticker", parseTickerMessage)
}

func parseKlineMessage(msg []byte) (Kline, error) {
	var raw struct {
		Data struct {
			StartTime int64       `json:"t"`
			CloseTime int64       `json:"T"`
			Symbol    string      `json:"s"`
			Interval  string      `json:"i"`
			Open      interface{} `json:"o"`
			Close     interface{} `json:"c"`
			High      interface{} `json:"h"`
			Low       interface{} `json:"l"`
			Volume    interface{} `json:"v"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Kline{}, err
	}
	return Kline{
		Symbol:    raw.Data.Symbol,
		OpenTime:  raw.Data.StartTime,
		CloseTime: raw.Data.CloseTime,
		Open:      toFloat(raw.Data.Open),
		Close:     toFloat(raw.Data.Close),
		High:      toFloat(raw.Data.High),
		Low:       toFloat(raw.Data.Low),
		Volume:    toFloat(raw.Data.Volume),
	}, nil
}

func parseTradeMessage(msg []byte) (Trade, error) {
	var raw struct {
		EventTime interface{} `json:"E"`
		Symbol    string      `json:"s"`
		Price     interface{} `json:"p"`
		Qty       interface{} `json:"q"`
		TradeTime interface{} `json:"T"`
		BuyerIsMM bool        `json:"m"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Trade{}, err
	}
	return Trade{
		Symbol:       raw.Symbol,
		Price:        toFloat(raw.Price),
		Qty:          toFloat(raw.Qty),
		Time:         toInt64(raw.TradeTime),
		IsBuyerMaker: raw.BuyerIsMM,
	}, nil
}

func parseBookTickerMessage(msg []byte) (BookTicker, error) {
	var raw struct {
		Symbol string      `json:"s"`
		Bid    interface{} `json:"b"`
		Ask    interface{} `json:"a"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return BookTicker{}, err
	}
	return BookTicker{
		Symbol:   raw.Symbol,
		BidPrice: toFloat(raw.Bid),
		AskPrice: toFloat(raw.Ask),
		Time:     0,
	}, nil
}

func parseDepthMessage(msg []byte) (DepthUpdate, error) {
	var raw struct {
		Symbol string          `json:"s"`
		Time   interface{}     `json:"E"`
		Bids   [][]interface{} `json:"b"`
		Asks   [][]interface{} `json:"a"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return DepthUpdate{}, err
	}
	var bids [][2]float64
	for _, b := range raw.Bids {
		if len(b) < 2 {
			continue
		}
		bids = append(bids, [2]float64{toFloat(b[0]), toFloat(b[1])})
	}
	var asks [][2]float64
	for _, a := range raw.Asks {
		if len(a) < 2 {
			continue
		}
		asks = append(asks, [2]float64{toFloat(a[0]), toFloat(a[1])})
	}
	return DepthUpdate{
		Symbol: raw.Symbol,
		Bids:   bids,
		Asks:   asks,
		Time:   toInt64(raw.Time),
	}, nil
}

func parseTickerMessage(msg []byte) (Ticker, error) {
	var raw struct {
		Symbol string      `json:"s"`
		Last   interface{} `json:"c"`
		CloseT int64       `json:"C"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Ticker{}, err
	}
	return Ticker{
		Symbol: raw.Symbol,
		Price:  toFloat(raw.Last),
		Time:   raw.CloseT,
	}, nil
}

// Ping sends a manual keepalive frame for callers that want direct control
// over a connection outside the Subscribe* helpers.
func (c *StreamClient) Ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
}
