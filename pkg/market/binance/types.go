package market

// Kline is one candlestick, carrying every field Binance's public kline
// endpoint returns.
type Kline struct {
	Symbol              string
	OpenTime            int64   // open time, epoch ms
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           int64 // close time, epoch ms
	QuoteVolume         float64
	NumberOfTrades      int
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
}

// Ticker is the last-price slice of the rolling 24h ticker payload the price
// feed streams per tracked symbol.
type Ticker struct {
	Symbol string
	Price  float64
	Time   int64
}

// BookTicker is the best current bid/ask for a symbol.
type BookTicker struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
	Time     int64
}

// Trade is a single executed trade off the public trade stream.
type Trade struct {
	Symbol       string
	Price        float64
	Qty          float64
	Time         int64
	IsBuyerMaker bool
}

// DepthUpdate is one diff-depth snapshot: price/qty pairs for each side of
// the book that changed since the last update.
type DepthUpdate struct {
	Symbol string
	Bids   [][2]float64 // [price, qty]
	Asks   [][2]float64 // [price, qty]
	Time   int64
}
