package market

// Candle is one OHLCV bar. Time is unix seconds (UTC) aligned to the bucket start.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Tick is a single price observation received from the stream feed.
type Tick struct {
	Market string  `json:"market"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"` // unix seconds
}

// Flat builds a zero-volume candle with all four prices equal to price.
func Flat(t int64, price float64) Candle {
	return Candle{Time: t, Open: price, High: price, Low: price, Close: price}
}
