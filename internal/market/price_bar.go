package market

// PriceBar is one daily OHLCV candle for a symbol. Bars are ordered
// oldest first and never modified once recorded.
type PriceBar struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Quote is the current market snapshot for a symbol. ListedShares feeds
// the screener's market-cap calculation.
type Quote struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	ListedShares int64   `json:"listed_shares"`
}
