package models

import "time"

// Candle - строка OHLCV.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

type Ticker struct {
	Symbol string
	Last   float64
	At     time.Time
}

type Balance struct {
	Free  float64 `json:"free"`
	Total float64 `json:"total"`
}

// Balances: asset -> баланс.
type Balances map[string]Balance

// Order - результат исполнения рыночного ордера.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      float64
	// средняя цена исполнения; 0 если биржа её не вернула
	Price     float64
	Fee       float64
	CreatedAt time.Time
}
