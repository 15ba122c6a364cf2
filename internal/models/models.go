package models

import "time"

// TickSource identifies which ingestion path produced a PriceTick.
type TickSource string

const (
	SourceStream TickSource = "stream"
	SourcePoll   TickSource = "poll"
)

// PriceTick 실시간 체결가 - one observed trade price for a symbol. Ephemeral:
// ticks drive decisions and the last-price cache, nothing else.
type PriceTick struct {
	Symbol     string     `json:"symbol"`
	Price      int64      `json:"price"`
	ChangeRate float64    `json:"change_rate"`
	Volume     int64      `json:"volume"`
	At         time.Time  `json:"at"`
	Source     TickSource `json:"source"`
}

// OrderResult is the typed outcome of a buy/sell submission. Broker errors
// are folded into Success=false + Message at the client boundary.
type OrderResult struct {
	Success bool   `json:"success"`
	OrderNo string `json:"order_no"`
	Message string `json:"message"`
	Symbol  string `json:"symbol"`
	Price   int64  `json:"price"`
	Qty     int64  `json:"qty"`
}

// Fill is one executed trade from the broker's authoritative history.
type Fill struct {
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name"`
	Side     string    `json:"side"` // buy or sell
	Price    int64     `json:"price"`
	Quantity int64     `json:"quantity"`
	OrderNo  string    `json:"order_no"`
	TradedAt time.Time `json:"traded_at"`
}

// Balance is the account-level buying power snapshot.
type Balance struct {
	Cash  int64 `json:"cash"`
	Total int64 `json:"total"`
}

// Holding is one position as reported by the broker account endpoint.
type Holding struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Quantity     int64   `json:"quantity"`
	AvgPrice     int64   `json:"avg_price"`
	CurrentPrice int64   `json:"current_price"`
	ProfitRate   float64 `json:"profit_rate"`
}

// WorkItem kinds and statuses for the operator request queue.
const (
	WorkBuy  = "buy"
	WorkSell = "sell"
	WorkSync = "sync"

	WorkPending    = "pending"
	WorkProcessing = "processing"
	WorkExecuted   = "executed"
	WorkCompleted  = "completed"
	WorkFailed     = "failed"
)

// WorkItem is a pending operator request injected through persistence.
// Rows move pending -> processing -> executed|completed|failed.
type WorkItem struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol"`
	Quantity  int64     `json:"quantity"`
	Price     int64     `json:"price"` // 0 means market
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyCandle is one daily bar, used by the suitability analyzer only.
type DailyCandle struct {
	Date   time.Time `json:"date"`
	Open   int64     `json:"open"`
	High   int64     `json:"high"`
	Low    int64     `json:"low"`
	Close  int64     `json:"close"`
	Volume int64     `json:"volume"`
}
