package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Round lifecycle states.
const (
	StatusHolding = "holding"
	StatusSold    = "sold"
)

// Buy sizing modes.
const (
	SizeByAmount = "amount" // fixed notional, quantity derived from price
	SizeByShares = "shares" // fixed share count
)

// orderDwell is the minimum time between successful buys on one stock.
const orderDwell = 60 * time.Second

// Round 매수 기록 - one executed buy in the scale-in sequence. Rounds are
// append-only; the only mutation is the transition to sold.
type Round struct {
	ID           string    `json:"id"` // persistence record id, empty until stored
	Round        int       `json:"round"`
	Price        int64     `json:"price"`         // fill price
	TriggerPrice int64     `json:"trigger_price"` // price that drove the decision
	Quantity     int64     `json:"quantity"`
	Date         time.Time `json:"date"`
	Status       string    `json:"status"`
	SoldPrice    int64     `json:"sold_price"`
	SoldDate     time.Time `json:"sold_date"`
}

// TargetPrice is the sell trigger for this round given the stock's target
// rates: Price × (1 + targetRates[min(round-1, last)] / 100), truncated.
func (r *Round) TargetPrice(targetRates []float64) int64 {
	if len(targetRates) == 0 {
		return 0
	}
	idx := r.Round - 1
	if idx >= len(targetRates) {
		idx = len(targetRates) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return int64(float64(r.Price) * (1 + targetRates[idx]/100))
}

// Stock 종목별 물타기 설정 - per-symbol configuration plus its round ledger.
// Stocks are mutated only under the engine's per-symbol lock; the Book map
// itself has its own lock for membership.
type Stock struct {
	ID       string `json:"id"` // persistence record id
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`

	BuyMode   string `json:"buy_mode"`   // amount or shares
	BuyAmount int64  `json:"buy_amount"` // notional per buy when SizeByAmount
	BuyShares int64  `json:"buy_shares"` // share count per buy when SizeByShares

	MaxRounds int `json:"max_rounds"` // 1..10

	// SplitRates[i] is the % decline from round i+1's price that triggers
	// round i+2. TargetRates[i] is the % rise from round i+1's price that
	// triggers its sell. Index out of range means no further rounds.
	SplitRates  []float64 `json:"split_rates"`
	TargetRates []float64 `json:"target_rates"`

	// StopLossRate is measured against the blended average cost of all
	// holding rounds. 0 disables stop-loss entirely.
	StopLossRate float64 `json:"stop_loss_rate"`

	Rounds []*Round `json:"rounds"`

	LastOrderAt time.Time `json:"last_order_at"`
}

// HoldingRounds returns the open rounds sorted by round number ascending.
func (s *Stock) HoldingRounds() []*Round {
	var holdings []*Round
	for _, r := range s.Rounds {
		if r.Status == StatusHolding {
			holdings = append(holdings, r)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Round < holdings[j].Round })
	return holdings
}

// CurrentRound is the highest holding round number, 0 when flat.
func (s *Stock) CurrentRound() int {
	holdings := s.HoldingRounds()
	if len(holdings) == 0 {
		return 0
	}
	return holdings[len(holdings)-1].Round
}

// TotalQuantity 총 보유 수량
func (s *Stock) TotalQuantity() int64 {
	var total int64
	for _, r := range s.HoldingRounds() {
		total += r.Quantity
	}
	return total
}

// TotalInvested 총 투자 금액
func (s *Stock) TotalInvested() int64 {
	var total int64
	for _, r := range s.HoldingRounds() {
		total += r.Price * r.Quantity
	}
	return total
}

// AvgPrice is the blended average cost over holding rounds, 0 when flat.
func (s *Stock) AvgPrice() float64 {
	qty := s.TotalQuantity()
	if qty == 0 {
		return 0
	}
	return float64(s.TotalInvested()) / float64(qty)
}

// LastRound returns the most recent holding round, nil when flat.
func (s *Stock) LastRound() *Round {
	holdings := s.HoldingRounds()
	if len(holdings) == 0 {
		return nil
	}
	return holdings[len(holdings)-1]
}

// NextSplitPrice is the price that triggers the next scale-in buy:
// lastRound.price × (1 − splitRates[currentRound−1]/100), truncated to the
// integer price unit. ok is false when there is no next round (flat, at the
// round cap, or past the configured rates).
func (s *Stock) NextSplitPrice() (int64, bool) {
	cr := s.CurrentRound()
	if cr == 0 || cr >= s.MaxRounds {
		return 0, false
	}
	if cr-1 >= len(s.SplitRates) {
		return 0, false
	}
	last := s.LastRound()
	if last == nil {
		return 0, false
	}
	rate := s.SplitRates[cr-1]
	return int64(float64(last.Price) * (1 - rate/100)), true
}

// StopLossPrice is avgPrice × (1 − stopLossRate/100). ok is false when
// stop-loss is disabled or there are no holdings.
func (s *Stock) StopLossPrice() (int64, bool) {
	if s.StopLossRate <= 0 || s.CurrentRound() == 0 {
		return 0, false
	}
	return int64(s.AvgPrice() * (1 - s.StopLossRate/100)), true
}

// SellableRounds returns every holding round whose individual target price
// the given price has reached. A single tick may make several rounds
// sellable at once; all of them are returned. A round without a target
// price (no target rates configured) has no sell trigger and is skipped.
func (s *Stock) SellableRounds(price int64) []*Round {
	var sellable []*Round
	for _, r := range s.HoldingRounds() {
		target := r.TargetPrice(s.TargetRates)
		if target <= 0 {
			continue
		}
		if price >= target {
			sellable = append(sellable, r)
		}
	}
	return sellable
}

// ShouldBuy reports whether the next scale-in buy condition holds at price.
// First-round entry is never automatic: it is seeded by an operator request
// or by reconciliation.
func (s *Stock) ShouldBuy(price int64, now time.Time) bool {
	if !s.IsActive {
		return false
	}
	cr := s.CurrentRound()
	if cr == 0 || cr >= s.MaxRounds {
		return false
	}
	if !s.LastOrderAt.IsZero() && now.Sub(s.LastOrderAt) < orderDwell {
		return false
	}
	split, ok := s.NextSplitPrice()
	if !ok {
		return false
	}
	return price <= split
}

// ShouldSell returns the rounds whose sell condition holds at price.
func (s *Stock) ShouldSell(price int64) []*Round {
	if !s.IsActive || s.CurrentRound() == 0 {
		return nil
	}
	return s.SellableRounds(price)
}

// BuyQuantity 매수 수량 계산 - fixed-notional mode divides the configured
// notional by price (floored, minimum 1); fixed-share mode is constant.
func (s *Stock) BuyQuantity(price int64) int64 {
	if price <= 0 {
		return 0
	}
	if s.BuyMode == SizeByShares {
		if s.BuyShares < 1 {
			return 1
		}
		return s.BuyShares
	}
	qty := s.BuyAmount / price
	if qty < 1 {
		qty = 1
	}
	return qty
}

// AddRound appends a new holding round at the next round number and stamps
// the dwell timer.
func (s *Stock) AddRound(fillPrice, triggerPrice, quantity int64, now time.Time) *Round {
	r := &Round{
		Round:        s.CurrentRound() + 1,
		Price:        fillPrice,
		TriggerPrice: triggerPrice,
		Quantity:     quantity,
		Date:         now,
		Status:       StatusHolding,
	}
	s.Rounds = append(s.Rounds, r)
	s.LastOrderAt = now
	return r
}

// MarkSold transitions a round to sold with the realized price.
func (s *Stock) MarkSold(r *Round, soldPrice int64, now time.Time) {
	r.Status = StatusSold
	r.SoldPrice = soldPrice
	r.SoldDate = now
}

// ApplyConfig replaces configuration fields from src, keeping the round
// ledger and dwell state intact. Used by hot reload.
func (s *Stock) ApplyConfig(src *Stock) {
	s.Name = src.Name
	s.IsActive = src.IsActive
	s.BuyMode = src.BuyMode
	s.BuyAmount = src.BuyAmount
	s.BuyShares = src.BuyShares
	s.MaxRounds = src.MaxRounds
	s.SplitRates = src.SplitRates
	s.TargetRates = src.TargetRates
	s.StopLossRate = src.StopLossRate
}

// StatusReport renders the per-stock state summary sent to operators:
// round count, average cost, P&L percent and the next trigger prices.
func (s *Stock) StatusReport(price int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s (%s)]\n", s.Name, s.Symbol)
	fmt.Fprintf(&b, "  price: %d\n", price)

	if s.CurrentRound() == 0 {
		b.WriteString("  (waiting for round 1)\n")
		return b.String()
	}

	avg := s.AvgPrice()
	profitRate := 0.0
	if avg > 0 {
		profitRate = (float64(price) - avg) / avg * 100
	}
	fmt.Fprintf(&b, "  avg: %.0f  pnl: %+.2f%%\n", avg, profitRate)
	fmt.Fprintf(&b, "  holding: %d shares (round %d/%d)\n", s.TotalQuantity(), s.CurrentRound(), s.MaxRounds)

	for _, r := range s.HoldingRounds() {
		rProfit := (float64(price) - float64(r.Price)) / float64(r.Price) * 100
		fmt.Fprintf(&b, "    #%d: %d x %d (%+.1f%%) -> target %d\n",
			r.Round, r.Price, r.Quantity, rProfit, r.TargetPrice(s.TargetRates))
	}

	if split, ok := s.NextSplitPrice(); ok {
		fmt.Fprintf(&b, "  next split: %d\n", split)
	}
	if sl, ok := s.StopLossPrice(); ok {
		fmt.Fprintf(&b, "  stop loss: %d\n", sl)
	}
	return b.String()
}
