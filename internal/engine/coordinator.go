// Package engine drives order execution. The Coordinator receives price
// ticks from both ingestion paths and guarantees that, per symbol, at most
// one evaluation-and-execution runs at a time; overlapping ticks are dropped
// rather than queued.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/broker"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/notify"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/obs"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/storage"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/strategy"
)

const (
	// sellQuiet suppresses buy evaluation on a symbol right after a sell,
	// so the same price swing cannot re-enter a just-closed position.
	sellQuiet = 5 * time.Second

	// slippageBound abandons a buy when the re-fetched price has moved
	// this far (relative) from the trigger price.
	slippageBound = 0.03

	// Fill prices propagate asynchronously on the broker side.
	fillRetries   = 3
	fillRetryWait = time.Second

	balanceCacheTTL = 30 * time.Second
)

// pendingOrder marks an order submission in flight for one symbol. It is
// only read or written while holding that symbol's lock.
type pendingOrder struct {
	inFlight bool
	side     string
	round    int
}

// symbolState is the per-symbol serialization point shared by both feeds,
// the work queue and reconciliation.
type symbolState struct {
	mu         sync.Mutex
	pending    pendingOrder
	quietUntil time.Time
}

// beginOrder claims the pending slot. Caller holds the symbol lock.
func (st *symbolState) beginOrder(side string, round int) bool {
	if st.pending.inFlight {
		return false
	}
	st.pending = pendingOrder{inFlight: true, side: side, round: round}
	return true
}

func (st *symbolState) endOrder() {
	st.pending = pendingOrder{}
}

// Options wires the Coordinator's collaborators.
type Options struct {
	Book         *strategy.Book
	Broker       broker.Broker
	Storage      storage.Storage
	Notifier     notify.Notifier
	Logger       *slog.Logger
	MinOrderCash int64
	// MarketOpen gates automated evaluation. Ingestion itself is never
	// gated; prices keep flowing into the cache off-hours.
	MarketOpen func(time.Time) bool
}

type Coordinator struct {
	book    *strategy.Book
	broker  broker.Broker
	store   storage.Storage
	notify  notify.Notifier
	logger  *slog.Logger
	minCash int64
	isOpen  func(time.Time) bool

	enabled atomic.Bool

	mu     sync.Mutex
	states map[string]*symbolState

	priceMu sync.RWMutex
	prices  map[string]models.PriceTick

	balMu     sync.Mutex
	cash      int64
	balanceAt time.Time
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		book:    opts.Book,
		broker:  opts.Broker,
		store:   opts.Storage,
		notify:  opts.Notifier,
		logger:  opts.Logger,
		minCash: opts.MinOrderCash,
		isOpen:  opts.MarketOpen,
		states:  make(map[string]*symbolState),
		prices:  make(map[string]models.PriceTick),
	}
	c.enabled.Store(true)
	return c
}

// SetEnabled flips the operator on/off switch. A disabled engine keeps
// ingesting prices but makes no automated decisions.
func (c *Coordinator) SetEnabled(on bool) { c.enabled.Store(on) }

func (c *Coordinator) Enabled() bool { return c.enabled.Load() }

// state returns the symbol's serialization point, creating it lazily.
func (c *Coordinator) state(symbol string) *symbolState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[symbol]
	if !ok {
		st = &symbolState{}
		c.states[symbol] = st
	}
	return st
}

// HandleTick is the single entry point both feeds push into. It records the
// price and hands evaluation to a short-lived goroutine so a slow order
// submission can never stall the stream reader.
func (c *Coordinator) HandleTick(tick models.PriceTick) {
	c.recordPrice(tick)
	obs.IncTick(string(tick.Source))
	go c.evaluate(context.Background(), tick)
}

func (c *Coordinator) recordPrice(tick models.PriceTick) {
	c.priceMu.Lock()
	c.prices[tick.Symbol] = tick
	c.priceMu.Unlock()
}

// LastPrice returns the most recent observed price for symbol, 0 when none.
func (c *Coordinator) LastPrice(symbol string) int64 {
	c.priceMu.RLock()
	defer c.priceMu.RUnlock()
	return c.prices[symbol].Price
}

// PriceSnapshot copies the last-price cache for status reporting.
func (c *Coordinator) PriceSnapshot() map[string]int64 {
	c.priceMu.RLock()
	defer c.priceMu.RUnlock()
	out := make(map[string]int64, len(c.prices))
	for symbol, tick := range c.prices {
		out[symbol] = tick.Price
	}
	return out
}

// evaluate runs one decision cycle for a tick. If the symbol lock is held
// the tick is dropped: losing a stale signal beats queueing a backlog of
// decisions against prices that no longer exist.
func (c *Coordinator) evaluate(ctx context.Context, tick models.PriceTick) {
	if tick.Price <= 0 {
		return
	}
	if !c.enabled.Load() || !c.isOpen(time.Now()) {
		return
	}
	stock := c.book.Get(tick.Symbol)
	if stock == nil {
		return
	}

	// Account-level floor ahead of the lock. The round ledger is only read
	// under the symbol lock, so this check looks at cash alone; sells are
	// never gated on it.
	canBuy := c.hasBuyingPower(ctx, c.minCash)

	st := c.state(tick.Symbol)
	if !st.mu.TryLock() {
		obs.IncTickDropped()
		return
	}
	defer st.mu.Unlock()

	// Sell evaluation always runs first so the same tick cannot buy back
	// a position it just closed.
	if rounds := stock.ShouldSell(tick.Price); len(rounds) > 0 {
		c.executeSells(ctx, st, stock, rounds, tick.Price)
		return
	}

	if sl, ok := stock.StopLossPrice(); ok && tick.Price <= sl {
		c.executeStopLoss(ctx, st, stock, tick.Price)
		return
	}

	if time.Now().Before(st.quietUntil) {
		return
	}

	if !canBuy || !stock.ShouldBuy(tick.Price, time.Now()) {
		return
	}
	if !c.hasBuyingPower(ctx, tick.Price*stock.BuyQuantity(tick.Price)) {
		c.logger.Debug("insufficient buying power", "symbol", tick.Symbol)
		return
	}
	c.executeBuy(ctx, st, stock, tick.Price)
}

// executeBuy submits the next scale-in round. Caller holds the symbol lock.
func (c *Coordinator) executeBuy(ctx context.Context, st *symbolState, stock *strategy.Stock, triggerPrice int64) {
	round := stock.CurrentRound() + 1
	if !st.beginOrder("buy", round) {
		return
	}
	defer st.endOrder()

	// Slippage guard: the trigger came from a tick that may be stale by
	// the time we got the lock. Re-fetch and abandon if the market ran.
	fresh, err := c.broker.GetPrice(ctx, stock.Symbol)
	if err != nil {
		c.logger.Warn("pre-buy price check failed", "symbol", stock.Symbol, "err", err)
		return
	}
	if fresh.Price <= 0 {
		return
	}
	slip := math.Abs(float64(fresh.Price-triggerPrice)) / float64(triggerPrice)
	if slip > slippageBound {
		c.logger.Info("buy abandoned on slippage",
			"symbol", stock.Symbol, "trigger", triggerPrice, "current", fresh.Price,
			"slippage", fmt.Sprintf("%.2f%%", slip*100))
		return
	}

	qty := stock.BuyQuantity(triggerPrice)
	if qty <= 0 {
		return
	}

	result, err := c.broker.Buy(ctx, stock.Symbol, qty, 0)
	if err != nil {
		obs.IncOrder("buy", "failed")
		c.logger.Error("buy submission failed", "symbol", stock.Symbol, "round", round, "err", err)
		return
	}
	if !result.Success {
		obs.IncOrder("buy", "rejected")
		c.logger.Warn("buy rejected", "symbol", stock.Symbol, "round", round, "message", result.Message)
		c.notify.BuyExecuted(ctx, stock.Name, stock.Symbol, triggerPrice, qty, round, false, "")
		return
	}
	obs.IncOrder("buy", "executed")
	c.spendCash(triggerPrice * qty)

	fillPrice := c.resolveFillPrice(ctx, stock.Symbol, result.OrderNo, triggerPrice)
	r := stock.AddRound(fillPrice, triggerPrice, qty, time.Now())

	id, err := c.store.SaveRound(ctx, stock.ID, r)
	if err != nil {
		// Money has moved but the ledger write failed. Retrying risks a
		// duplicate physical position; park the stock and page the
		// operator instead.
		c.deactivateAfterLedgerFailure(ctx, stock, "buy", r.Round, err)
		return
	}
	r.ID = id

	c.logger.Info("buy executed",
		"symbol", stock.Symbol, "round", r.Round, "price", fillPrice, "qty", qty, "order", result.OrderNo)
	c.notify.BuyExecuted(ctx, stock.Name, stock.Symbol, fillPrice, qty, r.Round, true, result.OrderNo)
}

// executeSells closes every round whose target the price reached, then arms
// the post-sell quiet period. Caller holds the symbol lock.
func (c *Coordinator) executeSells(ctx context.Context, st *symbolState, stock *strategy.Stock, rounds []*strategy.Round, price int64) {
	sold := false
	for _, r := range rounds {
		if c.sellRound(ctx, st, stock, r, price, false) {
			sold = true
		}
	}
	if sold {
		st.quietUntil = time.Now().Add(sellQuiet)
	}
}

// sellRound submits one sell and records the transition. Caller holds the
// symbol lock. Returns true when the order executed.
func (c *Coordinator) sellRound(ctx context.Context, st *symbolState, stock *strategy.Stock, r *strategy.Round, price int64, isStopLoss bool) bool {
	if !st.beginOrder("sell", r.Round) {
		return false
	}
	defer st.endOrder()

	result, err := c.broker.Sell(ctx, stock.Symbol, r.Quantity, 0)
	if err != nil {
		obs.IncOrder("sell", "failed")
		c.logger.Error("sell submission failed", "symbol", stock.Symbol, "round", r.Round, "err", err)
		return false
	}
	if !result.Success {
		obs.IncOrder("sell", "rejected")
		c.logger.Warn("sell rejected", "symbol", stock.Symbol, "round", r.Round, "message", result.Message)
		if !isStopLoss {
			c.notify.SellExecuted(ctx, stock.Name, stock.Symbol, price, r.Quantity, 0, 0, false)
		}
		return false
	}
	obs.IncOrder("sell", "executed")

	soldPrice := c.resolveFillPrice(ctx, stock.Symbol, result.OrderNo, price)
	stock.MarkSold(r, soldPrice, time.Now())

	if err := c.store.MarkRoundSold(ctx, r.ID, soldPrice, r.SoldDate); err != nil {
		c.deactivateAfterLedgerFailure(ctx, stock, "sell", r.Round, err)
		return true
	}

	profit := (soldPrice - r.Price) * r.Quantity
	profitRate := (float64(soldPrice) - float64(r.Price)) / float64(r.Price) * 100
	c.logger.Info("sell executed",
		"symbol", stock.Symbol, "round", r.Round, "price", soldPrice, "qty", r.Quantity,
		"profit", profit)
	if !isStopLoss {
		c.notify.SellExecuted(ctx, stock.Name, stock.Symbol, soldPrice, r.Quantity, profit, profitRate, true)
	}
	return true
}

// executeStopLoss liquidates every holding round and parks the stock so it
// cannot immediately re-enter. Caller holds the symbol lock. Only reached
// when StopLossRate > 0.
func (c *Coordinator) executeStopLoss(ctx context.Context, st *symbolState, stock *strategy.Stock, price int64) {
	totalQty := stock.TotalQuantity()
	sold := false
	for _, r := range stock.HoldingRounds() {
		if c.sellRound(ctx, st, stock, r, price, true) {
			sold = true
		}
	}
	if !sold {
		return
	}
	st.quietUntil = time.Now().Add(sellQuiet)

	stock.IsActive = false
	if err := c.store.SetStockActive(ctx, stock.ID, false); err != nil {
		c.logger.Error("deactivate after stop loss failed", "symbol", stock.Symbol, "err", err)
	}
	c.logger.Warn("stop loss fired", "symbol", stock.Symbol, "price", price, "qty", totalQty)
	c.notify.StopLoss(ctx, stock.Name, stock.Symbol, price, totalQty)
}

func (c *Coordinator) deactivateAfterLedgerFailure(ctx context.Context, stock *strategy.Stock, side string, round int, cause error) {
	stock.IsActive = false
	if err := c.store.SetStockActive(ctx, stock.ID, false); err != nil {
		c.logger.Error("deactivation write failed", "symbol", stock.Symbol, "err", err)
	}
	c.logger.Error("ledger write failed after live fill, stock deactivated",
		"symbol", stock.Symbol, "side", side, "round", round, "err", cause)
	c.notify.Critical(ctx, fmt.Sprintf(
		"ledger write failed after %s fill: %s round %d (%v)\nstock deactivated, manual reactivation required",
		side, stock.Symbol, round, cause))
}

// resolveFillPrice asks the broker for the true executed price of an order.
// Fills propagate asynchronously, so a bounded retry with a short wait; the
// trigger price stands in when resolution never succeeds.
func (c *Coordinator) resolveFillPrice(ctx context.Context, symbol, orderNo string, fallback int64) int64 {
	if orderNo == "" {
		return fallback
	}
	for i := 0; i < fillRetries; i++ {
		select {
		case <-ctx.Done():
			return fallback
		case <-time.After(fillRetryWait):
		}
		price, err := c.broker.GetExecutedPrice(ctx, symbol, orderNo)
		if err == nil && price > 0 {
			return price
		}
	}
	c.logger.Debug("executed price unresolved, using trigger price",
		"symbol", symbol, "order", orderNo)
	return fallback
}

// hasBuyingPower checks account cash against the order notional, refreshing
// the cached balance when stale.
func (c *Coordinator) hasBuyingPower(ctx context.Context, need int64) bool {
	c.balMu.Lock()
	defer c.balMu.Unlock()
	if time.Since(c.balanceAt) > balanceCacheTTL {
		bal, err := c.broker.GetBalance(ctx)
		if err != nil {
			c.logger.Warn("balance check failed", "err", err)
			return false
		}
		c.cash = bal.Cash
		c.balanceAt = time.Now()
	}
	if need < c.minCash {
		need = c.minCash
	}
	return c.cash >= need
}

// spendCash decrements the cached balance so back-to-back buys inside one
// cache window cannot overspend.
func (c *Coordinator) spendCash(notional int64) {
	c.balMu.Lock()
	c.cash -= notional
	c.balMu.Unlock()
}

// WithSymbolLock runs fn while holding the symbol's serialization lock.
// Reconciliation uses this so its ledger mutations cannot race a live
// decision. Blocking acquire: sync work waits rather than drops.
func (c *Coordinator) WithSymbolLock(symbol string, fn func()) {
	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	fn()
}
