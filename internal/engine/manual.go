package engine

import (
	"context"
	"fmt"
	"time"
)

// ManualBuy executes an operator buy request through the same per-symbol
// serialization as automated trading. Unlike the automated path it may open
// round 1, and it blocks on the lock rather than dropping: an explicit
// operator request is never discarded on contention.
//
// price 0 submits at market; quantity 0 falls back to the stock's
// configured sizing.
func (c *Coordinator) ManualBuy(ctx context.Context, symbol string, quantity, price int64) error {
	stock := c.book.Get(symbol)
	if stock == nil {
		return fmt.Errorf("symbol %s is not tracked", symbol)
	}

	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	round := stock.CurrentRound() + 1
	if round > stock.MaxRounds {
		return fmt.Errorf("%s already at max round %d", symbol, stock.MaxRounds)
	}
	if !st.beginOrder("buy", round) {
		return fmt.Errorf("%s has an order in flight", symbol)
	}
	defer st.endOrder()

	refPrice := price
	if refPrice == 0 {
		tick, err := c.broker.GetPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("fetch current price: %w", err)
		}
		refPrice = tick.Price
	}
	if quantity == 0 {
		quantity = stock.BuyQuantity(refPrice)
	}
	if quantity <= 0 {
		return fmt.Errorf("cannot size order for %s at price %d", symbol, refPrice)
	}

	result, err := c.broker.Buy(ctx, symbol, quantity, price)
	if err != nil {
		return fmt.Errorf("buy %s: %w", symbol, err)
	}
	if !result.Success {
		return fmt.Errorf("buy %s rejected: %s", symbol, result.Message)
	}
	c.spendCash(refPrice * quantity)

	fillPrice := c.resolveFillPrice(ctx, symbol, result.OrderNo, refPrice)
	r := stock.AddRound(fillPrice, refPrice, quantity, time.Now())

	id, err := c.store.SaveRound(ctx, stock.ID, r)
	if err != nil {
		c.deactivateAfterLedgerFailure(ctx, stock, "buy", r.Round, err)
		return fmt.Errorf("ledger write failed after fill: %w", err)
	}
	r.ID = id

	c.logger.Info("manual buy executed", "symbol", symbol, "round", r.Round, "price", fillPrice, "qty", quantity)
	c.notify.BuyExecuted(ctx, stock.Name, symbol, fillPrice, quantity, r.Round, true, result.OrderNo)
	return nil
}

// ManualSell executes an operator sell request. quantity 0 liquidates the
// full position. Rounds are closed newest-first; a remainder smaller than a
// whole round stays open and is reported back in the error-free message via
// logs (the ledger only tracks whole rounds).
func (c *Coordinator) ManualSell(ctx context.Context, symbol string, quantity, price int64) error {
	stock := c.book.Get(symbol)
	if stock == nil {
		return fmt.Errorf("symbol %s is not tracked", symbol)
	}

	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	holdings := stock.HoldingRounds()
	if len(holdings) == 0 {
		return fmt.Errorf("%s has no holdings", symbol)
	}
	total := stock.TotalQuantity()
	if quantity == 0 || quantity > total {
		quantity = total
	}

	if !st.beginOrder("sell", stock.CurrentRound()) {
		return fmt.Errorf("%s has an order in flight", symbol)
	}
	defer st.endOrder()

	result, err := c.broker.Sell(ctx, symbol, quantity, price)
	if err != nil {
		return fmt.Errorf("sell %s: %w", symbol, err)
	}
	if !result.Success {
		return fmt.Errorf("sell %s rejected: %s", symbol, result.Message)
	}

	refPrice := price
	if refPrice == 0 {
		refPrice = c.LastPrice(symbol)
	}
	soldPrice := c.resolveFillPrice(ctx, symbol, result.OrderNo, refPrice)

	// Close whole rounds newest-first until the sold quantity is covered.
	remaining := quantity
	for i := len(holdings) - 1; i >= 0 && remaining > 0; i-- {
		r := holdings[i]
		if r.Quantity > remaining {
			c.logger.Warn("manual sell leaves a partial round open",
				"symbol", symbol, "round", r.Round, "round_qty", r.Quantity, "remaining", remaining)
			break
		}
		remaining -= r.Quantity
		stock.MarkSold(r, soldPrice, time.Now())
		if err := c.store.MarkRoundSold(ctx, r.ID, soldPrice, r.SoldDate); err != nil {
			c.deactivateAfterLedgerFailure(ctx, stock, "sell", r.Round, err)
			return fmt.Errorf("ledger write failed after fill: %w", err)
		}
	}
	st.quietUntil = time.Now().Add(sellQuiet)

	c.logger.Info("manual sell executed", "symbol", symbol, "price", soldPrice, "qty", quantity)
	c.notify.SellExecuted(ctx, stock.Name, symbol, soldPrice, quantity, 0, 0, true)
	return nil
}
