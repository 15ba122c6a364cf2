// Package reconcile replays the broker's authoritative fill history into
// the local round ledger. The broker is the source of truth: fills the
// ledger never saw (manual trades in the broker app, fills during downtime)
// are absorbed here rather than corrected live.
package reconcile

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/obs"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/storage"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/strategy"
)

// priceMatchBound is the relative price tolerance when matching a buy fill
// against an existing round. Quantity must match exactly.
const priceMatchBound = 0.01

// FillSource is the slice of the brokerage contract reconciliation needs.
type FillSource interface {
	GetFillHistory(ctx context.Context, start, end time.Time, symbol string) ([]models.Fill, error)
}

// Locker serializes ledger mutation per symbol; the engine's coordinator
// provides it so reconciliation cannot race a live decision.
type Locker interface {
	WithSymbolLock(symbol string, fn func())
}

// Summary counts what one reconciliation pass did.
type Summary struct {
	Fills       int
	Matched     int
	Synthesized int
	Closed      int
	Skipped     int
	Created     int
}

type Reconciler struct {
	book   *strategy.Book
	broker FillSource
	store  storage.Storage
	locker Locker
	logger *slog.Logger
	days   int
}

func New(book *strategy.Book, b FillSource, store storage.Storage, locker Locker, logger *slog.Logger, days int) *Reconciler {
	if days <= 0 {
		days = 7
	}
	return &Reconciler{book: book, broker: b, store: store, locker: locker, logger: logger, days: days}
}

// Run reconciles on the given cadence until ctx is done.
func (r *Reconciler) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SyncNow(ctx); err != nil {
				r.logger.Warn("reconciliation failed", "err", err)
			}
		}
	}
}

// SyncNow runs one full pass over the configured history window. A single
// fill's error never aborts the pass; mismatches end up in the summary.
func (r *Reconciler) SyncNow(ctx context.Context) error {
	end := time.Now()
	start := end.AddDate(0, 0, -r.days)

	fills, err := r.broker.GetFillHistory(ctx, start, end, "")
	if err != nil {
		return err
	}

	var sum Summary
	sum.Fills = len(fills)
	for _, fill := range fills {
		r.apply(ctx, fill, &sum)
	}

	r.logger.Info("reconciliation done",
		"fills", sum.Fills, "matched", sum.Matched, "synthesized", sum.Synthesized,
		"closed", sum.Closed, "skipped", sum.Skipped, "created", sum.Created)
	return nil
}

func (r *Reconciler) apply(ctx context.Context, fill models.Fill, sum *Summary) {
	stock := r.book.Get(fill.Symbol)
	if stock == nil {
		if fill.Side != "buy" {
			// A sell for a symbol we never tracked has nothing to close.
			sum.Skipped++
			obs.IncReconcile("skipped")
			r.logger.Warn("sell fill for untracked symbol skipped",
				"symbol", fill.Symbol, "qty", fill.Quantity)
			return
		}
		stock = r.createMinimalStock(ctx, fill)
		if stock == nil {
			sum.Skipped++
			obs.IncReconcile("skipped")
			return
		}
		sum.Created++
	}

	r.locker.WithSymbolLock(fill.Symbol, func() {
		switch fill.Side {
		case "buy":
			r.applyBuy(ctx, stock, fill, sum)
		case "sell":
			r.applySell(ctx, stock, fill, sum)
		default:
			sum.Skipped++
			obs.IncReconcile("skipped")
		}
	})
}

// applyBuy matches the fill against an existing round (price within 1%,
// quantity exact) or synthesizes a new round straight from the fill. Sold
// rounds count as matches too: a buy fill whose round was since sold is a
// replay, not a missing entry.
// Known limitation carried over deliberately: two historical fills sharing
// one quantity can match the same round; time proximity is not used to
// disambiguate.
func (r *Reconciler) applyBuy(ctx context.Context, stock *strategy.Stock, fill models.Fill, sum *Summary) {
	for _, round := range stock.Rounds {
		if round.Quantity != fill.Quantity {
			continue
		}
		diff := math.Abs(float64(round.Price-fill.Price)) / float64(fill.Price)
		if diff <= priceMatchBound {
			sum.Matched++
			obs.IncReconcile("matched")
			return
		}
	}

	// The ledger never saw this buy; record it as the next round using the
	// fill's own price and size, bypassing live sizing.
	round := stock.AddRound(fill.Price, fill.Price, fill.Quantity, fill.TradedAt)
	id, err := r.store.SaveRound(ctx, stock.ID, round)
	if err != nil {
		r.logger.Error("synthesized round write failed",
			"symbol", fill.Symbol, "round", round.Round, "err", err)
		sum.Skipped++
		obs.IncReconcile("skipped")
		return
	}
	round.ID = id
	sum.Synthesized++
	obs.IncReconcile("synthesized")
	r.logger.Info("round synthesized from fill history",
		"symbol", fill.Symbol, "round", round.Round, "price", fill.Price, "qty", fill.Quantity)
}

// applySell closes the first holding round with exactly the fill's
// quantity. A sell that matches nothing is counted, not guessed at.
func (r *Reconciler) applySell(ctx context.Context, stock *strategy.Stock, fill models.Fill, sum *Summary) {
	for _, round := range stock.HoldingRounds() {
		if round.Quantity != fill.Quantity {
			continue
		}
		stock.MarkSold(round, fill.Price, fill.TradedAt)
		if err := r.store.MarkRoundSold(ctx, round.ID, fill.Price, fill.TradedAt); err != nil {
			r.logger.Error("reconciled sell write failed",
				"symbol", fill.Symbol, "round", round.Round, "err", err)
		}
		sum.Closed++
		obs.IncReconcile("matched")
		return
	}
	sum.Skipped++
	obs.IncReconcile("skipped")
	r.logger.Warn("sell fill matched no holding round",
		"symbol", fill.Symbol, "price", fill.Price, "qty", fill.Quantity)
}

// createMinimalStock registers an untracked symbol seen in a buy fill with
// conservative defaults so its position at least shows up in the ledger.
func (r *Reconciler) createMinimalStock(ctx context.Context, fill models.Fill) *strategy.Stock {
	stock := &strategy.Stock{
		Symbol:      fill.Symbol,
		Name:        fill.Name,
		IsActive:    false, // operator opts in before any automated trading
		BuyMode:     strategy.SizeByAmount,
		BuyAmount:   fill.Price * fill.Quantity,
		MaxRounds:   1,
		SplitRates:  []float64{},
		TargetRates: []float64{},
	}
	id, err := r.store.CreateStock(ctx, stock)
	if err != nil {
		r.logger.Error("minimal stock create failed", "symbol", fill.Symbol, "err", err)
		return nil
	}
	stock.ID = id
	r.book.Add(stock)
	r.logger.Info("untracked symbol registered from fill history", "symbol", fill.Symbol)
	return stock
}
