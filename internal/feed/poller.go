package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/broker"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/configs"
)

// offHoursInterval is the poll cadence outside the trading window, where
// prices only matter for display and sync.
const offHoursInterval = 5 * time.Minute

// pollInterval scales the in-hours cadence with instrument count: one
// second per batch of 30 symbols, minimum one second.
func pollInterval(symbolCount int, marketOpen bool) time.Duration {
	if !marketOpen {
		return offHoursInterval
	}
	batches := (symbolCount + broker.BatchLimit - 1) / broker.BatchLimit
	if batches < 1 {
		batches = 1
	}
	return time.Duration(batches) * time.Second
}

// Poller is the pull-based fallback price source. It keeps the engine fed
// when the stream degrades or gives up; both producers deliberately overlap
// and the coordinator's per-symbol lock absorbs the duplicates.
type Poller struct {
	quoter  Quoter
	symbols SymbolSource
	handler TickHandler
	logger  *slog.Logger
}

func NewPoller(quoter Quoter, symbols SymbolSource, handler TickHandler, logger *slog.Logger) *Poller {
	return &Poller{quoter: quoter, symbols: symbols, handler: handler, logger: logger}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	for {
		symbols := p.symbols()
		p.pollOnce(ctx, symbols)

		wait := pollInterval(len(symbols), configs.IsMarketOpen(time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, symbols []string) {
	for start := 0; start < len(symbols); start += broker.BatchLimit {
		end := start + broker.BatchLimit
		if end > len(symbols) {
			end = len(symbols)
		}
		p.pollBatch(ctx, symbols[start:end])
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Poller) pollBatch(ctx context.Context, batch []string) {
	ticks, err := p.quoter.GetBatchPrices(ctx, batch)
	if err == nil {
		for _, tick := range ticks {
			p.handler(*tick)
		}
		return
	}

	// Batch endpoint down: degrade to sequential per-symbol queries for
	// this batch, then give up for the cycle.
	p.logger.Warn("batch price query failed, falling back to sequential", "err", err, "batch", len(batch))
	for _, symbol := range batch {
		if ctx.Err() != nil {
			return
		}
		tick, err := p.quoter.GetPrice(ctx, symbol)
		if err != nil {
			p.logger.Warn("price query failed", "symbol", symbol, "err", err)
			continue
		}
		p.handler(*tick)
	}
}
