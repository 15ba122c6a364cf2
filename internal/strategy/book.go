package strategy

import (
	"sort"
	"strings"
	"sync"
)

// Book holds the tracked stocks. The map is guarded here; the stocks
// themselves are only mutated under the engine's per-symbol lock.
type Book struct {
	mu     sync.RWMutex
	stocks map[string]*Stock
}

func NewBook() *Book {
	return &Book{stocks: make(map[string]*Stock)}
}

// Add registers a stock, replacing configuration in place when the symbol
// is already tracked so holding rounds survive a reload.
func (b *Book) Add(s *Stock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.stocks[s.Symbol]; ok {
		existing.ApplyConfig(s)
		return
	}
	b.stocks[s.Symbol] = s
}

func (b *Book) Remove(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stocks, symbol)
}

func (b *Book) Get(symbol string) *Stock {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stocks[symbol]
}

// Symbols returns the tracked symbols in stable order.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	symbols := make([]string, 0, len(b.stocks))
	for symbol := range b.stocks {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.stocks)
}

// StatusReport 현황 리포트 - aggregates per-stock summaries. Read-only and
// safe to call from any task; prices is the last-known-price snapshot.
func (b *Book) StatusReport(prices map[string]int64) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("=== split-bot status ===\n\n")

	symbols := make([]string, 0, len(b.stocks))
	for symbol := range b.stocks {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		sb.WriteString(b.stocks[symbol].StatusReport(prices[symbol]))
		sb.WriteString("\n")
	}
	return sb.String()
}
