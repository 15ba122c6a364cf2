package feed

import (
	"context"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
)

// TickHandler receives PriceTicks from every ingestion path. Handlers must
// be safe for concurrent calls and must not block: the stream reader can
// never wait on a slow consumer.
type TickHandler func(tick models.PriceTick)

// ApprovalSource issues the websocket session credential. It is a separate
// credential from the order-API token, cached with its own expiry.
type ApprovalSource interface {
	ApprovalKey(ctx context.Context) (string, error)
}

// Quoter is the price-query subset of the brokerage contract used by the
// polling fallback.
type Quoter interface {
	GetPrice(ctx context.Context, symbol string) (*models.PriceTick, error)
	GetBatchPrices(ctx context.Context, symbols []string) (map[string]*models.PriceTick, error)
}

// SymbolSource yields the currently tracked symbols; both producers
// re-read it every cycle so hot-added stocks get picked up.
type SymbolSource func() []string
