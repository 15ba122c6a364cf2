package storage

import (
	"context"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/strategy"
)

// Storage handles persistence of the ledger and the operator request queue.
// Record identifiers are opaque strings.
type Storage interface {
	// LoadStocks retrieves all active stocks with their round ledgers.
	LoadStocks(ctx context.Context) ([]*strategy.Stock, error)

	// CreateStock stores a new tracked stock and returns its id.
	CreateStock(ctx context.Context, s *strategy.Stock) (string, error)

	// SetStockActive flips the active flag (used by the post-fill
	// write-failure deactivation path).
	SetStockActive(ctx context.Context, stockID string, active bool) error

	// SaveRound stores a newly created round and returns its id.
	SaveRound(ctx context.Context, stockID string, r *strategy.Round) (string, error)

	// MarkRoundSold records a round's transition to sold.
	MarkRoundSold(ctx context.Context, roundID string, soldPrice int64, soldAt time.Time) error

	// BotEnabled reads the operator on/off switch.
	BotEnabled(ctx context.Context) (bool, error)

	// UpdateHeartbeat stamps liveness for the operator frontend.
	UpdateHeartbeat(ctx context.Context, at time.Time) error

	// PendingWorkItems retrieves queued operator requests, oldest first.
	PendingWorkItems(ctx context.Context) ([]models.WorkItem, error)

	// UpdateWorkItem transitions a request's status with a result message.
	UpdateWorkItem(ctx context.Context, id, status, message string) error
}
