package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/storage"
)

const workPollInterval = 10 * time.Second

// Syncer triggers an on-demand reconciliation pass.
type Syncer interface {
	SyncNow(ctx context.Context) error
}

// WorkQueue polls the persistence-backed operator request queue and routes
// each item through the Coordinator so manual and automated orders share
// one serialization path.
type WorkQueue struct {
	store  storage.Storage
	coord  *Coordinator
	syncer Syncer
	logger *slog.Logger
}

func NewWorkQueue(store storage.Storage, coord *Coordinator, syncer Syncer, logger *slog.Logger) *WorkQueue {
	return &WorkQueue{store: store, coord: coord, syncer: syncer, logger: logger}
}

// Run polls until ctx is done.
func (q *WorkQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(workPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain processes every pending item, oldest first. One failing item never
// stops the rest of the batch.
func (q *WorkQueue) drain(ctx context.Context) {
	items, err := q.store.PendingWorkItems(ctx)
	if err != nil {
		q.logger.Warn("work queue poll failed", "err", err)
		return
	}
	for _, item := range items {
		q.process(ctx, item)
	}
}

func (q *WorkQueue) process(ctx context.Context, item models.WorkItem) {
	if err := q.store.UpdateWorkItem(ctx, item.ID, models.WorkProcessing, ""); err != nil {
		q.logger.Warn("work item claim failed", "id", item.ID, "err", err)
		return
	}

	var err error
	final := models.WorkExecuted
	switch item.Kind {
	case models.WorkBuy:
		err = q.coord.ManualBuy(ctx, item.Symbol, item.Quantity, item.Price)
	case models.WorkSell:
		err = q.coord.ManualSell(ctx, item.Symbol, item.Quantity, item.Price)
	case models.WorkSync:
		final = models.WorkCompleted
		if q.syncer != nil {
			err = q.syncer.SyncNow(ctx)
		}
	default:
		q.logger.Warn("unknown work item kind", "id", item.ID, "kind", item.Kind)
		_ = q.store.UpdateWorkItem(ctx, item.ID, models.WorkFailed, "unknown kind: "+item.Kind)
		return
	}

	if err != nil {
		q.logger.Warn("work item failed", "id", item.ID, "kind", item.Kind, "symbol", item.Symbol, "err", err)
		if uerr := q.store.UpdateWorkItem(ctx, item.ID, models.WorkFailed, err.Error()); uerr != nil {
			q.logger.Error("work item status write failed", "id", item.ID, "err", uerr)
		}
		return
	}
	q.logger.Info("work item done", "id", item.ID, "kind", item.Kind, "symbol", item.Symbol)
	if uerr := q.store.UpdateWorkItem(ctx, item.ID, final, "ok"); uerr != nil {
		q.logger.Error("work item status write failed", "id", item.ID, "err", uerr)
	}
}
