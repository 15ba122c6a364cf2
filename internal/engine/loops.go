package engine

import (
	"context"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/obs"
)

const (
	heartbeatInterval = 30 * time.Second
	enabledInterval   = 10 * time.Second
)

// RunHeartbeat stamps liveness for the operator frontend until ctx is done.
func (c *Coordinator) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.UpdateHeartbeat(ctx, time.Now()); err != nil {
				c.logger.Warn("heartbeat write failed", "err", err)
			}
		}
	}
}

// RunEnabledWatch mirrors the operator on/off switch from persistence into
// the engine. Read failures keep the previous state.
func (c *Coordinator) RunEnabledWatch(ctx context.Context) {
	ticker := time.NewTicker(enabledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			on, err := c.store.BotEnabled(ctx)
			if err != nil {
				c.logger.Warn("enabled flag read failed", "err", err)
				continue
			}
			if on != c.enabled.Load() {
				c.logger.Info("bot enabled flag changed", "enabled", on)
			}
			c.enabled.Store(on)
		}
	}
}

// RunStatusReporter sends the periodic textual status report.
func (c *Coordinator) RunStatusReporter(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			obs.SetTrackedSymbols(c.book.Len())
			c.notify.Status(ctx, c.book.StatusReport(c.PriceSnapshot()))
		}
	}
}
