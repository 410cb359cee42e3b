package viewers

import (
	"context"
	"log/slog"
	"time"
)

// Run polls GetTotalViewers every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := a.clock.NewTicker(interval)
	defer t.Stop()
	a.logger.Info("viewer poller started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			a.GetTotalViewers(ctx)
		}
	}
}
