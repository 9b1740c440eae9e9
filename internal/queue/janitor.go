package queue

import (
	"context"
	"log/slog"
	"time"
)

type Purger interface {
	PurgeFailed(ctx context.Context, olderThan time.Duration) (int, error)
}

// RunJanitor purges failed jobs older than window every interval until ctx
// is done. A zero interval disables purging.
func RunJanitor(ctx context.Context, p Purger, interval, window time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.PurgeFailed(ctx, window)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("failed job purge incomplete", "purged", n, "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged failed jobs", "count", n, "older_than", window.String())
			}
		}
	}
}
