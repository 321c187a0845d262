package jobs

import (
	"context"
	"log"
	"time"

	"ritta/withdrawals/internal/config"
	"ritta/withdrawals/internal/withdrawal"
)

// StartExpireSweepJob periodically purges lapsed unconsumed credentials so
// expired codes cannot linger as scannable rows.
func StartExpireSweepJob(ctx context.Context, cfg config.Config, engine *withdrawal.Engine) {
	if !cfg.ExpireSweepEnabled {
		return
	}
	interval := cfg.ExpireSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.ExpireSweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				removed, err := engine.ExpireSweep(tickCtx)
				cancel()
				if err != nil {
					log.Printf("expire sweep error: %v", err)
					continue
				}
				if removed > 0 {
					log.Printf("expire sweep removed %d expired credentials", removed)
				}
			}
		}
	}()
}
