package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "refill", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Loop runs fn on a fixed interval until ctx is cancelled. Each tick is
// individually panic-protected so one bad sweep does not kill the loop.
// Used for the expiration sweepers and limiter partition cleanup.
func Loop(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, fn func(now time.Time)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Debug("Periodic loop stopped", zap.String("loop", name))
				return
			case now := <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							logger.Error("Periodic loop tick panicked",
								zap.String("loop", name),
								zap.Any("panic", r),
								zap.Stack("stack"),
							)
						}
					}()
					fn(now)
				}()
			}
		}
	}()
}
