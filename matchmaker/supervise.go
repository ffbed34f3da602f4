package matchmaker

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRestartDelay is the uniform backoff applied when a supervised
// loop exits. Crash-only components restart forever until ctx ends.
const DefaultRestartDelay = 5 * time.Second

// supervise runs fn in a restart loop until ctx is canceled. Every
// exit, error or not, is logged and followed by the restart delay.
func supervise(ctx context.Context, log *slog.Logger, name string, delay time.Duration, fn func(ctx context.Context) error) {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.ErrorContext(ctx, name+".exit", slog.String("err", err.Error()))
		} else {
			log.WarnContext(ctx, name+".exit")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
