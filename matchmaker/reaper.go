package matchmaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgelobby/edgelobby/coord"
)

const (
	// DefaultReapInterval is how often the unclaimed-session scan runs.
	DefaultReapInterval = 5 * time.Second

	// DefaultReapGrace is added to the session-creation budget before an
	// unclaimed session is considered abandoned.
	DefaultReapGrace = 2 * time.Second
)

// Reaper detects sessions that are no longer needed and schedules
// their remote deprovisioning. Two independently supervised watchers:
// a tick-based scan of unclaimed sessions, and a change-feed watch of
// active connections.
type Reaper struct {
	host coord.Host
	log  *slog.Logger

	interval     time.Duration
	grace        time.Duration
	maxCreation  time.Duration
	restartDelay time.Duration
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperLogger sets the slog logger.
func WithReaperLogger(log *slog.Logger) ReaperOption {
	return func(r *Reaper) { r.log = log }
}

// WithReapInterval overrides the unclaimed-session scan interval.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.interval = d }
}

// WithReapGrace overrides the grace added to the creation budget.
func WithReapGrace(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.grace = d }
}

// WithReapMaxSessionCreationTime aligns the reaper's age threshold
// with the processor's readiness budget.
func WithReapMaxSessionCreationTime(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.maxCreation = d }
}

// WithReapRestartDelay overrides the watcher restart backoff.
func WithReapRestartDelay(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.restartDelay = d }
}

// NewReaper builds a Reaper over the shared coordination host.
func NewReaper(host coord.Host, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		host:         host,
		log:          slog.Default(),
		interval:     DefaultReapInterval,
		grace:        DefaultReapGrace,
		maxCreation:  DefaultMaxSessionCreationTime,
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run supervises both watchers until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		supervise(ctx, r.log, "reaper.unclaimed", r.restartDelay, r.runUnclaimedWatcher)
	}()
	go func() {
		defer wg.Done()
		supervise(ctx, r.log, "reaper.connections", r.restartDelay, r.runConnectionWatcher)
	}()
	wg.Wait()
}

// runUnclaimedWatcher scans the unclaimed-session bucket on a fixed
// tick, deprovisioning sessions whose requester disappeared before a
// client ever connected.
func (r *Reaper) runUnclaimedWatcher(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.reapUnclaimedOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Reaper) reapUnclaimedOnce(ctx context.Context) error {
	kv := r.host.UnclaimedSessions()
	keys, err := kv.Keys(ctx)
	if err != nil {
		return err
	}
	cutoff := r.maxCreation + r.grace
	for _, key := range keys {
		entry, err := kv.Entry(ctx, key)
		if err != nil {
			// Key may have been claimed or reaped since the scan.
			if err != coord.ErrKeyNotFound {
				r.log.WarnContext(ctx, "reaper.unclaimed.read_fail",
					slog.String("session_id", key), slog.String("err", err.Error()))
			}
			continue
		}
		sessionID := string(entry.Value)
		age := time.Since(entry.CreatedAt)
		if age <= cutoff {
			continue
		}
		r.log.WarnContext(ctx, "reaper.unclaimed.expired",
			slog.String("session_id", sessionID), slog.Duration("age", age))
		if err := r.host.DeleteQueue().Enqueue(ctx, []byte(sessionID)); err != nil {
			return err
		}
		if err := kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// runConnectionWatcher follows the active-connection bucket. A put
// means a client claimed its session, so the unclaimed marker goes
// away; a delete means the game is over (or the server expired the
// connection), so the session is enqueued for deprovisioning.
func (r *Reaper) runConnectionWatcher(ctx context.Context) error {
	return r.host.ActiveConnections().Watch(ctx, func(ctx context.Context, ev coord.Event) error {
		sessionID := ev.Key
		switch ev.Op {
		case coord.OpPut:
			r.log.InfoContext(ctx, "reaper.connection.claimed", slog.String("session_id", sessionID))
			if err := r.host.UnclaimedSessions().Delete(ctx, sessionID); err != nil {
				r.log.WarnContext(ctx, "reaper.unclaimed.delete_fail",
					slog.String("session_id", sessionID), slog.String("err", err.Error()))
			}
		case coord.OpDelete:
			r.log.InfoContext(ctx, "reaper.connection.released", slog.String("session_id", sessionID))
			if err := r.host.DeleteQueue().Enqueue(ctx, []byte(sessionID)); err != nil {
				return err
			}
		}
		return nil
	})
}
