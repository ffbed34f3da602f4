package matchmaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgelobby/edgelobby/coord"
	"github.com/edgelobby/edgelobby/provision"
)

const (
	// DefaultDeleteBatchSize is the maximum deliveries pulled per fetch.
	DefaultDeleteBatchSize = 100

	// DefaultDeleteIdleSleep is the pause between fetches when the
	// queue is empty.
	DefaultDeleteIdleSleep = 5 * time.Second

	// DefaultMaxDeliveries caps redelivery of a failing job. A job past
	// the cap is acked and logged instead of retried forever.
	DefaultMaxDeliveries = 20
)

// DeleteWorker drains the deletion queue and releases remote sessions
// through the provisioning API. Deletion is idempotent: a provider
// answer of "already gone" counts as success.
type DeleteWorker struct {
	host coord.Host
	prov provision.Client
	log  *slog.Logger

	batchSize     int
	idleSleep     time.Duration
	maxDeliveries int64
	restartDelay  time.Duration
}

// DeleteWorkerOption configures a DeleteWorker.
type DeleteWorkerOption func(*DeleteWorker)

// WithDeleteLogger sets the slog logger.
func WithDeleteLogger(log *slog.Logger) DeleteWorkerOption {
	return func(w *DeleteWorker) { w.log = log }
}

// WithDeleteIdleSleep overrides the idle pause between fetches.
func WithDeleteIdleSleep(d time.Duration) DeleteWorkerOption {
	return func(w *DeleteWorker) { w.idleSleep = d }
}

// WithDeleteMaxDeliveries overrides the poison-message cap.
func WithDeleteMaxDeliveries(n int64) DeleteWorkerOption {
	return func(w *DeleteWorker) { w.maxDeliveries = n }
}

// WithDeleteRestartDelay overrides the restart backoff.
func WithDeleteRestartDelay(d time.Duration) DeleteWorkerOption {
	return func(w *DeleteWorker) { w.restartDelay = d }
}

// NewDeleteWorker builds a worker over the shared host and provider.
func NewDeleteWorker(host coord.Host, prov provision.Client, opts ...DeleteWorkerOption) *DeleteWorker {
	w := &DeleteWorker{
		host:          host,
		prov:          prov,
		log:           slog.Default(),
		batchSize:     DefaultDeleteBatchSize,
		idleSleep:     DefaultDeleteIdleSleep,
		maxDeliveries: DefaultMaxDeliveries,
		restartDelay:  DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run supervises the drain loop until ctx is canceled.
func (w *DeleteWorker) Run(ctx context.Context) {
	supervise(ctx, w.log, "deleter", w.restartDelay, w.drain)
}

func (w *DeleteWorker) drain(ctx context.Context) error {
	for {
		deliveries, err := w.host.DeleteQueue().Pull(ctx, w.batchSize)
		if err != nil {
			return err
		}
		for _, d := range deliveries {
			w.handle(ctx, d)
		}
		if len(deliveries) == 0 {
			if err := sleepCtx(ctx, w.idleSleep); err != nil {
				return err
			}
		}
	}
}

// handle processes one deletion job. Ack only on success or
// success-equivalent outcomes; anything else stays pending for
// redelivery.
func (w *DeleteWorker) handle(ctx context.Context, d coord.Delivery) {
	sessionID := string(d.Payload())

	if d.Deliveries() > w.maxDeliveries {
		w.log.ErrorContext(ctx, "deleter.poison.dropped",
			slog.String("session_id", sessionID), slog.Int64("deliveries", d.Deliveries()))
		w.ack(ctx, d, sessionID)
		return
	}

	err := w.prov.DeleteSession(ctx, sessionID)
	if err == nil {
		w.log.InfoContext(ctx, "deleter.session.deleted", slog.String("session_id", sessionID))
		w.ack(ctx, d, sessionID)
		return
	}

	if apiErr, ok := provision.AsAPIError(err); ok {
		if apiErr.Gone() {
			w.log.WarnContext(ctx, "deleter.session.already_gone",
				slog.String("session_id", sessionID), slog.Int("status", apiErr.Status))
			w.ack(ctx, d, sessionID)
			return
		}
		w.log.ErrorContext(ctx, "deleter.session.fail",
			slog.String("session_id", sessionID), slog.Int("status", apiErr.Status),
			slog.String("err", apiErr.Message))
		return
	}

	w.log.ErrorContext(ctx, "deleter.session.fail",
		slog.String("session_id", sessionID), slog.String("err", err.Error()))
}

func (w *DeleteWorker) ack(ctx context.Context, d coord.Delivery, sessionID string) {
	if err := d.Ack(ctx); err != nil {
		w.log.ErrorContext(ctx, "deleter.ack.fail",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
}
