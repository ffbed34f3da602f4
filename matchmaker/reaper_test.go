package matchmaker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgelobby/edgelobby/coord"
	"github.com/edgelobby/edgelobby/coord/memoryhost"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedUnclaimed(t *testing.T, host coord.Host, sessionID string) {
	t.Helper()
	if err := host.UnclaimedSessions().Put(context.Background(), sessionID, []byte(sessionID)); err != nil {
		t.Fatalf("seed unclaimed: %v", err)
	}
}

func drainQueue(t *testing.T, host coord.Host) []string {
	t.Helper()
	deliveries, err := host.DeleteQueue().Pull(context.Background(), 100)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	var ids []string
	for _, d := range deliveries {
		ids = append(ids, string(d.Payload()))
		if err := d.Ack(context.Background()); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	return ids
}

func TestReapUnclaimedExpired(t *testing.T) {
	host := memoryhost.New()
	defer host.Close()
	r := NewReaper(host,
		WithReaperLogger(testLogger()),
		WithReapMaxSessionCreationTime(50*time.Millisecond),
		WithReapGrace(0),
	)

	seedUnclaimed(t, host, "old-S")
	time.Sleep(100 * time.Millisecond)
	seedUnclaimed(t, host, "fresh-S")

	if err := r.reapUnclaimedOnce(context.Background()); err != nil {
		t.Fatalf("reap: %v", err)
	}

	ids := drainQueue(t, host)
	if len(ids) != 1 || ids[0] != "old-S" {
		t.Fatalf("enqueued %v, want [old-S]", ids)
	}
	if _, err := host.UnclaimedSessions().Get(context.Background(), "old-S"); err != coord.ErrKeyNotFound {
		t.Fatalf("expired marker still present: %v", err)
	}
	if _, err := host.UnclaimedSessions().Get(context.Background(), "fresh-S"); err != nil {
		t.Fatalf("fresh marker was reaped: %v", err)
	}
}

func TestReapIsIdempotentAcrossScans(t *testing.T) {
	host := memoryhost.New()
	defer host.Close()
	r := NewReaper(host,
		WithReaperLogger(testLogger()),
		WithReapMaxSessionCreationTime(10*time.Millisecond),
		WithReapGrace(0),
	)

	seedUnclaimed(t, host, "old-S")
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := r.reapUnclaimedOnce(context.Background()); err != nil {
			t.Fatalf("reap %d: %v", i, err)
		}
	}

	ids := drainQueue(t, host)
	if len(ids) != 1 {
		t.Fatalf("enqueued %v, want exactly one job", ids)
	}
}

func TestConnectionClaimCancelsReap(t *testing.T) {
	host := memoryhost.New()
	defer host.Close()
	r := NewReaper(host, WithReaperLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.runConnectionWatcher(ctx)
	}()
	time.Sleep(20 * time.Millisecond)

	seedUnclaimed(t, host, "s1-S")
	if err := host.ActiveConnections().Put(ctx, "s1-S", []byte("4242")); err != nil {
		t.Fatalf("put connection: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := host.UnclaimedSessions().Get(ctx, "s1-S"); err == coord.ErrKeyNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("unclaimed marker never removed after claim")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A claim alone never schedules a deletion.
	if ids := drainQueue(t, host); len(ids) != 0 {
		t.Fatalf("claim enqueued deletion jobs: %v", ids)
	}

	cancel()
	<-done
}

func TestConnectionCloseEnqueuesDeletion(t *testing.T) {
	host := memoryhost.New()
	defer host.Close()
	r := NewReaper(host, WithReaperLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.runConnectionWatcher(ctx)
	}()
	time.Sleep(20 * time.Millisecond)

	if err := host.ActiveConnections().Put(ctx, "s2-S", []byte("4242")); err != nil {
		t.Fatalf("put connection: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := host.ActiveConnections().Delete(ctx, "s2-S"); err != nil {
		t.Fatalf("delete connection: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var ids []string
	for {
		ids = append(ids, drainQueue(t, host)...)
		if len(ids) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no deletion job after connection close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Exactly one job per disconnect.
	time.Sleep(50 * time.Millisecond)
	ids = append(ids, drainQueue(t, host)...)
	if len(ids) != 1 || ids[0] != "s2-S" {
		t.Fatalf("deletion jobs %v, want [s2-S]", ids)
	}

	cancel()
	<-done
}
