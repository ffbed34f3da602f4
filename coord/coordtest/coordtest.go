// Package coordtest provides a conformance test suite for coord.Host
// implementations.
package coordtest

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgelobby/edgelobby/coord"
)

// HostFactory creates a fresh coord.Host for testing. Hosts should be
// configured with a short queue redelivery window (<= 1s) so the
// redelivery tests run quickly.
type HostFactory func(t *testing.T) coord.Host

// RunHostTests runs the complete coord.Host test suite against the
// provided factory.
func RunHostTests(t *testing.T, factory HostFactory) {
	t.Run("KV_PutGet", func(t *testing.T) { testPutGet(t, factory) })
	t.Run("KV_GetMissingReturnsNotFound", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("KV_EntryCarriesCreatedAt", func(t *testing.T) { testEntryCreatedAt(t, factory) })
	t.Run("KV_DeleteRemovesKey", func(t *testing.T) { testDelete(t, factory) })
	t.Run("KV_KeysListsLiveKeys", func(t *testing.T) { testKeys(t, factory) })
	t.Run("KV_BucketIsolation", func(t *testing.T) { testBucketIsolation(t, factory) })
	t.Run("KV_WatchSeesPutAndDelete", func(t *testing.T) { testWatch(t, factory) })

	t.Run("Queue_EnqueuePullAck", func(t *testing.T) { testQueueBasics(t, factory) })
	t.Run("Queue_AckedIsNotRedelivered", func(t *testing.T) { testQueueAckFinal(t, factory) })
	t.Run("Queue_UnackedIsRedelivered", func(t *testing.T) { testQueueRedelivery(t, factory) })
}

func testPutGet(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	kv := h.UnclaimedSessions()
	if err := kv.Put(ctx, "sess-1", []byte("sess-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := kv.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("sess-1")) {
		t.Fatalf("got %q, want %q", got, "sess-1")
	}
}

func testGetMissing(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()

	_, err := h.CertDigests().Get(context.Background(), "9.9.9.9")
	if err != coord.ErrKeyNotFound {
		t.Fatalf("got err %v, want ErrKeyNotFound", err)
	}
}

func testEntryCreatedAt(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	if err := h.UnclaimedSessions().Put(ctx, "sess-2", []byte("sess-2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, err := h.UnclaimedSessions().Entry(ctx, "sess-2")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.CreatedAt.Before(before) || entry.CreatedAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("created-at %v outside expected window", entry.CreatedAt)
	}
}

func testDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	kv := h.ActiveConnections()
	if err := kv.Put(ctx, "sess-3", []byte("42")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Delete(ctx, "sess-3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := kv.Get(ctx, "sess-3"); err != coord.ErrKeyNotFound {
		t.Fatalf("got err %v after delete, want ErrKeyNotFound", err)
	}
	// Deleting an absent key is not an error.
	if err := kv.Delete(ctx, "sess-3"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func testKeys(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	kv := h.UnclaimedSessions()
	want := map[string]bool{"a-S": true, "b-S": true, "c-S": true}
	for k := range want {
		if err := kv.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	got := map[string]bool{}
	for _, k := range keys {
		got[k] = true
	}
	for k := range want {
		if !got[k] {
			t.Fatalf("keys missing %q: %v", k, keys)
		}
	}
}

func testBucketIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	if err := h.SessionClients().Put(ctx, "shared-key", []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := h.ClientSessions().Get(ctx, "shared-key"); err != coord.ErrKeyNotFound {
		t.Fatalf("got err %v from sibling bucket, want ErrKeyNotFound", err)
	}
}

func testWatch(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv := h.ActiveConnections()

	var mu sync.Mutex
	var events []coord.Event
	done := make(chan error, 1)
	go func() {
		done <- kv.Watch(ctx, func(ctx context.Context, ev coord.Event) error {
			mu.Lock()
			events = append(events, ev)
			n := len(events)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
			return nil
		})
	}()

	// Give the watcher time to attach before writing.
	time.Sleep(100 * time.Millisecond)

	if err := kv.Put(ctx, "sess-w", []byte("77")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Delete(ctx, "sess-w"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for watch events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Op != coord.OpPut || events[0].Key != "sess-w" {
		t.Fatalf("first event %+v, want put sess-w", events[0])
	}
	if !bytes.Equal(events[0].Value, []byte("77")) {
		t.Fatalf("put event value %q, want 77", events[0].Value)
	}
	if events[1].Op != coord.OpDelete || events[1].Key != "sess-w" {
		t.Fatalf("second event %+v, want delete sess-w", events[1])
	}
}

func testQueueBasics(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	q := h.DeleteQueue()
	if err := q.Enqueue(ctx, []byte("sess-q1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deliveries := pullUntil(t, q, 1, 3*time.Second)
	if !bytes.Equal(deliveries[0].Payload(), []byte("sess-q1")) {
		t.Fatalf("payload %q, want sess-q1", deliveries[0].Payload())
	}
	if deliveries[0].Deliveries() != 1 {
		t.Fatalf("deliveries %d, want 1", deliveries[0].Deliveries())
	}
	if err := deliveries[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func testQueueAckFinal(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	q := h.DeleteQueue()
	if err := q.Enqueue(ctx, []byte("sess-q2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deliveries := pullUntil(t, q, 1, 3*time.Second)
	if err := deliveries[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Wait out the redelivery window; nothing should come back.
	time.Sleep(1500 * time.Millisecond)
	got, err := q.Pull(ctx, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("acked message redelivered: %q", got[0].Payload())
	}
}

func testQueueRedelivery(t *testing.T, factory HostFactory) {
	h := factory(t)
	defer h.Close()
	ctx := context.Background()

	q := h.DeleteQueue()
	if err := q.Enqueue(ctx, []byte("sess-q3")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first := pullUntil(t, q, 1, 3*time.Second)
	_ = first // deliberately not acked

	second := pullUntil(t, q, 1, 5*time.Second)
	if !bytes.Equal(second[0].Payload(), []byte("sess-q3")) {
		t.Fatalf("payload %q, want sess-q3", second[0].Payload())
	}
	if second[0].Deliveries() < 2 {
		t.Fatalf("deliveries %d after redelivery, want >= 2", second[0].Deliveries())
	}
	if err := second[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

// pullUntil polls the queue until at least want deliveries arrive or
// the deadline passes.
func pullUntil(t *testing.T, q coord.Queue, want int, wait time.Duration) []coord.Delivery {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(wait)
	var out []coord.Delivery
	for time.Now().Before(deadline) {
		got, err := q.Pull(ctx, 100)
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		out = append(out, got...)
		if len(out) >= want {
			return out
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", want, len(out))
	return nil
}
