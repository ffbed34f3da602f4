package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/edgelobby/edgelobby/coord"
	"github.com/edgelobby/edgelobby/coord/memoryhost"
	"github.com/edgelobby/edgelobby/provision"
	"github.com/edgelobby/edgelobby/provision/provisiontest"
)

func fastQueueHost() *memoryhost.Host {
	return memoryhost.NewWithConfig(memoryhost.Config{RedeliveryAfter: 50 * time.Millisecond})
}

func pullOne(t *testing.T, host coord.Host) coord.Delivery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		deliveries, err := host.DeleteQueue().Pull(context.Background(), 10)
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if len(deliveries) > 0 {
			return deliveries[0]
		}
		if time.Now().After(deadline) {
			t.Fatal("no delivery available")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func queueEmpty(t *testing.T, host coord.Host, settle time.Duration) bool {
	t.Helper()
	time.Sleep(settle)
	deliveries, err := host.DeleteQueue().Pull(context.Background(), 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	return len(deliveries) == 0
}

func TestDeleterAcksOnSuccess(t *testing.T) {
	host := fastQueueHost()
	defer host.Close()
	fake := &provisiontest.Fake{}
	w := NewDeleteWorker(host, fake, WithDeleteLogger(testLogger()))

	if err := host.DeleteQueue().Enqueue(context.Background(), []byte("ok-S")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(context.Background(), pullOne(t, host))

	if got := fake.DeleteCallsFor("ok-S"); got != 1 {
		t.Fatalf("delete calls %d, want 1", got)
	}
	if !queueEmpty(t, host, 100*time.Millisecond) {
		t.Fatal("acked job was redelivered")
	}
}

func TestDeleterTreatsGoneAsSuccess(t *testing.T) {
	for _, status := range []int{404, 410} {
		host := fastQueueHost()
		fake := &provisiontest.Fake{
			DeleteErrs: map[string]error{"gone-S": &provision.APIError{Status: status, Message: "gone"}},
		}
		w := NewDeleteWorker(host, fake, WithDeleteLogger(testLogger()))

		if err := host.DeleteQueue().Enqueue(context.Background(), []byte("gone-S")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		w.handle(context.Background(), pullOne(t, host))

		if !queueEmpty(t, host, 100*time.Millisecond) {
			t.Fatalf("status %d: job not acked", status)
		}
		host.Close()
	}
}

func TestDeleterRetriesOnFailure(t *testing.T) {
	host := fastQueueHost()
	defer host.Close()
	fake := &provisiontest.Fake{
		DeleteErrs: map[string]error{"bad-S": &provision.APIError{Status: 500, Message: "provider down"}},
	}
	w := NewDeleteWorker(host, fake, WithDeleteLogger(testLogger()))

	if err := host.DeleteQueue().Enqueue(context.Background(), []byte("bad-S")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first := pullOne(t, host)
	w.handle(context.Background(), first)

	// Not acked, so the job comes back with a higher delivery count.
	second := pullOne(t, host)
	if string(second.Payload()) != "bad-S" {
		t.Fatalf("redelivered payload %q", second.Payload())
	}
	if second.Deliveries() <= first.Deliveries() {
		t.Fatalf("delivery count did not grow: %d -> %d", first.Deliveries(), second.Deliveries())
	}
	w.handle(context.Background(), second)

	if got := fake.DeleteCallsFor("bad-S"); got != 2 {
		t.Fatalf("delete calls %d, want 2", got)
	}
}

func TestDeleterDropsPoisonJob(t *testing.T) {
	host := fastQueueHost()
	defer host.Close()
	fake := &provisiontest.Fake{
		DeleteErrs: map[string]error{"poison-S": &provision.APIError{Status: 500, Message: "provider down"}},
	}
	w := NewDeleteWorker(host, fake,
		WithDeleteLogger(testLogger()),
		WithDeleteMaxDeliveries(2),
	)

	if err := host.DeleteQueue().Enqueue(context.Background(), []byte("poison-S")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		w.handle(context.Background(), pullOne(t, host))
	}

	// The third delivery exceeded the cap and was acked without another
	// provider call.
	if got := fake.DeleteCallsFor("poison-S"); got != 2 {
		t.Fatalf("delete calls %d, want 2", got)
	}
	if !queueEmpty(t, host, 100*time.Millisecond) {
		t.Fatal("poison job still in the queue")
	}
}

func TestDeleteWorkerRunDrains(t *testing.T) {
	host := fastQueueHost()
	defer host.Close()
	fake := &provisiontest.Fake{}
	w := NewDeleteWorker(host, fake,
		WithDeleteLogger(testLogger()),
		WithDeleteIdleSleep(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	for _, id := range []string{"a-S", "b-S", "c-S"} {
		if err := host.DeleteQueue().Enqueue(ctx, []byte(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for fake.DeleteCallsFor("a-S") == 0 || fake.DeleteCallsFor("b-S") == 0 || fake.DeleteCallsFor("c-S") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker did not drain the queue")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
