package memoryhost

import (
	"context"
	"testing"
	"time"

	"github.com/edgelobby/edgelobby/coord"
	"github.com/edgelobby/edgelobby/coord/coordtest"
)

func TestMemoryHost(t *testing.T) {
	coordtest.RunHostTests(t, func(t *testing.T) coord.Host {
		return NewWithConfig(Config{RedeliveryAfter: 500 * time.Millisecond})
	})
}

func TestMappingTTLExpires(t *testing.T) {
	h := NewWithConfig(Config{MappingTTL: 50 * time.Millisecond})
	defer h.Close()

	ctx := context.Background()
	if err := h.ClientSessions().Put(ctx, "12345", []byte("abc-S")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := h.ClientSessions().Get(ctx, "12345"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := h.ClientSessions().Get(ctx, "12345"); err != coord.ErrKeyNotFound {
		t.Fatalf("got err %v after TTL, want ErrKeyNotFound", err)
	}
}
