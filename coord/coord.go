// Package coord defines the coordination substrate shared by every
// edgelobby process: named key-value buckets with creation timestamps
// and optional TTLs, change-feed watches, and a durable work queue for
// session deletion jobs. Implementations live in redishost (production)
// and memoryhost (tests, single-node dev); both are exercised by the
// coordtest conformance suite.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by KV.Get and KV.Entry when the key does
// not exist or has expired.
var ErrKeyNotFound = errors.New("coord: key not found")

// Op identifies the kind of change observed by a watch.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a single observed change in a bucket.
type Event struct {
	Op    Op
	Key   string
	Value []byte
}

// WatchFunc receives bucket events. Returning a non-nil error stops the
// watch and propagates the error out of Watch.
type WatchFunc func(ctx context.Context, ev Event) error

// Entry is a stored value together with its metadata.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// KV is one named, independently namespaced bucket. Buckets may carry a
// TTL configured at host construction time; an expired key behaves as
// if deleted.
type KV interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Entry returns the value plus metadata for key, or ErrKeyNotFound.
	Entry(ctx context.Context, key string) (*Entry, error)

	// Put stores value under key, overwriting any previous value and
	// resetting the entry's creation time and TTL window.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all live keys in the bucket. No ordering guarantee.
	Keys(ctx context.Context) ([]string, error)

	// Watch invokes fn for every put and delete in the bucket until ctx
	// ends, fn returns an error, or the underlying feed breaks. It
	// blocks for the duration of the watch. Delivery is best effort:
	// a slow consumer may miss events under load, so watchers must not
	// be the sole guardian of an invariant (the reaper pairs its watch
	// with a periodic scan).
	Watch(ctx context.Context, fn WatchFunc) error
}

// Delivery is one message pulled from a Queue. A delivery that is never
// acked becomes eligible for redelivery after the host's visibility
// window.
type Delivery interface {
	// Payload is the message body.
	Payload() []byte

	// Deliveries is the number of times this message has been handed to
	// a consumer, including this delivery.
	Deliveries() int64

	// Ack marks the message as fully processed, removing it from the
	// queue.
	Ack(ctx context.Context) error
}

// Queue is an at-least-once durable work queue. Messages survive
// consumer restarts and are redelivered until acked.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error

	// Pull fetches up to max pending deliveries. It may return an empty
	// slice when the queue is idle; it does not block indefinitely.
	Pull(ctx context.Context, max int) ([]Delivery, error)
}

// Host exposes the named buckets and the deletion queue that the
// matchmaker, reaper, delete worker and gameservers coordinate
// through. Hosts are safe for concurrent use across goroutines.
type Host interface {
	// SessionClients maps session_id -> client_id. Short TTL: entries
	// only need to outlive token delivery and the client's connect.
	SessionClients() KV

	// ClientSessions maps client_id -> session_id. Same TTL policy.
	ClientSessions() KV

	// UnclaimedSessions maps session_id -> session_id for sessions no
	// client has connected to yet. No TTL; reaped explicitly.
	UnclaimedSessions() KV

	// ActiveConnections maps session_id -> client_id while a client is
	// connected to the session's gameserver. Lifecycle-managed by
	// gameservers.
	ActiveConnections() KV

	// CertDigests maps gameserver public IP -> self-signed certificate
	// digest. Long TTL.
	CertDigests() KV

	// DeleteQueue is the durable queue of session ids awaiting remote
	// deprovisioning.
	DeleteQueue() Queue

	Close() error
}
