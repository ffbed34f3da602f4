// Package memoryhost provides an in-memory coord.Host for tests and
// single-node development.
package memoryhost

import (
	"context"
	"sync"
	"time"

	"github.com/edgelobby/edgelobby/coord"
	lru "github.com/hashicorp/golang-lru/v2"
)

const bucketCapacity = 4096

// Config tunes the in-memory host. The zero value gives production-like
// TTLs; tests shrink the windows.
type Config struct {
	// MappingTTL applies to the SessionClients and ClientSessions
	// buckets. Default 30s.
	MappingTTL time.Duration
	// CertDigestTTL applies to the CertDigests bucket. Default 14 days.
	CertDigestTTL time.Duration
	// RedeliveryAfter is how long an unacked queue delivery stays
	// invisible before it is handed out again. Default 30s.
	RedeliveryAfter time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MappingTTL <= 0 {
		out.MappingTTL = 30 * time.Second
	}
	if out.CertDigestTTL <= 0 {
		out.CertDigestTTL = 14 * 24 * time.Hour
	}
	if out.RedeliveryAfter <= 0 {
		out.RedeliveryAfter = 30 * time.Second
	}
	return out
}

// Host implements coord.Host entirely in memory.
type Host struct {
	sessionClients    *bucket
	clientSessions    *bucket
	unclaimedSessions *bucket
	activeConnections *bucket
	certDigests       *bucket
	queue             *queue

	done chan struct{}
}

var _ coord.Host = (*Host)(nil)

// New creates an in-memory host with default TTLs.
func New() *Host {
	return NewWithConfig(Config{})
}

// NewWithConfig creates an in-memory host with the given tuning.
func NewWithConfig(cfg Config) *Host {
	cfg = cfg.withDefaults()
	h := &Host{
		sessionClients:    newBucket(cfg.MappingTTL),
		clientSessions:    newBucket(cfg.MappingTTL),
		unclaimedSessions: newBucket(0),
		activeConnections: newBucket(0),
		certDigests:       newBucket(cfg.CertDigestTTL),
		queue:             newQueue(cfg.RedeliveryAfter),
		done:              make(chan struct{}),
	}
	go h.sweepExpired()
	return h
}

func (h *Host) SessionClients() coord.KV    { return h.sessionClients }
func (h *Host) ClientSessions() coord.KV    { return h.clientSessions }
func (h *Host) UnclaimedSessions() coord.KV { return h.unclaimedSessions }
func (h *Host) ActiveConnections() coord.KV { return h.activeConnections }
func (h *Host) CertDigests() coord.KV       { return h.certDigests }
func (h *Host) DeleteQueue() coord.Queue    { return h.queue }

func (h *Host) Close() error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}

func (h *Host) buckets() []*bucket {
	return []*bucket{
		h.sessionClients, h.clientSessions, h.unclaimedSessions,
		h.activeConnections, h.certDigests,
	}
}

// sweepExpired evicts TTL'd-out entries so Keys doesn't report them.
func (h *Host) sweepExpired() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			for _, b := range h.buckets() {
				b.evictExpired()
			}
		}
	}
}

// --- bucket ---

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type bucket struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *entry]
	ttl      time.Duration
	watchers map[int]chan coord.Event
	nextID   int
}

func newBucket(ttl time.Duration) *bucket {
	cache, err := lru.New[string, *entry](bucketCapacity)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &bucket{
		cache:    cache,
		ttl:      ttl,
		watchers: make(map[int]chan coord.Event),
	}
}

var _ coord.KV = (*bucket)(nil)

func (b *bucket) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := b.Entry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (b *bucket) Entry(_ context.Context, key string) (*coord.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.cache.Get(key)
	if !ok {
		return nil, coord.ErrKeyNotFound
	}
	if e.expired(time.Now()) {
		b.cache.Remove(key)
		return nil, coord.ErrKeyNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return &coord.Entry{Key: key, Value: value, CreatedAt: e.createdAt}, nil
}

func (b *bucket) Put(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	now := time.Now()
	e := &entry{value: stored, createdAt: now}
	if b.ttl > 0 {
		e.expiresAt = now.Add(b.ttl)
	}

	b.mu.Lock()
	b.cache.Add(key, e)
	b.notifyLocked(coord.Event{Op: coord.OpPut, Key: key, Value: stored})
	b.mu.Unlock()
	return nil
}

func (b *bucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	if _, ok := b.cache.Get(key); ok {
		b.cache.Remove(key)
		b.notifyLocked(coord.Event{Op: coord.OpDelete, Key: key})
	}
	b.mu.Unlock()
	return nil
}

func (b *bucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var keys []string
	for _, key := range b.cache.Keys() {
		if e, ok := b.cache.Peek(key); ok && !e.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (b *bucket) Watch(ctx context.Context, fn coord.WatchFunc) error {
	ch := make(chan coord.Event, 64)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.watchers[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if err := fn(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (b *bucket) notifyLocked(ev coord.Event) {
	for _, ch := range b.watchers {
		select {
		case ch <- ev:
		default:
			// Slow watcher; drop rather than block writers.
		}
	}
}

func (b *bucket) evictExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, key := range b.cache.Keys() {
		if e, ok := b.cache.Peek(key); ok && e.expired(now) {
			b.cache.Remove(key)
		}
	}
}

// --- queue ---

type message struct {
	payload     []byte
	deliveries  int64
	invisibleAt time.Time // zero = ready for delivery
	acked       bool
}

type queue struct {
	mu              sync.Mutex
	messages        []*message
	redeliveryAfter time.Duration
}

func newQueue(redeliveryAfter time.Duration) *queue {
	return &queue{redeliveryAfter: redeliveryAfter}
}

var _ coord.Queue = (*queue)(nil)

func (q *queue) Enqueue(_ context.Context, payload []byte) error {
	stored := make([]byte, len(payload))
	copy(stored, payload)
	q.mu.Lock()
	q.messages = append(q.messages, &message{payload: stored})
	q.mu.Unlock()
	return nil
}

func (q *queue) Pull(_ context.Context, max int) ([]coord.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []coord.Delivery
	for _, m := range q.messages {
		if len(out) >= max {
			break
		}
		if m.acked {
			continue
		}
		if !m.invisibleAt.IsZero() && now.Before(m.invisibleAt) {
			continue
		}
		m.deliveries++
		m.invisibleAt = now.Add(q.redeliveryAfter)
		out = append(out, &delivery{q: q, m: m})
	}
	q.compactLocked()
	return out, nil
}

func (q *queue) compactLocked() {
	live := q.messages[:0]
	for _, m := range q.messages {
		if !m.acked {
			live = append(live, m)
		}
	}
	q.messages = live
}

type delivery struct {
	q *queue
	m *message
}

func (d *delivery) Payload() []byte    { return d.m.payload }
func (d *delivery) Deliveries() int64  { return d.m.deliveries }
func (d *delivery) Ack(_ context.Context) error {
	d.q.mu.Lock()
	d.m.acked = true
	d.q.mu.Unlock()
	return nil
}
