// Package redishost provides the production coord.Host backed by
// Redis: prefixed hashes for the KV buckets, pub/sub channels for
// change feeds, and a stream + consumer group for the durable deletion
// queue.
package redishost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/edgelobby/edgelobby/coord"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	deleteQueueStream = "edgegap_delete_session_q"
	deleteQueueGroup  = "api-deleter"
)

// Config for the Redis-backed host. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EDGELOBBY_KEY_PREFIX
	KeyPrefix string `env:"EDGELOBBY_KEY_PREFIX,default=edgelobby:"`
	// MappingTTL for the session<->client mapping buckets.
	MappingTTL time.Duration `env:"EDGELOBBY_MAPPING_TTL,default=30s"`
	// CertDigestTTL for the cert digest bucket.
	CertDigestTTL time.Duration `env:"EDGELOBBY_CERT_DIGEST_TTL,default=336h"`
	// ClaimMinIdle is how long an unacked queue delivery must sit idle
	// before another consumer may claim it.
	ClaimMinIdle time.Duration `env:"EDGELOBBY_QUEUE_REDELIVERY,default=30s"`
}

// Host implements coord.Host on a single Redis client.
type Host struct {
	client   *redis.Client
	prefix   string
	consumer string

	sessionClients    *bucket
	clientSessions    *bucket
	unclaimedSessions *bucket
	activeConnections *bucket
	certDigests       *bucket
	queue             *queue
}

var _ coord.Host = (*Host)(nil)

// New connects, verifies the connection, and ensures the deletion
// queue's consumer group exists.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "edgelobby:"
	}
	mappingTTL := cfg.MappingTTL
	if mappingTTL <= 0 {
		mappingTTL = 30 * time.Second
	}
	digestTTL := cfg.CertDigestTTL
	if digestTTL <= 0 {
		digestTTL = 14 * 24 * time.Hour
	}
	claimMinIdle := cfg.ClaimMinIdle
	if claimMinIdle <= 0 {
		claimMinIdle = 30 * time.Second
	}

	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	h := &Host{
		client:   cl,
		prefix:   prefix,
		consumer: "deleter-" + uuid.NewString(),
	}
	h.sessionClients = h.newBucket("sessions_s2c", mappingTTL)
	h.clientSessions = h.newBucket("sessions_c2s", mappingTTL)
	h.unclaimedSessions = h.newBucket("unclaimed_sessions", 0)
	h.activeConnections = h.newBucket("active_connections", 0)
	h.certDigests = h.newBucket("cert_digests", digestTTL)
	h.queue = &queue{h: h, stream: prefix + "q:" + deleteQueueStream, minIdle: claimMinIdle}

	if err := h.queue.ensureGroup(context.Background()); err != nil {
		_ = cl.Close()
		return nil, err
	}
	return h, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (h *Host) SessionClients() coord.KV    { return h.sessionClients }
func (h *Host) ClientSessions() coord.KV    { return h.clientSessions }
func (h *Host) UnclaimedSessions() coord.KV { return h.unclaimedSessions }
func (h *Host) ActiveConnections() coord.KV { return h.activeConnections }
func (h *Host) CertDigests() coord.KV       { return h.certDigests }
func (h *Host) DeleteQueue() coord.Queue    { return h.queue }

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) newBucket(name string, ttl time.Duration) *bucket {
	return &bucket{h: h, name: name, ttl: ttl}
}

// --- KV buckets ---

type bucket struct {
	h    *Host
	name string
	ttl  time.Duration
}

var _ coord.KV = (*bucket)(nil)

func (b *bucket) dataKey(key string) string {
	return b.h.prefix + "kv:" + b.name + ":" + key
}

func (b *bucket) scanPattern() string {
	return b.h.prefix + "kv:" + b.name + ":*"
}

func (b *bucket) eventChannel() string {
	return b.h.prefix + "ev:" + b.name
}

type wireEvent struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

func (b *bucket) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.h.client.HGet(ctx, b.dataKey(key), "v").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, coord.ErrKeyNotFound
		}
		return nil, err
	}
	return []byte(v), nil
}

func (b *bucket) Entry(ctx context.Context, key string) (*coord.Entry, error) {
	vals, err := b.h.client.HMGet(ctx, b.dataKey(key), "v", "c").Result()
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(string)
	if !ok {
		return nil, coord.ErrKeyNotFound
	}
	entry := &coord.Entry{Key: key, Value: []byte(v)}
	if c, ok := vals[1].(string); ok {
		var nanos int64
		if _, err := fmt.Sscan(c, &nanos); err == nil {
			entry.CreatedAt = time.Unix(0, nanos)
		}
	}
	return entry, nil
}

func (b *bucket) Put(ctx context.Context, key string, value []byte) error {
	dk := b.dataKey(key)
	created := fmt.Sprintf("%d", time.Now().UnixNano())
	pipe := b.h.client.TxPipeline()
	pipe.HSet(ctx, dk, "v", value, "c", created)
	if b.ttl > 0 {
		pipe.PExpire(ctx, dk, b.ttl)
	} else {
		pipe.Persist(ctx, dk)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return b.publish(ctx, wireEvent{Op: "put", Key: key, Value: value})
}

func (b *bucket) Delete(ctx context.Context, key string) error {
	n, err := b.h.client.Del(ctx, b.dataKey(key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return b.publish(ctx, wireEvent{Op: "delete", Key: key})
}

func (b *bucket) publish(ctx context.Context, ev wireEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// Best-effort even when the caller is tearing down.
	return b.h.client.Publish(context.WithoutCancel(ctx), b.eventChannel(), payload).Err()
}

func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	strip := b.h.prefix + "kv:" + b.name + ":"
	for {
		batch, cur, err := b.h.client.Scan(ctx, cursor, b.scanPattern(), 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, strip))
		}
		if cur == 0 {
			return keys, nil
		}
		cursor = cur
	}
}

func (b *bucket) Watch(ctx context.Context, fn coord.WatchFunc) error {
	sub := b.h.client.Subscribe(ctx, b.eventChannel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redishost: event feed for %q closed", b.name)
			}
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			out := coord.Event{Key: ev.Key, Value: ev.Value}
			switch ev.Op {
			case "put":
				out.Op = coord.OpPut
			case "delete":
				out.Op = coord.OpDelete
			default:
				continue
			}
			if err := fn(ctx, out); err != nil {
				return err
			}
		}
	}
}

// --- deletion queue (stream + consumer group) ---

type queue struct {
	h       *Host
	stream  string
	minIdle time.Duration
}

var _ coord.Queue = (*queue)(nil)

func (q *queue) ensureGroup(ctx context.Context) error {
	err := q.h.client.XGroupCreateMkStream(ctx, q.stream, deleteQueueGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *queue) Enqueue(ctx context.Context, payload []byte) error {
	return q.h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"d": payload},
	}).Err()
}

func (q *queue) Pull(ctx context.Context, max int) ([]coord.Delivery, error) {
	var out []coord.Delivery

	// First reclaim deliveries abandoned by crashed consumers.
	claimed, _, err := q.h.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    deleteQueueGroup,
		Consumer: q.h.consumer,
		MinIdle:  q.minIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	counts := q.retryCounts(ctx, claimed)
	for _, m := range claimed {
		out = append(out, q.wrap(m, counts[m.ID]))
	}

	if remaining := max - len(out); remaining > 0 {
		res, err := q.h.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    deleteQueueGroup,
			Consumer: q.h.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    int64(remaining),
			Block:    time.Second,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		for _, s := range res {
			for _, m := range s.Messages {
				out = append(out, q.wrap(m, 1))
			}
		}
	}
	return out, nil
}

// retryCounts resolves delivery counts for reclaimed messages from the
// pending entries list.
func (q *queue) retryCounts(ctx context.Context, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	if len(msgs) == 0 {
		return counts
	}
	pending, err := q.h.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  deleteQueueGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(len(msgs)) + 100,
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

func (q *queue) wrap(m redis.XMessage, deliveries int64) coord.Delivery {
	var payload []byte
	switch v := m.Values["d"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		payload = []byte(fmt.Sprintf("%v", v))
	}
	if deliveries < 1 {
		deliveries = 1
	}
	return &streamDelivery{q: q, id: m.ID, payload: payload, deliveries: deliveries}
}

type streamDelivery struct {
	q          *queue
	id         string
	payload    []byte
	deliveries int64
}

func (d *streamDelivery) Payload() []byte   { return d.payload }
func (d *streamDelivery) Deliveries() int64 { return d.deliveries }

func (d *streamDelivery) Ack(ctx context.Context) error {
	c := context.WithoutCancel(ctx)
	if err := d.q.h.client.XAck(c, d.q.stream, deleteQueueGroup, d.id).Err(); err != nil {
		return err
	}
	// Work-queue retention: acked jobs are gone for good.
	return d.q.h.client.XDel(c, d.q.stream, d.id).Err()
}
