// Package gameserver is the coordination-side agent for a running game
// server. The server process embeds (or sidecars) a Relay to publish
// its certificate digest and to report client connects and disconnects,
// which is what drives session claiming and eventual deprovisioning.
package gameserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/edgelobby/edgelobby/coord"
)

// Relay publishes game-server state into the shared coordination host.
// It remembers which session each connected client belongs to, since
// the client<->session KV mappings expire long before a game ends.
type Relay struct {
	host coord.Host
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[uint64]string
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = log }
}

// NewRelay builds a Relay over the shared coordination host.
func NewRelay(host coord.Host, opts ...RelayOption) *Relay {
	r := &Relay{host: host, log: slog.Default(), sessions: make(map[uint64]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeCertDigest canonicalizes a certificate hash for storage:
// lowercase hex with separator colons removed.
func NormalizeCertDigest(digest string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(digest), ":", ""))
}

// AnnounceCertDigest stores the server's self-signed certificate digest
// keyed by its public IP. Clients receive this digest alongside their
// connect token so they can pin the server certificate.
func (r *Relay) AnnounceCertDigest(ctx context.Context, publicIP, digest string) error {
	normalized := NormalizeCertDigest(digest)
	if normalized == "" {
		return fmt.Errorf("empty cert digest")
	}
	if err := r.host.CertDigests().Put(ctx, publicIP, []byte(normalized)); err != nil {
		return fmt.Errorf("store cert digest: %w", err)
	}
	r.log.InfoContext(ctx, "gameserver.cert_digest.announced",
		slog.String("public_ip", publicIP), slog.String("digest", normalized))
	return nil
}

// ClientConnected records that a client claimed its session. The
// session is resolved from the client id minted at token time; an
// unknown client id means the mapping expired or the token was forged.
func (r *Relay) ClientConnected(ctx context.Context, clientID uint64) error {
	key := fmt.Sprintf("%d", clientID)
	sessionID, err := r.host.ClientSessions().Get(ctx, key)
	if err != nil {
		if err == coord.ErrKeyNotFound {
			return fmt.Errorf("no session mapped for client %d", clientID)
		}
		return fmt.Errorf("resolve client %d: %w", clientID, err)
	}
	if err := r.host.ActiveConnections().Put(ctx, string(sessionID), []byte(key)); err != nil {
		return fmt.Errorf("record connection: %w", err)
	}
	r.mu.Lock()
	r.sessions[clientID] = string(sessionID)
	r.mu.Unlock()
	r.log.InfoContext(ctx, "gameserver.client.connected",
		slog.Uint64("client_id", clientID), slog.String("session_id", string(sessionID)))
	return nil
}

// ClientDisconnected clears the connection record, which downstream
// schedules the session's deprovisioning. The session is resolved from
// the relay's own connect-time memory: the KV mapping expires after
// ~30s, and most games outlive it. The KV is only a fallback for a
// relay restarted mid-game.
func (r *Relay) ClientDisconnected(ctx context.Context, clientID uint64) error {
	r.mu.Lock()
	sessionID, remembered := r.sessions[clientID]
	delete(r.sessions, clientID)
	r.mu.Unlock()

	if !remembered {
		key := fmt.Sprintf("%d", clientID)
		mapped, err := r.host.ClientSessions().Get(ctx, key)
		if err != nil {
			if err == coord.ErrKeyNotFound {
				r.log.WarnContext(ctx, "gameserver.client.unknown_disconnect",
					slog.Uint64("client_id", clientID))
				return nil
			}
			return fmt.Errorf("resolve client %d: %w", clientID, err)
		}
		sessionID = string(mapped)
	}

	if err := r.host.ActiveConnections().Delete(ctx, sessionID); err != nil && err != coord.ErrKeyNotFound {
		return fmt.Errorf("clear connection: %w", err)
	}
	r.log.InfoContext(ctx, "gameserver.client.disconnected",
		slog.Uint64("client_id", clientID), slog.String("session_id", sessionID))
	return nil
}
