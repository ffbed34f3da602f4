// Package token mints the fixed-size connect tokens that authorize one
// client to authenticate with one game server. Tokens are opaque to
// clients; game servers share the signing key out-of-band and unseal
// the private block to recover the client id and per-session keys.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Size is the exact length of every serialized token.
	Size = 2048

	// KeyBytes is the length of the shared signing key.
	KeyBytes = 32

	magic            = "EDGELOBBY TOKEN\x00"
	privateBlockSize = 256
	addrBytes        = 19 // 1 type + 16 ip + 2 port
)

// DefaultLifetime bounds how long a minted token stays valid.
const DefaultLifetime = 30 * time.Second

// Minter builds connect tokens for one protocol id. The signing key
// may be swapped at runtime (hot reload); Mint is safe for concurrent
// use.
type Minter struct {
	protocolID uint64
	lifetime   time.Duration

	mu  sync.RWMutex
	key [KeyBytes]byte
}

// NewMinter creates a Minter with the default token lifetime.
func NewMinter(protocolID uint64, key [KeyBytes]byte) *Minter {
	return &Minter{protocolID: protocolID, lifetime: DefaultLifetime, key: key}
}

// SetKey replaces the signing key for subsequently minted tokens.
func (m *Minter) SetKey(key [KeyBytes]byte) {
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
}

// ProtocolID returns the protocol id tokens are bound to.
func (m *Minter) ProtocolID() uint64 { return m.protocolID }

// Mint builds a token binding (server address, protocol id, client id)
// and returns exactly Size bytes.
func (m *Minter) Mint(serverAddr netip.AddrPort, clientID uint64) ([]byte, error) {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()

	now := time.Now()

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("token: nonce: %w", err)
	}

	// Private block: client id, server address, fresh per-session keys.
	private := make([]byte, privateBlockSize)
	binary.LittleEndian.PutUint64(private[0:], clientID)
	putAddr(private[8:], serverAddr)
	if _, err := rand.Read(private[8+addrBytes : 8+addrBytes+64]); err != nil {
		return nil, fmt.Errorf("token: session keys: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("token: cipher: %w", err)
	}

	token := make([]byte, 0, Size)
	token = append(token, magic...)
	token = binary.LittleEndian.AppendUint64(token, m.protocolID)
	token = binary.LittleEndian.AppendUint64(token, uint64(now.Unix()))
	expiresAt := uint64(now.Add(m.lifetime).Unix())
	token = binary.LittleEndian.AppendUint64(token, expiresAt)
	token = append(token, nonce[:]...)

	var addrBuf [addrBytes]byte
	putAddr(addrBuf[:], serverAddr)
	token = append(token, addrBuf[:]...)

	sealed := aead.Seal(nil, nonce[:], private, aad(m.protocolID, expiresAt))
	token = binary.LittleEndian.AppendUint16(token, uint16(len(sealed)))
	token = append(token, sealed...)

	if len(token) > Size {
		return nil, fmt.Errorf("token: overflow: %d bytes", len(token))
	}
	padded := make([]byte, Size)
	copy(padded, token)
	return padded, nil
}

// MintBase64 mints a token and encodes it for transport.
func (m *Minter) MintBase64(serverAddr netip.AddrPort, clientID uint64) (string, error) {
	raw, err := m.Mint(serverAddr, clientID)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func aad(protocolID, expiresAt uint64) []byte {
	out := make([]byte, 0, len(magic)+16)
	out = append(out, magic...)
	out = binary.LittleEndian.AppendUint64(out, protocolID)
	out = binary.LittleEndian.AppendUint64(out, expiresAt)
	return out
}

func putAddr(dst []byte, addr netip.AddrPort) {
	if addr.Addr().Is4() {
		dst[0] = 4
	} else {
		dst[0] = 6
	}
	ip := addr.Addr().As16()
	copy(dst[1:17], ip[:])
	binary.LittleEndian.PutUint16(dst[17:19], addr.Port())
}

func getAddr(src []byte) netip.AddrPort {
	var ip16 [16]byte
	copy(ip16[:], src[1:17])
	addr := netip.AddrFrom16(ip16)
	if src[0] == 4 {
		addr = addr.Unmap()
	}
	return netip.AddrPortFrom(addr, binary.LittleEndian.Uint16(src[17:19]))
}

// GenerateClientID returns a fresh random client id drawn from the
// full 64-bit space.
func GenerateClientID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("token: client id: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ParseKey parses a signing key in "1,2,3,..." form: exactly KeyBytes
// comma-separated byte values. An empty string yields the zero key,
// which is only suitable for local development.
func ParseKey(s string) ([KeyBytes]byte, error) {
	var key [KeyBytes]byte
	if s == "" {
		return key, nil
	}
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == ',' {
			return r
		}
		return -1
	}, s)
	parts := strings.Split(cleaned, ",")
	if len(parts) != KeyBytes {
		return key, fmt.Errorf("token: key must contain exactly %d numbers, got %d", KeyBytes, len(parts))
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return key, fmt.Errorf("token: key byte %d: %w", i, err)
		}
		key[i] = byte(n)
	}
	return key, nil
}
