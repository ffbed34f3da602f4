package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ticketIssuer = "edgelobby"

type ticketClaims struct {
	jwt.RegisteredClaims
}

// MintTicket issues a short-lived HMAC ticket for a client. Web or
// launcher backends call this so game clients can pass the gateway's
// auth gate without holding the shared secret.
func MintTicket(subject, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("missing secret")
	}
	if ttl <= 0 {
		return "", errors.New("invalid ttl")
	}
	claims := ticketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ticketIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func verifyTicket(ticket, secret string) error {
	if ticket == "" {
		return errors.New("missing ticket")
	}
	parsed, err := jwt.ParseWithClaims(ticket, &ticketClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrSignatureInvalid
	}
	return nil
}
