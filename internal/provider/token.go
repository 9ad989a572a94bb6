// Package provider holds helpers shared by the calendar provider integrations.
package provider

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const channelTokenIssuer = "tminus-maintenance"

// ChannelClaims are carried in the token attached to a push channel, so the
// webhook receiver can tie a notification back to an account.
type ChannelClaims struct {
	AccountID string `json:"account_id"`
	ChannelID string `json:"channel_id"`
	jwt.RegisteredClaims
}

// ChannelTokenSigner issues HS256 channel tokens. The webhook receiver
// verifies them with the same secret.
type ChannelTokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewChannelTokenSigner creates a signer. ttl should cover the channel lifetime.
func NewChannelTokenSigner(secret string, ttl time.Duration) (*ChannelTokenSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("channel token secret is empty")
	}
	if ttl <= 0 {
		ttl = 8 * 24 * time.Hour
	}
	return &ChannelTokenSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source, for tests.
func (s *ChannelTokenSigner) SetClock(now func() time.Time) {
	s.now = now
}

// Sign issues a token for a channel of an account.
func (s *ChannelTokenSigner) Sign(accountID, channelID string) (string, error) {
	now := s.now()
	claims := ChannelClaims{
		AccountID: accountID,
		ChannelID: channelID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    channelTokenIssuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing channel token: %w", err)
	}
	return signed, nil
}
