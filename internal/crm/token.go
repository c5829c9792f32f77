package crm

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/pkg/errors"
)

// Token is a bearer credential. A zero Expiry never expires.
type Token struct {
	Value  string
	Expiry time.Time
}

// TokenSource acquires fresh credentials.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// StaticToken is a non-expiring private app token.
type StaticToken string

func (s StaticToken) Token(context.Context) (Token, error) {
	return Token{Value: string(s)}, nil
}

const tokenExpirySkew = 30 * time.Second

// TokenCache holds the current credential and refreshes it from its source
// once it is within tokenExpirySkew of expiring.
type TokenCache struct {
	src   TokenSource
	clock quartz.Clock

	mu  sync.Mutex
	tok Token
}

func NewTokenCache(src TokenSource, clock quartz.Clock) *TokenCache {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &TokenCache{src: src, clock: clock}
}

func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Value != "" && !c.expiredLocked() {
		return c.tok.Value, nil
	}
	return c.refreshLocked(ctx)
}

// Refresh discards the cached token and fetches a new one.
func (c *TokenCache) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// Expiry returns the cached token's expiry; zero if none is cached or it never expires.
func (c *TokenCache) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok.Expiry
}

func (c *TokenCache) expiredLocked() bool {
	if c.tok.Expiry.IsZero() {
		return false
	}
	return !c.clock.Now().Add(tokenExpirySkew).Before(c.tok.Expiry)
}

func (c *TokenCache) refreshLocked(ctx context.Context) (string, error) {
	if c.src == nil {
		return "", errors.New("crm: no token source configured")
	}
	tok, err := c.src.Token(ctx)
	if err != nil {
		return "", errors.Wrap(err, "refresh token")
	}
	if tok.Value == "" {
		return "", errors.New("crm: token source returned an empty token")
	}
	c.tok = tok
	return tok.Value, nil
}
