package crm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	clock quartz.Clock
	ttl   time.Duration
	calls int
}

func (s *countingSource) Token(context.Context) (Token, error) {
	s.calls++
	return Token{Value: fmt.Sprintf("tok-%d", s.calls), Expiry: s.clock.Now().Add(s.ttl)}, nil
}

func TestTokenCacheRefreshesOnExpiry(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	src := &countingSource{clock: clock, ttl: 10 * time.Minute}
	c := NewTokenCache(src, clock)

	tok, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clock.Advance(5 * time.Minute)
	tok, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok, "still valid")

	// inside the skew window
	clock.Advance(4*time.Minute + 45*time.Second)
	tok, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, src.calls)
}

func TestTokenCacheExplicitRefresh(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	src := &countingSource{clock: clock, ttl: time.Hour}
	c := NewTokenCache(src, clock)

	_, err := c.Token(ctx)
	require.NoError(t, err)
	tok, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestStaticTokenNeverExpires(t *testing.T) {
	c := NewTokenCache(StaticToken("pat-123"), nil)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pat-123", tok)
	assert.True(t, c.Expiry().IsZero())
}

func TestEmptyTokenRejected(t *testing.T) {
	_, err := NewTokenCache(StaticToken(""), nil).Token(context.Background())
	assert.Error(t, err)
}
