package providers

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RefreshMargin is how long before expiry a token is considered stale.
// Some providers answer an expired token with empty data instead of a 401,
// so refresh has to happen before the token runs out.
const RefreshMargin = 5 * time.Minute

func (t Token) ValidAt(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Add(RefreshMargin).Before(t.ExpiresAt)
}

// TokenCache hands out a valid token and refreshes it proactively.
type TokenCache struct {
	mu      sync.Mutex
	token   Token
	refresh func(ctx context.Context) (Token, error)
	onToken func(Token)
	now     func() time.Time
}

func NewTokenCache(initial Token, refresh func(ctx context.Context) (Token, error), opts Options) *TokenCache {
	opts = opts.withDefaults()
	return &TokenCache{
		token:   initial,
		refresh: refresh,
		onToken: opts.OnToken,
		now:     opts.Now,
	}
}

func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.ValidAt(c.now()) {
		return c.token.Value, nil
	}

	tok, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}
	if tok.Value == "" {
		return "", errors.New("provider returned an empty token")
	}

	c.token = tok
	if c.onToken != nil {
		c.onToken(tok)
	}
	return tok.Value, nil
}

// Invalidate forces the next Get to refresh, e.g. after a 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = Token{}
}

func (c *TokenCache) Current() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}
