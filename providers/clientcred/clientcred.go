// Package clientcred is the client for providers using an OAuth-style
// client id/secret exchange for short-lived bearer tokens.
package clientcred

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"ledgersync/models"
	"ledgersync/providers"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	APIType  = "clientcred"
	MaxLimit = 4000
)

var textBalance = regexp.MustCompile(`(?i)balance"?\s*[:=]\s*"?(-?[\d,]+(?:\.\d+)?)`)

type Client struct {
	creds     providers.Credentials
	transport *providers.Transport
	tokens    *providers.TokenCache
	now       func() time.Time
}

func New(creds providers.Credentials, opts providers.Options) (providers.Client, error) {
	if err := providers.RequireFields(APIType, map[string]string{
		"api_url":       creds.BaseURL,
		"client_id":     creds.ClientID,
		"client_secret": creds.ClientSecret,
	}); err != nil {
		return nil, err
	}

	t, err := providers.NewTransport(APIType, creds.BaseURL, opts)
	if err != nil {
		return nil, err
	}

	c := &Client{creds: creds, transport: t, now: opts.Now}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	c.tokens = providers.NewTokenCache(creds.Token, c.exchange, opts)
	return c, nil
}

func init() {
	providers.Register(APIType, New)
}

func (c *Client) Name() string { return APIType }

func (c *Client) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		OperatorBalance: true,
		PlayerBalance:   true,
		StrictRateLimit: true,
		MaxLimit:        MaxLimit,
	}
}

type envelope struct {
	ErrorCode int             `json:"errorCode"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result"`
}

func (e envelope) check(op string) error {
	if e.ErrorCode != 0 {
		return providers.Rejected(APIType, op, fmt.Errorf("error code %d: %s", e.ErrorCode, e.Message))
	}
	return nil
}

type tokenResult struct {
	Token     string                `json:"token"`
	ExpiresIn models.FlexibleString `json:"expiresIn"`
}

func (c *Client) exchange(ctx context.Context) (providers.Token, error) {
	var env envelope
	_, err := c.transport.DoJSON(ctx, providers.Request{
		Op:     "token",
		Method: http.MethodPost,
		Path:   "/oauth/token",
		Body: map[string]string{
			"clientId":     c.creds.ClientID,
			"clientSecret": c.creds.ClientSecret,
		},
	}, &env)
	if err != nil {
		return providers.Token{}, err
	}
	if err := env.check("token"); err != nil {
		return providers.Token{}, err
	}

	var res tokenResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return providers.Token{}, providers.DecodeError(APIType, "token", err)
	}

	tok := providers.Token{Value: res.Token}
	if secs, err := res.ExpiresIn.ToInt64(); err == nil && secs > 0 {
		tok.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second)
	}
	return tok, nil
}

// RefreshToken discards the cached token and exchanges credentials again.
func (c *Client) RefreshToken(ctx context.Context) (providers.Token, error) {
	c.tokens.Invalidate()
	if _, err := c.tokens.Get(ctx); err != nil {
		return providers.Token{}, err
	}
	return c.tokens.Current(), nil
}

// call attaches the bearer token. A 401 drops the cached token so the next
// call exchanges credentials again.
func (c *Client) call(ctx context.Context, req providers.Request) ([]byte, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	req.Header = http.Header{"Authorization": {"Bearer " + token}}

	body, err := c.transport.Do(ctx, req)
	var pe *providers.Error
	if err != nil && errors.As(err, &pe) && pe.Status == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	return body, err
}

type history struct {
	Histories []json.RawMessage `json:"histories"`
}

type record struct {
	ID           models.FlexibleString `json:"id"`
	UserCode     string                `json:"userCode"`
	GameCode     models.FlexibleString `json:"gameCode"`
	VendorCode   models.FlexibleString `json:"vendorCode"`
	BetAmount    models.FlexibleString `json:"betAmount"`
	WinAmount    models.FlexibleString `json:"winAmount"`
	AfterBalance models.FlexibleString `json:"afterBalance"`
	CreatedAt    models.FlexibleString `json:"createdAt"`
}

func (c *Client) FetchBetHistory(ctx context.Context, sinceID int64, limit int) ([]providers.BetRecord, error) {
	limit = providers.CapLimit(limit, MaxLimit)

	// startId is inclusive on this API.
	body, err := c.call(ctx, providers.Request{
		Op:     "history",
		Method: http.MethodPost,
		Path:   "/api/v2/betting-history/by-id",
		Body:   map[string]int64{"startId": sinceID + 1, "limit": int64(limit)},
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, providers.DecodeError(APIType, "history", err)
	}
	if err := env.check("history"); err != nil {
		return nil, err
	}

	var h history
	if len(env.Result) > 0 && string(env.Result) != "null" {
		if err := json.Unmarshal(env.Result, &h); err != nil {
			return nil, providers.DecodeError(APIType, "history", err)
		}
	}

	out := make([]providers.BetRecord, 0, len(h.Histories))
	for _, raw := range h.Histories {
		out = append(out, toBetRecord(raw))
	}
	return providers.NormalizeHistory(out, sinceID), nil
}

func toBetRecord(raw json.RawMessage) providers.BetRecord {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return providers.BetRecord{Raw: raw}
	}

	rec := providers.BetRecord{
		RawExternalID: r.ID.String(),
		Username:      strings.TrimSpace(r.UserCode),
		GameID:        r.GameCode.String(),
		ProviderID:    r.VendorCode.String(),
		BetAmount:     r.BetAmount.Decimal(),
		WinAmount:     r.WinAmount.Decimal(),
		BalanceAfter:  r.AfterBalance.Decimal(),
		HasBalance:    r.AfterBalance.IsNumber(),
		PlayedAt:      parseCreatedAt(r.CreatedAt),
		Raw:           raw,
	}
	if id, err := r.ID.ToInt64(); err == nil && id > 0 {
		rec.ExternalID = id
	}
	return rec
}

// parseCreatedAt reads epoch milliseconds, falling back to RFC 3339.
func parseCreatedAt(v models.FlexibleString) time.Time {
	if ms, err := v.ToInt64(); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func (c *Client) FetchBalance(ctx context.Context, identifier string) (decimal.Decimal, error) {
	req := providers.Request{
		Op:     "operator_balance",
		Method: http.MethodGet,
		Path:   "/api/v2/agent/balance",
	}
	if identifier != "" {
		req = providers.Request{
			Op:     "player_balance",
			Method: http.MethodPost,
			Path:   "/api/v2/user/balance",
			Body:   map[string]string{"userCode": identifier},
		}
	}

	body, err := c.call(ctx, req)
	if err != nil {
		return decimal.Zero, err
	}
	return parseBalance(body, req.Op)
}

// parseBalance accepts {"result":{"balance":…}}, a flat {"balance":…} or a
// text body containing "balance: …".
func parseBalance(body []byte, op string) (decimal.Decimal, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if err := env.check(op); err != nil {
			return decimal.Zero, err
		}
	}

	if d, ok := providers.BalanceFromJSON(body, []string{"result", "data"}, []string{"balance", "totalBalance"}); ok {
		return d, nil
	}
	if d, ok := providers.BalanceFromText(body, textBalance); ok {
		return d, nil
	}
	return decimal.Zero, providers.DecodeError(APIType, op, providers.ErrNoBalance)
}
