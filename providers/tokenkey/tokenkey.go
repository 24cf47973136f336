// Package tokenkey is the client for providers that trade an API key and
// secret for an access token with an absolute expiry.
package tokenkey

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ledgersync/models"
	"ledgersync/providers"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	APIType  = "tokenkey"
	MaxLimit = 4000

	// mislabeledOffset is appended to settlement times that are already UTC.
	mislabeledOffset = "+09:00"
)

var (
	textBalance = regexp.MustCompile(`(?i)balance\s*[:=]\s*(-?[\d,]+(?:\.\d+)?)`)

	localLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	}
)

type Client struct {
	creds     providers.Credentials
	transport *providers.Transport
	tokens    *providers.TokenCache
}

func New(creds providers.Credentials, opts providers.Options) (providers.Client, error) {
	if err := providers.RequireFields(APIType, map[string]string{
		"api_url":    creds.BaseURL,
		"api_key":    creds.APIKey,
		"secret_key": creds.SecretKey,
	}); err != nil {
		return nil, err
	}

	t, err := providers.NewTransport(APIType, creds.BaseURL, opts)
	if err != nil {
		return nil, err
	}

	c := &Client{creds: creds, transport: t}
	c.tokens = providers.NewTokenCache(creds.Token, c.login, opts)
	return c, nil
}

func init() {
	providers.Register(APIType, New)
}

func (c *Client) Name() string { return APIType }

func (c *Client) Capabilities() providers.Capabilities {
	return providers.Capabilities{OperatorBalance: true, MaxLimit: MaxLimit}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(body []byte, op string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, providers.DecodeError(APIType, op, err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "success=false"
		}
		return env, providers.Rejected(APIType, op, errors.New(msg))
	}
	return env, nil
}

func (c *Client) login(ctx context.Context) (providers.Token, error) {
	body, err := c.transport.Do(ctx, providers.Request{
		Op:     "token",
		Method: http.MethodPost,
		Path:   "/auth/token",
		Body:   map[string]string{"apiKey": c.creds.APIKey, "secret": c.creds.SecretKey},
	})
	if err != nil {
		return providers.Token{}, err
	}
	env, err := decode(body, "token")
	if err != nil {
		return providers.Token{}, err
	}

	var data struct {
		AccessToken string `json:"accessToken"`
		ExpiresAt   string `json:"expiresAt"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return providers.Token{}, providers.DecodeError(APIType, "token", err)
	}

	tok := providers.Token{Value: data.AccessToken}
	if data.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, data.ExpiresAt)
		if err != nil {
			return providers.Token{}, providers.DecodeError(APIType, "token", fmt.Errorf("expiresAt: %w", err))
		}
		tok.ExpiresAt = exp.UTC()
	}
	return tok, nil
}

func (c *Client) RefreshToken(ctx context.Context) (providers.Token, error) {
	c.tokens.Invalidate()
	if _, err := c.tokens.Get(ctx); err != nil {
		return providers.Token{}, err
	}
	return c.tokens.Current(), nil
}

func (c *Client) call(ctx context.Context, req providers.Request) (envelope, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return envelope{}, err
	}
	req.Header = http.Header{"Authorization": {"Bearer " + token}}

	body, err := c.transport.Do(ctx, req)
	if err != nil {
		var pe *providers.Error
		if errors.As(err, &pe) && pe.Status == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return envelope{}, err
	}
	return decode(body, req.Op)
}

type bet struct {
	BetID     models.FlexibleString `json:"betId"`
	Player    string                `json:"player"`
	GameID    models.FlexibleString `json:"gameId"`
	Vendor    models.FlexibleString `json:"vendor"`
	Stake     models.FlexibleString `json:"stake"`
	Payout    models.FlexibleString `json:"payout"`
	Balance   models.FlexibleString `json:"balance"`
	SettledAt string                `json:"settledAt"`
}

func (c *Client) FetchBetHistory(ctx context.Context, sinceID int64, limit int) ([]providers.BetRecord, error) {
	limit = providers.CapLimit(limit, MaxLimit)

	env, err := c.call(ctx, providers.Request{
		Op:     "history",
		Method: http.MethodGet,
		Path:   "/bets",
		Query: url.Values{
			"since_id": {strconv.FormatInt(sinceID, 10)},
			"limit":    {strconv.Itoa(limit)},
		},
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		Bets []json.RawMessage `json:"bets"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, providers.DecodeError(APIType, "history", err)
		}
	}

	out := make([]providers.BetRecord, 0, len(data.Bets))
	for _, raw := range data.Bets {
		out = append(out, toBetRecord(raw))
	}
	return providers.NormalizeHistory(out, sinceID), nil
}

func toBetRecord(raw json.RawMessage) providers.BetRecord {
	var b bet
	if err := json.Unmarshal(raw, &b); err != nil {
		return providers.BetRecord{Raw: raw}
	}

	rec := providers.BetRecord{
		RawExternalID: b.BetID.String(),
		Username:      strings.TrimSpace(b.Player),
		GameID:        b.GameID.String(),
		ProviderID:    b.Vendor.String(),
		BetAmount:     b.Stake.Decimal(),
		WinAmount:     b.Payout.Decimal(),
		BalanceAfter:  b.Balance.Decimal(),
		HasBalance:    b.Balance.IsNumber(),
		PlayedAt:      parsePlayedAt(b.SettledAt),
		Raw:           raw,
	}
	if id, err := b.BetID.ToInt64(); err == nil && id > 0 {
		rec.ExternalID = id
	}
	return rec
}

// parsePlayedAt drops the +09:00 suffix this provider puts on timestamps
// that are already UTC. Other offsets are honoured.
// TODO: re-check against the provider's current API docs and remove the
// override once settledAt carries a correct offset.
func parsePlayedAt(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if strings.HasSuffix(s, mislabeledOffset) {
		local := strings.TrimSuffix(s, mislabeledOffset)
		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, local, time.UTC); err == nil {
				return t
			}
		}
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// FetchBalance serves the operator balance only.
func (c *Client) FetchBalance(ctx context.Context, identifier string) (decimal.Decimal, error) {
	if identifier != "" {
		return decimal.Zero, fmt.Errorf("%s player balance: %w", APIType, providers.ErrNotSupported)
	}

	token, err := c.tokens.Get(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	body, err := c.transport.Do(ctx, providers.Request{
		Op:     "operator_balance",
		Method: http.MethodGet,
		Path:   "/balance",
		Header: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		var pe *providers.Error
		if errors.As(err, &pe) && pe.Status == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return decimal.Zero, err
	}
	return parseBalance(body)
}

// parseBalance accepts {"success":true,"data":{"balance":…}}, {"data":…}
// holding the number itself, or "balance=…" text.
func parseBalance(body []byte) (decimal.Decimal, error) {
	var status struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &status); err == nil && status.Success != nil && !*status.Success {
		return decimal.Zero, providers.Rejected(APIType, "operator_balance", errors.New(status.Message))
	}

	if d, ok := providers.BalanceFromJSON(body, []string{"data"}, []string{"balance", "available"}); ok {
		return d, nil
	}
	if d, ok := providers.BalanceFromText(body, textBalance); ok {
		return d, nil
	}
	return decimal.Zero, providers.DecodeError(APIType, "operator_balance", providers.ErrNoBalance)
}
