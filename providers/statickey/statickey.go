// Package statickey is the client for providers authenticating every call
// with a long-lived API key header.
package statickey

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
	APIType  = "statickey"
	MaxLimit = 1000
)

var textBalance = regexp.MustCompile(`(?i)balance\s*[:=]\s*(-?[\d,]+(?:\.\d+)?)`)

type Client struct {
	creds     providers.Credentials
	transport *providers.Transport
}

func New(creds providers.Credentials, opts providers.Options) (providers.Client, error) {
	if err := providers.RequireFields(APIType, map[string]string{
		"api_url": creds.BaseURL,
		"api_key": creds.APIKey,
	}); err != nil {
		return nil, err
	}

	t, err := providers.NewTransport(APIType, creds.BaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Client{creds: creds, transport: t}, nil
}

func init() {
	providers.Register(APIType, New)
}

func (c *Client) Name() string { return APIType }

func (c *Client) Capabilities() providers.Capabilities {
	return providers.Capabilities{PlayerBalance: true, MaxLimit: MaxLimit}
}

func (c *Client) header() http.Header {
	return http.Header{"X-Api-Key": {c.creds.APIKey}}
}

type historyResponse struct {
	Data  []json.RawMessage `json:"data"`
	Error string            `json:"error"`
}

type transaction struct {
	TransactionID models.FlexibleString `json:"transaction_id"`
	Username      string                `json:"username"`
	Game          struct {
		ID       models.FlexibleString `json:"id"`
		Provider models.FlexibleString `json:"provider"`
	} `json:"game"`
	Bet          models.FlexibleString `json:"bet"`
	Win          models.FlexibleString `json:"win"`
	BalanceAfter models.FlexibleString `json:"balance_after"`
	PlayedAt     string                `json:"played_at"`
}

func (c *Client) FetchBetHistory(ctx context.Context, sinceID int64, limit int) ([]providers.BetRecord, error) {
	limit = providers.CapLimit(limit, MaxLimit)

	var resp historyResponse
	_, err := c.transport.DoJSON(ctx, providers.Request{
		Op:     "history",
		Method: http.MethodGet,
		Path:   "/v1/transactions",
		Header: c.header(),
		Query: url.Values{
			"after_id": {strconv.FormatInt(sinceID, 10)},
			"limit":    {strconv.Itoa(limit)},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, providers.Rejected(APIType, "history", errors.New(resp.Error))
	}

	out := make([]providers.BetRecord, 0, len(resp.Data))
	for _, raw := range resp.Data {
		out = append(out, toBetRecord(raw))
	}
	return providers.NormalizeHistory(out, sinceID), nil
}

func toBetRecord(raw json.RawMessage) providers.BetRecord {
	var tx transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return providers.BetRecord{Raw: raw}
	}

	rec := providers.BetRecord{
		RawExternalID: tx.TransactionID.String(),
		Username:      strings.TrimSpace(tx.Username),
		GameID:        tx.Game.ID.String(),
		ProviderID:    tx.Game.Provider.String(),
		BetAmount:     tx.Bet.Decimal(),
		WinAmount:     tx.Win.Decimal(),
		BalanceAfter:  tx.BalanceAfter.Decimal(),
		HasBalance:    tx.BalanceAfter.IsNumber(),
		Raw:           raw,
	}
	if id, err := tx.TransactionID.ToInt64(); err == nil && id > 0 {
		rec.ExternalID = id
	}
	if t, err := time.Parse(time.RFC3339Nano, tx.PlayedAt); err == nil {
		rec.PlayedAt = t.UTC()
	}
	return rec
}

// FetchBalance only serves player balances; the operator float is not exposed.
func (c *Client) FetchBalance(ctx context.Context, identifier string) (decimal.Decimal, error) {
	if identifier == "" {
		return decimal.Zero, fmt.Errorf("%s operator balance: %w", APIType, providers.ErrNotSupported)
	}

	body, err := c.transport.Do(ctx, providers.Request{
		Op:     "player_balance",
		Method: http.MethodGet,
		Path:   "/v1/players/" + url.PathEscape(identifier) + "/balance",
		Header: c.header(),
	})
	if err != nil {
		return decimal.Zero, err
	}
	return parseBalance(body)
}

func parseBalance(body []byte) (decimal.Decimal, error) {
	if d, ok := providers.BalanceFromJSON(body, []string{"data"}, []string{"balance", "amount"}); ok {
		return d, nil
	}
	if d, ok := providers.BalanceFromText(body, textBalance); ok {
		return d, nil
	}
	return decimal.Zero, providers.DecodeError(APIType, "player_balance", providers.ErrNoBalance)
}

// RefreshToken returns the configured key; it does not expire.
func (c *Client) RefreshToken(context.Context) (providers.Token, error) {
	return providers.Token{Value: c.creds.APIKey}, nil
}
