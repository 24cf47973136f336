// Package opcode is the client for providers authenticating with an
// operator code and a shared secret signed into every request.
package opcode

import (
	"context"
	"crypto/md5"
	"encoding/hex"
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
	APIType  = "opcode"
	MaxLimit = 4000

	timeLayout = "2006-01-02 15:04:05"
)

var textBalance = regexp.MustCompile(`(?i)balance\s*[:=]\s*(-?[\d,]+(?:\.\d+)?)`)

type Client struct {
	creds     providers.Credentials
	transport *providers.Transport
}

func New(creds providers.Credentials, opts providers.Options) (providers.Client, error) {
	if err := providers.RequireFields(APIType, map[string]string{
		"api_url":    creds.BaseURL,
		"op_code":    creds.OpCode,
		"secret_key": creds.SecretKey,
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
	return providers.Capabilities{
		OperatorBalance: true,
		PlayerBalance:   true,
		MaxLimit:        MaxLimit,
	}
}

// sign is md5(opcode + parts... + secret), lower-case hex.
func (c *Client) sign(parts ...string) string {
	h := md5.New()
	h.Write([]byte(c.creds.OpCode))
	for _, p := range parts {
		h.Write([]byte(p))
	}
	h.Write([]byte(c.creds.SecretKey))
	return hex.EncodeToString(h.Sum(nil))
}

type envelope struct {
	Result  bool            `json:"RESULT"`
	Code    int             `json:"CODE"`
	Message string          `json:"MESSAGE"`
	Data    json.RawMessage `json:"DATA"`
}

type historyData struct {
	Records []json.RawMessage `json:"records"`
}

type record struct {
	Idx        models.FlexibleString `json:"idx"`
	UserID     string                `json:"userId"`
	GameID     models.FlexibleString `json:"gameId"`
	ProviderID models.FlexibleString `json:"providerId"`
	BetAmount  models.FlexibleString `json:"betAmount"`
	WinAmount  models.FlexibleString `json:"winAmount"`
	Balance    models.FlexibleString `json:"balance"`
	RegDate    string                `json:"regDate"`
}

func (c *Client) FetchBetHistory(ctx context.Context, sinceID int64, limit int) ([]providers.BetRecord, error) {
	limit = providers.CapLimit(limit, MaxLimit)
	index := strconv.FormatInt(sinceID, 10)
	size := strconv.Itoa(limit)

	var env envelope
	_, err := c.transport.DoJSON(ctx, providers.Request{
		Op:     "history",
		Method: http.MethodGet,
		Path:   "/api/game/history",
		Query: url.Values{
			"opcode":    {c.creds.OpCode},
			"index":     {index},
			"limit":     {size},
			"signature": {c.sign(index, size)},
		},
	}, &env)
	if err != nil {
		return nil, err
	}
	if !env.Result {
		return nil, providers.Rejected(APIType, "history", fmt.Errorf("code %d: %s", env.Code, env.Message))
	}

	var data historyData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, providers.DecodeError(APIType, "history", err)
		}
	}

	out := make([]providers.BetRecord, 0, len(data.Records))
	for _, raw := range data.Records {
		out = append(out, toBetRecord(raw))
	}
	// History comes back newest first.
	return providers.NormalizeHistory(out, sinceID), nil
}

func toBetRecord(raw json.RawMessage) providers.BetRecord {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return providers.BetRecord{Raw: raw}
	}

	rec := providers.BetRecord{
		RawExternalID: r.Idx.String(),
		Username:      strings.TrimSpace(r.UserID),
		GameID:        r.GameID.String(),
		ProviderID:    r.ProviderID.String(),
		BetAmount:     r.BetAmount.Decimal(),
		WinAmount:     r.WinAmount.Decimal(),
		BalanceAfter:  r.Balance.Decimal(),
		HasBalance:    r.Balance.IsNumber(),
		Raw:           raw,
	}
	if id, err := r.Idx.ToInt64(); err == nil && id > 0 {
		rec.ExternalID = id
	}
	if t, err := time.ParseInLocation(timeLayout, strings.TrimSpace(r.RegDate), time.UTC); err == nil {
		rec.PlayedAt = t
	}
	return rec
}

func (c *Client) FetchBalance(ctx context.Context, identifier string) (decimal.Decimal, error) {
	req := providers.Request{
		Op:     "operator_balance",
		Method: http.MethodGet,
		Path:   "/api/info",
		Query: url.Values{
			"opcode":    {c.creds.OpCode},
			"signature": {c.sign()},
		},
	}
	if identifier != "" {
		req.Op = "player_balance"
		req.Path = "/api/account/balance"
		req.Query.Set("username", identifier)
		req.Query.Set("signature", c.sign(identifier))
	}

	body, err := c.transport.Do(ctx, req)
	if err != nil {
		return decimal.Zero, err
	}
	return parseBalance(body, req.Op)
}

// parseBalance accepts the wrapped DATA object, a flat JSON object or a
// plain "balance=…" line.
func parseBalance(body []byte, op string) (decimal.Decimal, error) {
	var status struct {
		Result  *bool  `json:"RESULT"`
		Message string `json:"MESSAGE"`
	}
	if err := json.Unmarshal(body, &status); err == nil && status.Result != nil && !*status.Result {
		return decimal.Zero, providers.Rejected(APIType, op, errors.New(status.Message))
	}

	if d, ok := providers.BalanceFromJSON(body, []string{"DATA", "result"}, []string{"balance", "money"}); ok {
		return d, nil
	}
	if d, ok := providers.BalanceFromText(body, textBalance); ok {
		return d, nil
	}
	return decimal.Zero, providers.DecodeError(APIType, op, providers.ErrNoBalance)
}

// RefreshToken returns the request signature; opcode credentials never expire.
func (c *Client) RefreshToken(context.Context) (providers.Token, error) {
	return providers.Token{Value: c.sign()}, nil
}
