package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotSupported    = errors.New("operation not supported by provider")
	ErrConfig          = errors.New("invalid provider configuration")
)

// BetRecord is a settled wager normalised from a provider payload.
type BetRecord struct {
	// ExternalID is 0 when the provider id is missing or not a positive integer.
	ExternalID    int64
	RawExternalID string
	Username      string
	GameID        string
	ProviderID    string
	BetAmount     decimal.Decimal
	WinAmount     decimal.Decimal
	BalanceAfter  decimal.Decimal
	// HasBalance is false when the payload carried no numeric balance, in
	// which case BalanceAfter is a zero placeholder.
	HasBalance    bool
	PlayedAt      time.Time
	Raw           json.RawMessage
}

// Token is a bearer credential. A zero ExpiresAt never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Capabilities struct {
	OperatorBalance bool
	PlayerBalance   bool
	// StrictRateLimit means calls must go through a per-provider rate limit queue.
	StrictRateLimit bool
	MaxLimit        int
}

// Credentials come from the operator's api_configs row.
type Credentials struct {
	BaseURL      string
	OpCode       string
	SecretKey    string
	ClientID     string
	ClientSecret string
	APIKey       string
	Token        Token
}

type Options struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ProxyURL   string

	// OnToken is called after every successful token refresh.
	OnToken func(Token)

	HTTPClient *http.Client
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Client talks to one provider on behalf of one operator. It never writes
// to the ledger; callers persist what it returns.
type Client interface {
	Name() string
	Capabilities() Capabilities
	// FetchBetHistory returns records with ExternalID > sinceID in ascending order.
	FetchBetHistory(ctx context.Context, sinceID int64, limit int) ([]BetRecord, error)
	// FetchBalance returns the operator balance for an empty identifier,
	// otherwise the balance of the named player.
	FetchBalance(ctx context.Context, identifier string) (decimal.Decimal, error)
	RefreshToken(ctx context.Context) (Token, error)
}

type Factory func(creds Credentials, opts Options) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(apiType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(apiType)] = factory
}

func New(apiType string, creds Credentials, opts Options) (Client, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(apiType)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, apiType)
	}
	return factory(creds, opts.withDefaults())
}

func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeHistory drops records at or below the cursor and sorts the rest
// ascending. Records without a usable id are kept so callers can count them.
func NormalizeHistory(records []BetRecord, sinceID int64) []BetRecord {
	out := records[:0]
	for _, r := range records {
		if r.ExternalID != 0 && r.ExternalID <= sinceID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

func CapLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

func RequireFields(provider string, fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s missing %s", ErrConfig, provider, strings.Join(missing, ", "))
}
