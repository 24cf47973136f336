package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ledgersync/database"
	"ledgersync/logger"
	"ledgersync/metrics"
	"ledgersync/models"
	"ledgersync/providers"
	"ledgersync/ratelimit"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ErrCycleInFlight is returned when a cycle for the same target is still running.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// Ledger is the subset of database.LedgerStore the engine writes through.
type Ledger interface {
	GetAPIConfig(ctx context.Context, operatorID uint, apiType string) (*models.APIConfig, error)
	GetLastExternalID(ctx context.Context, operatorID uint, apiType string) (int64, error)
	ResolveUsersByUsername(ctx context.Context, usernames []string) (map[string]database.UserRef, error)
	UpsertBetRecord(ctx context.Context, rec *models.GameRecord) (database.UpsertResult, error)
	ApplyUserBalance(ctx context.Context, change database.BalanceChange) (*models.PartnerBalanceLog, error)
	ApplyOperatorBalance(ctx context.Context, change database.BalanceChange) (*models.PartnerBalanceLog, error)
	SaveToken(ctx context.Context, operatorID uint, apiType, token string, expiresAt time.Time) error
}

// Eligibility narrows balance reconciliation to users worth querying.
type Eligibility interface {
	EligibleUsernames(ctx context.Context, t Target) (map[string]bool, error)
}

// Target is one operator/provider pair.
type Target struct {
	OperatorID uint   `json:"operator_id"`
	APIType    string `json:"api_type"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s#%d", t.APIType, t.OperatorID)
}

// Canonical lowercases the provider name. Records, logs and cached clients
// are all keyed by the canonical form.
func (t Target) Canonical() Target {
	t.APIType = strings.ToLower(strings.TrimSpace(t.APIType))
	return t
}

type SkipReason string

const (
	SkipMissingUsername   SkipReason = "missing_username"
	SkipUnresolvedUser    SkipReason = "unresolved_user"
	SkipInvalidExternalID SkipReason = "invalid_external_id"
	SkipStoreError        SkipReason = "store_error"
)

// latestBet is a user's newest stored record in a cycle.
type latestBet struct {
	rec        *models.GameRecord
	hasBalance bool
}

type CycleResult struct {
	Target          Target             `json:"target"`
	SinceID         int64              `json:"since_id"`
	Fetched         int                `json:"fetched"`
	Success         int                `json:"success"`
	Duplicate       int                `json:"duplicate"`
	Skipped         int                `json:"skipped"`
	SkipReasons     map[SkipReason]int `json:"skip_reasons"`
	LastExternalID  int64              `json:"last_external_id"`
	BalancesUpdated int                `json:"balances_updated"`
	BalanceFailures int                `json:"balance_failures"`
	Duration        time.Duration      `json:"duration"`
}

func (r *CycleResult) skip(reason SkipReason) {
	r.Skipped++
	r.SkipReasons[reason]++
	metrics.SyncRecords.WithLabelValues(r.Target.APIType, string(reason)).Inc()
}

type ClientFactory func(apiType string, creds providers.Credentials, opts providers.Options) (providers.Client, error)

type EngineConfig struct {
	ActorID  string
	Provider providers.Options
	// RateLimits serialises calls to providers flagged StrictRateLimit.
	RateLimits  *ratelimit.Group
	Eligibility Eligibility
	NewClient   ClientFactory
	Now         func() time.Time
}

type cachedClient struct {
	client      providers.Client
	fingerprint string
}

// SyncEngine pulls bet history from providers, stores it idempotently and
// reconciles the affected balances.
type SyncEngine struct {
	ledger Ledger
	cfg    EngineConfig
	log    zerolog.Logger

	mu       sync.Mutex
	inFlight map[Target]bool
	clients  map[Target]cachedClient
}

func NewSyncEngine(ledger Ledger, cfg EngineConfig) *SyncEngine {
	if cfg.ActorID == "" {
		cfg.ActorID = "sync-engine"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = ratelimit.NewGroup(1)
	}
	if cfg.NewClient == nil {
		cfg.NewClient = providers.New
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &SyncEngine{
		ledger:   ledger,
		cfg:      cfg,
		log:      logger.Component("sync"),
		inFlight: map[Target]bool{},
		clients:  map[Target]cachedClient{},
	}
}

func (e *SyncEngine) acquire(t Target) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[t] {
		return false
	}
	e.inFlight[t] = true
	return true
}

func (e *SyncEngine) release(t Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, t)
}

// InFlight lists targets with a running cycle.
func (e *SyncEngine) InFlight() []Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Target, 0, len(e.inFlight))
	for t := range e.inFlight {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (e *SyncEngine) QueueLengths() map[string]int {
	return e.cfg.RateLimits.Lengths()
}

// Forget drops the cached client of a target, e.g. after its config was disabled.
func (e *SyncEngine) Forget(t Target) {
	t = t.Canonical()
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, t)
}

// RunCycle runs one fetch, ingest and reconcile pass for t. A cycle keeps
// no state between runs: the cursor is re-read from the store every time.
func (e *SyncEngine) RunCycle(ctx context.Context, t Target) (CycleResult, error) {
	t = t.Canonical()
	if !e.acquire(t) {
		metrics.SyncCycles.WithLabelValues(t.APIType, "in_flight").Inc()
		return CycleResult{Target: t}, ErrCycleInFlight
	}
	defer e.release(t)

	start := time.Now()
	res := CycleResult{Target: t, SkipReasons: map[SkipReason]int{}}

	outcome, err := e.runCycle(ctx, t, &res)
	res.Duration = time.Since(start)

	metrics.SyncCycles.WithLabelValues(t.APIType, outcome).Inc()
	metrics.SyncCycleDuration.WithLabelValues(t.APIType).Observe(res.Duration.Seconds())

	if err != nil {
		e.log.Error().Err(err).Str("target", t.String()).Str("outcome", outcome).Msg("[SyncEngine] cycle aborted")
		return res, err
	}

	ev := e.log.Debug()
	if res.Success > 0 || res.Skipped > 0 {
		ev = e.log.Info()
	}
	ev.Str("target", t.String()).
		Int64("since_id", res.SinceID).
		Int64("cursor", res.LastExternalID).
		Int("fetched", res.Fetched).
		Int("success", res.Success).
		Int("duplicate", res.Duplicate).
		Int("skipped", res.Skipped).
		Int("balances_updated", res.BalancesUpdated).
		Int("balance_failures", res.BalanceFailures).
		Dur("took", res.Duration).
		Msg("[SyncEngine] cycle done")
	return res, nil
}

func (e *SyncEngine) runCycle(ctx context.Context, t Target, res *CycleResult) (string, error) {
	client, err := e.client(ctx, t)
	if err != nil {
		return "config_failed", err
	}

	sinceID, err := e.ledger.GetLastExternalID(ctx, t.OperatorID, t.APIType)
	if err != nil {
		return "store_failed", err
	}
	res.SinceID = sinceID
	res.LastExternalID = sinceID

	caps := client.Capabilities()
	records, err := limited(ctx, e, t, caps, func(ctx context.Context) ([]providers.BetRecord, error) {
		return client.FetchBetHistory(ctx, sinceID, caps.MaxLimit)
	})
	if err != nil {
		return "fetch_failed", fmt.Errorf("fetch history since %d: %w", sinceID, err)
	}
	res.Fetched = len(records)

	latest, err := e.ingest(ctx, t, records, res)
	if err != nil {
		return "store_failed", err
	}

	if res.Success > 0 {
		e.reconcileUsers(ctx, t, client, latest, res)
		if caps.OperatorBalance {
			if _, err := e.refreshOperator(ctx, t, client, e.cfg.ActorID, models.ReasonSync); err != nil {
				res.BalanceFailures++
				e.log.Warn().Err(err).Str("target", t.String()).Msg("[SyncEngine] operator balance refresh failed")
			}
		}
	}
	return "ok", nil
}

// ingest stores every usable record and returns, per username, the newly
// inserted record with the largest external id.
func (e *SyncEngine) ingest(ctx context.Context, t Target, records []providers.BetRecord, res *CycleResult) (map[string]latestBet, error) {
	seen := map[string]bool{}
	var usernames []string
	for _, r := range records {
		if r.Username != "" && !seen[r.Username] {
			seen[r.Username] = true
			usernames = append(usernames, r.Username)
		}
	}

	refs := map[string]database.UserRef{}
	if len(usernames) > 0 {
		var err error
		if refs, err = e.ledger.ResolveUsersByUsername(ctx, usernames); err != nil {
			return nil, err
		}
	}

	latest := map[string]latestBet{}
	for _, r := range records {
		switch {
		case strings.TrimSpace(r.Username) == "":
			res.skip(SkipMissingUsername)
			continue
		case r.ExternalID <= 0:
			res.skip(SkipInvalidExternalID)
			e.log.Debug().Str("target", t.String()).Str("raw_id", r.RawExternalID).Msg("[SyncEngine] record without usable id")
			continue
		}

		ref, ok := refs[r.Username]
		if !ok {
			res.skip(SkipUnresolvedUser)
			continue
		}

		rec := e.toGameRecord(t, r, ref)
		up, err := e.ledger.UpsertBetRecord(ctx, rec)
		if err != nil {
			res.skip(SkipStoreError)
			e.log.Warn().Err(err).Str("target", t.String()).Int64("external_id", r.ExternalID).Msg("[SyncEngine] failed to store record")
			continue
		}
		if up.Duplicate {
			res.Duplicate++
			metrics.SyncRecords.WithLabelValues(t.APIType, "duplicate").Inc()
			continue
		}

		res.Success++
		metrics.SyncRecords.WithLabelValues(t.APIType, "success").Inc()
		if rec.ExternalID > res.LastExternalID {
			res.LastExternalID = rec.ExternalID
		}
		if cur, ok := latest[r.Username]; !ok || rec.ExternalID > cur.rec.ExternalID {
			latest[r.Username] = latestBet{rec: rec, hasBalance: r.HasBalance}
		}
	}
	return latest, nil
}

func (e *SyncEngine) toGameRecord(t Target, r providers.BetRecord, ref database.UserRef) *models.GameRecord {
	playedAt := r.PlayedAt.UTC()
	if r.PlayedAt.IsZero() {
		playedAt = e.cfg.Now()
	}
	rec := &models.GameRecord{
		PartnerID:    t.OperatorID,
		APIType:      t.APIType,
		ExternalID:   r.ExternalID,
		UserID:       ref.UserID,
		ReferrerID:   ref.ReferrerID,
		Username:     r.Username,
		GameID:       r.GameID,
		ProviderID:   r.ProviderID,
		BetAmount:    r.BetAmount,
		WinAmount:    r.WinAmount,
		BalanceAfter: r.BalanceAfter,
		PlayedAt:     playedAt,
	}
	if len(r.Raw) > 0 {
		rec.RawData = datatypes.JSON(r.Raw)
	}
	return rec
}

func (e *SyncEngine) reconcileUsers(ctx context.Context, t Target, client providers.Client, latest map[string]latestBet, res *CycleResult) {
	usernames := make([]string, 0, len(latest))
	for name := range latest {
		usernames = append(usernames, name)
	}
	sort.Strings(usernames)

	if e.cfg.Eligibility != nil {
		eligible, err := e.cfg.Eligibility.EligibleUsernames(ctx, t)
		if err != nil {
			e.log.Warn().Err(err).Str("target", t.String()).Msg("[SyncEngine] eligibility lookup failed, reconciling everyone")
		} else {
			filtered := usernames[:0]
			for _, name := range usernames {
				if eligible[name] {
					filtered = append(filtered, name)
				}
			}
			usernames = filtered
		}
	}

	caps := client.Capabilities()
	for _, name := range usernames {
		lb := latest[name]

		balance := lb.rec.BalanceAfter
		if !caps.PlayerBalance && !lb.hasBalance {
			res.BalanceFailures++
			metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectUser), "missing_balance").Inc()
			e.log.Warn().Str("target", t.String()).Str("username", name).Int64("external_id", lb.rec.ExternalID).
				Msg("[SyncEngine] newest record has no balance, user balance left as is")
			continue
		}
		if caps.PlayerBalance {
			var err error
			balance, err = limited(ctx, e, t, caps, func(ctx context.Context) (decimal.Decimal, error) {
				return client.FetchBalance(ctx, name)
			})
			if err != nil {
				res.BalanceFailures++
				metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectUser), "fetch_failed").Inc()
				e.log.Warn().Err(err).Str("target", t.String()).Str("username", name).Msg("[SyncEngine] player balance fetch failed")
				continue
			}
		}

		entry, err := e.ledger.ApplyUserBalance(ctx, database.BalanceChange{
			Subject:    models.SubjectUser,
			SubjectID:  lb.rec.UserID,
			PartnerID:  t.OperatorID,
			APIType:    t.APIType,
			NewBalance: balance,
			Reason:     models.ReasonSync,
			ActorID:    e.cfg.ActorID,
		})
		switch {
		case err != nil:
			res.BalanceFailures++
			metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectUser), "failed").Inc()
			e.log.Warn().Err(err).Str("target", t.String()).Str("username", name).Msg("[SyncEngine] user balance write failed")
		case entry != nil:
			res.BalancesUpdated++
			metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectUser), "updated").Inc()
		default:
			metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectUser), "unchanged").Inc()
		}
	}
}

// RefreshOperatorBalance fetches the operator's provider balance and writes
// it with a manual_refresh log entry attributed to actorID.
func (e *SyncEngine) RefreshOperatorBalance(ctx context.Context, t Target, actorID string) (*models.PartnerBalanceLog, error) {
	t = t.Canonical()
	client, err := e.client(ctx, t)
	if err != nil {
		return nil, err
	}
	if !client.Capabilities().OperatorBalance {
		return nil, fmt.Errorf("%s operator balance: %w", t.APIType, providers.ErrNotSupported)
	}
	return e.refreshOperator(ctx, t, client, actorID, models.ReasonManualRefresh)
}

func (e *SyncEngine) refreshOperator(ctx context.Context, t Target, client providers.Client, actorID, reason string) (*models.PartnerBalanceLog, error) {
	balance, err := limited(ctx, e, t, client.Capabilities(), func(ctx context.Context) (decimal.Decimal, error) {
		return client.FetchBalance(ctx, "")
	})
	if err != nil {
		metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectPartnerAPI), "fetch_failed").Inc()
		return nil, err
	}

	entry, err := e.ledger.ApplyOperatorBalance(ctx, database.BalanceChange{
		Subject:    models.SubjectPartnerAPI,
		PartnerID:  t.OperatorID,
		APIType:    t.APIType,
		NewBalance: balance,
		Reason:     reason,
		ActorID:    actorID,
	})
	if err != nil {
		metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectPartnerAPI), "failed").Inc()
		return nil, err
	}

	result := "unchanged"
	if entry != nil {
		result = "updated"
		e.log.Info().Str("target", t.String()).Str("before", entry.BeforeAmount.String()).Str("after", entry.AfterAmount.String()).
			Str("reason", reason).Msg("[SyncEngine] operator balance updated")
	}
	metrics.BalanceUpdates.WithLabelValues(t.APIType, string(models.SubjectPartnerAPI), result).Inc()
	return entry, nil
}

// limited runs fn through the provider's rate limit queue when it asks for one.
func limited[T any](ctx context.Context, e *SyncEngine, t Target, caps providers.Capabilities, fn func(ctx context.Context) (T, error)) (T, error) {
	if !caps.StrictRateLimit {
		return fn(ctx)
	}
	return ratelimit.Do(ctx, e.cfg.RateLimits.Get(t.APIType), fn)
}

// client returns the cached client of t, rebuilding it when the stored
// credentials changed.
func (e *SyncEngine) client(ctx context.Context, t Target) (providers.Client, error) {
	cfg, err := e.ledger.GetAPIConfig(ctx, t.OperatorID, t.APIType)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, fmt.Errorf("%w: %s is disabled", providers.ErrConfig, t)
	}

	fp := fingerprint(cfg)

	e.mu.Lock()
	cached, ok := e.clients[t]
	e.mu.Unlock()
	if ok && cached.fingerprint == fp {
		return cached.client, nil
	}

	creds := providers.Credentials{
		BaseURL:      cfg.APIURL,
		OpCode:       cfg.OpCode,
		SecretKey:    cfg.SecretKey,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		APIKey:       cfg.APIKey,
		Token:        providers.Token{Value: cfg.Token},
	}
	if cfg.TokenExpiresAt != nil {
		creds.Token.ExpiresAt = cfg.TokenExpiresAt.UTC()
	}

	opts := e.cfg.Provider
	opts.OnToken = func(tok providers.Token) {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.ledger.SaveToken(saveCtx, t.OperatorID, t.APIType, tok.Value, tok.ExpiresAt); err != nil {
			e.log.Warn().Err(err).Str("target", t.String()).Msg("[SyncEngine] failed to persist refreshed token")
		}
	}

	client, err := e.cfg.NewClient(t.APIType, creds, opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.clients[t] = cachedClient{client: client, fingerprint: fp}
	e.mu.Unlock()

	e.log.Debug().Str("target", t.String()).Msg("[SyncEngine] provider client ready")
	return client, nil
}

// fingerprint covers the fields a client is built from, except the token,
// which the client refreshes on its own.
func fingerprint(cfg *models.APIConfig) string {
	return strings.Join([]string{
		cfg.APIURL, cfg.OpCode, cfg.SecretKey, cfg.ClientID, cfg.ClientSecret, cfg.APIKey,
	}, "\x00")
}
