package services

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"ledgersync/database"
	"ledgersync/models"
	"ledgersync/providers"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type balanceWrite struct {
	subject models.BalanceSubject
	id      uint
	before  decimal.Decimal
	after   decimal.Decimal
}

// fakeLedger mirrors the LedgerStore contract in memory, including the
// uniqueness constraint on (operator, provider, external id).
type fakeLedger struct {
	mu sync.Mutex

	configs    map[Target]*models.APIConfig
	users      map[string]database.UserRef
	userBal    map[uint]decimal.Decimal
	operBal    map[Target]decimal.Decimal
	records    map[Target]map[int64]*models.GameRecord
	writes     []balanceWrite
	logs       []*models.PartnerBalanceLog
	tokens     []string
	upserts    int
	failUpsert map[int64]bool
	failUser   map[uint]bool
}

func newFakeLedger(targets ...Target) *fakeLedger {
	l := &fakeLedger{
		configs:    map[Target]*models.APIConfig{},
		users:      map[string]database.UserRef{},
		userBal:    map[uint]decimal.Decimal{},
		operBal:    map[Target]decimal.Decimal{},
		records:    map[Target]map[int64]*models.GameRecord{},
		failUpsert: map[int64]bool{},
		failUser:   map[uint]bool{},
	}
	for _, t := range targets {
		l.configs[t] = &models.APIConfig{PartnerID: t.OperatorID, APIProvider: t.APIType, APIURL: "http://provider.test", IsActive: true}
	}
	return l
}

func (l *fakeLedger) addUser(name string, id, referrer uint, balance int64) {
	l.users[name] = database.UserRef{UserID: id, ReferrerID: referrer, Balance: decimal.NewFromInt(balance)}
	l.userBal[id] = decimal.NewFromInt(balance)
}

func (l *fakeLedger) storedIDs(t Target) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int64, 0, len(l.records[t]))
	for id := range l.records[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *fakeLedger) GetAPIConfig(_ context.Context, operatorID uint, apiType string) (*models.APIConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, ok := l.configs[Target{OperatorID: operatorID, APIType: apiType}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (l *fakeLedger) GetLastExternalID(_ context.Context, operatorID uint, apiType string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var last int64
	for id := range l.records[Target{OperatorID: operatorID, APIType: apiType}] {
		if id > last {
			last = id
		}
	}
	return last, nil
}

func (l *fakeLedger) ResolveUsersByUsername(_ context.Context, usernames []string) (map[string]database.UserRef, error) {
	out := map[string]database.UserRef{}
	for _, n := range usernames {
		if ref, ok := l.users[n]; ok {
			out[n] = ref
		}
	}
	return out, nil
}

func (l *fakeLedger) UpsertBetRecord(_ context.Context, rec *models.GameRecord) (database.UpsertResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upserts++
	if l.failUpsert[rec.ExternalID] {
		return database.UpsertResult{}, errors.New("connection reset")
	}
	t := Target{OperatorID: rec.PartnerID, APIType: rec.APIType}
	if l.records[t] == nil {
		l.records[t] = map[int64]*models.GameRecord{}
	}
	if _, ok := l.records[t][rec.ExternalID]; ok {
		return database.UpsertResult{Duplicate: true}, nil
	}
	cp := *rec
	l.records[t][rec.ExternalID] = &cp
	return database.UpsertResult{Inserted: true}, nil
}

func (l *fakeLedger) ApplyUserBalance(_ context.Context, c database.BalanceChange) (*models.PartnerBalanceLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failUser[c.SubjectID] {
		return nil, errors.New("deadlock detected")
	}
	before := l.userBal[c.SubjectID]
	if before.Equal(c.NewBalance) {
		return nil, nil
	}
	l.userBal[c.SubjectID] = c.NewBalance
	l.writes = append(l.writes, balanceWrite{models.SubjectUser, c.SubjectID, before, c.NewBalance})
	return l.appendLog(models.SubjectUser, c.SubjectID, c, before), nil
}

func (l *fakeLedger) ApplyOperatorBalance(_ context.Context, c database.BalanceChange) (*models.PartnerBalanceLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := Target{OperatorID: c.PartnerID, APIType: c.APIType}
	before := l.operBal[t]
	if before.Equal(c.NewBalance) {
		return nil, nil
	}
	l.operBal[t] = c.NewBalance
	l.writes = append(l.writes, balanceWrite{models.SubjectPartnerAPI, c.PartnerID, before, c.NewBalance})
	return l.appendLog(models.SubjectPartnerAPI, c.PartnerID, c, before), nil
}

func (l *fakeLedger) appendLog(subject models.BalanceSubject, id uint, c database.BalanceChange, before decimal.Decimal) *models.PartnerBalanceLog {
	entry := &models.PartnerBalanceLog{
		SubjectType:  subject,
		SubjectID:    id,
		PartnerID:    c.PartnerID,
		APIType:      c.APIType,
		BeforeAmount: before,
		AfterAmount:  c.NewBalance,
		Delta:        c.NewBalance.Sub(before),
		Reason:       c.Reason,
		ActorID:      c.ActorID,
	}
	l.logs = append(l.logs, entry)
	return entry
}

func (l *fakeLedger) SaveToken(_ context.Context, _ uint, _ string, token string, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, token)
	return nil
}

// fakeClient serves a fixed provider-side history in the order given.
type fakeClient struct {
	mu sync.Mutex

	caps         providers.Capabilities
	history      []providers.BetRecord
	ignoreCursor bool
	fetchErr     error
	block        chan struct{}

	balances   map[string]decimal.Decimal
	balanceErr map[string]error
	operator   decimal.Decimal

	requested      []int64
	balanceQueries []string
}

func (c *fakeClient) Name() string { return "fake" }
func (c *fakeClient) Capabilities() providers.Capabilities { return c.caps }

func (c *fakeClient) FetchBetHistory(ctx context.Context, sinceID int64, _ int) ([]providers.BetRecord, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = append(c.requested, sinceID)
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}

	var out []providers.BetRecord
	for _, r := range c.history {
		if c.ignoreCursor || r.ExternalID == 0 || r.ExternalID > sinceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *fakeClient) FetchBalance(_ context.Context, identifier string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceQueries = append(c.balanceQueries, identifier)
	if identifier == "" {
		return c.operator, nil
	}
	if err := c.balanceErr[identifier]; err != nil {
		return decimal.Zero, err
	}
	return c.balances[identifier], nil
}

func (c *fakeClient) RefreshToken(context.Context) (providers.Token, error) {
	return providers.Token{Value: "fake"}, nil
}

func bet(id int64, username string, balanceAfter int64) providers.BetRecord {
	return providers.BetRecord{
		ExternalID:    id,
		RawExternalID: strconv.FormatInt(id, 10),
		Username:      username,
		GameID:        "g-1",
		ProviderID:    "p-1",
		BetAmount:     decimal.NewFromInt(10),
		WinAmount:     decimal.Zero,
		BalanceAfter:  decimal.NewFromInt(balanceAfter),
		HasBalance:    true,
		PlayedAt:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second),
	}
}

func newTestEngine(l *fakeLedger, c providers.Client, mutate ...func(*EngineConfig)) *SyncEngine {
	cfg := EngineConfig{
		ActorID: "test-sync",
		NewClient: func(string, providers.Credentials, providers.Options) (providers.Client, error) {
			return c, nil
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewSyncEngine(l, cfg)
}

type staticEligibility struct {
	names map[string]bool
	err   error
}

func (s staticEligibility) EligibleUsernames(context.Context, Target) (map[string]bool, error) {
	return s.names, s.err
}
