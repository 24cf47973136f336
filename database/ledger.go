package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgersync/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore is the persistence gateway used by the sync engine and the
// session monitor. Every method may fail on connectivity; callers retry on
// the next tick. A uniqueness violation on game_records is not a failure.
type LedgerStore struct {
	db  *gorm.DB
	now func() time.Time
}

// apiConfigMatch selects one api_configs row. Provider names are matched
// case-insensitively; game_records always carry the lowercase form.
const apiConfigMatch = "partner_id = ? AND LOWER(api_provider) = LOWER(?)"

// balanceScale is the number of decimal places the numeric(20,2) balance
// columns keep.
const balanceScale = 2

func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type UserRef struct {
	UserID     uint
	ReferrerID uint
	Balance    decimal.Decimal
}

type UpsertResult struct {
	Inserted  bool
	Duplicate bool
}

type SessionTimestamps struct {
	LastBetAt      *time.Time
	LastActivityAt *time.Time
	EndedAt        *time.Time
}

// BalanceChange describes one balance write. SubjectID is the user id for
// SubjectUser and ignored for SubjectPartnerAPI, which is keyed by
// PartnerID + APIType.
type BalanceChange struct {
	Subject    models.BalanceSubject
	SubjectID  uint
	PartnerID  uint
	APIType    string
	NewBalance decimal.Decimal
	Reason     string
	ActorID    string
}

// OperatorOverview is a partner with its provider configurations and the
// aggregate balance of the users it referred.
type OperatorOverview struct {
	Partner          models.Partner
	APIConfigs       []models.APIConfig
	UserCount        int64
	TotalUserBalance decimal.Decimal
}

type DownlineSummary struct {
	PartnerCount int64
	RecordCount  int64
	TotalBet     decimal.Decimal
	TotalWin     decimal.Decimal
}

func (s *LedgerStore) withTx(tx *gorm.DB) *LedgerStore {
	return &LedgerStore{db: tx, now: s.now}
}

func (s *LedgerStore) GetLastExternalID(ctx context.Context, operatorID uint, apiType string) (int64, error) {
	var last int64
	err := s.db.WithContext(ctx).
		Model(&models.GameRecord{}).
		Select("COALESCE(MAX(external_id), 0)").
		Where("partner_id = ? AND api_type = ?", operatorID, strings.ToLower(apiType)).
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("last external id %d/%s: %w", operatorID, apiType, err)
	}
	return last, nil
}

func (s *LedgerStore) UpsertBetRecord(ctx context.Context, rec *models.GameRecord) (UpsertResult, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "partner_id"},
				{Name: "api_type"},
				{Name: "external_id"},
			},
			DoNothing: true,
		}).
		Create(rec)

	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return UpsertResult{Duplicate: true}, nil
		}
		return UpsertResult{}, fmt.Errorf("insert game record %d: %w", rec.ExternalID, res.Error)
	}
	if res.RowsAffected == 0 {
		return UpsertResult{Duplicate: true}, nil
	}
	return UpsertResult{Inserted: true}, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ResolveUsersByUsername maps usernames to accounts. Unknown usernames are
// simply absent from the result.
func (s *LedgerStore) ResolveUsersByUsername(ctx context.Context, usernames []string) (map[string]UserRef, error) {
	out := make(map[string]UserRef, len(usernames))
	if len(usernames) == 0 {
		return out, nil
	}

	var users []models.User
	err := s.db.WithContext(ctx).
		Select("id", "username", "referrer_id", "balance").
		Where("username IN ?", usernames).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	for _, u := range users {
		out[u.Username] = UserRef{UserID: u.ID, ReferrerID: u.ReferrerID, Balance: u.Balance}
	}
	return out, nil
}

func (s *LedgerStore) UpdateAccountBalance(ctx context.Context, operatorID uint, apiType string, newBalance decimal.Decimal) error {
	res := s.db.WithContext(ctx).
		Model(&models.APIConfig{}).
		Where(apiConfigMatch, operatorID, apiType).
		Updates(map[string]any{
			"balance":            newBalance,
			"balance_updated_at": s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update balance %d/%s: %w", operatorID, apiType, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update balance %d/%s: %w", operatorID, apiType, gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *LedgerStore) AppendBalanceChangeLog(ctx context.Context, entry *models.PartnerBalanceLog) error {
	if entry.RefID == "" {
		entry.RefID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append balance log: %w", err)
	}
	return nil
}

// ApplyOperatorBalance writes an operator's provider balance and its audit
// row in one transaction. It returns nil without writing when the balance
// is unchanged.
func (s *LedgerStore) ApplyOperatorBalance(ctx context.Context, change BalanceChange) (*models.PartnerBalanceLog, error) {
	var entry *models.PartnerBalanceLog
	change.NewBalance = change.NewBalance.Round(balanceScale)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg models.APIConfig
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(apiConfigMatch, change.PartnerID, change.APIType).
			First(&cfg).Error; err != nil {
			return err
		}
		if cfg.Balance.Equal(change.NewBalance) {
			return nil
		}

		store := s.withTx(tx)
		if err := store.UpdateAccountBalance(ctx, change.PartnerID, change.APIType, change.NewBalance); err != nil {
			return err
		}

		entry = newBalanceLog(models.SubjectPartnerAPI, cfg.ID, change, cfg.Balance)
		return store.AppendBalanceChangeLog(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("apply operator balance %d/%s: %w", change.PartnerID, change.APIType, err)
	}
	return entry, nil
}

// ApplyUserBalance is the single write path for users.balance from sync.
// Concurrent writers outside this service are last-write-wins; the log row
// records the value found under the row lock.
func (s *LedgerStore) ApplyUserBalance(ctx context.Context, change BalanceChange) (*models.PartnerBalanceLog, error) {
	var entry *models.PartnerBalanceLog
	change.NewBalance = change.NewBalance.Round(balanceScale)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "balance").
			First(&user, change.SubjectID).Error; err != nil {
			return err
		}
		if user.Balance.Equal(change.NewBalance) {
			return nil
		}

		if err := tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("balance", change.NewBalance).Error; err != nil {
			return err
		}

		entry = newBalanceLog(models.SubjectUser, user.ID, change, user.Balance)
		return s.withTx(tx).AppendBalanceChangeLog(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("apply user balance %d: %w", change.SubjectID, err)
	}
	return entry, nil
}

func newBalanceLog(subject models.BalanceSubject, subjectID uint, change BalanceChange, before decimal.Decimal) *models.PartnerBalanceLog {
	return &models.PartnerBalanceLog{
		SubjectType:  subject,
		SubjectID:    subjectID,
		PartnerID:    change.PartnerID,
		APIType:      change.APIType,
		BeforeAmount: before,
		AfterAmount:  change.NewBalance,
		Delta:        change.NewBalance.Sub(before),
		Reason:       change.Reason,
		ActorID:      change.ActorID,
	}
}

func (s *LedgerStore) UpdateGameSessionState(ctx context.Context, sessionID string, state models.SessionStatus, ts SessionTimestamps) error {
	updates := map[string]any{"status": state}
	if ts.LastBetAt != nil {
		updates["last_bet_at"] = *ts.LastBetAt
	}
	if ts.LastActivityAt != nil {
		updates["last_activity_at"] = *ts.LastActivityAt
	}
	if ts.EndedAt != nil {
		updates["ended_at"] = *ts.EndedAt
	}

	res := s.db.WithContext(ctx).
		Model(&models.GameLaunchSession{}).
		Where("session_id = ?", sessionID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update session %s: %w", sessionID, gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *LedgerStore) ListActiveAPIConfigs(ctx context.Context) ([]models.APIConfig, error) {
	var cfgs []models.APIConfig
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("partner_id, api_provider").
		Find(&cfgs).Error
	if err != nil {
		return nil, fmt.Errorf("list api configs: %w", err)
	}
	return cfgs, nil
}

func (s *LedgerStore) GetAPIConfig(ctx context.Context, operatorID uint, apiType string) (*models.APIConfig, error) {
	var cfg models.APIConfig
	err := s.db.WithContext(ctx).
		Where(apiConfigMatch, operatorID, apiType).
		First(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("api config %d/%s: %w", operatorID, apiType, err)
	}
	return &cfg, nil
}

func (s *LedgerStore) SaveToken(ctx context.Context, operatorID uint, apiType, token string, expiresAt time.Time) error {
	var exp *time.Time
	if !expiresAt.IsZero() {
		exp = &expiresAt
	}
	err := s.db.WithContext(ctx).
		Model(&models.APIConfig{}).
		Where(apiConfigMatch, operatorID, apiType).
		Updates(map[string]any{"token": token, "token_expires_at": exp}).Error
	if err != nil {
		return fmt.Errorf("save token %d/%s: %w", operatorID, apiType, err)
	}
	return nil
}

func (s *LedgerStore) ListOpenSessions(ctx context.Context) ([]models.GameLaunchSession, error) {
	var sessions []models.GameLaunchSession
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.SessionStatus{models.SessionActive, models.SessionPaused}).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	return sessions, nil
}

// BetKey scopes a user's bets to one operator/provider pair.
type BetKey struct {
	UserID    uint
	PartnerID uint
	APIType   string
}

// LatestBetTimes returns the most recent played_at per user, operator and
// provider.
func (s *LedgerStore) LatestBetTimes(ctx context.Context, userIDs []uint) (map[BetKey]time.Time, error) {
	out := make(map[BetKey]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	var rows []struct {
		UserID     uint
		PartnerID  uint
		APIType    string
		LastPlayed time.Time
	}
	err := s.db.WithContext(ctx).
		Model(&models.GameRecord{}).
		Select("user_id, partner_id, api_type, MAX(played_at) AS last_played").
		Where("user_id IN ?", userIDs).
		Group("user_id, partner_id, api_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest bet times: %w", err)
	}

	for _, r := range rows {
		out[BetKey{UserID: r.UserID, PartnerID: r.PartnerID, APIType: r.APIType}] = r.LastPlayed.UTC()
	}
	return out, nil
}

func (s *LedgerStore) ActiveSessionUsernames(ctx context.Context, operatorID uint, apiType string) (map[string]bool, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Table("game_launch_sessions AS s").
		Joins("JOIN users u ON u.id = s.user_id").
		Where("s.partner_id = ? AND LOWER(s.api_type) = LOWER(?) AND s.deleted_at IS NULL", operatorID, apiType).
		Where("s.status IN ?", []models.SessionStatus{models.SessionActive, models.SessionPaused}).
		Distinct().
		Pluck("u.username", &names).Error
	if err != nil {
		return nil, fmt.Errorf("active session users %d/%s: %w", operatorID, apiType, err)
	}

	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (s *LedgerStore) PruneEndedSessions(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Unscoped().
		Where("status = ? AND ended_at < ?", models.SessionEnded, before).
		Delete(&models.GameLaunchSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

const downlineSummarySQL = `
WITH RECURSIVE downline AS (
	SELECT id FROM partners WHERE id = ? AND deleted_at IS NULL
	UNION ALL
	SELECT p.id FROM partners p JOIN downline d ON p.parent_id = d.id WHERE p.deleted_at IS NULL
)
SELECT
	(SELECT COUNT(*) FROM downline) AS partner_count,
	COUNT(g.id) AS record_count,
	COALESCE(SUM(g.bet_amount), 0) AS total_bet,
	COALESCE(SUM(g.win_amount), 0) AS total_win
FROM game_records g
WHERE g.referrer_id IN (SELECT id FROM downline)`

// DownlineSummary aggregates bet totals of every user whose referring
// partner sits at or below partnerID in the hierarchy.
func (s *LedgerStore) DownlineSummary(ctx context.Context, partnerID uint) (DownlineSummary, error) {
	var out DownlineSummary
	if err := s.db.WithContext(ctx).Raw(downlineSummarySQL, partnerID).Scan(&out).Error; err != nil {
		return DownlineSummary{}, fmt.Errorf("downline summary %d: %w", partnerID, err)
	}
	return out, nil
}

func (s *LedgerStore) OperatorOverview(ctx context.Context, partnerID uint) (*OperatorOverview, error) {
	var out OperatorOverview
	db := s.db.WithContext(ctx)

	if err := db.First(&out.Partner, partnerID).Error; err != nil {
		return nil, fmt.Errorf("operator %d: %w", partnerID, err)
	}
	if err := db.Where("partner_id = ?", partnerID).Order("api_provider").Find(&out.APIConfigs).Error; err != nil {
		return nil, fmt.Errorf("operator %d api configs: %w", partnerID, err)
	}

	var agg struct {
		UserCount        int64
		TotalUserBalance decimal.Decimal
	}
	err := db.Model(&models.User{}).
		Select("COUNT(*) AS user_count, COALESCE(SUM(balance), 0) AS total_user_balance").
		Where("referrer_id = ?", partnerID).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("operator %d user balance: %w", partnerID, err)
	}
	out.UserCount = agg.UserCount
	out.TotalUserBalance = agg.TotalUserBalance
	return &out, nil
}
