package services

import (
	"context"
	"strings"
	"time"

	"ledgersync/database"
	"ledgersync/logger"
	"ledgersync/metrics"
	"ledgersync/models"

	"github.com/rs/zerolog"
)

type SessionStore interface {
	ListOpenSessions(ctx context.Context) ([]models.GameLaunchSession, error)
	LatestBetTimes(ctx context.Context, userIDs []uint) (map[database.BetKey]time.Time, error)
	UpdateGameSessionState(ctx context.Context, sessionID string, state models.SessionStatus, ts database.SessionTimestamps) error
	ActiveSessionUsernames(ctx context.Context, operatorID uint, apiType string) (map[string]bool, error)
	PruneEndedSessions(ctx context.Context, before time.Time) (int64, error)
}

type MonitorConfig struct {
	// PauseAfter is how long an active session may go without a bet.
	PauseAfter time.Duration
	// ResumeWindow is how recent a bet must be to wake a paused session.
	ResumeWindow time.Duration
}

type EvaluateResult struct {
	Checked int `json:"checked"`
	Paused  int `json:"paused"`
	Resumed int `json:"resumed"`
	Touched int `json:"touched"`
	Failed  int `json:"failed"`
}

// SessionMonitor moves game sessions between active and paused based on
// how recently the user placed a bet. Ending a session is not its job.
type SessionMonitor struct {
	store SessionStore
	cfg   MonitorConfig
	log   zerolog.Logger
}

func NewSessionMonitor(store SessionStore, cfg MonitorConfig) *SessionMonitor {
	if cfg.PauseAfter <= 0 {
		cfg.PauseAfter = 4 * time.Minute
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = 30 * time.Second
	}
	return &SessionMonitor{store: store, cfg: cfg, log: logger.Component("sessions")}
}

// Transition is the outcome of evaluating one session.
type Transition struct {
	State     models.SessionStatus
	LastBetAt *time.Time
	// Changed is true when anything needs to be written.
	Changed bool
}

// Next applies the pause/resume rules to one session given the newest bet
// seen for its user on the session's operator and provider (zero when none).
func (m *SessionMonitor) Next(s models.GameLaunchSession, latestBet time.Time, now time.Time) Transition {
	lastBet := s.LastBetAt
	newBet := false
	if !latestBet.IsZero() && (lastBet == nil || latestBet.After(*lastBet)) {
		lb := latestBet.UTC()
		lastBet = &lb
		newBet = true
	}

	out := Transition{State: s.Status, LastBetAt: lastBet, Changed: newBet}

	switch s.Status {
	case models.SessionActive:
		since := s.LaunchedAt
		if lastBet != nil {
			since = *lastBet
		}
		if now.Sub(since) >= m.cfg.PauseAfter {
			out.State = models.SessionPaused
			out.Changed = true
		}
	case models.SessionPaused:
		if lastBet != nil && !lastBet.After(now) && now.Sub(*lastBet) <= m.cfg.ResumeWindow {
			out.State = models.SessionActive
			out.Changed = true
		}
	}
	return out
}

// Evaluate checks every open session once. A failed write is counted and
// the remaining sessions are still processed.
func (m *SessionMonitor) Evaluate(ctx context.Context, now time.Time) (EvaluateResult, error) {
	var res EvaluateResult

	sessions, err := m.store.ListOpenSessions(ctx)
	if err != nil {
		return res, err
	}
	if len(sessions) == 0 {
		return res, nil
	}

	ids := make([]uint, 0, len(sessions))
	seen := map[uint]bool{}
	for _, s := range sessions {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			ids = append(ids, s.UserID)
		}
	}

	latest, err := m.store.LatestBetTimes(ctx, ids)
	if err != nil {
		return res, err
	}

	for _, s := range sessions {
		res.Checked++

		next := m.Next(s, latest[betKey(s)], now)
		if !next.Changed {
			continue
		}

		ts := database.SessionTimestamps{}
		if next.LastBetAt != nil && (s.LastBetAt == nil || !next.LastBetAt.Equal(*s.LastBetAt)) {
			ts.LastBetAt = next.LastBetAt
			ts.LastActivityAt = next.LastBetAt
		}

		if err := m.store.UpdateGameSessionState(ctx, s.SessionID, next.State, ts); err != nil {
			res.Failed++
			m.log.Warn().Err(err).Str("session_id", s.SessionID).Msg("[SessionMonitor] failed to update session")
			continue
		}

		if next.State == s.Status {
			res.Touched++
			continue
		}

		metrics.SessionTransitions.WithLabelValues(string(s.Status), string(next.State)).Inc()
		if next.State == models.SessionPaused {
			res.Paused++
		} else {
			res.Resumed++
		}
		m.log.Info().Str("session_id", s.SessionID).Uint("user_id", s.UserID).
			Str("from", string(s.Status)).Str("to", string(next.State)).Msg("[SessionMonitor] session transition")
	}

	return res, nil
}

// betKey matches a session to bets on its own operator and provider.
// Stored bets carry the lowercase api type.
func betKey(s models.GameLaunchSession) database.BetKey {
	return database.BetKey{UserID: s.UserID, PartnerID: s.PartnerID, APIType: strings.ToLower(s.APIType)}
}

// Prune deletes ended sessions that ended before now - olderThan.
func (m *SessionMonitor) Prune(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	n, err := m.store.PruneEndedSessions(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int64("deleted", n).Msg("[SessionMonitor] pruned ended sessions")
	}
	return n, nil
}

// EligibleUsernames reports users of t with an open game session.
func (m *SessionMonitor) EligibleUsernames(ctx context.Context, t Target) (map[string]bool, error) {
	return m.store.ActiveSessionUsernames(ctx, t.OperatorID, t.APIType)
}
