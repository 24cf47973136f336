package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// GameLaunchSession marks a user with an open game window.
type GameLaunchSession struct {
	gorm.Model

	SessionID string        `gorm:"size:36;uniqueIndex;not null" json:"session_id"`
	UserID    uint          `gorm:"index" json:"user_id"`
	PartnerID uint          `gorm:"index" json:"partner_id"`
	APIType   string        `gorm:"size:32" json:"api_type"`
	Status    SessionStatus `gorm:"size:16;index;default:active" json:"status"`

	LaunchedAt     time.Time  `json:"launched_at"`
	LastBetAt      *time.Time `json:"last_bet_at"`
	LastActivityAt *time.Time `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at"`

	User User `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

func (s *GameLaunchSession) BeforeCreate(tx *gorm.DB) (err error) {
	if s.SessionID == "" {
		s.SessionID = strings.ToLower(uuid.New().String())
	}
	return nil
}
