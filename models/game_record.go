package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GameRecord is one settled wager as reported by a provider. Rows are only
// ever inserted; (partner_id, api_type, external_id) is unique.
type GameRecord struct {
	ID uint `gorm:"primarykey"`

	PartnerID  uint   `gorm:"not null;uniqueIndex:uk_game_records_external,priority:1" json:"partner_id"`
	APIType    string `gorm:"size:32;not null;uniqueIndex:uk_game_records_external,priority:2" json:"api_type"`
	ExternalID int64  `gorm:"not null;uniqueIndex:uk_game_records_external,priority:3" json:"external_id"`

	UserID     uint   `gorm:"index" json:"user_id"`
	ReferrerID uint   `gorm:"index" json:"referrer_id"`
	Username   string `gorm:"size:64;index" json:"username"`
	GameID     string `gorm:"size:64" json:"game_id"`
	ProviderID string `gorm:"size:64" json:"provider_id"`

	BetAmount    decimal.Decimal `gorm:"type:numeric(20,2);default:0" json:"bet_amount"`
	WinAmount    decimal.Decimal `gorm:"type:numeric(20,2);default:0" json:"win_amount"`
	BalanceAfter decimal.Decimal `gorm:"type:numeric(20,2);default:0" json:"balance_after"`

	PlayedAt time.Time      `gorm:"index" json:"played_at"`
	RawData  datatypes.JSON `gorm:"type:jsonb" json:"raw_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
