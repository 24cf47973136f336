package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// APIConfig holds one operator's credentials and cached balance for one provider.
type APIConfig struct {
	gorm.Model

	PartnerID   uint   `gorm:"uniqueIndex:idx_api_configs_partner_provider;not null" json:"partner_id"`
	APIProvider string `gorm:"size:32;uniqueIndex:idx_api_configs_partner_provider;not null" json:"api_provider"`
	APIURL      string `gorm:"size:255" json:"api_url"`

	OpCode       string `gorm:"size:64" json:"-"`
	SecretKey    string `gorm:"size:128" json:"-"`
	ClientID     string `gorm:"size:128" json:"-"`
	ClientSecret string `gorm:"size:128" json:"-"`
	APIKey       string `gorm:"size:128" json:"-"`

	Token          string     `gorm:"type:text" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`

	Balance          decimal.Decimal `gorm:"type:numeric(20,2);default:0" json:"balance"`
	BalanceUpdatedAt *time.Time      `json:"balance_updated_at"`

	IsActive bool `gorm:"default:true;index" json:"is_active"`
}

func (APIConfig) TableName() string {
	return "api_configs"
}
