package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PartnerLevel string

const (
	PartnerLevelSystem   PartnerLevel = "system"
	PartnerLevelRegional PartnerLevel = "regional"
	PartnerLevelStore    PartnerLevel = "store"
)

type Partner struct {
	gorm.Model

	ParentID *uint           `gorm:"index" json:"parent_id"`
	Username string          `gorm:"uniqueIndex;size:64" json:"username"`
	Level    PartnerLevel    `gorm:"size:16;index" json:"level"`
	Balance  decimal.Decimal `gorm:"type:numeric(20,2);default:0" json:"balance"`
	IsActive bool            `gorm:"default:true" json:"is_active"`

	Children   []Partner   `gorm:"foreignKey:ParentID" json:"-"`
	APIConfigs []APIConfig `gorm:"foreignKey:PartnerID" json:"-"`
}
