package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model

	Username   string          `gorm:"uniqueIndex;size:64" json:"username"`
	ReferrerID uint            `gorm:"index" json:"referrer_id"`
	Balance    decimal.Decimal `gorm:"type:numeric(20,2);default:0" json:"balance"`
	Status     string          `gorm:"size:16;default:active" json:"status"`

	Referrer Partner `gorm:"foreignKey:ReferrerID" json:"-"`
}
