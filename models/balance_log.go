package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BalanceSubject string

const (
	// SubjectPartnerAPI is an operator's balance held at a provider (api_configs.balance).
	SubjectPartnerAPI BalanceSubject = "partner_api"
	SubjectUser       BalanceSubject = "user"
)

const (
	ReasonSync          = "sync"
	ReasonManualRefresh = "manual_refresh"
)

// PartnerBalanceLog is the append-only audit trail of every balance mutation.
type PartnerBalanceLog struct {
	ID uint `gorm:"primarykey"`

	SubjectType BalanceSubject `gorm:"size:16;index:idx_balance_logs_subject" json:"subject_type"`
	SubjectID   uint           `gorm:"index:idx_balance_logs_subject" json:"subject_id"`
	PartnerID   uint           `gorm:"index" json:"partner_id"`
	APIType     string         `gorm:"size:32" json:"api_type"`

	BeforeAmount decimal.Decimal `gorm:"type:numeric(20,2)" json:"before_amount"`
	AfterAmount  decimal.Decimal `gorm:"type:numeric(20,2)" json:"after_amount"`
	Delta        decimal.Decimal `gorm:"type:numeric(20,2)" json:"delta"`

	Reason  string `gorm:"size:32" json:"reason"`
	ActorID string `gorm:"size:64" json:"actor_id"`
	RefID   string `gorm:"size:36;index" json:"ref_id"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
