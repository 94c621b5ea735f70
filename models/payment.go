package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment is a ledger entity. RegistrationId is the scalar back-reference of
// the registration's multi-valued payment_ids edge; the repair pass restores
// it when empty and never reassigns a claimed one.
type Payment struct {
	ID               int             `gorm:"primary_key" json:"id"`
	CorevoId         string          `gorm:"uniqueIndex;size:64;not null" json:"corevo_id"`
	RegistrationId   string          `gorm:"index;size:64" json:"registration_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency         string          `gorm:"size:3;default:'MMK'" json:"currency"`
	Method           string          `gorm:"size:50" json:"method"`
	ReceiptNo        string          `gorm:"size:64" json:"receipt_no"`
	PaidOn           *time.Time      `json:"paid_on"`
	SourceModifiedAt *time.Time      `json:"source_modified_at"`
	LastReconciledAt *time.Time      `json:"last_reconciled_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
