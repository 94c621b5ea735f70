package models

import (
	"time"
)

// Registration is the compliance entity. Registrations are submitted by
// users locally and promoted later, so they sync PullOnlyIfAbsent: once a
// row exists the source never overwrites it outside a forced cascade.
type Registration struct {
	ID               int                `gorm:"primary_key" json:"id"`
	CorevoId         string             `gorm:"uniqueIndex;size:64;not null" json:"corevo_id"`
	MemberId         string             `gorm:"index;size:64" json:"member_id"`
	PaymentIds       StringList         `gorm:"type:json" json:"payment_ids"`
	RegistrationType string             `gorm:"size:50" json:"registration_type"`
	Status           RegistrationStatus `gorm:"type:enum('Submitted','Approved','Rejected');default:'Submitted'" json:"status"`
	NrcNumber        string             `gorm:"size:64" json:"nrc_number"`
	SubmittedOn      *time.Time         `json:"submitted_on"`
	SourceModifiedAt *time.Time         `json:"source_modified_at"`
	LastReconciledAt *time.Time         `json:"last_reconciled_at"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
