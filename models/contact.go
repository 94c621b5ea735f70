package models

import (
	"time"
)

// Contact is an independent entity: it references nothing and is referenced
// by employments and members. CorevoId is the natural key minted by the
// source system; ID is the local surrogate key and never leaves this store.
type Contact struct {
	ID               int        `gorm:"primary_key" json:"id"`
	CorevoId         string     `gorm:"uniqueIndex;size:64;not null" json:"corevo_id"`
	FirstName        string     `gorm:"size:100" json:"first_name"`
	LastName         string     `gorm:"size:100" json:"last_name"`
	Email            string     `gorm:"size:100" json:"email"`
	Phone            string     `gorm:"size:32" json:"phone"`
	NrcNumber        string     `gorm:"size:64" json:"nrc_number"`
	Address          string     `gorm:"type:text" json:"address"`
	IsActive         *bool      `gorm:"not null;default:true" json:"is_active"`
	SourceModifiedAt *time.Time `json:"source_modified_at"`
	LastReconciledAt *time.Time `json:"last_reconciled_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
