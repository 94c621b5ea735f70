package models

import (
	"time"
)

// Employment depends on Contact through ContactId (the contact's natural
// key, not the local surrogate). A missing contact is an unresolved foreign
// key and lands in the problem queue, never silently dropped.
type Employment struct {
	ID               int        `gorm:"primary_key" json:"id"`
	CorevoId         string     `gorm:"uniqueIndex;size:64;not null" json:"corevo_id"`
	ContactId        string     `gorm:"index;size:64;not null" json:"contact_id"`
	Employer         string     `gorm:"size:255" json:"employer"`
	Position         string     `gorm:"size:100" json:"position"`
	Department       string     `gorm:"size:100" json:"department"`
	StartedOn        *time.Time `json:"started_on"`
	EndedOn          *time.Time `json:"ended_on"`
	SourceModifiedAt *time.Time `json:"source_modified_at"`
	LastReconciledAt *time.Time `json:"last_reconciled_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
