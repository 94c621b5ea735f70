package models

import (
	"time"
)

// Member is the aggregate entity and syncs last. A member is only marked
// reconciled after every linked child (contact, registrations and their
// payments) has been brought current in the same package.
type Member struct {
	ID               int          `gorm:"primary_key" json:"id"`
	CorevoId         string       `gorm:"uniqueIndex;size:64;not null" json:"corevo_id"`
	MemberNo         string       `gorm:"size:32" json:"member_no"`
	ContactId        string       `gorm:"index;size:64" json:"contact_id"`
	RegistrationIds  StringList   `gorm:"type:json" json:"registration_ids"`
	NrcNumber        string       `gorm:"size:64" json:"nrc_number"`
	Status           MemberStatus `gorm:"type:enum('Active','Lapsed','Resigned','Suspended');default:'Active'" json:"status"`
	JoinedOn         *time.Time   `json:"joined_on"`
	SourceModifiedAt *time.Time   `json:"source_modified_at"`
	LastReconciledAt *time.Time   `json:"last_reconciled_at"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
