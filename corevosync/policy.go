package corevosync

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/members_backend/models"
)

type SyncPolicy int

const (
	// PullOnlyIfAbsent inserts unseen records and never overwrites an
	// existing local row. Ledger-style classes use this.
	PullOnlyIfAbsent SyncPolicy = iota
	// LatestWinsBidirectional compares modification timestamps and moves
	// data in whichever direction is newer.
	LatestWinsBidirectional
)

type SyncAction int

const (
	ActionSkip SyncAction = iota
	ActionInsert
	ActionPullUpdate
	ActionPushUpdate
	ActionForceSync
)

func (a SyncAction) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionPullUpdate:
		return "pull_update"
	case ActionPushUpdate:
		return "push_update"
	case ActionForceSync:
		return "force_sync"
	}
	return "skip"
}

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldBool
	fieldDecimal
	fieldTime
	fieldPhone
	fieldEmail
	fieldStringList
)

// fieldSpec maps one source payload key onto a local column. Pushes use
// the same table in reverse.
type fieldSpec struct {
	Source string
	Column string
	Kind   fieldKind
}

type classSpec struct {
	Class  models.EntityClass
	Path   string
	Table  string
	Policy SyncPolicy
	Fields []fieldSpec

	// ParentColumn names the hard dependency column whose target must
	// exist locally before the record is written.
	ParentColumn string
	ParentClass  models.EntityClass
}

var classSpecs = map[models.EntityClass]classSpec{
	models.ClassContact: {
		Class:  models.ClassContact,
		Path:   "contacts",
		Table:  "contacts",
		Policy: LatestWinsBidirectional,
		Fields: []fieldSpec{
			{Source: "first_name", Column: "first_name", Kind: fieldString},
			{Source: "last_name", Column: "last_name", Kind: fieldString},
			{Source: "email", Column: "email", Kind: fieldEmail},
			{Source: "phone", Column: "phone", Kind: fieldPhone},
			{Source: "nrc_number", Column: "nrc_number", Kind: fieldString},
			{Source: "address", Column: "address", Kind: fieldString},
			{Source: "active", Column: "is_active", Kind: fieldBool},
		},
	},
	models.ClassEmployment: {
		Class:  models.ClassEmployment,
		Path:   "employments",
		Table:  "employments",
		Policy: LatestWinsBidirectional,
		Fields: []fieldSpec{
			{Source: "contact_id", Column: "contact_id", Kind: fieldString},
			{Source: "employer", Column: "employer", Kind: fieldString},
			{Source: "position", Column: "position", Kind: fieldString},
			{Source: "department", Column: "department", Kind: fieldString},
			{Source: "started_on", Column: "started_on", Kind: fieldTime},
			{Source: "ended_on", Column: "ended_on", Kind: fieldTime},
		},
		ParentColumn: "contact_id",
		ParentClass:  models.ClassContact,
	},
	models.ClassPayment: {
		Class:  models.ClassPayment,
		Path:   "payments",
		Table:  "payments",
		Policy: PullOnlyIfAbsent,
		Fields: []fieldSpec{
			{Source: "registration_id", Column: "registration_id", Kind: fieldString},
			{Source: "amount", Column: "amount", Kind: fieldDecimal},
			{Source: "currency", Column: "currency", Kind: fieldString},
			{Source: "method", Column: "method", Kind: fieldString},
			{Source: "receipt_no", Column: "receipt_no", Kind: fieldString},
			{Source: "paid_on", Column: "paid_on", Kind: fieldTime},
		},
	},
	models.ClassRegistration: {
		Class:  models.ClassRegistration,
		Path:   "registrations",
		Table:  "registrations",
		Policy: PullOnlyIfAbsent,
		Fields: []fieldSpec{
			{Source: "member_id", Column: "member_id", Kind: fieldString},
			{Source: "payment_ids", Column: "payment_ids", Kind: fieldStringList},
			{Source: "registration_type", Column: "registration_type", Kind: fieldString},
			{Source: "status", Column: "status", Kind: fieldString},
			{Source: "nrc_number", Column: "nrc_number", Kind: fieldString},
			{Source: "submitted_on", Column: "submitted_on", Kind: fieldTime},
		},
	},
	models.ClassMember: {
		Class:  models.ClassMember,
		Path:   "members",
		Table:  "members",
		Policy: LatestWinsBidirectional,
		Fields: []fieldSpec{
			{Source: "member_no", Column: "member_no", Kind: fieldString},
			{Source: "contact_id", Column: "contact_id", Kind: fieldString},
			{Source: "registration_ids", Column: "registration_ids", Kind: fieldStringList},
			{Source: "nrc_number", Column: "nrc_number", Kind: fieldString},
			{Source: "status", Column: "status", Kind: fieldString},
			{Source: "joined_on", Column: "joined_on", Kind: fieldTime},
		},
	},
}

func specFor(class models.EntityClass) (classSpec, bool) {
	spec, ok := classSpecs[class]
	return spec, ok
}

func (s classSpec) field(source string) (fieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Source == source {
			return f, true
		}
	}
	return fieldSpec{}, false
}

// localMeta is the slice of a local row the resolver needs.
type localMeta struct {
	ID               uint       `gorm:"column:id"`
	UpdatedAt        *time.Time `gorm:"column:updated_at"`
	SourceModifiedAt *time.Time `gorm:"column:source_modified_at"`
	LastReconciledAt *time.Time `gorm:"column:last_reconciled_at"`
	Found            bool       `gorm:"-"`
}

func lookupLocalMeta(ctx context.Context, db *gorm.DB, spec classSpec, naturalKey string) (localMeta, error) {
	var meta localMeta
	err := db.WithContext(ctx).Table(spec.Table).
		Select("id", "updated_at", "source_modified_at", "last_reconciled_at").
		Where("corevo_id = ?", naturalKey).
		Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return localMeta{}, nil
	}
	if err != nil {
		return localMeta{}, err
	}
	meta.Found = true
	return meta, nil
}

// locallyEdited reports whether the row changed since the engine last
// touched it. Engine writes always stamp updated_at and
// last_reconciled_at with the same value, so a strictly later
// updated_at can only come from a local edit.
func (m localMeta) locallyEdited() bool {
	if !m.Found {
		return false
	}
	if m.LastReconciledAt == nil {
		return true
	}
	return m.UpdatedAt != nil && m.UpdatedAt.After(*m.LastReconciledAt)
}

// isStale reports whether the source copy carries changes this store has
// not reconciled yet. Unknown rows and rows never reconciled are stale.
func (m localMeta) isStale(sourceModifiedAt *time.Time) bool {
	if !m.Found {
		return true
	}
	if m.LastReconciledAt == nil {
		return true
	}
	return sourceModifiedAt != nil && sourceModifiedAt.After(*m.LastReconciledAt)
}

// decide resolves one source record against the local row. Equal
// timestamps never trigger a write in either direction.
func decide(spec classSpec, local localMeta, sourceModifiedAt *time.Time, forced bool) SyncAction {
	if !local.Found {
		return ActionInsert
	}
	if forced {
		return ActionForceSync
	}
	if spec.Policy == PullOnlyIfAbsent {
		return ActionSkip
	}

	sourceChanged := sourceModifiedAt != nil &&
		(local.SourceModifiedAt == nil || sourceModifiedAt.After(*local.SourceModifiedAt))
	localChanged := local.locallyEdited()

	switch {
	case sourceChanged && !localChanged:
		return ActionPullUpdate
	case localChanged && !sourceChanged:
		return ActionPushUpdate
	case sourceChanged && localChanged:
		// Both sides moved; latest edit wins.
		if local.UpdatedAt != nil && sourceModifiedAt.After(*local.UpdatedAt) {
			return ActionPullUpdate
		}
		if local.UpdatedAt != nil && local.UpdatedAt.After(*sourceModifiedAt) {
			return ActionPushUpdate
		}
		return ActionSkip
	}
	return ActionSkip
}
