package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SyncProviderCorevo = "corevo"
)

const (
	SyncStatusConnected    = "connected"
	SyncStatusDisconnected = "disconnected"
	SyncStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// Sync run modes. DateRange fetches everything and filters locally (the
// source cannot filter by modification timestamp); IdList checks local
// watermarks before touching the source; Upload reconciles an operator-
// provided batch; Registrations touches the registration class only.
const (
	SyncModeFull          = "full"
	SyncModeDateRange     = "date_range"
	SyncModeIdList        = "id_list"
	SyncModeUpload        = "upload"
	SyncModeRegistrations = "registrations"
)

// Problem classifications, kept stable because operators filter on them.
const (
	ProblemTransientFetch       = "transient_fetch_failure"
	ProblemUnresolvedForeignKey = "unresolved_foreign_key"
	ProblemValidationFailure    = "validation_failure"
)

// SyncConnection holds the Corevo API credential and the engine settings.
// Exactly one row per provider.
type SyncConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	Provider          string     `gorm:"uniqueIndex;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	TenantId          string     `gorm:"size:100" json:"tenant_id"`
	TenantName        string     `gorm:"size:255" json:"tenant_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRun is the durable history of one batch invocation. SessionId points
// at the Redis progress session pollers read while the run is live.
type SyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	ConnectionId  uint       `gorm:"index;not null" json:"connection_id"`
	Provider      string     `gorm:"index;size:50;not null" json:"provider"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	Mode          string     `gorm:"size:20;not null" json:"mode"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	SessionId     string     `gorm:"size:64;index" json:"session_id"`
	ParamsJSON    []byte     `gorm:"type:json" json:"params"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	RecordsPushed int        `json:"records_pushed"`
	RepairCount   int        `json:"repair_count"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncProblem is the durable problem queue: one row per (class, natural key)
// whose resolution permanently failed. Appending for the same key replaces
// the previous entry; a later successful pass removes it.
type SyncProblem struct {
	ID            uint             `gorm:"primary_key" json:"id"`
	EntityClass   EntityClass      `gorm:"uniqueIndex:idx_sync_problem_key,priority:1;size:50;not null" json:"entity_class"`
	CorevoId      string           `gorm:"uniqueIndex:idx_sync_problem_key,priority:2;size:64;not null" json:"corevo_id"`
	Reason        string           `gorm:"size:64;not null" json:"reason"`
	Message       string           `gorm:"type:text" json:"message"`
	Amount        *decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	RecordDate    *time.Time       `json:"record_date"`
	ClaimedParent string           `gorm:"size:64" json:"claimed_parent"`
	SyncRunId     uint             `gorm:"index" json:"sync_run_id"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}
