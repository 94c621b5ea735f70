package corevosync

import (
	"encoding/json"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/members_backend/models"
	"bitbucket.org/mmdatafocus/members_backend/utils"
)

// SyncClasses toggles which entity classes a run touches. The dependency
// order itself is fixed; toggles only exclude classes from the pass.
type SyncClasses struct {
	Contacts      bool `json:"contacts"`
	Employments   bool `json:"employments"`
	Payments      bool `json:"payments"`
	Registrations bool `json:"registrations"`
	Members       bool `json:"members"`
}

func DefaultClasses() SyncClasses {
	return SyncClasses{
		Contacts:      true,
		Employments:   true,
		Payments:      true,
		Registrations: true,
		Members:       true,
	}
}

func (s SyncClasses) Enabled(class models.EntityClass) bool {
	switch class {
	case models.ClassContact:
		return s.Contacts
	case models.ClassEmployment:
		return s.Employments
	case models.ClassPayment:
		return s.Payments
	case models.ClassRegistration:
		return s.Registrations
	case models.ClassMember:
		return s.Members
	}
	return false
}

func (s SyncClasses) IsEmpty() bool {
	return !s.Contacts && !s.Employments && !s.Payments && !s.Registrations && !s.Members
}

func DecodeClasses(raw []byte) SyncClasses {
	if len(raw) == 0 {
		return DefaultClasses()
	}
	var c SyncClasses
	if err := json.Unmarshal(raw, &c); err != nil {
		return DefaultClasses()
	}
	if c.IsEmpty() {
		return DefaultClasses()
	}
	return c
}

func EncodeClasses(c SyncClasses) []byte {
	b, _ := json.Marshal(c)
	return b
}

// SyncRunParams is the durable parameter block of one batch invocation,
// stored on the run row and carried to the worker over Pub/Sub.
type SyncRunParams struct {
	Mode     string      `json:"mode"`
	Classes  SyncClasses `json:"classes"`
	FromDate string      `json:"from_date,omitempty"`
	ToDate   string      `json:"to_date,omitempty"`
	Class    string      `json:"class,omitempty"`
	Ids      []string    `json:"ids,omitempty"`
}

func DecodeRunParams(raw []byte) SyncRunParams {
	var p SyncRunParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	if p.Mode == "" {
		p.Mode = models.SyncModeFull
	}
	if p.Classes.IsEmpty() {
		p.Classes = DefaultClasses()
	}
	return p
}

func EncodeRunParams(p SyncRunParams) []byte {
	b, _ := json.Marshal(p)
	return b
}

// dateWindow is the locally-applied modification filter. The source cannot
// filter by modification timestamp, so a window never reaches the API.
type dateWindow struct {
	From *time.Time
	To   *time.Time
}

func (w dateWindow) isZero() bool {
	return w.From == nil && w.To == nil
}

func (w dateWindow) contains(t *time.Time) bool {
	if w.isZero() {
		return true
	}
	if t == nil {
		return false
	}
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && t.After(*w.To) {
		return false
	}
	return true
}

func (p SyncRunParams) window() (dateWindow, error) {
	var w dateWindow
	if strings.TrimSpace(p.FromDate) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(p.FromDate))
		if err != nil {
			return w, err
		}
		w.From = &t
	}
	if strings.TrimSpace(p.ToDate) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(p.ToDate))
		if err != nil {
			return w, err
		}
		w.To = &t
	}
	return w, nil
}

// ParseIdList accepts newline- or comma-delimited natural keys.
func ParseIdList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if v := strings.TrimSpace(f); v != "" {
			ids = append(ids, v)
		}
	}
	return utils.UniqueSlice(ids)
}

type ConnectRequest struct {
	TenantId   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
	APIKey     string `json:"apiKey"`
}

type TriggerSyncRequest struct {
	Mode     string      `json:"mode"`
	Classes  SyncClasses `json:"classes"`
	FromDate string      `json:"fromDate"`
	ToDate   string      `json:"toDate"`
	Class    string      `json:"class"`
	Ids      string      `json:"ids"`
}

type UploadRequest struct {
	Class   string            `json:"class" binding:"required"`
	Records []json.RawMessage `json:"records" binding:"required"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	OpenProblems      int64              `json:"openProblems"`
	Classes           SyncClasses        `json:"classes"`
}

type ConnectionResponse struct {
	Status     string `json:"status"`
	TenantId   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	Mode          string  `json:"mode"`
	SessionId     string  `json:"sessionId"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	RecordsPushed int     `json:"recordsPushed"`
	RepairCount   int     `json:"repairCount"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Problems []ProblemResponse `json:"problems"`
}

type ProblemResponse struct {
	ID            uint    `json:"id"`
	EntityClass   string  `json:"entityClass"`
	CorevoId      string  `json:"corevoId"`
	Reason        string  `json:"reason"`
	Message       string  `json:"message"`
	Amount        *string `json:"amount"`
	RecordDate    *string `json:"recordDate"`
	ClaimedParent string  `json:"claimedParent"`
	CreatedAt     string  `json:"createdAt"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId        uint `json:"run_id"`
	ConnectionId uint `json:"connection_id"`
}
