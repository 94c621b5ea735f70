package corevosync

import (
	"time"

	"bitbucket.org/mmdatafocus/members_backend/config"
)

// Progress sessions live in Redis under a TTL, so a crashed worker's
// session expires on its own instead of sticking around half-finished.
const (
	sessionKeyPrefix = "SyncSession:"
	sessionTTL       = 24 * time.Hour
	maxSessionDetail = 200
)

const (
	SessionStatusPending   = "pending"
	SessionStatusRunning   = "running"
	SessionStatusSuccess   = "success"
	SessionStatusFailed    = "failed"
	SessionStatusPartial   = "partial"
	SessionStatusCancelled = "cancelled"
)

type ProgressSession struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Pushed    int       `json:"pushed"`
	Detail    []string  `json:"detail"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SessionUpdate struct {
	Status    *string
	Total     *int
	Completed *int
	Failed    *int
	Pushed    *int
	Detail    string
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// The cancel flag lives under its own key so that no read-modify-write of
// the session object can race a cancellation and erase it.
func cancelKey(id string) string {
	return sessionKeyPrefix + id + ":Cancelled"
}

func cancelFlagged(id string) bool {
	v, ok, err := config.GetRedisValue(cancelKey(id))
	return err == nil && ok && v == "1"
}

func CreateSession(id string) (*ProgressSession, error) {
	now := time.Now()
	session := &ProgressSession{
		ID:        id,
		Status:    SessionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := config.SetRedisObject(sessionKey(id), session, sessionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

func GetSession(id string) (*ProgressSession, bool, error) {
	var session ProgressSession
	found, err := config.GetRedisObject(sessionKey(id), &session)
	if err != nil || !found {
		return nil, false, err
	}
	if cancelFlagged(id) {
		session.Cancelled = true
	}
	return &session, true, nil
}

// UpdateSession merges the update into the stored session. Counters
// never move backwards; a lost intermediate write must not make
// progress appear to regress.
func UpdateSession(id string, upd SessionUpdate) (*ProgressSession, error) {
	session, found, err := GetSession(id)
	if err != nil {
		return nil, err
	}
	if !found {
		session = &ProgressSession{ID: id, Status: SessionStatusPending, CreatedAt: time.Now()}
	}
	if upd.Status != nil {
		session.Status = *upd.Status
	}
	if upd.Total != nil && *upd.Total > session.Total {
		session.Total = *upd.Total
	}
	if upd.Completed != nil && *upd.Completed > session.Completed {
		session.Completed = *upd.Completed
	}
	if upd.Failed != nil && *upd.Failed > session.Failed {
		session.Failed = *upd.Failed
	}
	if upd.Pushed != nil && *upd.Pushed > session.Pushed {
		session.Pushed = *upd.Pushed
	}
	if upd.Detail != "" {
		session.Detail = append(session.Detail, upd.Detail)
		if len(session.Detail) > maxSessionDetail {
			session.Detail = session.Detail[len(session.Detail)-maxSessionDetail:]
		}
	}
	session.UpdatedAt = time.Now()
	if cancelFlagged(id) {
		session.Cancelled = true
	}

	if err := config.SetRedisObject(sessionKey(id), session, sessionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

// CancelSession flags the session; the worker honors the flag between
// records, so cancellation never truncates a record mid-write.
func CancelSession(id string) error {
	if err := config.SetRedisValue(cancelKey(id), "1", sessionTTL); err != nil {
		return err
	}
	status := SessionStatusCancelled
	_, err := UpdateSession(id, SessionUpdate{Status: &status})
	return err
}

func sessionCancelled(id string) bool {
	return cancelFlagged(id)
}

func setSessionStatus(id string, status string) {
	_, _ = UpdateSession(id, SessionUpdate{Status: &status})
}

func addSessionDetail(id string, detail string) {
	_, _ = UpdateSession(id, SessionUpdate{Detail: detail})
}
