package corevosync

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/members_backend/models"
)

// AppendProblem records a record-level failure keyed by class plus
// natural key. Re-reporting the same record replaces the earlier entry,
// so the queue holds at most one row per record.
func AppendProblem(ctx context.Context, db *gorm.DB, p models.SyncProblem) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entity_class"}, {Name: "corevo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"reason", "message", "amount", "record_date", "claimed_parent", "sync_run_id", "updated_at",
			}),
		}).
		Create(&p).Error
}

// RemoveProblem clears the entry for a record that has since succeeded.
func RemoveProblem(ctx context.Context, db *gorm.DB, class models.EntityClass, naturalKey string) error {
	return db.WithContext(ctx).
		Where("entity_class = ? AND corevo_id = ?", class, naturalKey).
		Delete(&models.SyncProblem{}).Error
}

func ListProblems(ctx context.Context, db *gorm.DB, class models.EntityClass) ([]models.SyncProblem, error) {
	var problems []models.SyncProblem
	q := db.WithContext(ctx).Model(&models.SyncProblem{}).Order("updated_at DESC")
	if class != "" {
		q = q.Where("entity_class = ?", class)
	}
	err := q.Find(&problems).Error
	return problems, err
}

func ListProblemsForRun(ctx context.Context, db *gorm.DB, runId uint) ([]models.SyncProblem, error) {
	var problems []models.SyncProblem
	err := db.WithContext(ctx).
		Where("sync_run_id = ?", runId).
		Order("updated_at DESC").
		Find(&problems).Error
	return problems, err
}

// ClearProblems removes either one keyed entry or a whole class slice;
// with both arguments empty the queue is emptied.
func ClearProblems(ctx context.Context, db *gorm.DB, class models.EntityClass, naturalKey string) error {
	q := db.WithContext(ctx)
	switch {
	case class != "" && naturalKey != "":
		q = q.Where("entity_class = ? AND corevo_id = ?", class, naturalKey)
	case class != "":
		q = q.Where("entity_class = ?", class)
	default:
		q = q.Where("1 = 1")
	}
	return q.Delete(&models.SyncProblem{}).Error
}

func CountProblemsSince(ctx context.Context, db *gorm.DB, since time.Time) (int64, error) {
	q := db.WithContext(ctx).Model(&models.SyncProblem{})
	if !since.IsZero() {
		q = q.Where("updated_at >= ?", since)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}
