package corevosync

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// mergeUpsert writes one source record in a single statement. Insert and
// update share the assignment map, so a concurrent insert of the same
// natural key degrades into the update arm instead of failing.
// Engine writes stamp updated_at and last_reconciled_at with the same
// value; decide relies on that to detect later local edits.
func mergeUpsert(ctx context.Context, db *gorm.DB, spec classSpec, naturalKey string, assign map[string]interface{}, sourceModifiedAt *time.Time, now time.Time) error {
	insert := map[string]interface{}{
		"corevo_id":          naturalKey,
		"source_modified_at": sourceModifiedAt,
		"last_reconciled_at": now,
		"created_at":         now,
		"updated_at":         now,
	}
	update := map[string]interface{}{
		"source_modified_at": sourceModifiedAt,
		"last_reconciled_at": now,
		"updated_at":         now,
	}
	for col, v := range assign {
		insert[col] = v
		update[col] = v
	}

	return db.WithContext(ctx).Table(spec.Table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "corevo_id"}},
			DoUpdates: clause.Assignments(update),
		}).
		Create(insert).Error
}

// insertIfAbsent is the PullOnlyIfAbsent write: unseen keys insert, known
// keys are left exactly as they are.
func insertIfAbsent(ctx context.Context, db *gorm.DB, spec classSpec, naturalKey string, assign map[string]interface{}, sourceModifiedAt *time.Time, now time.Time) (bool, error) {
	insert := map[string]interface{}{
		"corevo_id":          naturalKey,
		"source_modified_at": sourceModifiedAt,
		"last_reconciled_at": now,
		"created_at":         now,
		"updated_at":         now,
	}
	for col, v := range assign {
		insert[col] = v
	}

	res := db.WithContext(ctx).Table(spec.Table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "corevo_id"}},
			DoNothing: true,
		}).
		Create(insert)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// noteSourceModified records a newer source timestamp on a row whose
// content was deliberately left alone. The row now reads as stale, which
// is what lets an aggregate cascade pick it up later.
func noteSourceModified(ctx context.Context, db *gorm.DB, spec classSpec, naturalKey string, sourceModifiedAt *time.Time) error {
	return db.WithContext(ctx).Table(spec.Table).
		Where("corevo_id = ?", naturalKey).
		Update("source_modified_at", sourceModifiedAt).Error
}

// markReconciled advances the watermark on a row whose content already
// matches the source.
func markReconciled(ctx context.Context, db *gorm.DB, spec classSpec, naturalKey string, sourceModifiedAt *time.Time, now time.Time) error {
	update := map[string]interface{}{
		"last_reconciled_at": now,
		"updated_at":         now,
	}
	if sourceModifiedAt != nil {
		update["source_modified_at"] = sourceModifiedAt
	}
	return db.WithContext(ctx).Table(spec.Table).
		Where("corevo_id = ?", naturalKey).
		Updates(update).Error
}

// pushRecord patches locally-newer values back to the source, then
// advances the watermark so the next pass sees both sides aligned.
func pushRecord(ctx context.Context, db *gorm.DB, client *corevoClient, spec classSpec, naturalKey string) error {
	var row map[string]interface{}
	err := db.WithContext(ctx).Table(spec.Table).
		Where("corevo_id = ?", naturalKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	payload := buildPushPayload(spec, row)
	if len(payload) == 0 {
		return nil
	}
	if err := client.patchRecord(ctx, spec.Path, naturalKey, payload); err != nil {
		return err
	}

	now := time.Now()
	return markReconciled(ctx, db, spec, naturalKey, &now, now)
}
