package corevosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/members_backend/config"
	"bitbucket.org/mmdatafocus/members_backend/models"
)

var tracer = otel.Tracer("members_backend/corevosync")

const (
	runLockKey        = "CorevoSync:RunLock"
	runLockTTL        = 30 * time.Minute
	prefetchWorkers   = 3
	cancelCheckEvery  = 20
	sessionDetailStep = 50
)

type classStats struct {
	Synced  int `json:"synced"`
	Pushed  int `json:"pushed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (s *classStats) add(other classStats) {
	s.Synced += other.Synced
	s.Pushed += other.Pushed
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

func processSyncRun(ctx context.Context, payload SyncPubSubPayload) (err error) {
	if payload.RunId == 0 {
		return errors.New("invalid payload")
	}

	ctx, span := tracer.Start(ctx, "corevosync.processSyncRun",
		trace.WithAttributes(attribute.Int("sync.run_id", int(payload.RunId))))
	defer span.End()

	logger := config.GetLogger()
	db := config.GetDB().WithContext(ctx)

	var run models.SyncRun
	if err := db.Where("id = ?", payload.RunId).Take(&run).Error; err != nil {
		return err
	}
	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	// An orchestration panic must surface as a failed run, never a run
	// stuck in running with an unfinalized session. Per-record panics are
	// absorbed closer in, by syncOneRecord.
	var panicErr error
	defer func() {
		if panicErr != nil {
			err = finalizeFailedRun(ctx, db, &run, panicErr)
		}
	}()
	defer recoverRunPanic(&panicErr)

	var conn models.SyncConnection
	if err := db.Where("id = ?", run.ConnectionId).Take(&conn).Error; err != nil {
		return err
	}
	if conn.Status != models.SyncStatusConnected {
		return errors.New("corevo not connected")
	}

	// One batch at a time; the lock expires on its own if a worker dies.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, runLockKey, runLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return errors.New("another sync run is in progress")
		}
		if err == nil {
			defer lock.Release(ctx)
		}
	}

	params := DecodeRunParams(run.ParamsJSON)
	window, err := params.window()
	if err != nil {
		return finalizeFailedRun(ctx, db, &run, fmt.Errorf("invalid date window: %w", err))
	}

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}
	setSessionStatus(run.SessionId, SessionStatusRunning)

	client, err := newCorevoClient(conn.AuthSecretRef)
	if err != nil {
		return finalizeFailedRun(ctx, db, &run, err)
	}

	stats := map[models.EntityClass]*classStats{}
	var total classStats
	cancelled := false

	switch params.Mode {
	case models.SyncModeIdList:
		spec, ok := specFor(models.EntityClass(params.Class))
		if !ok {
			return finalizeFailedRun(ctx, db, &run, fmt.Errorf("unknown entity class %q", params.Class))
		}
		s := syncIdList(ctx, db, client, logger, &run, spec, params.Ids)
		stats[spec.Class] = &s
		total.add(s)

	case models.SyncModeRegistrations:
		spec, _ := specFor(models.ClassRegistration)
		records, fetchErr := client.fetchAll(ctx, spec.Path, nil)
		if fetchErr != nil {
			return finalizeFailedRun(ctx, db, &run, fetchErr)
		}
		s := syncClass(ctx, db, client, logger, &run, spec, records, window, &cancelled)
		stats[spec.Class] = &s
		total.add(s)

	default:
		classes := enabledClasses(params.Classes)
		snapshots, fetchErrs := prefetchSnapshots(ctx, client, classes)

		grand := 0
		for _, records := range snapshots {
			grand += len(records)
		}
		_, _ = UpdateSession(run.SessionId, SessionUpdate{Total: &grand})

		for _, class := range classes {
			spec, _ := specFor(class)
			if fetchErr := fetchErrs[class]; fetchErr != nil {
				s := stats[class]
				if s == nil {
					s = &classStats{}
					stats[class] = s
				}
				s.Failed++
				total.Failed++
				config.LogError(logger, "corevosync", "processSyncRun", string(class), nil, fetchErr)
				_ = AppendProblem(ctx, db, models.SyncProblem{
					EntityClass: class,
					CorevoId:    "*",
					Reason:      models.ProblemTransientFetch,
					Message:     fetchErr.Error(),
					SyncRunId:   run.ID,
				})
				continue
			}
			s := syncClass(ctx, db, client, logger, &run, spec, snapshots[class], window, &cancelled)
			stats[class] = &s
			total.add(s)
			if cancelled {
				break
			}
		}
	}

	repairStats, repairErr := RunRepairPass(ctx, db, logger, run.ID)
	if repairErr != nil {
		total.Failed++
		config.LogError(logger, "corevosync", "processSyncRun", "repair", nil, repairErr)
	}

	return finalizeRun(ctx, db, &run, conn, *startedAt, stats, total, repairStats, cancelled)
}

func enabledClasses(toggles SyncClasses) []models.EntityClass {
	var classes []models.EntityClass
	for _, class := range models.SyncClassOrder {
		if toggles.Enabled(class) {
			classes = append(classes, class)
		}
	}
	return classes
}

// prefetchSnapshots pulls the full collection of every enabled class up
// front, a few classes in flight at once. Snapshots are taken before any
// write so every class pass works from the same view of the source.
func prefetchSnapshots(ctx context.Context, client *corevoClient, classes []models.EntityClass) (map[models.EntityClass][]json.RawMessage, map[models.EntityClass]error) {
	snapshots := make(map[models.EntityClass][]json.RawMessage, len(classes))
	fetchErrs := make(map[models.EntityClass]error, len(classes))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, prefetchWorkers)

	for _, class := range classes {
		spec, ok := specFor(class)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(class models.EntityClass, spec classSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			records, err := client.fetchAll(ctx, spec.Path, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fetchErrs[class] = err
				return
			}
			snapshots[class] = records
		}(class, spec)
	}
	wg.Wait()
	return snapshots, fetchErrs
}

// syncClass reconciles one class snapshot record by record. A record
// failure never aborts the pass; it lands in the problem queue and the
// loop moves on.
func syncClass(ctx context.Context, db *gorm.DB, client *corevoClient, logger *logrus.Logger, run *models.SyncRun, spec classSpec, records []json.RawMessage, window dateWindow, cancelled *bool) classStats {
	ctx, span := tracer.Start(ctx, "corevosync.syncClass",
		trace.WithAttributes(attribute.String("sync.class", string(spec.Class))))
	defer span.End()

	var stats classStats
	for i, raw := range records {
		if i%cancelCheckEvery == 0 && sessionCancelled(run.SessionId) {
			*cancelled = true
			addSessionDetail(run.SessionId, fmt.Sprintf("%s: cancelled after %d records", spec.Class, i))
			return stats
		}

		outcome, err := syncOneRecord(ctx, db, client, run, spec, raw, window)
		switch {
		case err != nil:
			stats.Failed++
			config.LogError(logger, "corevosync", "syncClass", string(spec.Class), map[string]interface{}{"record": i}, err)
		case outcome == ActionSkip:
			stats.Skipped++
		case outcome == ActionPushUpdate:
			stats.Pushed++
		default:
			stats.Synced++
		}

		if (i+1)%sessionDetailStep == 0 {
			completed := stats.Synced + stats.Skipped + stats.Pushed
			failed := stats.Failed
			pushed := stats.Pushed
			_, _ = UpdateSession(run.SessionId, SessionUpdate{Completed: &completed, Failed: &failed, Pushed: &pushed})
		}
	}

	addSessionDetail(run.SessionId, fmt.Sprintf("%s: %d synced, %d pushed, %d skipped, %d failed",
		spec.Class, stats.Synced, stats.Pushed, stats.Skipped, stats.Failed))
	logger.WithFields(logrus.Fields{
		"class":   spec.Class,
		"synced":  stats.Synced,
		"pushed":  stats.Pushed,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	}).Info("class pass finished")
	return stats
}

// syncOneRecord resolves and applies a single source record. A panic in
// record handling is contained here so one malformed record cannot take
// down the batch.
func syncOneRecord(ctx context.Context, db *gorm.DB, client *corevoClient, run *models.SyncRun, spec classSpec, raw json.RawMessage, window dateWindow) (action SyncAction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("record handling panic: %v", r)
			_ = AppendProblem(ctx, db, models.SyncProblem{
				EntityClass: spec.Class,
				CorevoId:    recoverKey(raw),
				Reason:      models.ProblemValidationFailure,
				Message:     err.Error(),
				SyncRunId:   run.ID,
			})
		}
	}()

	rec, err := decodeSourceRecord(raw)
	if err != nil {
		_ = AppendProblem(ctx, db, models.SyncProblem{
			EntityClass: spec.Class,
			CorevoId:    recoverKey(raw),
			Reason:      models.ProblemValidationFailure,
			Message:     err.Error(),
			SyncRunId:   run.ID,
		})
		return ActionSkip, err
	}

	key := rec.NaturalKey()
	if key == "" {
		err = errors.New("record has no natural key")
		_ = AppendProblem(ctx, db, models.SyncProblem{
			EntityClass: spec.Class,
			CorevoId:    "?",
			Reason:      models.ProblemValidationFailure,
			Message:     err.Error(),
			SyncRunId:   run.ID,
		})
		return ActionSkip, err
	}

	modifiedAt, err := rec.ModifiedAt()
	if err != nil {
		return ActionSkip, appendValidationProblem(ctx, db, run.ID, spec.Class, key, err)
	}
	if !window.contains(modifiedAt) {
		return ActionSkip, nil
	}

	meta, err := lookupLocalMeta(ctx, db, spec, key)
	if err != nil {
		return ActionSkip, err
	}
	action = decide(spec, meta, modifiedAt, false)

	if spec.Class == models.ClassMember {
		return syncMemberRecord(ctx, db, client, run, spec, rec, key, meta, modifiedAt, action)
	}

	return applyAction(ctx, db, client, run, spec, rec, key, meta, modifiedAt, action)
}

func applyAction(ctx context.Context, db *gorm.DB, client *corevoClient, run *models.SyncRun, spec classSpec, rec SourceRecord, key string, meta localMeta, modifiedAt *time.Time, action SyncAction) (SyncAction, error) {
	switch action {
	case ActionSkip:
		if spec.Policy == PullOnlyIfAbsent && meta.Found && modifiedAt != nil &&
			(meta.SourceModifiedAt == nil || modifiedAt.After(*meta.SourceModifiedAt)) {
			_ = noteSourceModified(ctx, db, spec, key, modifiedAt)
		}
		return ActionSkip, nil

	case ActionPushUpdate:
		if err := pushRecord(ctx, db, client, spec, key); err != nil {
			_ = AppendProblem(ctx, db, models.SyncProblem{
				EntityClass: spec.Class,
				CorevoId:    key,
				Reason:      models.ProblemTransientFetch,
				Message:     "push failed: " + err.Error(),
				SyncRunId:   run.ID,
			})
			return action, err
		}
		_ = RemoveProblem(ctx, db, spec.Class, key)
		return action, nil
	}

	assign, err := buildAssignments(spec, rec)
	if err != nil {
		return action, appendValidationProblem(ctx, db, run.ID, spec.Class, key, err)
	}

	if spec.ParentColumn != "" {
		if err := ensureParent(ctx, db, client, run, spec, rec, key); err != nil {
			return action, err
		}
	}

	now := time.Now()
	if spec.Policy == PullOnlyIfAbsent && action == ActionInsert {
		if _, err := insertIfAbsent(ctx, db, spec, key, assign, modifiedAt, now); err != nil {
			return action, err
		}
	} else {
		if err := mergeUpsert(ctx, db, spec, key, assign, modifiedAt, now); err != nil {
			return action, err
		}
	}
	_ = RemoveProblem(ctx, db, spec.Class, key)

	if spec.Class == models.ClassRegistration {
		ensureListedChildren(ctx, db, client, run, models.ClassPayment, key, rec.stringListField("payment_ids"))
	}
	return action, nil
}

// syncMemberRecord keeps the aggregate honest: a member is only written
// and watermarked once its contact, registrations, and their payments
// are locally consistent. Children sync first, always.
func syncMemberRecord(ctx context.Context, db *gorm.DB, client *corevoClient, run *models.SyncRun, spec classSpec, rec SourceRecord, key string, meta localMeta, modifiedAt *time.Time, action SyncAction) (SyncAction, error) {
	contactKey := rec.stringField("contact_id")
	regKeys := rec.stringListField("registration_ids")

	childrenStale := contactKey != "" && childIsStale(ctx, db, models.ClassContact, contactKey)
	if !childrenStale {
	regs:
		for _, rk := range regKeys {
			if childIsStale(ctx, db, models.ClassRegistration, rk) {
				childrenStale = true
				break
			}
			for _, pk := range listedPaymentKeys(ctx, db, rk) {
				if childIsStale(ctx, db, models.ClassPayment, pk) {
					childrenStale = true
					break regs
				}
			}
		}
	}

	if !childrenStale {
		// Children are consistent; the member row decides for itself.
		return applyAction(ctx, db, client, run, spec, rec, key, meta, modifiedAt, action)
	}

	if contactKey != "" {
		if err := forceSyncChild(ctx, db, client, run, models.ClassContact, contactKey, key); err != nil {
			return ActionForceSync, err
		}
	}
	for _, rk := range regKeys {
		if err := forceSyncChild(ctx, db, client, run, models.ClassRegistration, rk, key); err != nil {
			return ActionForceSync, err
		}
	}

	// A locally edited member still wins: children were refreshed above,
	// but the member's own fields go out, not in.
	if action == ActionPushUpdate {
		return applyAction(ctx, db, client, run, spec, rec, key, meta, modifiedAt, action)
	}

	assign, err := buildAssignments(spec, rec)
	if err != nil {
		return action, appendValidationProblem(ctx, db, run.ID, spec.Class, key, err)
	}
	now := time.Now()
	if err := mergeUpsert(ctx, db, spec, key, assign, modifiedAt, now); err != nil {
		return action, err
	}
	_ = RemoveProblem(ctx, db, spec.Class, key)
	if action == ActionSkip {
		action = ActionForceSync
	}
	return action, nil
}

// listedPaymentKeys reads the holder's local payment list. A registration
// that has not been pulled yet has nothing to report; the cascade will
// visit its payments when it pulls the registration itself.
func listedPaymentKeys(ctx context.Context, db *gorm.DB, regKey string) []string {
	var reg models.Registration
	err := db.WithContext(ctx).
		Select("payment_ids").
		Where("corevo_id = ?", regKey).
		Take(&reg).Error
	if err != nil {
		return nil
	}
	return reg.PaymentIds
}

func childIsStale(ctx context.Context, db *gorm.DB, class models.EntityClass, key string) bool {
	spec, ok := specFor(class)
	if !ok {
		return false
	}
	meta, err := lookupLocalMeta(ctx, db, spec, key)
	if err != nil {
		return true
	}
	return meta.isStale(meta.SourceModifiedAt)
}

// forceSyncChild fetches one child by natural key and merges it,
// regardless of what the child's own policy would decide. Registrations
// drag their listed payments along.
func forceSyncChild(ctx context.Context, db *gorm.DB, client *corevoClient, run *models.SyncRun, class models.EntityClass, key string, parentKey string) error {
	spec, ok := specFor(class)
	if !ok {
		return fmt.Errorf("unknown entity class %q", class)
	}
	meta, err := lookupLocalMeta(ctx, db, spec, key)
	if err != nil {
		return err
	}
	if meta.Found && !meta.isStale(meta.SourceModifiedAt) {
		// Current, so no fetch; a registration's listed payments still
		// get their own staleness check.
		if class == models.ClassRegistration {
			ensureListedChildren(ctx, db, client, run, models.ClassPayment, key, listedPaymentKeys(ctx, db, key))
		}
		return nil
	}

	raw, err := client.fetchOne(ctx, spec.Path, key)
	if err != nil {
		reason := models.ProblemTransientFetch
		if errors.Is(err, ErrSourceNotFound) {
			reason = models.ProblemUnresolvedForeignKey
		}
		_ = AppendProblem(ctx, db, models.SyncProblem{
			EntityClass:   class,
			CorevoId:      key,
			Reason:        reason,
			Message:       err.Error(),
			ClaimedParent: parentKey,
			SyncRunId:     run.ID,
		})
		return err
	}

	rec, err := decodeSourceRecord(raw)
	if err != nil {
		return appendValidationProblem(ctx, db, run.ID, class, key, err)
	}
	modifiedAt, err := rec.ModifiedAt()
	if err != nil {
		return appendValidationProblem(ctx, db, run.ID, class, key, err)
	}
	assign, err := buildAssignments(spec, rec)
	if err != nil {
		return appendValidationProblem(ctx, db, run.ID, class, key, err)
	}
	if err := mergeUpsert(ctx, db, spec, key, assign, modifiedAt, time.Now()); err != nil {
		return err
	}
	_ = RemoveProblem(ctx, db, class, key)

	if class == models.ClassRegistration {
		ensureListedChildren(ctx, db, client, run, models.ClassPayment, key, rec.stringListField("payment_ids"))
	}
	return nil
}

// ensureListedChildren pulls any listed child that is missing or stale
// locally. Failures are recorded and skipped; the repair pass picks the
// rest up.
func ensureListedChildren(ctx context.Context, db *gorm.DB, client *corevoClient, run *models.SyncRun, class models.EntityClass, holderKey string, keys []string) {
	for _, key := range keys {
		_ = forceSyncChild(ctx, db, client, run, class, key, holderKey)
	}
}

// ensureParent guarantees the hard dependency of a record exists locally
// before the record is written, fetching the parent on demand.
func ensureParent(ctx context.Context, db *gorm.DB, client *corevoClient, run *models.SyncRun, spec classSpec, rec SourceRecord, key string) error {
	parentKey := rec.stringField(spec.ParentColumn)
	if parentKey == "" {
		return nil
	}
	parentSpec, _ := specFor(spec.ParentClass)
	meta, err := lookupLocalMeta(ctx, db, parentSpec, parentKey)
	if err != nil {
		return err
	}
	if meta.Found {
		return nil
	}
	if err := forceSyncChild(ctx, db, client, run, spec.ParentClass, parentKey, key); err != nil {
		_ = AppendProblem(ctx, db, models.SyncProblem{
			EntityClass:   spec.Class,
			CorevoId:      key,
			Reason:        models.ProblemUnresolvedForeignKey,
			Message:       fmt.Sprintf("parent %s %s could not be resolved: %v", spec.ParentClass, parentKey, err),
			ClaimedParent: parentKey,
			SyncRunId:     run.ID,
		})
		return err
	}
	return nil
}

// syncIdList resolves an operator-supplied key list. Keys whose local
// copy is already current are skipped without touching the source.
func syncIdList(ctx context.Context, db *gorm.DB, client *corevoClient, logger *logrus.Logger, run *models.SyncRun, spec classSpec, ids []string) classStats {
	var stats classStats
	total := len(ids)
	_, _ = UpdateSession(run.SessionId, SessionUpdate{Total: &total})

	for i, key := range ids {
		if i%cancelCheckEvery == 0 && sessionCancelled(run.SessionId) {
			addSessionDetail(run.SessionId, fmt.Sprintf("%s: cancelled after %d keys", spec.Class, i))
			return stats
		}

		meta, err := lookupLocalMeta(ctx, db, spec, key)
		if err != nil {
			stats.Failed++
			continue
		}
		if meta.Found && !meta.isStale(meta.SourceModifiedAt) && !meta.locallyEdited() {
			stats.Skipped++
			continue
		}
		if meta.Found && meta.locallyEdited() && spec.Policy == LatestWinsBidirectional {
			if err := pushRecord(ctx, db, client, spec, key); err != nil {
				stats.Failed++
				config.LogError(logger, "corevosync", "syncIdList", string(spec.Class), map[string]interface{}{"key": key}, err)
				continue
			}
			stats.Pushed++
			continue
		}
		if err := forceSyncChild(ctx, db, client, run, spec.Class, key, ""); err != nil {
			stats.Failed++
			continue
		}
		stats.Synced++

		completed := stats.Synced + stats.Skipped + stats.Pushed
		failed := stats.Failed
		_, _ = UpdateSession(run.SessionId, SessionUpdate{Completed: &completed, Failed: &failed})
	}

	logger.WithFields(logrus.Fields{
		"class":   spec.Class,
		"synced":  stats.Synced,
		"pushed":  stats.Pushed,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	}).Info("id list pass finished")
	return stats
}

// recoverRunPanic converts a panic in the surrounding function into an
// error. It must be installed with defer directly, not wrapped.
func recoverRunPanic(dest *error) {
	if r := recover(); r != nil {
		*dest = fmt.Errorf("sync run panic: %v", r)
	}
}

func appendValidationProblem(ctx context.Context, db *gorm.DB, runId uint, class models.EntityClass, key string, cause error) error {
	_ = AppendProblem(ctx, db, models.SyncProblem{
		EntityClass: class,
		CorevoId:    key,
		Reason:      models.ProblemValidationFailure,
		Message:     cause.Error(),
		SyncRunId:   runId,
	})
	return cause
}

func recoverKey(raw json.RawMessage) string {
	rec, err := decodeSourceRecord(raw)
	if err != nil {
		return "?"
	}
	if key := rec.NaturalKey(); key != "" {
		return key
	}
	return "?"
}

func finalizeFailedRun(ctx context.Context, db *gorm.DB, run *models.SyncRun, cause error) error {
	config.LogError(config.GetLogger(), "corevosync", "finalizeFailedRun", "", map[string]interface{}{"runId": run.ID}, cause)
	finishedAt := time.Now()
	_ = db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":      models.SyncRunStatusFailed,
		"finished_at": finishedAt,
	}).Error
	setSessionStatus(run.SessionId, SessionStatusFailed)
	addSessionDetail(run.SessionId, cause.Error())
	return cause
}

func finalizeRun(ctx context.Context, db *gorm.DB, run *models.SyncRun, conn models.SyncConnection, startedAt time.Time, stats map[models.EntityClass]*classStats, total classStats, repairStats RepairStats, cancelled bool) error {
	finishedAt := time.Now()
	durationMs := finishedAt.Sub(startedAt).Milliseconds()

	status := models.SyncRunStatusSuccess
	sessionStatus := SessionStatusSuccess
	switch {
	case cancelled:
		status = models.SyncRunStatusPartial
		sessionStatus = SessionStatusCancelled
	case total.Failed > 0 && total.Synced == 0 && total.Pushed == 0 && total.Skipped == 0:
		status = models.SyncRunStatusFailed
		sessionStatus = SessionStatusFailed
	case total.Failed > 0:
		status = models.SyncRunStatusPartial
		sessionStatus = SessionStatusPartial
	}

	statsJSON, _ := json.Marshal(stats)
	if err := db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    durationMs,
		"records_synced": total.Synced,
		"records_pushed": total.Pushed,
		"repair_count":   repairStats.Total(),
		"error_count":    total.Failed,
		"stats_json":     statsJSON,
	}).Error; err != nil {
		return err
	}

	connUpdates := map[string]interface{}{
		"last_sync_at": finishedAt,
	}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	if err := db.WithContext(ctx).Model(&models.SyncConnection{}).
		Where("id = ?", conn.ID).
		Updates(connUpdates).Error; err != nil {
		return err
	}

	completed := total.Synced + total.Skipped + total.Pushed
	failed := total.Failed
	pushed := total.Pushed
	_, _ = UpdateSession(run.SessionId, SessionUpdate{
		Status:    &sessionStatus,
		Completed: &completed,
		Failed:    &failed,
		Pushed:    &pushed,
		Detail: fmt.Sprintf("repair: %d back-references restored, %d attributes propagated, %d conflicts",
			repairStats.BackRefsRestored, repairStats.AttributesPropagated, repairStats.Conflicts),
	})
	return nil
}
