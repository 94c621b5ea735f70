package corevosync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/members_backend/models"
)

var uploadValidator = validator.New()

// uploadGate is the shape every uploaded record must satisfy. Only the
// first record of a batch is checked against it; a bad first record
// rejects the whole batch before anything is written.
type uploadGate struct {
	Id         string `json:"id" validate:"required"`
	ModifiedAt string `json:"modified_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type UploadResult struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func validateFirstRecord(spec classSpec, raw json.RawMessage) error {
	var gate uploadGate
	if err := json.Unmarshal(raw, &gate); err != nil {
		return fmt.Errorf("first record is not a JSON object: %w", err)
	}
	if err := uploadValidator.Struct(gate); err != nil {
		return fmt.Errorf("first record invalid: %w", err)
	}

	rec, err := decodeSourceRecord(raw)
	if err != nil {
		return err
	}
	for key := range rec {
		if key == "id" || key == "modified_at" {
			continue
		}
		if _, ok := spec.field(key); !ok {
			return fmt.Errorf("first record carries unknown field %q for class %s", key, spec.Class)
		}
	}
	return nil
}

// RunUploadBatch reconciles an operator-provided batch through the same
// resolution path a source snapshot takes. The first record acts as a
// gate for the batch; later records fail individually.
func RunUploadBatch(ctx context.Context, db *gorm.DB, class models.EntityClass, records []json.RawMessage, runId uint) (UploadResult, error) {
	spec, ok := specFor(class)
	if !ok {
		return UploadResult{}, fmt.Errorf("unknown entity class %q", class)
	}
	if len(records) == 0 {
		return UploadResult{}, fmt.Errorf("empty batch")
	}

	if err := validateFirstRecord(spec, records[0]); err != nil {
		return UploadResult{Success: false, Errors: []string{err.Error()}}, nil
	}

	result := UploadResult{Success: true}
	for i, raw := range records {
		if err := uploadOneRecord(ctx, db, spec, raw, runId); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		result.Processed++
	}
	return result, nil
}

func uploadOneRecord(ctx context.Context, db *gorm.DB, spec classSpec, raw json.RawMessage, runId uint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("record handling panic: %v", r)
			_ = AppendProblem(ctx, db, models.SyncProblem{
				EntityClass: spec.Class,
				CorevoId:    recoverKey(raw),
				Reason:      models.ProblemValidationFailure,
				Message:     err.Error(),
				SyncRunId:   runId,
			})
		}
	}()

	rec, err := decodeSourceRecord(raw)
	if err != nil {
		return err
	}
	key := rec.NaturalKey()
	if key == "" {
		return appendValidationProblem(ctx, db, runId, spec.Class, "?", fmt.Errorf("record has no natural key"))
	}
	modifiedAt, err := rec.ModifiedAt()
	if err != nil {
		return appendValidationProblem(ctx, db, runId, spec.Class, key, err)
	}

	meta, err := lookupLocalMeta(ctx, db, spec, key)
	if err != nil {
		return err
	}
	action := decide(spec, meta, modifiedAt, false)
	if action == ActionSkip || action == ActionPushUpdate {
		// Uploads never push back to the source.
		return nil
	}

	assign, err := buildAssignments(spec, rec)
	if err != nil {
		return appendValidationProblem(ctx, db, runId, spec.Class, key, err)
	}

	now := time.Now()
	if spec.Policy == PullOnlyIfAbsent && action == ActionInsert {
		if _, err := insertIfAbsent(ctx, db, spec, key, assign, modifiedAt, now); err != nil {
			return err
		}
	} else {
		if err := mergeUpsert(ctx, db, spec, key, assign, modifiedAt, now); err != nil {
			return err
		}
	}
	_ = RemoveProblem(ctx, db, spec.Class, key)
	return nil
}
