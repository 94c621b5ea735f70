package corevosync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/members_backend/models"
)

// relationshipEdge describes one holder-side ID list and the scalar
// back-reference on its targets.
type relationshipEdge struct {
	HolderClass   models.EntityClass
	HolderTable   string
	ListColumn    string
	TargetClass   models.EntityClass
	TargetTable   string
	BackRefColumn string
}

var relationshipEdges = []relationshipEdge{
	{
		HolderClass:   models.ClassRegistration,
		HolderTable:   "registrations",
		ListColumn:    "payment_ids",
		TargetClass:   models.ClassPayment,
		TargetTable:   "payments",
		BackRefColumn: "registration_id",
	},
	{
		HolderClass:   models.ClassMember,
		HolderTable:   "members",
		ListColumn:    "registration_ids",
		TargetClass:   models.ClassRegistration,
		TargetTable:   "registrations",
		BackRefColumn: "member_id",
	},
}

// attributeFlow copies a column across an established back-reference
// when exactly one side has a value.
type attributeFlow struct {
	FromTable    string
	ToTable      string
	Column       string
	ToRefColumn  string
	FlowBothWays bool
}

var attributeFlows = []attributeFlow{
	{FromTable: "members", ToTable: "registrations", Column: "nrc_number", ToRefColumn: "member_id", FlowBothWays: true},
}

type RepairStats struct {
	BackRefsRestored     int
	Conflicts            int
	AttributesPropagated int
	UnresolvedReferences int
}

func (s RepairStats) Total() int {
	return s.BackRefsRestored + s.AttributesPropagated
}

// RunRepairPass restores scalar back-references from holder-side ID
// lists and propagates shared attributes across them. Every step writes
// only when the target side is empty, so re-running the pass is a no-op.
func RunRepairPass(ctx context.Context, db *gorm.DB, logger *logrus.Logger, runId uint) (RepairStats, error) {
	var stats RepairStats
	for _, edge := range relationshipEdges {
		if err := repairEdge(ctx, db, logger, edge, runId, &stats); err != nil {
			return stats, err
		}
	}
	for _, flow := range attributeFlows {
		if err := propagateAttribute(ctx, db, flow, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

type holderRow struct {
	CorevoId string
	List     models.StringList
}

func repairEdge(ctx context.Context, db *gorm.DB, logger *logrus.Logger, edge relationshipEdge, runId uint, stats *RepairStats) error {
	var rows []map[string]interface{}
	err := db.WithContext(ctx).Table(edge.HolderTable).
		Select("corevo_id", edge.ListColumn).
		Where(edge.ListColumn + " IS NOT NULL").
		Find(&rows).Error
	if err != nil {
		return err
	}

	for _, raw := range rows {
		holder := scanHolderRow(raw, edge.ListColumn)
		if holder.CorevoId == "" || len(holder.List) == 0 {
			continue
		}
		for _, targetKey := range holder.List {
			if err := claimBackRef(ctx, db, logger, edge, holder.CorevoId, targetKey, runId, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanHolderRow(raw map[string]interface{}, listColumn string) holderRow {
	var row holderRow
	if v, ok := raw["corevo_id"]; ok {
		switch t := v.(type) {
		case string:
			row.CorevoId = t
		case []byte:
			row.CorevoId = string(t)
		}
	}
	if v, ok := raw[listColumn]; ok && v != nil {
		_ = row.List.Scan(v)
	}
	return row
}

// claimBackRef sets the target's back-reference to this holder if it is
// still empty. The first holder to claim a target wins; later claims on
// an already-owned target only log the conflict.
func claimBackRef(ctx context.Context, db *gorm.DB, logger *logrus.Logger, edge relationshipEdge, holderKey, targetKey string, runId uint, stats *RepairStats) error {
	var current sql.NullString
	err := db.WithContext(ctx).Table(edge.TargetTable).
		Select(edge.BackRefColumn).
		Where("corevo_id = ?", targetKey).
		Row().Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		stats.UnresolvedReferences++
		return AppendProblem(ctx, db, models.SyncProblem{
			EntityClass:   edge.TargetClass,
			CorevoId:      targetKey,
			Reason:        models.ProblemUnresolvedForeignKey,
			Message:       fmt.Sprintf("%s %s lists %s %s which does not exist locally", edge.HolderClass, holderKey, edge.TargetClass, targetKey),
			ClaimedParent: holderKey,
			SyncRunId:     runId,
		})
	}
	if err != nil {
		return err
	}

	existing := current.String
	if existing == holderKey {
		return nil
	}
	if existing != "" {
		stats.Conflicts++
		logger.WithFields(logrus.Fields{
			"edge":     fmt.Sprintf("%s->%s", edge.HolderClass, edge.TargetClass),
			"target":   targetKey,
			"ownedBy":  existing,
			"claimant": holderKey,
		}).Warn("back-reference already claimed")
		return nil
	}

	res := db.WithContext(ctx).Table(edge.TargetTable).
		Where("corevo_id = ? AND ("+edge.BackRefColumn+" IS NULL OR "+edge.BackRefColumn+" = '')", targetKey).
		Update(edge.BackRefColumn, holderKey)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		stats.BackRefsRestored += int(res.RowsAffected)
	}
	return nil
}

func propagateAttribute(ctx context.Context, db *gorm.DB, flow attributeFlow, stats *RepairStats) error {
	forward := fmt.Sprintf(
		"UPDATE %s t JOIN %s s ON t.%s = s.corevo_id SET t.%s = s.%s WHERE (t.%s IS NULL OR t.%s = '') AND s.%s IS NOT NULL AND s.%s <> ''",
		flow.ToTable, flow.FromTable, flow.ToRefColumn,
		flow.Column, flow.Column, flow.Column, flow.Column, flow.Column, flow.Column,
	)
	res := db.WithContext(ctx).Exec(forward)
	if res.Error != nil {
		return res.Error
	}
	stats.AttributesPropagated += int(res.RowsAffected)

	if !flow.FlowBothWays {
		return nil
	}
	backward := fmt.Sprintf(
		"UPDATE %s s JOIN %s t ON t.%s = s.corevo_id SET s.%s = t.%s WHERE (s.%s IS NULL OR s.%s = '') AND t.%s IS NOT NULL AND t.%s <> ''",
		flow.FromTable, flow.ToTable, flow.ToRefColumn,
		flow.Column, flow.Column, flow.Column, flow.Column, flow.Column, flow.Column,
	)
	res = db.WithContext(ctx).Exec(backward)
	if res.Error != nil {
		return res.Error
	}
	stats.AttributesPropagated += int(res.RowsAffected)
	return nil
}
