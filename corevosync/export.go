package corevosync

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/members_backend/models"
)

// BuildProblemWorkbook renders the problem queue as an XLSX workbook for
// operator review.
func BuildProblemWorkbook(ctx context.Context, db *gorm.DB, class models.EntityClass) (*excelize.File, error) {
	problems, err := ListProblems(ctx, db, class)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheet := "Problems"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headers := []string{"EntityClass", "CorevoId", "Reason", "Message", "Amount", "RecordDate", "ClaimedParent", "ReportedAt"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for i, p := range problems {
		row := i + 2
		f.SetCellValue(sheet, "A"+fmt.Sprint(row), string(p.EntityClass))
		f.SetCellValue(sheet, "B"+fmt.Sprint(row), p.CorevoId)
		f.SetCellValue(sheet, "C"+fmt.Sprint(row), p.Reason)
		f.SetCellValue(sheet, "D"+fmt.Sprint(row), p.Message)
		if p.Amount != nil {
			f.SetCellValue(sheet, "E"+fmt.Sprint(row), p.Amount.String())
		}
		if p.RecordDate != nil {
			f.SetCellValue(sheet, "F"+fmt.Sprint(row), p.RecordDate.Format("2006-01-02"))
		}
		f.SetCellValue(sheet, "G"+fmt.Sprint(row), p.ClaimedParent)
		f.SetCellValue(sheet, "H"+fmt.Sprint(row), p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	return f, nil
}
