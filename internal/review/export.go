package review

import (
	"fmt"
	"io"
	"strings"

	"github.com/oronico/lanternprototype-sub000/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Review Queue"

var headers = []string{
	"Payment ID", "Family", "School", "Source", "Net Amount", "Payment Date",
	"Attribution Status", "Confidence", "Method", "Suggested Allocations", "Failure",
}

// WriteQueue renders the review queue as an .xlsx workbook.
func WriteQueue(w io.Writer, payments []models.Payment) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, h)
	}

	for idx, p := range payments {
		row := idx + 2
		status := string(p.AttributionStatus)
		if status == "" {
			status = "not attributed"
		}
		failure := ""
		if p.FailureReason != nil {
			failure = *p.FailureReason
		}
		values := []interface{}{
			p.ID,
			p.FamilyID,
			p.SchoolID,
			string(p.Source),
			p.NetAmount.StringFixed(2),
			p.PaymentDate.Format("2006-01-02"),
			status,
			p.AttributionConfidence,
			string(p.AttributionMethod),
			describeAllocations(p.Allocations),
			failure,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheetName, cell, v)
		}
	}

	f.SetColWidth(sheetName, "A", "A", 38)
	f.SetColWidth(sheetName, "B", "D", 14)
	f.SetColWidth(sheetName, "E", "I", 14)
	f.SetColWidth(sheetName, "J", "J", 60)
	f.SetColWidth(sheetName, "K", "K", 40)

	return f.Write(w)
}

func describeAllocations(allocs []models.Allocation) string {
	parts := make([]string, 0, len(allocs))
	for _, a := range allocs {
		parts = append(parts, fmt.Sprintf("%s %s %s", a.EnrollmentID, a.Period(), a.Amount.StringFixed(2)))
	}
	return strings.Join(parts, "; ")
}
