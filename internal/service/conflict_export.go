package service

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"leadsync/internal/models"
)

const conflictSheet = "Conflicts"

var conflictColumns = []struct {
	title string
	width float64
}{
	{"ID", 8},
	{"Entity", 12},
	{"External ID", 20},
	{"Local ID", 10},
	{"Type", 20},
	{"Created", 22},
	{"Resolved", 22},
	{"Resolution", 16},
	{"Local snapshot", 60},
	{"External snapshot", 60},
}

// Export writes the workspace conflicts as an XLSX workbook.
func (s *ConflictService) Export(ctx context.Context, workspaceID string, openOnly bool, w io.Writer) error {
	conflicts, err := s.db.ListConflicts(ctx, workspaceID, openOnly, models.MaxEventListLimit)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(conflictSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	header, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	open, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FCE4D6"}, Pattern: 1},
	})

	for i, col := range conflictColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(conflictSheet, cell, col.title)
		_ = f.SetCellStyle(conflictSheet, cell, cell, header)
		name, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(conflictSheet, name, name, col.width)
	}

	for i, c := range conflicts {
		row := i + 2
		values := []interface{}{
			c.ID,
			c.EntityType,
			c.ExternalID,
			c.LocalID,
			c.ConflictType,
			c.CreatedAt.Format("2006-01-02 15:04:05"),
			"",
			"",
			string(c.LocalSnapshot),
			string(c.ExternalSnapshot),
		}
		if c.ResolvedAt != nil {
			values[6] = c.ResolvedAt.Format("2006-01-02 15:04:05")
		}
		if c.Resolution != nil {
			values[7] = *c.Resolution
		}

		start, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(conflictSheet, start, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		if c.IsOpen() {
			end, _ := excelize.CoordinatesToCellName(len(conflictColumns), row)
			_ = f.SetCellStyle(conflictSheet, start, end, open)
		}
	}

	_ = f.DeleteSheet("Sheet1")

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	s.logger.Info().Str("workspace_id", workspaceID).Int("conflicts", len(conflicts)).Msg("Conflict export written")
	return nil
}
