package httpapi

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

const (
	occupancySheet = "Occupancy"
	summarySheet   = "Summary"
)

// VenueOccupancyHeader Occupancy 表头
var VenueOccupancyHeader = []string{"Zone", "Child ID", "Confidence", "Source", "Last Updated"}

// VenueSummaryHeader Summary 表头
var VenueSummaryHeader = []string{"Zone", "Count"}

// GenerateVenueSnapshotExport 生成场馆占用快照 Excel 文件
// Occupancy：每个在场儿童一行；Summary：每个 zone 的人数与合计
func GenerateVenueSnapshotExport(snap *models.VenueTrackingSnapshot) ([]byte, error) {
	f := excelize.NewFile()

	// 默认的 Sheet1 重命名为 Occupancy，保持为活动工作表
	if err := f.SetSheetName("Sheet1", occupancySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeHeader(f, occupancySheet, VenueOccupancyHeader, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeHeader(f, summarySheet, VenueSummaryHeader, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	for i, st := range snap.Children {
		row := i + 2
		values := []interface{}{
			st.Zone,
			st.ChildID,
			st.Confidence,
			string(st.SourceKind),
			st.LastUpdated.UTC().Format(time.RFC3339),
		}
		for col, v := range values {
			if err := setCellValue(f, occupancySheet, col+1, row, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	zones := make([]string, 0, len(snap.Occupancy))
	for z := range snap.Occupancy {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	row := 2
	for _, z := range zones {
		if err := setCellValue(f, summarySheet, 1, row, z); err != nil {
			f.Close()
			return nil, err
		}
		if err := setCellValue(f, summarySheet, 2, row, snap.Occupancy[z]); err != nil {
			f.Close()
			return nil, err
		}
		row++
	}
	if err := setCellValue(f, summarySheet, 1, row, "Total"); err != nil {
		f.Close()
		return nil, err
	}
	if err := setCellValue(f, summarySheet, 2, row, snap.Total); err != nil {
		f.Close()
		return nil, err
	}

	for _, sheet := range []string{occupancySheet, summarySheet} {
		if err := f.SetColWidth(sheet, "A", "E", 20); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
		if err := f.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to freeze panes: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}
	return nil
}

// setCellValue 设置单元格值
func setCellValue(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}
