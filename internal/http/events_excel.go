package httpapi

import (
	"bytes"
	"fmt"
	"strconv"

	"wisefido-pv-ingest/internal/models"

	"github.com/xuri/excelize/v2"
)

const pvReadingsSheet = "PV Readings"

// PVReadingsExportHeader 导出表头（与 pv_readings 列顺序一致）
var PVReadingsExportHeader = []string{
	"Timestamp (UTC)",
	"Time (UTC)",
	"Device ID",
	"Site",
	"Lat",
	"Lon",
	"AC Power",
	"DC Voltage",
	"DC Current",
	"Module Temp",
	"Ambient Temp",
	"Operational",
	"Fault Code",
	"Metadata",
}

var pvReadingsColumnWidths = []float64{22, 22, 18, 16, 10, 10, 12, 12, 12, 12, 12, 12, 11, 48}

// GeneratePVReadingsExport 生成记录导出 Excel 文件
// records 为空时只生成表头
func GeneratePVReadingsExport(records []*models.PVReadingRecord) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(pvReadingsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FFF4D6"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range PVReadingsExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(pvReadingsSheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(pvReadingsSheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(pvReadingsSheet, name, name, pvReadingsColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2) // 第1行是表头
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(pvReadingsSheet, cell, &[]interface{}{
			rec.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
			rec.Time.UTC().Format("2006-01-02 15:04:05.000"),
			rec.DeviceID,
			rec.Site,
			rec.Lat,
			rec.Lon,
			rec.ACPower,
			rec.DCVoltage,
			rec.DCCurrent,
			rec.TemperatureModule,
			rec.TemperatureAmbient,
			yesNo(rec.Operational),
			faultCodeCell(rec.FaultCode),
			string(rec.Metadata),
		}); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	// 冻结表头
	if err := f.SetPanes(pvReadingsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
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

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func faultCodeCell(code *int) string {
	if code == nil {
		return ""
	}
	return strconv.Itoa(*code)
}
