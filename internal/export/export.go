// Package export writes the exposure history as a spreadsheet, CSV or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// Format 匯出格式
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// SheetName xlsx 工作表名稱
const SheetName = "Exposures"

// ErrUnknownFormat 不支援的匯出格式
var ErrUnknownFormat = errors.New("unknown export format")

var headers = []string{"Date", "Duration (min)", "Received", "ID"}

// ParseFormat accepts a format name, case-insensitive.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(s, "."))); f {
	case FormatXLSX, FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Write 依格式把紀錄寫入 w，紀錄依日期排序
func Write(w io.Writer, f Format, recs []types.ExposureRecord) error {
	recs = sorted(recs)
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, recs)
	case FormatCSV:
		return WriteCSV(w, recs)
	case FormatJSON:
		return WriteJSON(w, recs)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// WriteXLSX writes one sheet with a header row and one row per record.
func WriteXLSX(w io.Writer, recs []types.ExposureRecord) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// 預設工作表改名，避免多出空白的 Sheet1
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("xlsx header: %w", err)
		}
	}

	for i, r := range recs {
		row := i + 2
		values := []any{
			r.Date().Format(time.DateOnly),
			r.DurationMinutes,
			time.UnixMilli(r.ReceivedTimestampMs).UTC().Format(time.RFC3339),
			r.ID,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return fmt.Errorf("xlsx row %d: %w", row, err)
			}
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 12) // date
	_ = f.SetColWidth(SheetName, "B", "B", 14) // duration
	_ = f.SetColWidth(SheetName, "C", "C", 22) // received
	_ = f.SetColWidth(SheetName, "D", "D", 38) // id

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// WriteCSV writes the same columns as WriteXLSX.
func WriteCSV(w io.Writer, recs []types.ExposureRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write([]string{
			r.Date().Format(time.DateOnly),
			strconv.Itoa(r.DurationMinutes),
			time.UnixMilli(r.ReceivedTimestampMs).UTC().Format(time.RFC3339),
			r.ID,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the records as a JSON array, empty history as [].
func WriteJSON(w io.Writer, recs []types.ExposureRecord) error {
	if recs == nil {
		recs = []types.ExposureRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

func sorted(recs []types.ExposureRecord) []types.ExposureRecord {
	out := append([]types.ExposureRecord(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateMillisSinceEpoch < out[j].DateMillisSinceEpoch
	})
	return out
}
