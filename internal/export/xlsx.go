package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"batchgeocode/internal/archive"
)

const maxSheetName = 31

// XLSX converts every CSV in the result archive at zipPath into a sheet of a
// workbook written to outPath. It returns the number of data rows written.
func XLSX(zipPath, outPath string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	f := excelize.NewFile()
	defer f.Close()

	defaultSheet := f.GetSheetName(0)
	used := make(map[string]bool)
	total := 0

	err := archive.EachCSV(zipPath, func(name string, r *csv.Reader) error {
		sheet := sheetName(name, used)
		if len(used) == 1 {
			if err := f.SetSheetName(defaultSheet, sheet); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("new sheet %s: %w", sheet, err)
		}

		sw, err := f.NewStreamWriter(sheet)
		if err != nil {
			return fmt.Errorf("stream writer %s: %w", sheet, err)
		}

		row := 1
		for {
			record, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("read %s row %d: %w", name, row, err)
			}
			cells := make([]any, len(record))
			for i, value := range record {
				cells[i] = value
			}
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := sw.SetRow(cell, cells); err != nil {
				return fmt.Errorf("write %s row %d: %w", sheet, row, err)
			}
			row++
		}
		if err := sw.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", sheet, err)
		}
		if row > 1 {
			total += row - 2
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := f.SaveAs(outPath); err != nil {
		return 0, fmt.Errorf("xlsx write: %w", err)
	}

	logger.Info("export.xlsx.ok",
		"path", outPath,
		"sheets", len(used),
		"rows", total,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return total, nil
}

// sheetName derives a unique sheet name of at most 31 characters from a CSV
// entry name and marks it used.
func sheetName(entry string, used map[string]bool) string {
	base := strings.TrimSuffix(filepath.Base(entry), filepath.Ext(entry))
	base = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, base)
	if base == "" {
		base = "Sheet"
	}
	if len([]rune(base)) > maxSheetName {
		base = string([]rune(base)[:maxSheetName])
	}

	name := base
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf("_%d", n)
		runes := []rune(base)
		if len(runes)+len(suffix) > maxSheetName {
			runes = runes[:maxSheetName-len(suffix)]
		}
		name = string(runes) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}
