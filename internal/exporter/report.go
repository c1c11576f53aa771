// Package exporter renders usage statistics and audit history into
// downloadable report formats.
package exporter

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"rslserver/internal/audit"
)

const (
	summarySheet = "Summary"
	actionsSheet = "Actions"
	revenueSheet = "Revenue"
)

// WriteUsageXLSX renders the usage statistics workbook: a summary sheet,
// per-action counts, and revenue per currency.
func WriteUsageXLSX(stats *audit.UsageStats, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", summarySheet)
	setRow(f, summarySheet, 1, "Metric", "Value")
	setRow(f, summarySheet, 2, "Total audit entries", stats.TotalEntries)
	if stats.FirstEntry != nil {
		setRow(f, summarySheet, 3, "First entry", stats.FirstEntry.Format(time.RFC3339))
	}
	if stats.LastEntry != nil {
		setRow(f, summarySheet, 4, "Last entry", stats.LastEntry.Format(time.RFC3339))
	}

	if _, err := f.NewSheet(actionsSheet); err != nil {
		return fmt.Errorf("create actions sheet: %w", err)
	}
	setRow(f, actionsSheet, 1, "Action", "Count")
	for i, action := range sortedKeys(stats.CountsByAction) {
		setRow(f, actionsSheet, i+2, action, stats.CountsByAction[action])
	}

	if _, err := f.NewSheet(revenueSheet); err != nil {
		return fmt.Errorf("create revenue sheet: %w", err)
	}
	setRow(f, revenueSheet, 1, "Currency", "Amount")
	row := 2
	currencies := make([]string, 0, len(stats.Revenue))
	for c := range stats.Revenue {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	for _, c := range currencies {
		setRow(f, revenueSheet, row, c, stats.Revenue[c])
		row++
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values ...interface{}) {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			continue
		}
		f.SetCellValue(sheet, cell, v)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
