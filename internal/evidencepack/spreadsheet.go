package evidencepack

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

func renderSpreadsheet(in Input) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const findingSheet, evidenceSheet = "Finding", "Evidence"
	if err := f.SetSheetName("Sheet1", findingSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(evidenceSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	finding := in.Finding
	rows := [][2]any{
		{"Title", finding.Title},
		{"Type", string(finding.Type)},
		{"Status", string(finding.Status)},
		{"Confidence", finding.Confidence},
		{"Estimated savings", finding.EstimatedSavings.InexactFloat64()},
		{"Currency", finding.Currency},
	}
	if finding.PeriodStart != nil && finding.PeriodEnd != nil {
		rows = append(rows, [2]any{"Period", finding.PeriodStart.String() + " to " + finding.PeriodEnd.String()})
	}
	for i, row := range rows {
		if err := f.SetCellValue(findingSheet, "A"+fmt.Sprint(i+1), row[0]); err != nil {
			return nil, err
		}
		if err := f.SetCellValue(findingSheet, "B"+fmt.Sprint(i+1), row[1]); err != nil {
			return nil, err
		}
	}

	// Add headers
	col := 'A'
	for _, h := range []string{"Kind", "Pointer", "Excerpt", "Document"} {
		if err := f.SetCellValue(evidenceSheet, string(col)+"1", h); err != nil {
			return nil, err
		}
		col++
	}

	// Add data
	for i, ev := range finding.Evidence {
		doc := ""
		if ev.DocumentVersionID != nil {
			doc = *ev.DocumentVersionID
		}
		col := 'A'
		for _, value := range []string{string(ev.Kind), ev.Pointer, ev.Excerpt, doc} {
			if err := f.SetCellValue(evidenceSheet, string(col)+fmt.Sprint(i+2), value); err != nil {
				return nil, err
			}
			col++
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write spreadsheet: %w", err)
	}
	return buf.Bytes(), nil
}
