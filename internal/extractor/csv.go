package extractor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var candidateDelimiters = []rune{',', ';', '\t'}

// sniffDelimiter picks the candidate occurring most often in the header
// line. Ties go to the earlier candidate, so comma wins by default.
func sniffDelimiter(header string) rune {
	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if n := strings.Count(header, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// ExtractCSV renders each data row as "key=value | key=value".
func ExtractCSV(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty CSV file")
	}

	text, err := decodeText(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode CSV: %w", err)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	header, _, _ := strings.Cut(text, "\n")

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sniffDelimiter(header)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	columns, err := reader.Read()
	if err != nil {
		return "", fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
		if columns[i] == "" {
			columns[i] = fmt.Sprintf("column_%d", i+1)
		}
	}

	var lines []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read CSV row %d: %w", len(lines)+2, err)
		}

		pairs := make([]string, 0, len(record))
		for i, value := range record {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			key := fmt.Sprintf("column_%d", i+1)
			if i < len(columns) {
				key = columns[i]
			}
			pairs = append(pairs, key+"="+value)
		}
		if len(pairs) > 0 {
			lines = append(lines, strings.Join(pairs, " | "))
		}
	}

	if len(lines) == 0 {
		return "", errors.New("CSV has no data rows")
	}
	return strings.Join(lines, "\n"), nil
}
