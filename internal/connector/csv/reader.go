// Package csv loads collections from comma-separated files: the embedded
// sample data set (SAMPLE_CSV) and a configured directory (CSV).
package csv

import (
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var errMissingHeader = errors.New("missing header row")

// readRows parses r into one map per data row keyed by header. Every row must
// have as many fields as the header.
func readRows(r io.Reader, delimiter rune) ([]map[string]any, error) {
	reader := stdcsv.NewReader(r)
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errMissingHeader
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if headers[i] == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
	}

	rows := make([]map[string]any, 0)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(headers))
		for i, h := range headers {
			row[h] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseDelimiter(raw string) (rune, error) {
	switch raw {
	case "":
		return ',', nil
	case `\t`, "tab":
		return '\t', nil
	}
	runes := []rune(raw)
	if len(runes) != 1 {
		return 0, fmt.Errorf("delimiter must be a single character, got %q", raw)
	}
	return runes[0], nil
}
