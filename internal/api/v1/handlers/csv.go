package handlers

import (
	"bytes"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// utf8BOM is stripped from uploads produced by spreadsheet exports
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// parseCSV reads an uploaded CSV body into one map per row, keyed by the
// header line. The delimiter is sniffed: files containing a semicolon are
// treated as semicolon-separated (the common European spreadsheet export),
// everything else as comma-separated. Empty lines are skipped.
func parseCSV(body []byte) ([]map[string]string, error) {
	body = bytes.TrimPrefix(body, utf8BOM)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	reader := csv.NewReader(bytes.NewReader(body))
	if bytes.ContainsRune(body, ';') {
		reader.Comma = ';'
	}
	reader.TrimLeadingSpace = true
	// Spreadsheet exports often have ragged rows
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(rows)+2, err)
		}

		row := make(map[string]string, len(header))
		empty := true
		for i, value := range record {
			if i >= len(header) || header[i] == "" {
				continue
			}
			value = strings.TrimSpace(value)
			row[header[i]] = value
			if value != "" {
				empty = false
			}
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// hashFile returns a short content hash used to label and deduplicate
// uploaded files
func hashFile(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])[:12]
}
