package cache

import (
	"fmt"
	"strings"
)

// Cache keys are pipe-delimited and deterministic so the refresh engine can
// reconstruct the originating request from the key alone:
//
//	values.get|<spreadsheetID>|<range>|<renderOption>|<majorDimension>
//	spreadsheet.get|<spreadsheetID>|<fields>
//
// Range strings never contain '|', and spreadsheet ids are URL-safe, so no
// escaping is needed.

// KeyParts is the parsed form of a cache key.
type KeyParts struct {
	Method         string
	SpreadsheetID  string
	Range          string
	RenderOption   string
	MajorDimension string
	Fields         string
}

// ValuesKey builds the key for a values read.
func ValuesKey(spreadsheetID, rangeRef, renderOption, majorDimension string) string {
	if renderOption == "" {
		renderOption = "FORMATTED_VALUE"
	}
	if majorDimension == "" {
		majorDimension = "ROWS"
	}
	return strings.Join([]string{"values.get", spreadsheetID, rangeRef, renderOption, majorDimension}, "|")
}

// SpreadsheetKey builds the key for a workbook metadata read.
func SpreadsheetKey(spreadsheetID, fields string) string {
	return strings.Join([]string{"spreadsheet.get", spreadsheetID, fields}, "|")
}

// ParseKey splits a cache key back into its logical request parameters.
func ParseKey(key string) (KeyParts, error) {
	parts := strings.Split(key, "|")
	if len(parts) < 2 {
		return KeyParts{}, fmt.Errorf("malformed cache key %q", key)
	}
	switch parts[0] {
	case "values.get":
		if len(parts) != 5 {
			return KeyParts{}, fmt.Errorf("malformed values key %q", key)
		}
		return KeyParts{
			Method:         parts[0],
			SpreadsheetID:  parts[1],
			Range:          parts[2],
			RenderOption:   parts[3],
			MajorDimension: parts[4],
		}, nil
	case "spreadsheet.get":
		if len(parts) != 3 {
			return KeyParts{}, fmt.Errorf("malformed spreadsheet key %q", key)
		}
		return KeyParts{Method: parts[0], SpreadsheetID: parts[1], Fields: parts[2]}, nil
	}
	return KeyParts{}, fmt.Errorf("unknown cache key method %q", parts[0])
}
