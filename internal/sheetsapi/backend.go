// Package sheetsapi wraps the upstream Sheets/Drive HTTP APIs behind the
// resilience substrate: every call passes the per-endpoint circuit breaker,
// the retry policy and the rate limiter, and emits request metrics.
package sheetsapi

import (
	"context"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/sheets/v4"
)

// Logical endpoint names. One circuit breaker exists per name.
const (
	EndpointValuesGet      = "sheets.values.get"
	EndpointValuesBatchGet = "sheets.values.batchGet"
	EndpointValuesUpdate   = "sheets.values.update"
	EndpointValuesAppend   = "sheets.values.append"
	EndpointValuesClear    = "sheets.values.clear"
	EndpointBatchUpdate    = "sheets.batchUpdate"
	EndpointSpreadsheetGet = "sheets.spreadsheets.get"
	EndpointDriveCopy      = "drive.files.copy"
)

// Rate limiter groups: reads and writes pace independently.
const (
	GroupRead  = "sheets.read"
	GroupWrite = "sheets.write"
	GroupDrive = "drive"
)

// Backend is the raw transport the shell wraps. The Google-backed
// implementation lives in google.go; tests substitute fakes.
type Backend interface {
	GetValues(ctx context.Context, spreadsheetID, a1, renderOption, majorDimension string) (*sheets.ValueRange, error)
	BatchGetValues(ctx context.Context, spreadsheetID string, ranges []string, renderOption string) (*sheets.BatchGetValuesResponse, error)
	UpdateValues(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.UpdateValuesResponse, error)
	AppendValues(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.AppendValuesResponse, error)
	ClearValues(ctx context.Context, spreadsheetID, a1 string) error
	BatchUpdate(ctx context.Context, spreadsheetID string, req *sheets.BatchUpdateSpreadsheetRequest) (*sheets.BatchUpdateSpreadsheetResponse, error)
	GetSpreadsheet(ctx context.Context, spreadsheetID, fields string) (*sheets.Spreadsheet, error)
	CopyFile(ctx context.Context, fileID, name string) (*drive.File, error)
}

// TokenInvalidator is implemented by backends whose credentials can be
// force-refreshed. The shell calls it exactly once per request when a call
// comes back AuthExpired.
type TokenInvalidator interface {
	InvalidateToken()
}

// MetricsSink receives request telemetry from the shell. The monitoring
// package provides the Prometheus-backed implementation.
type MetricsSink interface {
	ObserveRequest(endpoint string, seconds float64, errKind string)
	IncRetry(endpoint string)
	SetBreakerState(endpoint string, state string)
}

// NopMetrics discards telemetry; used in tests.
type NopMetrics struct{}

func (NopMetrics) ObserveRequest(string, float64, string) {}
func (NopMetrics) IncRetry(string)                        {}
func (NopMetrics) SetBreakerState(string, string)         {}
