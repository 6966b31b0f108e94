package sheetsapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/circuitbreaker"
	"github.com/sheetbridge/gateway/internal/ratelimit"
)

// Client is the API shell. Typed method groups hang off Values,
// Spreadsheets and Drive; every call is paced, gated by its endpoint
// breaker, retried on transient failures and measured.
type Client struct {
	backend   Backend
	breakers  *circuitbreaker.Registry
	retry     circuitbreaker.RetryPolicy
	fallbacks *circuitbreaker.FallbackRegistry
	limiter   *ratelimit.Limiter
	metrics   MetricsSink
	logger    *slog.Logger
	scopes    []string
	authURL   string

	Values       *ValuesService
	Spreadsheets *SpreadsheetsService
	Drive        *DriveService
}

// Options tunes the shell.
type Options struct {
	Breakers  *circuitbreaker.Registry
	Retry     *circuitbreaker.RetryPolicy
	Fallbacks *circuitbreaker.FallbackRegistry
	Limiter   *ratelimit.Limiter
	Metrics   MetricsSink
	Logger    *slog.Logger
	// RequiredScopes and AuthorizationURL flesh out missing-scope errors
	// with an incremental authorization hint.
	RequiredScopes   []string
	AuthorizationURL string
}

// NewClient wraps a backend. Zero-value options get production defaults.
func NewClient(backend Backend, opts Options) *Client {
	if opts.Breakers == nil {
		cfg := circuitbreaker.DefaultConfig()
		cfg.Countable = countable
		opts.Breakers = circuitbreaker.NewRegistry(cfg, opts.Logger)
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = circuitbreaker.NewFallbackRegistry()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(50, 10)
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	retry := circuitbreaker.DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	retry.Retryable = retryable
	retry.RetryAfter = retryAfterHint

	c := &Client{
		backend:   backend,
		breakers:  opts.Breakers,
		retry:     retry,
		fallbacks: opts.Fallbacks,
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		scopes:    opts.RequiredScopes,
		authURL:   opts.AuthorizationURL,
	}
	c.Values = &ValuesService{c: c}
	c.Spreadsheets = &SpreadsheetsService{c: c}
	c.Drive = &DriveService{c: c}
	return c
}

func countable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Countable()
	}
	// Context aborts are the caller's problem, not the endpoint's.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

func retryAfterHint(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// Breakers exposes the registry for the health and metrics surfaces.
func (c *Client) Breakers() *circuitbreaker.Registry { return c.breakers }

// Fallbacks exposes the fallback registry so wiring code can install the
// cached-data and degraded fallbacks.
func (c *Client) Fallbacks() *circuitbreaker.FallbackRegistry { return c.fallbacks }

// call runs fn under the full substrate: rate limit, breaker, retry, one
// auth refresh, metrics.
func (c *Client) call(ctx context.Context, endpoint, group string, tokens int, fn func(context.Context) error) error {
	if err := c.limiter.Acquire(ctx, group, tokens); err != nil {
		return err
	}

	breaker := c.breakers.Get(endpoint)
	start := time.Now()

	attempts := 0
	attempt := func(ctx context.Context) error {
		if attempts > 0 {
			c.metrics.IncRetry(endpoint)
		}
		attempts++
		return Classify(endpoint, fn(ctx))
	}

	err := c.retry.Do(ctx, breaker, attempt)

	// AuthExpired gets exactly one silent refresh-and-retry; a second
	// AuthExpired is terminal.
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindAuthExpired {
		if inv, ok := c.backend.(TokenInvalidator); ok {
			c.logger.Info("auth expired, refreshing token", "endpoint", endpoint)
			inv.InvalidateToken()
			err = c.retry.Do(ctx, breaker, attempt)
		}
	}

	elapsed := time.Since(start).Seconds()
	kind := ""
	if errors.As(err, &apiErr) {
		kind = apiErr.Kind.String()
		if apiErr.Kind == KindPermissionDenied && apiErr.ScopeInsufficient {
			apiErr.MissingScopes = c.scopes
			apiErr.AuthURL = c.authURL
		}
	} else if err != nil {
		kind = "error"
	}
	c.metrics.ObserveRequest(endpoint, elapsed, kind)
	c.metrics.SetBreakerState(endpoint, breaker.State().String())
	return err
}

// runFallbacks applies the prioritized fallback chain when the breaker
// surfaced a fast-fail to the caller.
func (c *Client) runFallbacks(ctx context.Context, endpoint string, cause error) (interface{}, error) {
	if !errors.Is(cause, circuitbreaker.ErrCircuitOpen) && !errors.Is(cause, circuitbreaker.ErrProbeInFlight) {
		return nil, cause
	}
	return c.fallbacks.Run(ctx, c.breakers.Get(endpoint), endpoint, cause)
}

// ValuesService groups spreadsheet value operations.
type ValuesService struct{ c *Client }

// Get reads a range. On a fast-failing breaker the fallback chain may
// substitute cached or degraded data.
func (s *ValuesService) Get(ctx context.Context, spreadsheetID, a1, renderOption, majorDimension string) (*sheets.ValueRange, error) {
	ctx = withReadDescriptor(ctx, readDescriptor{
		SpreadsheetID:  spreadsheetID,
		Range:          a1,
		RenderOption:   renderOption,
		MajorDimension: majorDimension,
	})
	var out *sheets.ValueRange
	err := s.c.call(ctx, EndpointValuesGet, GroupRead, 1, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.c.backend.GetValues(ctx, spreadsheetID, a1, renderOption, majorDimension)
		return callErr
	})
	if err != nil {
		if result, fbErr := s.c.runFallbacks(ctx, EndpointValuesGet, err); fbErr == nil {
			if vr, ok := result.(*sheets.ValueRange); ok {
				return vr, nil
			}
		}
		return nil, err
	}
	return out, nil
}

// BatchGet reads several ranges in one call.
func (s *ValuesService) BatchGet(ctx context.Context, spreadsheetID string, ranges []string, renderOption string) (*sheets.BatchGetValuesResponse, error) {
	var out *sheets.BatchGetValuesResponse
	err := s.c.call(ctx, EndpointValuesBatchGet, GroupRead, 1, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.c.backend.BatchGetValues(ctx, spreadsheetID, ranges, renderOption)
		return callErr
	})
	return out, err
}

// Update overwrites a range.
func (s *ValuesService) Update(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.UpdateValuesResponse, error) {
	var out *sheets.UpdateValuesResponse
	err := s.c.call(ctx, EndpointValuesUpdate, GroupWrite, 1, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.c.backend.UpdateValues(ctx, spreadsheetID, a1, vr, valueInputOption)
		return callErr
	})
	return out, err
}

// Append adds rows after the last data row of the target table.
func (s *ValuesService) Append(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.AppendValuesResponse, error) {
	var out *sheets.AppendValuesResponse
	err := s.c.call(ctx, EndpointValuesAppend, GroupWrite, 1, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.c.backend.AppendValues(ctx, spreadsheetID, a1, vr, valueInputOption)
		return callErr
	})
	return out, err
}

// Clear empties a range.
func (s *ValuesService) Clear(ctx context.Context, spreadsheetID, a1 string) error {
	return s.c.call(ctx, EndpointValuesClear, GroupWrite, 1, func(ctx context.Context) error {
		return s.c.backend.ClearValues(ctx, spreadsheetID, a1)
	})
}

// SpreadsheetsService groups workbook-level operations.
type SpreadsheetsService struct{ c *Client }

// Get fetches workbook metadata.
func (s *SpreadsheetsService) Get(ctx context.Context, spreadsheetID, fields string) (*sheets.Spreadsheet, error) {
	var out *sheets.Spreadsheet
	err := s.c.call(ctx, EndpointSpreadsheetGet, GroupRead, 1, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.c.backend.GetSpreadsheet(ctx, spreadsheetID, fields)
		return callErr
	})
	return out, err
}

// BatchUpdate applies structural requests atomically on the API side.
func (s *SpreadsheetsService) BatchUpdate(ctx context.Context, spreadsheetID string, req *sheets.BatchUpdateSpreadsheetRequest) (*sheets.BatchUpdateSpreadsheetResponse, error) {
	var out *sheets.BatchUpdateSpreadsheetResponse
	err := s.c.call(ctx, EndpointBatchUpdate, GroupWrite, len(req.Requests), func(ctx context.Context) error {
		var callErr error
		out, callErr = s.c.backend.BatchUpdate(ctx, spreadsheetID, req)
		return callErr
	})
	return out, err
}

// DriveService groups file operations used for snapshots.
type DriveService struct{ c *Client }

// CopyFile duplicates a spreadsheet file; the copy's id serves as a
// snapshot handle.
func (s *DriveService) CopyFile(ctx context.Context, fileID, name string) (*drive.File, error) {
	var out *drive.File
	err := s.c.call(ctx, EndpointDriveCopy, GroupDrive, 1, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.c.backend.CopyFile(ctx, fileID, name)
		return callErr
	})
	return out, err
}
