package sheetsapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/circuitbreaker"
	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/ratelimit"
)

// fakeBackend scripts per-endpoint failures.
type fakeBackend struct {
	getErrs     []error // consumed one per GetValues call
	getCalls    int
	updateCalls int
	invalidated int
	values      *sheets.ValueRange
}

func (f *fakeBackend) nextGetErr() error {
	if f.getCalls-1 < len(f.getErrs) {
		return f.getErrs[f.getCalls-1]
	}
	return nil
}

func (f *fakeBackend) GetValues(_ context.Context, _, a1, _, _ string) (*sheets.ValueRange, error) {
	f.getCalls++
	if err := f.nextGetErr(); err != nil {
		return nil, err
	}
	if f.values != nil {
		return f.values, nil
	}
	return &sheets.ValueRange{Range: a1, Values: [][]interface{}{{"x"}}}, nil
}

func (f *fakeBackend) BatchGetValues(context.Context, string, []string, string) (*sheets.BatchGetValuesResponse, error) {
	return &sheets.BatchGetValuesResponse{}, nil
}

func (f *fakeBackend) UpdateValues(_ context.Context, _, a1 string, vr *sheets.ValueRange, _ string) (*sheets.UpdateValuesResponse, error) {
	f.updateCalls++
	return &sheets.UpdateValuesResponse{UpdatedRange: a1, UpdatedCells: int64(len(vr.Values))}, nil
}

func (f *fakeBackend) AppendValues(_ context.Context, _, a1 string, vr *sheets.ValueRange, _ string) (*sheets.AppendValuesResponse, error) {
	return &sheets.AppendValuesResponse{Updates: &sheets.UpdateValuesResponse{UpdatedRange: a1}}, nil
}

func (f *fakeBackend) ClearValues(context.Context, string, string) error { return nil }

func (f *fakeBackend) BatchUpdate(context.Context, string, *sheets.BatchUpdateSpreadsheetRequest) (*sheets.BatchUpdateSpreadsheetResponse, error) {
	return &sheets.BatchUpdateSpreadsheetResponse{}, nil
}

func (f *fakeBackend) GetSpreadsheet(context.Context, string, string) (*sheets.Spreadsheet, error) {
	return &sheets.Spreadsheet{}, nil
}

func (f *fakeBackend) CopyFile(_ context.Context, _, name string) (*drive.File, error) {
	return &drive.File{Id: "copy-1", Name: name}, nil
}

func (f *fakeBackend) InvalidateToken() { f.invalidated++ }

func fastOptions() Options {
	retry := circuitbreaker.DefaultRetryPolicy()
	retry.BaseDelay = time.Millisecond
	retry.MaxDelay = 5 * time.Millisecond
	cfg := circuitbreaker.DefaultConfig()
	cfg.Countable = countable
	cfg.ResetTimeout = time.Minute
	return Options{
		Retry:    &retry,
		Breakers: circuitbreaker.NewRegistry(cfg, nil),
		Limiter:  ratelimit.NewLimiter(1000, 1000),
	}
}

func gerr(code int) error {
	return &googleapi.Error{Code: code, Message: "scripted"}
}

func TestClassifyKinds(t *testing.T) {
	cases := map[int]Kind{
		http.StatusTooManyRequests:     KindRateLimited,
		http.StatusForbidden:           KindPermissionDenied,
		http.StatusNotFound:            KindNotFound,
		http.StatusUnauthorized:        KindAuthExpired,
		http.StatusBadRequest:          KindInvalid,
		http.StatusInternalServerError: KindTransient,
		http.StatusBadGateway:          KindTransient,
	}
	for code, want := range cases {
		err := Classify("ep", gerr(code))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr, "code %d", code)
		assert.Equal(t, want, apiErr.Kind, "code %d", code)
	}
}

func TestClassifyQuotaReason(t *testing.T) {
	err := Classify("ep", &googleapi.Error{
		Code:   http.StatusForbidden,
		Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRateLimited, apiErr.Kind)
}

func TestTransientRetriedToSuccess(t *testing.T) {
	backend := &fakeBackend{getErrs: []error{gerr(503), gerr(503)}}
	c := NewClient(backend, fastOptions())

	vr, err := c.Values.Get(context.Background(), "ss-1", "Sheet1!A1:B2", "", "")
	require.NoError(t, err)
	assert.Equal(t, "Sheet1!A1:B2", vr.Range)
	assert.Equal(t, 3, backend.getCalls)
}

func TestAuthExpiredRefreshedOnce(t *testing.T) {
	backend := &fakeBackend{getErrs: []error{gerr(401)}}
	c := NewClient(backend, fastOptions())

	_, err := c.Values.Get(context.Background(), "ss-1", "A1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.invalidated)
	assert.Equal(t, 2, backend.getCalls)
}

func TestPersistentAuthExpiredIsTerminal(t *testing.T) {
	backend := &fakeBackend{getErrs: []error{gerr(401), gerr(401), gerr(401), gerr(401)}}
	c := NewClient(backend, fastOptions())

	_, err := c.Values.Get(context.Background(), "ss-1", "A1", "", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuthExpired, apiErr.Kind)
	assert.Equal(t, 1, backend.invalidated, "refresh happens exactly once")
}

func TestTerminalErrorNotRetried(t *testing.T) {
	backend := &fakeBackend{getErrs: []error{gerr(404)}}
	c := NewClient(backend, fastOptions())

	_, err := c.Values.Get(context.Background(), "ss-1", "A1", "", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindNotFound, apiErr.Kind)
	assert.Equal(t, 1, backend.getCalls)
}

func TestBreakerOpensAndFallbackServesCachedData(t *testing.T) {
	errs := make([]error, 0, 40)
	for i := 0; i < 40; i++ {
		errs = append(errs, gerr(503))
	}
	backend := &fakeBackend{getErrs: errs}
	c := NewClient(backend, fastOptions())

	cached := &sheets.ValueRange{Range: "Sheet1!A1:B2", Values: [][]interface{}{{"cached"}}}
	c.Fallbacks().Register(EndpointValuesGet, circuitbreaker.PriorityCachedData,
		func(context.Context, error) (interface{}, bool, error) {
			return cached, true, nil
		})

	// Drive the breaker open with repeated transient failures.
	for i := 0; i < 3; i++ {
		c.Values.Get(context.Background(), "ss-1", "A1", "", "")
		if c.Breakers().Get(EndpointValuesGet).State() == circuitbreaker.StateOpen {
			break
		}
	}
	require.Equal(t, circuitbreaker.StateOpen, c.Breakers().Get(EndpointValuesGet).State())

	calls := backend.getCalls
	vr, err := c.Values.Get(context.Background(), "ss-1", "A1", "", "")
	require.NoError(t, err)
	assert.Equal(t, cached, vr, "open breaker serves the cached fallback")
	assert.Equal(t, calls, backend.getCalls, "fast fail must not touch the backend")
}

// tripValuesGet drives the values.get breaker open with scripted 503s.
func tripValuesGet(t *testing.T, c *Client) {
	t.Helper()
	for i := 0; i < 10; i++ {
		c.Values.Get(context.Background(), "ss-1", "Sheet1!A1:B2", "", "")
		if c.Breakers().Get(EndpointValuesGet).State() == circuitbreaker.StateOpen {
			return
		}
	}
	t.Fatal("breaker never opened")
}

type staleStore struct {
	entries map[string]*cache.Entry
}

func (s *staleStore) GetEntry(key, _ string) (*cache.Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

func TestCanonicalFallbackServesStaleCache(t *testing.T) {
	errs := make([]error, 0, 40)
	for i := 0; i < 40; i++ {
		errs = append(errs, gerr(503))
	}
	backend := &fakeBackend{getErrs: errs}
	c := NewClient(backend, fastOptions())

	stale := &sheets.ValueRange{Range: "Sheet1!A1:B2", Values: [][]interface{}{{"stale"}}}
	key := cache.ValuesKey("ss-1", "Sheet1!A1:B2", "", "")
	RegisterCanonicalFallbacks(c, &staleStore{entries: map[string]*cache.Entry{
		key: {Value: stale},
	}})

	tripValuesGet(t, c)

	vr, err := c.Values.Get(context.Background(), "ss-1", "Sheet1!A1:B2", "", "")
	require.NoError(t, err)
	assert.Equal(t, stale, vr, "expired cache entry beats the degraded fallback")
}

func TestCanonicalFallbackDegradesToEmptyRange(t *testing.T) {
	errs := make([]error, 0, 40)
	for i := 0; i < 40; i++ {
		errs = append(errs, gerr(503))
	}
	backend := &fakeBackend{getErrs: errs}
	c := NewClient(backend, fastOptions())
	RegisterCanonicalFallbacks(c, &staleStore{entries: map[string]*cache.Entry{}})

	tripValuesGet(t, c)

	vr, err := c.Values.Get(context.Background(), "ss-1", "Sheet1!C1:D2", "", "COLUMNS")
	require.NoError(t, err)
	assert.Equal(t, "Sheet1!C1:D2", vr.Range)
	assert.Equal(t, "COLUMNS", vr.MajorDimension)
	assert.Empty(t, vr.Values)
}

type retrySink struct {
	NopMetrics
	retries map[string]int
}

func (s *retrySink) IncRetry(endpoint string) { s.retries[endpoint]++ }

func TestRetryCounterSkipsFirstAttempt(t *testing.T) {
	sink := &retrySink{retries: map[string]int{}}
	opts := fastOptions()
	opts.Metrics = sink
	backend := &fakeBackend{getErrs: []error{gerr(503), gerr(503)}}
	c := NewClient(backend, opts)

	_, err := c.Values.Get(context.Background(), "ss-1", "A1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, sink.retries[EndpointValuesGet])

	_, err = c.Values.Get(context.Background(), "ss-1", "A1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, sink.retries[EndpointValuesGet], "a first-try success is not a retry")
}

func TestInsufficientScopeCarriesAuthHint(t *testing.T) {
	opts := fastOptions()
	opts.RequiredScopes = []string{"https://www.googleapis.com/auth/spreadsheets"}
	opts.AuthorizationURL = "https://example.com/oauth"
	backend := &fakeBackend{getErrs: []error{&googleapi.Error{
		Code:   http.StatusForbidden,
		Errors: []googleapi.ErrorItem{{Reason: "ACCESS_TOKEN_SCOPE_INSUFFICIENT"}},
	}}}
	c := NewClient(backend, opts)

	_, err := c.Values.Get(context.Background(), "ss-1", "A1", "", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.ScopeInsufficient)
	assert.Equal(t, opts.RequiredScopes, apiErr.MissingScopes)
	assert.Equal(t, opts.AuthorizationURL, apiErr.AuthURL)

	ge := ToGatewayError(err)
	assert.Equal(t, protocol.ErrPermissionDenied, ge.Code)
	assert.Equal(t, opts.RequiredScopes, ge.Details["missing_scopes"])
	assert.Equal(t, opts.AuthorizationURL, ge.Details["authorization_url"])
}

func TestRateLimiterDeadline(t *testing.T) {
	opts := fastOptions()
	opts.Limiter = ratelimit.NewLimiter(1, 0.0001)
	backend := &fakeBackend{}
	c := NewClient(backend, opts)

	require.NoError(t, c.Values.Clear(context.Background(), "ss-1", "A1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Values.Clear(ctx, "ss-1", "A1")
	assert.True(t, errors.Is(err, ratelimit.ErrDeadline))
}
