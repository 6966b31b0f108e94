package sheetsapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// resettableSource wraps a token source so a cached token can be discarded
// when the API reports it expired early (revocation, clock skew).
type resettableSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	cur  oauth2.TokenSource
}

func newResettableSource(base oauth2.TokenSource) *resettableSource {
	return &resettableSource{base: base, cur: oauth2.ReuseTokenSource(nil, base)}
}

func (r *resettableSource) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	ts := r.cur
	r.mu.Unlock()
	return ts.Token()
}

func (r *resettableSource) reset() {
	r.mu.Lock()
	r.cur = oauth2.ReuseTokenSource(nil, r.base)
	r.mu.Unlock()
}

// GoogleBackend talks to the live Sheets and Drive APIs. The HTTP client
// keeps connections alive (HTTP/2 is negotiated by default) so bursts of
// merged and batched calls reuse sockets.
type GoogleBackend struct {
	sheets *sheets.Service
	drive  *drive.Service
	source *resettableSource
}

// NewGoogleBackend builds the backend from an injected token source. A
// ReuseTokenSource wrapper refreshes silently when a refresh token is
// configured.
func NewGoogleBackend(ctx context.Context, source oauth2.TokenSource) (*GoogleBackend, error) {
	reuse := newResettableSource(source)

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: reuse, Base: base},
		Timeout:   60 * time.Second,
	}

	sheetsSvc, err := sheets.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &GoogleBackend{sheets: sheetsSvc, drive: driveSvc, source: reuse}, nil
}

// InvalidateToken forces the next call to mint a fresh token.
func (g *GoogleBackend) InvalidateToken() {
	g.source.reset()
}

func (g *GoogleBackend) GetValues(ctx context.Context, spreadsheetID, a1, renderOption, majorDimension string) (*sheets.ValueRange, error) {
	call := g.sheets.Spreadsheets.Values.Get(spreadsheetID, a1).Context(ctx)
	if renderOption != "" {
		call = call.ValueRenderOption(renderOption)
	}
	if majorDimension != "" {
		call = call.MajorDimension(majorDimension)
	}
	return call.Do()
}

func (g *GoogleBackend) BatchGetValues(ctx context.Context, spreadsheetID string, ranges []string, renderOption string) (*sheets.BatchGetValuesResponse, error) {
	call := g.sheets.Spreadsheets.Values.BatchGet(spreadsheetID).Ranges(ranges...).Context(ctx)
	if renderOption != "" {
		call = call.ValueRenderOption(renderOption)
	}
	return call.Do()
}

func (g *GoogleBackend) UpdateValues(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.UpdateValuesResponse, error) {
	if valueInputOption == "" {
		valueInputOption = "USER_ENTERED"
	}
	return g.sheets.Spreadsheets.Values.Update(spreadsheetID, a1, vr).
		ValueInputOption(valueInputOption).
		IncludeValuesInResponse(false).
		Context(ctx).Do()
}

func (g *GoogleBackend) AppendValues(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.AppendValuesResponse, error) {
	if valueInputOption == "" {
		valueInputOption = "USER_ENTERED"
	}
	return g.sheets.Spreadsheets.Values.Append(spreadsheetID, a1, vr).
		ValueInputOption(valueInputOption).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
}

func (g *GoogleBackend) ClearValues(ctx context.Context, spreadsheetID, a1 string) error {
	_, err := g.sheets.Spreadsheets.Values.Clear(spreadsheetID, a1, &sheets.ClearValuesRequest{}).Context(ctx).Do()
	return err
}

func (g *GoogleBackend) BatchUpdate(ctx context.Context, spreadsheetID string, req *sheets.BatchUpdateSpreadsheetRequest) (*sheets.BatchUpdateSpreadsheetResponse, error) {
	return g.sheets.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
}

func (g *GoogleBackend) GetSpreadsheet(ctx context.Context, spreadsheetID, fields string) (*sheets.Spreadsheet, error) {
	call := g.sheets.Spreadsheets.Get(spreadsheetID).Context(ctx)
	if fields != "" {
		call = call.Fields(googleapi.Field(fields))
	}
	return call.Do()
}

func (g *GoogleBackend) CopyFile(ctx context.Context, fileID, name string) (*drive.File, error) {
	return g.drive.Files.Copy(fileID, &drive.File{Name: name}).
		Fields("id", "name", "createdTime").
		Context(ctx).Do()
}
