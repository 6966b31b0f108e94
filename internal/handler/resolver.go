package handler

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/gridrange"
	"github.com/sheetbridge/gateway/internal/protocol"
)

// MetadataSource fetches workbook metadata; the API shell's
// SpreadsheetsService satisfies it.
type MetadataSource interface {
	Get(ctx context.Context, spreadsheetID, fields string) (*sheets.Spreadsheet, error)
}

// HeaderSource reads the header row for header: references. The cached
// read path satisfies it, so header resolution is usually free.
type HeaderSource interface {
	Read(ctx context.Context, req ReadRequest) (*sheets.ValueRange, error)
}

// RangeResolver turns range references into concrete A1. Three forms are
// accepted:
//
//	Sheet1!A1:D10          plain A1, validated and passed through
//	named:Quarterly        workbook named range
//	header:Revenue         the column under that header on the given sheet
type RangeResolver struct {
	cache    *cache.Manager
	metadata MetadataSource
	headers  HeaderSource
}

// NewRangeResolver wires a resolver.
func NewRangeResolver(c *cache.Manager, metadata MetadataSource, headers HeaderSource) *RangeResolver {
	return &RangeResolver{cache: c, metadata: metadata, headers: headers}
}

const metadataFields = "namedRanges,sheets.properties"

// Resolve returns the concrete A1 reference for ref. sheetHint names the
// sheet header: references search; empty means the first sheet.
func (r *RangeResolver) Resolve(ctx context.Context, spreadsheetID, ref, sheetHint string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "named:"):
		return r.resolveNamed(ctx, spreadsheetID, strings.TrimPrefix(ref, "named:"))
	case strings.HasPrefix(ref, "header:"):
		return r.resolveHeader(ctx, spreadsheetID, strings.TrimPrefix(ref, "header:"), sheetHint)
	}
	if _, err := gridrange.Parse(ref); err != nil {
		return "", protocol.Errorf(protocol.ErrInvalidParams, "invalid range %q: %v", ref, err).
			WithResolution("use A1 notation (Sheet1!A1:D10), named:RangeName or header:ColumnName")
	}
	return ref, nil
}

// spreadsheetMeta fetches metadata through the cache.
func (r *RangeResolver) spreadsheetMeta(ctx context.Context, spreadsheetID string) (*sheets.Spreadsheet, error) {
	key := cache.SpreadsheetKey(spreadsheetID, metadataFields)
	if v, ok := r.cache.Get(ctx, key, cache.NamespaceSpreadsheet); ok {
		if ss, ok := v.(*sheets.Spreadsheet); ok {
			return ss, nil
		}
	}
	ss, err := r.metadata.Get(ctx, spreadsheetID, metadataFields)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, key, ss, cache.NamespaceSpreadsheet, 0)
	return ss, nil
}

func (r *RangeResolver) resolveNamed(ctx context.Context, spreadsheetID, name string) (string, error) {
	ss, err := r.spreadsheetMeta(ctx, spreadsheetID)
	if err != nil {
		return "", err
	}

	var available []string
	for _, nr := range ss.NamedRanges {
		if strings.EqualFold(nr.Name, name) {
			return namedRangeA1(ss, nr)
		}
		available = append(available, nr.Name)
	}
	return "", protocol.Errorf(protocol.ErrRangeNotFound, "named range %q not found", name).
		WithDetails(map[string]interface{}{"available_named_ranges": available}).
		WithResolution("use one of the named ranges in details, or an A1 reference")
}

// namedRangeA1 renders a NamedRange's GridRange as A1. The API reports
// half-open row/column indexes, matching our Range convention directly.
func namedRangeA1(ss *sheets.Spreadsheet, nr *sheets.NamedRange) (string, error) {
	gr := nr.Range
	if gr == nil {
		return "", protocol.Errorf(protocol.ErrInternal, "named range %q has no grid range", nr.Name)
	}
	title := ""
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.SheetId == gr.SheetId {
			title = sh.Properties.Title
			break
		}
	}
	if title == "" {
		return "", protocol.Errorf(protocol.ErrInternal, "named range %q points at unknown sheet %d", nr.Name, gr.SheetId)
	}

	rng := gridrange.Range{
		Sheet:    title,
		StartRow: int(gr.StartRowIndex),
		EndRow:   int(gr.EndRowIndex),
		StartCol: int(gr.StartColumnIndex),
		EndCol:   int(gr.EndColumnIndex),
	}
	// Unbounded edges arrive as zero end indexes.
	if gr.EndRowIndex == 0 {
		rng.EndRow = gridrange.Unbounded
	}
	if gr.EndColumnIndex == 0 {
		rng.EndCol = gridrange.Unbounded
	}
	return rng.String(), nil
}

func (r *RangeResolver) resolveHeader(ctx context.Context, spreadsheetID, header, sheetHint string) (string, error) {
	sheet := sheetHint
	if sheet == "" {
		ss, err := r.spreadsheetMeta(ctx, spreadsheetID)
		if err != nil {
			return "", err
		}
		if len(ss.Sheets) == 0 || ss.Sheets[0].Properties == nil {
			return "", protocol.Errorf(protocol.ErrNoData, "spreadsheet has no sheets")
		}
		sheet = ss.Sheets[0].Properties.Title
	}

	vr, err := r.headers.Read(ctx, ReadRequest{
		SpreadsheetID: spreadsheetID,
		Range:         fmt.Sprintf("%s!1:1", quoteSheet(sheet)),
	})
	if err != nil {
		return "", err
	}
	if len(vr.Values) == 0 {
		return "", protocol.Errorf(protocol.ErrNoData, "sheet %q has an empty header row", sheet)
	}

	var headers []string
	for col, cell := range vr.Values[0] {
		text := strings.TrimSpace(fmt.Sprint(cell))
		if strings.EqualFold(text, header) {
			colRef := gridrange.ColumnName(col)
			// Data starts below the header row.
			return fmt.Sprintf("%s!%s2:%s", quoteSheet(sheet), colRef, colRef), nil
		}
		if text != "" {
			headers = append(headers, text)
		}
	}
	return "", protocol.Errorf(protocol.ErrRangeNotFound, "no column with header %q on sheet %q", header, sheet).
		WithDetails(map[string]interface{}{"available_headers": headers}).
		WithResolution("use one of the headers in details, match is case-insensitive")
}

// quoteSheet wraps titles that need quoting in A1 references.
func quoteSheet(title string) string {
	if strings.ContainsAny(title, " !'") {
		return "'" + strings.ReplaceAll(title, "'", "''") + "'"
	}
	return title
}
