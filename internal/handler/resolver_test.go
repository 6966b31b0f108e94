package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/protocol"
)

type fakeMetadata struct {
	ss    *sheets.Spreadsheet
	calls int
}

func (f *fakeMetadata) Get(_ context.Context, _, _ string) (*sheets.Spreadsheet, error) {
	f.calls++
	return f.ss, nil
}

type fakeHeaders struct {
	row   []interface{}
	calls int
}

func (f *fakeHeaders) Read(_ context.Context, _ ReadRequest) (*sheets.ValueRange, error) {
	f.calls++
	if f.row == nil {
		return &sheets.ValueRange{}, nil
	}
	return &sheets.ValueRange{Values: [][]interface{}{f.row}}, nil
}

func testWorkbook() *sheets.Spreadsheet {
	return &sheets.Spreadsheet{
		Sheets: []*sheets.Sheet{
			{Properties: &sheets.SheetProperties{SheetId: 0, Title: "Revenue"}},
			{Properties: &sheets.SheetProperties{SheetId: 9, Title: "Q2 Data"}},
		},
		NamedRanges: []*sheets.NamedRange{
			{
				Name: "Quarterly",
				Range: &sheets.GridRange{
					SheetId:          9,
					StartRowIndex:    0,
					EndRowIndex:      10,
					StartColumnIndex: 0,
					EndColumnIndex:   4,
				},
			},
			{
				Name: "OpenTail",
				Range: &sheets.GridRange{
					SheetId:          0,
					StartRowIndex:    1,
					StartColumnIndex: 2,
					EndColumnIndex:   3,
				},
			},
		},
	}
}

func newTestResolver(t *testing.T, meta *fakeMetadata, headers *fakeHeaders) *RangeResolver {
	t.Helper()
	c := cache.NewManager(cache.DefaultConfig(), nil, nil)
	return NewRangeResolver(c, meta, headers)
}

func TestResolvePassesThroughValidA1(t *testing.T) {
	meta := &fakeMetadata{ss: testWorkbook()}
	r := newTestResolver(t, meta, &fakeHeaders{})

	a1, err := r.Resolve(context.Background(), "ss-1", "Sheet1!A1:D10", "")
	require.NoError(t, err)
	assert.Equal(t, "Sheet1!A1:D10", a1)
	assert.Zero(t, meta.calls, "plain A1 must not touch the API")
}

func TestResolveRejectsGarbage(t *testing.T) {
	r := newTestResolver(t, &fakeMetadata{ss: testWorkbook()}, &fakeHeaders{})

	_, err := r.Resolve(context.Background(), "ss-1", "not a range!!", "")
	require.Error(t, err)
	ge := protocol.AsGatewayError(err)
	assert.Equal(t, protocol.ErrInvalidParams, ge.Code)
	assert.NotEmpty(t, ge.Resolution)
}

func TestResolveNamedRange(t *testing.T) {
	meta := &fakeMetadata{ss: testWorkbook()}
	r := newTestResolver(t, meta, &fakeHeaders{})

	a1, err := r.Resolve(context.Background(), "ss-1", "named:quarterly", "")
	require.NoError(t, err)
	assert.Equal(t, "'Q2 Data'!A1:D10", a1)

	// Second lookup hits the metadata cache.
	_, err = r.Resolve(context.Background(), "ss-1", "named:Quarterly", "")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.calls)
}

func TestResolveNamedRangeOpenEdge(t *testing.T) {
	r := newTestResolver(t, &fakeMetadata{ss: testWorkbook()}, &fakeHeaders{})

	a1, err := r.Resolve(context.Background(), "ss-1", "named:OpenTail", "")
	require.NoError(t, err)
	assert.Equal(t, "Revenue!C:C", a1)
}

func TestResolveNamedRangeUnknownListsAlternatives(t *testing.T) {
	r := newTestResolver(t, &fakeMetadata{ss: testWorkbook()}, &fakeHeaders{})

	_, err := r.Resolve(context.Background(), "ss-1", "named:Nope", "")
	require.Error(t, err)
	ge := protocol.AsGatewayError(err)
	assert.Equal(t, protocol.ErrRangeNotFound, ge.Code)
	assert.Contains(t, ge.Details["available_named_ranges"], "Quarterly")
}

func TestResolveHeaderFindsColumn(t *testing.T) {
	headers := &fakeHeaders{row: []interface{}{"Date", "Amount", "Region"}}
	r := newTestResolver(t, &fakeMetadata{ss: testWorkbook()}, headers)

	a1, err := r.Resolve(context.Background(), "ss-1", "header:amount", "Sheet1")
	require.NoError(t, err)
	assert.Equal(t, "Sheet1!B2:B", a1)
}

func TestResolveHeaderDefaultsToFirstSheet(t *testing.T) {
	meta := &fakeMetadata{ss: testWorkbook()}
	headers := &fakeHeaders{row: []interface{}{"Date"}}
	r := newTestResolver(t, meta, headers)

	a1, err := r.Resolve(context.Background(), "ss-1", "header:Date", "")
	require.NoError(t, err)
	assert.Equal(t, "Revenue!A2:A", a1)
	assert.Equal(t, 1, meta.calls)
}

func TestResolveHeaderUnknownListsHeaders(t *testing.T) {
	headers := &fakeHeaders{row: []interface{}{"Date", "Amount"}}
	r := newTestResolver(t, &fakeMetadata{ss: testWorkbook()}, headers)

	_, err := r.Resolve(context.Background(), "ss-1", "header:Total", "Sheet1")
	require.Error(t, err)
	ge := protocol.AsGatewayError(err)
	assert.Equal(t, protocol.ErrRangeNotFound, ge.Code)
	assert.ElementsMatch(t, []string{"Date", "Amount"}, ge.Details["available_headers"])
}

func TestResolveHeaderEmptyRow(t *testing.T) {
	r := newTestResolver(t, &fakeMetadata{ss: testWorkbook()}, &fakeHeaders{})

	_, err := r.Resolve(context.Background(), "ss-1", "header:Date", "Sheet1")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrNoData, protocol.AsGatewayError(err).Code)
}

func TestResolveHeaderQuotesSheetNames(t *testing.T) {
	headers := &fakeHeaders{row: []interface{}{"Amount"}}
	r := newTestResolver(t, &fakeMetadata{ss: testWorkbook()}, headers)

	a1, err := r.Resolve(context.Background(), "ss-1", "header:Amount", "Q2 Data")
	require.NoError(t, err)
	assert.Equal(t, "'Q2 Data'!A2:A", a1)
}
