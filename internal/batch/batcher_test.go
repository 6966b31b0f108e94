package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/sheets/v4"
)

type fakeAPI struct {
	mu           sync.Mutex
	metaCalls    int64
	batchCalls   int64
	appendCalls  int64
	batchReqs    []*sheets.BatchUpdateSpreadsheetRequest
	batchErr     error
	metaErr      error
	sheetsByName map[string]int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sheetsByName: map[string]int64{"sheet1": 0, "log": 77}}
}

func (f *fakeAPI) GetSpreadsheet(context.Context, string, string) (*sheets.Spreadsheet, error) {
	atomic.AddInt64(&f.metaCalls, 1)
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	ss := &sheets.Spreadsheet{}
	f.mu.Lock()
	for name, id := range f.sheetsByName {
		title := name
		if name == "sheet1" {
			title = "Sheet1"
		} else if name == "log" {
			title = "Log"
		}
		ss.Sheets = append(ss.Sheets, &sheets.Sheet{Properties: &sheets.SheetProperties{Title: title, SheetId: id}})
	}
	f.mu.Unlock()
	return ss, nil
}

func (f *fakeAPI) BatchUpdate(_ context.Context, _ string, req *sheets.BatchUpdateSpreadsheetRequest) (*sheets.BatchUpdateSpreadsheetResponse, error) {
	atomic.AddInt64(&f.batchCalls, 1)
	f.mu.Lock()
	f.batchReqs = append(f.batchReqs, req)
	err := f.batchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &sheets.BatchUpdateSpreadsheetResponse{}, nil
}

func (f *fakeAPI) Append(_ context.Context, _, a1 string, vr *sheets.ValueRange, _ string) (*sheets.AppendValuesResponse, error) {
	atomic.AddInt64(&f.appendCalls, 1)
	cells := 0
	for _, row := range vr.Values {
		cells += len(row)
	}
	return &sheets.AppendValuesResponse{Updates: &sheets.UpdateValuesResponse{
		UpdatedRange: a1 + "!A1",
		UpdatedRows:  int64(len(vr.Values)),
		UpdatedCells: int64(cells),
	}}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Window = 20 * time.Millisecond
	return cfg
}

func TestTenAppendsCollapseToTwoCalls(t *testing.T) {
	api := newFakeAPI()
	b := New(api, testConfig(), nil)

	var wg sync.WaitGroup
	results := make([]*AppendResult, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Append(context.Background(), AppendRequest{
				SpreadsheetID: "ss-1",
				SheetTitle:    "Sheet1",
				Rows:          [][]interface{}{{"a", float64(i)}},
			})
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i], "caller %d", i)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.metaCalls), "one metadata fetch")
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.batchCalls), "one batchUpdate")
	assert.Equal(t, int64(0), atomic.LoadInt64(&api.appendCalls))

	require.Len(t, api.batchReqs, 1)
	assert.Len(t, api.batchReqs[0].Requests, 10, "one append-cells request per caller")

	for i, res := range results {
		assert.True(t, res.Batched, "caller %d", i)
		assert.Equal(t, 1, res.UpdatedRows, "caller %d", i)
		assert.Equal(t, 2, res.UpdatedCells, "caller %d", i)
		assert.Contains(t, res.UpdatedRange, "Sheet1", "caller %d", i)
	}
}

func TestLoneAppendGoesDirect(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	cfg.Window = 5 * time.Millisecond
	b := New(api, cfg, nil)

	res, err := b.Append(context.Background(), AppendRequest{
		SpreadsheetID: "ss-1",
		SheetTitle:    "Sheet1",
		Rows:          [][]interface{}{{"solo"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Batched)
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.appendCalls))
	assert.Equal(t, int64(0), atomic.LoadInt64(&api.batchCalls))
	assert.Equal(t, int64(0), atomic.LoadInt64(&api.metaCalls), "no metadata fetch on the direct path")
}

func TestDryRunAndOverwriteBypassBatching(t *testing.T) {
	api := newFakeAPI()
	b := New(api, testConfig(), nil)

	_, err := b.Append(context.Background(), AppendRequest{
		SpreadsheetID: "ss-1", SheetTitle: "Sheet1",
		Rows: [][]interface{}{{"x"}}, DryRun: true,
	})
	require.NoError(t, err)

	_, err = b.Append(context.Background(), AppendRequest{
		SpreadsheetID: "ss-1", SheetTitle: "Sheet1",
		Rows: [][]interface{}{{"y"}}, Overwrite: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&api.appendCalls))
	assert.Equal(t, int64(0), atomic.LoadInt64(&api.batchCalls))
}

func TestDisabledBatcherGoesDirect(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	cfg.Enabled = false
	b := New(api, cfg, nil)

	_, err := b.Append(context.Background(), AppendRequest{
		SpreadsheetID: "ss-1", SheetTitle: "Sheet1", Rows: [][]interface{}{{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.appendCalls))
}

func TestMaxBatchSizeDrainsEarly(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	cfg.Window = time.Hour // only the size bound can drain
	cfg.MaxBatchSize = 4
	b := New(api, cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Append(context.Background(), AppendRequest{
				SpreadsheetID: "ss-1", SheetTitle: "Sheet1", Rows: [][]interface{}{{"x"}},
			})
			assert.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not drain at max size")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.batchCalls))
}

func TestUnknownSheetFailsEveryCaller(t *testing.T) {
	api := newFakeAPI()
	b := New(api, testConfig(), nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Append(context.Background(), AppendRequest{
				SpreadsheetID: "ss-1", SheetTitle: "NoSuchSheet", Rows: [][]interface{}{{"x"}},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.Error(t, err, "caller %d", i)
	}
	assert.Equal(t, int64(0), atomic.LoadInt64(&api.batchCalls), "bad titles never reach batchUpdate")
}

func TestBatchErrorPropagatesToAllCallers(t *testing.T) {
	api := newFakeAPI()
	boom := errors.New("batchUpdate exploded")
	api.batchErr = boom
	b := New(api, testConfig(), nil)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Append(context.Background(), AppendRequest{
				SpreadsheetID: "ss-1", SheetTitle: "Sheet1", Rows: [][]interface{}{{"x"}},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, boom, "caller %d", i)
	}
}

func TestSheetIDsCachedAcrossDrains(t *testing.T) {
	api := newFakeAPI()
	b := New(api, testConfig(), nil)

	run := func() {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.Append(context.Background(), AppendRequest{
					SpreadsheetID: "ss-1", SheetTitle: "Log", Rows: [][]interface{}{{"x"}},
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}

	run()
	run()
	assert.Equal(t, int64(1), atomic.LoadInt64(&api.metaCalls), "second drain reuses the title map")
	assert.Equal(t, int64(2), atomic.LoadInt64(&api.batchCalls))

	b.InvalidateSheetIDs("ss-1")
	run()
	assert.Equal(t, int64(2), atomic.LoadInt64(&api.metaCalls), "invalidation forces a refetch")
}

func TestFormulaAndTypeConversion(t *testing.T) {
	rows := [][]interface{}{{"text", float64(3.5), true, "=SUM(A1:A2)", nil}}
	data := toRowData(rows)
	require.Len(t, data, 1)
	cells := data[0].Values
	require.Len(t, cells, 5)

	assert.Equal(t, "text", *cells[0].UserEnteredValue.StringValue)
	assert.Equal(t, 3.5, *cells[1].UserEnteredValue.NumberValue)
	assert.True(t, *cells[2].UserEnteredValue.BoolValue)
	assert.Equal(t, "=SUM(A1:A2)", *cells[3].UserEnteredValue.FormulaValue)
	assert.Nil(t, cells[4].UserEnteredValue.StringValue)
}
