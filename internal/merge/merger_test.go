package merge

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

	"github.com/sheetbridge/gateway/internal/gridrange"
)

// gridReader serves reads out of a fixed in-memory grid where cell (r, c)
// holds "r<r>c<c>".
type gridReader struct {
	mu    sync.Mutex
	calls []string
	err   error
	total int64
}

func cellValue(r, c int) string {
	return "r" + string(rune('0'+r/10)) + string(rune('0'+r%10)) + "c" + string(rune('0'+c/10)) + string(rune('0'+c%10))
}

func (g *gridReader) Get(_ context.Context, _, a1, _, major string) (*sheets.ValueRange, error) {
	atomic.AddInt64(&g.total, 1)
	g.mu.Lock()
	g.calls = append(g.calls, a1)
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rng, parseErr := gridrange.Parse(a1)
	if parseErr != nil {
		return nil, parseErr
	}
	if major == "" {
		major = "ROWS"
	}
	vr := &sheets.ValueRange{Range: a1, MajorDimension: major}
	if major == "COLUMNS" {
		for c := rng.StartCol; c < rng.EndCol; c++ {
			col := make([]interface{}, 0, rng.EndRow-rng.StartRow)
			for r := rng.StartRow; r < rng.EndRow; r++ {
				col = append(col, cellValue(r, c))
			}
			vr.Values = append(vr.Values, col)
		}
		return vr, nil
	}
	for r := rng.StartRow; r < rng.EndRow; r++ {
		row := make([]interface{}, 0, rng.EndCol-rng.StartCol)
		for c := rng.StartCol; c < rng.EndCol; c++ {
			row = append(row, cellValue(r, c))
		}
		vr.Values = append(vr.Values, row)
	}
	return vr, nil
}

func TestConcurrentOverlappingReadsMergeToOneCall(t *testing.T) {
	reader := &gridReader{}
	cfg := DefaultConfig()
	cfg.Window = 20 * time.Millisecond
	m := New(reader, cfg, nil)

	var wg sync.WaitGroup
	var vr1, vr2 *sheets.ValueRange
	var err1, err2 error

	wg.Add(2)
	go func() {
		defer wg.Done()
		vr1, err1 = m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:B10"})
	}()
	go func() {
		defer wg.Done()
		vr2, err2 = m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!B5:D15"})
	}()
	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, int64(1), atomic.LoadInt64(&reader.total), "one bounding-box call")
	assert.Equal(t, []string{"Sheet1!A1:D15"}, reader.calls)

	// Each caller receives exactly its own sub-rectangle.
	require.Len(t, vr1.Values, 10)
	require.Len(t, vr1.Values[0], 2)
	assert.Equal(t, cellValue(0, 0), vr1.Values[0][0])
	assert.Equal(t, cellValue(9, 1), vr1.Values[9][1])

	require.Len(t, vr2.Values, 11)
	require.Len(t, vr2.Values[0], 3)
	assert.Equal(t, cellValue(4, 1), vr2.Values[0][0])
	assert.Equal(t, cellValue(14, 3), vr2.Values[10][2])
}

func TestColumnsMajorReadsSliceByColumn(t *testing.T) {
	reader := &gridReader{}
	cfg := DefaultConfig()
	cfg.Window = 20 * time.Millisecond
	m := New(reader, cfg, nil)

	var wg sync.WaitGroup
	var vr1, vr2 *sheets.ValueRange
	var err1, err2 error

	wg.Add(2)
	go func() {
		defer wg.Done()
		vr1, err1 = m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:B2", MajorDimension: "COLUMNS"})
	}()
	go func() {
		defer wg.Done()
		vr2, err2 = m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!B1:B3", MajorDimension: "COLUMNS"})
	}()
	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, int64(1), atomic.LoadInt64(&reader.total), "one bounding-box call")

	// Outer index is the column, inner the row.
	require.Len(t, vr1.Values, 2)
	require.Len(t, vr1.Values[0], 2)
	assert.Equal(t, cellValue(0, 0), vr1.Values[0][0])
	assert.Equal(t, cellValue(1, 1), vr1.Values[1][1])

	require.Len(t, vr2.Values, 1)
	require.Len(t, vr2.Values[0], 3)
	assert.Equal(t, cellValue(0, 1), vr2.Values[0][0])
	assert.Equal(t, cellValue(2, 1), vr2.Values[0][2])
}

func TestLoneReadSkipsMergeOverhead(t *testing.T) {
	reader := &gridReader{}
	cfg := DefaultConfig()
	cfg.Window = 5 * time.Millisecond
	m := New(reader, cfg, nil)

	vr, err := m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:A2"})
	require.NoError(t, err)
	assert.Equal(t, "Sheet1!A1:A2", vr.Range)
	assert.Equal(t, []string{"Sheet1!A1:A2"}, reader.calls, "single request reads its own range")
}

func TestDifferentOptionsDoNotMerge(t *testing.T) {
	reader := &gridReader{}
	cfg := DefaultConfig()
	cfg.Window = 20 * time.Millisecond
	m := New(reader, cfg, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:B2", RenderOption: "FORMATTED_VALUE"})
	}()
	go func() {
		defer wg.Done()
		m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:B2", RenderOption: "UNFORMATTED_VALUE"})
	}()
	wg.Wait()

	assert.Equal(t, int64(2), atomic.LoadInt64(&reader.total))
}

func TestDisjointReadsStaySeparate(t *testing.T) {
	reader := &gridReader{}
	cfg := DefaultConfig()
	cfg.Window = 20 * time.Millisecond
	cfg.MergeAdjacent = false
	m := New(reader, cfg, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:B2"})
	}()
	go func() {
		defer wg.Done()
		m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!Z90:Z99"})
	}()
	wg.Wait()

	assert.Equal(t, int64(2), atomic.LoadInt64(&reader.total), "far-apart ranges must not inflate the box")
}

func TestMaxWindowSizeDrainsEarly(t *testing.T) {
	reader := &gridReader{}
	cfg := DefaultConfig()
	cfg.Window = time.Hour // only the size bound can drain
	cfg.MaxWindowSize = 3
	m := New(reader, cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:C10"})
			assert.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("window did not drain at max size")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&reader.total))
}

func TestErrorPropagatesToAllCallers(t *testing.T) {
	boom := errors.New("upstream down")
	reader := &gridReader{err: boom}
	cfg := DefaultConfig()
	cfg.Window = 10 * time.Millisecond
	m := New(reader, cfg, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	ranges := []string{"Sheet1!A1:B10", "Sheet1!B5:D15"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: ranges[i]})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, boom, "caller %d", i)
	}
}

func TestCancelledCallerDoesNotAbortWindow(t *testing.T) {
	reader := &gridReader{}
	cfg := DefaultConfig()
	cfg.Window = 30 * time.Millisecond
	m := New(reader, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var cancelledErr, survivorErr error
	var survivor *sheets.ValueRange

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelledErr = m.Read(ctx, ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!A1:B10"})
	}()
	go func() {
		defer wg.Done()
		survivor, survivorErr = m.Read(context.Background(), ReadRequest{SpreadsheetID: "ss-1", Range: "Sheet1!B5:D15"})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, cancelledErr, context.Canceled)
	require.NoError(t, survivorErr)
	assert.Len(t, survivor.Values, 11)
}
