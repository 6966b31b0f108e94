package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetbridge/gateway/internal/gridrange"
)

func dep(t *testing.T, spreadsheetID, a1 string) Dependency {
	t.Helper()
	r, err := gridrange.Parse(a1)
	require.NoError(t, err)
	return Dependency{SpreadsheetID: spreadsheetID, Range: r}
}

func TestGetSetRoundTrip(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)
	ctx := context.Background()

	m.Set(ctx, "k1", "v1", NamespaceValues, time.Minute)
	v, ok := m.Get(ctx, "k1", NamespaceValues)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	_, ok = m.Get(ctx, "missing", NamespaceValues)
	assert.False(t, ok)
}

func TestExpiredEntryIsAbsentButScannable(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)
	ctx := context.Background()

	m.Set(ctx, "k1", "v1", NamespaceValues, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := m.Get(ctx, "k1", NamespaceValues)
	assert.False(t, ok, "expired entry must be treated as absent by Get")

	expiring := m.Expiring(time.Minute, NamespaceValues)
	require.Len(t, expiring, 1, "expired entry stays visible to the expiry scan")
	assert.Equal(t, "k1", expiring[0].Key)

	assert.Equal(t, 1, m.Sweep())
	assert.Empty(t, m.Expiring(time.Minute, NamespaceValues))
}

func TestInvalidateRangeOverlap(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)
	ctx := context.Background()

	m.Set(ctx, "overlapping", 1, NamespaceValues, time.Minute, dep(t, "ss-1", "Sheet1!A1:B10"))
	m.Set(ctx, "disjoint", 2, NamespaceValues, time.Minute, dep(t, "ss-1", "Sheet1!F1:G10"))
	m.Set(ctx, "other-sheet", 3, NamespaceValues, time.Minute, dep(t, "ss-1", "Sheet2!A1:B10"))
	m.Set(ctx, "other-spreadsheet", 4, NamespaceValues, time.Minute, dep(t, "ss-2", "Sheet1!A1:B10"))

	removed := m.InvalidateRange(ctx, "ss-1", "Sheet1!B5:C20")
	assert.Equal(t, 1, removed)

	_, ok := m.Get(ctx, "overlapping", NamespaceValues)
	assert.False(t, ok)
	for _, key := range []string{"disjoint", "other-sheet", "other-spreadsheet"} {
		_, ok := m.Get(ctx, key, NamespaceValues)
		assert.True(t, ok, key)
	}
}

func TestInvalidateRangeUnboundedWrite(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)
	ctx := context.Background()

	m.Set(ctx, "deep-rows", 1, NamespaceValues, time.Minute, dep(t, "ss-1", "Sheet1!B900:B1000"))

	// A whole-column write reaches every row.
	removed := m.InvalidateRange(ctx, "ss-1", "Sheet1!B:B")
	assert.Equal(t, 1, removed)
}

func TestLRUEvictionOverBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NamespaceBudget = 300
	m := NewManager(cfg, nil, nil)
	ctx := context.Background()

	payload := make([]int, 20) // ~100 bytes estimated each
	m.Set(ctx, "a", payload, NamespaceValues, time.Minute)
	m.Set(ctx, "b", payload, NamespaceValues, time.Minute)
	m.Set(ctx, "c", payload, NamespaceValues, time.Minute)

	// Touch "a" so "b" is the least recently used.
	_, ok := m.Get(ctx, "a", NamespaceValues)
	require.True(t, ok)

	m.Set(ctx, "d", payload, NamespaceValues, time.Minute)

	_, ok = m.Get(ctx, "b", NamespaceValues)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = m.Get(ctx, "a", NamespaceValues)
	assert.True(t, ok)

	stats := m.Snapshot()
	assert.Greater(t, stats.Evictions, uint64(0))
}

func TestValuesKeyParse(t *testing.T) {
	key := ValuesKey("ss-1", "Sheet1!A1:B10", "", "")
	parts, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, "values.get", parts.Method)
	assert.Equal(t, "ss-1", parts.SpreadsheetID)
	assert.Equal(t, "Sheet1!A1:B10", parts.Range)
	assert.Equal(t, "FORMATTED_VALUE", parts.RenderOption)
	assert.Equal(t, "ROWS", parts.MajorDimension)

	_, err = ParseKey("garbage")
	assert.Error(t, err)
}

type fakeBackend struct {
	data map[string][]byte
	fail bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{data: make(map[string][]byte)} }

func (f *fakeBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if f.fail {
		return assert.AnError
	}
	f.data[key] = value
	return nil
}

func (f *fakeBackend) Get(_ context.Context, key string) ([]byte, error) {
	if f.fail {
		return nil, assert.AnError
	}
	return f.data[key], nil
}

func (f *fakeBackend) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestDistributedMirror(t *testing.T) {
	backend := newFakeBackend()
	m := NewManager(DefaultConfig(), backend, nil)
	ctx := context.Background()

	m.Set(ctx, "k1", "v1", NamespaceValues, time.Minute)
	assert.Contains(t, backend.data, "sbg:cache:values:k1")

	// A different manager sharing the backend sees the mirrored value.
	other := NewManager(DefaultConfig(), backend, nil)
	v, ok := other.Get(ctx, "k1", NamespaceValues)
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestBackendFailureNeverSurfaces(t *testing.T) {
	backend := newFakeBackend()
	backend.fail = true
	m := NewManager(DefaultConfig(), backend, nil)
	ctx := context.Background()

	m.Set(ctx, "k1", "v1", NamespaceValues, time.Minute)
	v, ok := m.Get(ctx, "k1", NamespaceValues)
	require.True(t, ok, "local tier must keep serving when the backend fails")
	assert.Equal(t, "v1", v)
}
