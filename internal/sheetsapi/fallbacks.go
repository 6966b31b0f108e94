package sheetsapi

import (
	"context"

	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/circuitbreaker"
)

// readDescriptor carries the parameters of the in-flight values read down
// to the fallback chain, which runs below the typed service layer.
type readDescriptor struct {
	SpreadsheetID  string
	Range          string
	RenderOption   string
	MajorDimension string
}

type readDescriptorKey struct{}

func withReadDescriptor(ctx context.Context, d readDescriptor) context.Context {
	return context.WithValue(ctx, readDescriptorKey{}, d)
}

func readDescriptorFrom(ctx context.Context) (readDescriptor, bool) {
	d, ok := ctx.Value(readDescriptorKey{}).(readDescriptor)
	return d, ok
}

// StaleValues is the slice of the cache the fallbacks need: entry lookup
// that still returns expired entries. *cache.Manager satisfies it.
type StaleValues interface {
	GetEntry(key, namespace string) (*cache.Entry, bool)
}

// RegisterCanonicalFallbacks installs the standard read fallbacks on the
// client's chain: cached data first, then a degraded empty result. Both
// fire only while the values.get breaker fast-fails.
func RegisterCanonicalFallbacks(c *Client, stale StaleValues) {
	c.fallbacks.Register(EndpointValuesGet, circuitbreaker.PriorityCachedData,
		func(ctx context.Context, cause error) (interface{}, bool, error) {
			d, ok := readDescriptorFrom(ctx)
			if !ok || stale == nil {
				return nil, false, nil
			}
			key := cache.ValuesKey(d.SpreadsheetID, d.Range, d.RenderOption, d.MajorDimension)
			entry, ok := stale.GetEntry(key, cache.NamespaceValues)
			if !ok {
				return nil, false, nil
			}
			vr, ok := entry.Value.(*sheets.ValueRange)
			if !ok {
				return nil, false, nil
			}
			return vr, true, nil
		})

	c.fallbacks.Register(EndpointValuesGet, circuitbreaker.PriorityDegraded,
		func(ctx context.Context, cause error) (interface{}, bool, error) {
			d, ok := readDescriptorFrom(ctx)
			if !ok {
				return nil, false, nil
			}
			major := d.MajorDimension
			if major == "" {
				major = "ROWS"
			}
			return &sheets.ValueRange{
				Range:          d.Range,
				MajorDimension: major,
				Values:         [][]interface{}{},
			}, true, nil
		})
}
