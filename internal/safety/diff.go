package safety

import "fmt"

// Diff tiers, coarsest first.
const (
	TierMetadata = "metadata"
	TierSample   = "sample"
	TierFull     = "full"
)

// DiffOptions selects how much of the change to materialise.
type DiffOptions struct {
	Tier             string `json:"tier"`
	SampleSize       int    `json:"sample_size"`
	MaxFullDiffCells int    `json:"max_full_diff_cells"`
}

// DefaultDiffOptions returns the production defaults.
func DefaultDiffOptions() DiffOptions {
	return DiffOptions{Tier: TierMetadata, SampleSize: 10, MaxFullDiffCells: 500}
}

// CellChange is one cell's before/after pair. Row and Col are zero-based
// offsets within the mutated range.
type CellChange struct {
	Row    int         `json:"row"`
	Col    int         `json:"col"`
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// Diff summarises a mutation at the requested tier.
type Diff struct {
	Tier         string       `json:"tier"`
	ChangedCells int          `json:"changed_cells"`
	ChangedRows  int          `json:"changed_rows"`
	ChangedCols  int          `json:"changed_cols"`
	Changes      []CellChange `json:"changes,omitempty"`
	Truncated    bool         `json:"truncated,omitempty"`
}

// Compute compares two grids cell by cell. Missing rows and trailing
// missing cells count as empty, matching how the values API trims
// responses.
func Compute(before, after [][]interface{}, opts DiffOptions) *Diff {
	if opts.Tier == "" {
		opts.Tier = TierMetadata
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultDiffOptions().SampleSize
	}
	if opts.MaxFullDiffCells <= 0 {
		opts.MaxFullDiffCells = DefaultDiffOptions().MaxFullDiffCells
	}

	rows := len(before)
	if len(after) > rows {
		rows = len(after)
	}

	d := &Diff{Tier: opts.Tier}
	changedRows := map[int]struct{}{}
	changedCols := map[int]struct{}{}
	var changes []CellChange

	for r := 0; r < rows; r++ {
		var brow, arow []interface{}
		if r < len(before) {
			brow = before[r]
		}
		if r < len(after) {
			arow = after[r]
		}
		cols := len(brow)
		if len(arow) > cols {
			cols = len(arow)
		}
		for c := 0; c < cols; c++ {
			b := cellAt(brow, c)
			a := cellAt(arow, c)
			if cellsEqual(b, a) {
				continue
			}
			d.ChangedCells++
			changedRows[r] = struct{}{}
			changedCols[c] = struct{}{}
			if opts.Tier != TierMetadata {
				changes = append(changes, CellChange{Row: r, Col: c, Before: b, After: a})
			}
		}
	}
	d.ChangedRows = len(changedRows)
	d.ChangedCols = len(changedCols)

	switch opts.Tier {
	case TierMetadata:
	case TierSample:
		if len(changes) > opts.SampleSize {
			changes = changes[:opts.SampleSize]
			d.Truncated = true
		}
		d.Changes = changes
	case TierFull:
		if len(changes) > opts.MaxFullDiffCells {
			// Too big for full: downgrade to a sample rather than
			// flooding the client.
			d.Tier = TierSample
			d.Truncated = true
			changes = changes[:opts.SampleSize]
		}
		d.Changes = changes
	}
	return d
}

func cellAt(row []interface{}, c int) interface{} {
	if c < len(row) {
		return row[c]
	}
	return nil
}

// cellsEqual treats nil and "" as the same cell state, since the API
// reports cleared cells both ways.
func cellsEqual(a, b interface{}) bool {
	if isEmpty(a) && isEmpty(b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
