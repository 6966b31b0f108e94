// Package gridrange implements A1-notation parsing and rectangle arithmetic
// shared by the cache, merger, batcher and range resolvers.
package gridrange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Unbounded marks an open row or column edge (whole-column and whole-row
// references such as A:D or 1:10).
const Unbounded = -1

var (
	ErrEmptyRange   = errors.New("empty range reference")
	ErrInvalidRange = errors.New("invalid range reference")
)

// Range is a half-open rectangle on a sheet grid. Rows and columns are
// zero-based; EndRow/EndCol are exclusive. Unbounded edges carry Unbounded.
type Range struct {
	Sheet    string
	StartRow int
	EndRow   int
	StartCol int
	EndCol   int
}

// Parse accepts bare cells (A1), rectangles (A1:B10), whole columns (A:D),
// whole rows (1:10), and any of those with a sheet prefix, quoted or not:
// Sheet1!A1:B2, 'My Sheet'!A1, 'It''s Data'!B2:C3.
func Parse(ref string) (Range, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Range{}, ErrEmptyRange
	}

	sheet, rest, err := splitSheet(ref)
	if err != nil {
		return Range{}, err
	}

	r := Range{Sheet: sheet}
	if rest == "" {
		// Bare sheet reference covers the whole grid.
		r.StartRow, r.EndRow = 0, Unbounded
		r.StartCol, r.EndCol = 0, Unbounded
		return r, nil
	}

	parts := strings.SplitN(rest, ":", 2)
	startCol, startRow, err := parseCell(parts[0])
	if err != nil {
		return Range{}, err
	}

	if len(parts) == 1 {
		if startCol == Unbounded || startRow == Unbounded {
			return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, ref)
		}
		r.StartCol, r.EndCol = startCol, startCol+1
		r.StartRow, r.EndRow = startRow, startRow+1
		return r, nil
	}

	endCol, endRow, err := parseCell(parts[1])
	if err != nil {
		return Range{}, err
	}
	// A:D style needs both halves column-only; 1:10 both row-only.
	if (startCol == Unbounded) != (endCol == Unbounded) && (startRow == Unbounded) != (endRow == Unbounded) {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, ref)
	}

	r.StartCol = boundedMin(startCol, endCol)
	r.StartRow = boundedMin(startRow, endRow)
	r.EndCol = exclusiveMax(startCol, endCol)
	r.EndRow = exclusiveMax(startRow, endRow)
	return r, nil
}

// splitSheet removes an optional sheet prefix, handling quoted names with
// doubled embedded quotes.
func splitSheet(ref string) (sheet, rest string, err error) {
	if strings.HasPrefix(ref, "'") {
		var b strings.Builder
		i := 1
		for i < len(ref) {
			if ref[i] == '\'' {
				if i+1 < len(ref) && ref[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				break
			}
			b.WriteByte(ref[i])
			i++
		}
		if i >= len(ref) {
			return "", "", fmt.Errorf("%w: unterminated quote in %q", ErrInvalidRange, ref)
		}
		sheet = b.String()
		rest = ref[i+1:]
		if rest == "" {
			return sheet, "", nil
		}
		if !strings.HasPrefix(rest, "!") {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRange, ref)
		}
		return sheet, rest[1:], nil
	}

	if idx := strings.LastIndex(ref, "!"); idx >= 0 {
		return ref[:idx], ref[idx+1:], nil
	}
	return "", ref, nil
}

// parseCell splits "B12" into column/row indices. Either half may be absent:
// "B" yields (1, Unbounded); "12" yields (Unbounded, 11).
func parseCell(cell string) (col, row int, err error) {
	cell = strings.TrimSpace(strings.ToUpper(cell))
	if cell == "" {
		return 0, 0, fmt.Errorf("%w: empty cell", ErrInvalidRange)
	}

	i := 0
	for i < len(cell) && cell[i] >= 'A' && cell[i] <= 'Z' {
		i++
	}
	letters, digits := cell[:i], cell[i:]

	col = Unbounded
	if letters != "" {
		col = 0
		for _, c := range letters {
			col = col*26 + int(c-'A'+1)
		}
		col--
	}

	row = Unbounded
	if digits != "" {
		n, convErr := strconv.Atoi(digits)
		if convErr != nil || n < 1 {
			return 0, 0, fmt.Errorf("%w: bad row in %q", ErrInvalidRange, cell)
		}
		row = n - 1
	}

	if letters == "" && digits == "" {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, cell)
	}
	return col, row, nil
}

func boundedMin(a, b int) int {
	if a == Unbounded || b == Unbounded {
		return 0
	}
	if a < b {
		return a
	}
	return b
}

func exclusiveMax(a, b int) int {
	if a == Unbounded || b == Unbounded {
		return Unbounded
	}
	if a > b {
		return a + 1
	}
	return b + 1
}

// String renders the range back to A1 notation. Parse(r.String()) yields a
// range equal to r for all bounded and axis-unbounded forms.
func (r Range) String() string {
	var b strings.Builder
	if r.Sheet != "" {
		if needsQuoting(r.Sheet) {
			b.WriteByte('\'')
			b.WriteString(strings.ReplaceAll(r.Sheet, "'", "''"))
			b.WriteByte('\'')
		} else {
			b.WriteString(r.Sheet)
		}
		b.WriteByte('!')
	}

	switch {
	case r.EndRow == Unbounded && r.EndCol == Unbounded && r.StartRow == 0 && r.StartCol == 0:
		// Whole sheet: A1 has no notation for this without a sheet name, so
		// fall back to the open column form.
		b.WriteString("A:ZZZ")
	case r.EndRow == Unbounded:
		b.WriteString(colName(r.StartCol))
		b.WriteByte(':')
		b.WriteString(colName(r.EndCol - 1))
	case r.EndCol == Unbounded:
		b.WriteString(strconv.Itoa(r.StartRow + 1))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.EndRow))
	case r.EndRow-r.StartRow == 1 && r.EndCol-r.StartCol == 1:
		b.WriteString(colName(r.StartCol))
		b.WriteString(strconv.Itoa(r.StartRow + 1))
	default:
		b.WriteString(colName(r.StartCol))
		b.WriteString(strconv.Itoa(r.StartRow + 1))
		b.WriteByte(':')
		b.WriteString(colName(r.EndCol - 1))
		b.WriteString(strconv.Itoa(r.EndRow))
	}
	return b.String()
}

func needsQuoting(sheet string) bool {
	for _, c := range sheet {
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return true
		}
	}
	// Purely numeric names are ambiguous with row references.
	if _, err := strconv.Atoi(sheet); err == nil {
		return true
	}
	return false
}

// ColumnName converts a zero-based column index to its letter form
// (0 -> A, 26 -> AA).
func ColumnName(col int) string { return colName(col) }

// colName converts a zero-based column index to its letter form (0 -> A,
// 26 -> AA).
func colName(col int) string {
	if col < 0 {
		return "A"
	}
	name := ""
	n := col + 1
	for n > 0 {
		n--
		name = string(rune('A'+n%26)) + name
		n /= 26
	}
	return name
}

// Overlaps reports whether two ranges intersect on the same sheet.
// Unbounded edges extend to infinity along their axis. Sheet comparison is
// skipped when either side has no sheet (a bare range is sheet-agnostic).
func (r Range) Overlaps(other Range) bool {
	if r.Sheet != "" && other.Sheet != "" && !strings.EqualFold(r.Sheet, other.Sheet) {
		return false
	}
	return axisOverlap(r.StartRow, r.EndRow, other.StartRow, other.EndRow) &&
		axisOverlap(r.StartCol, r.EndCol, other.StartCol, other.EndCol)
}

func axisOverlap(aStart, aEnd, bStart, bEnd int) bool {
	if aEnd != Unbounded && aEnd <= bStart {
		return false
	}
	if bEnd != Unbounded && bEnd <= aStart {
		return false
	}
	return true
}

// Contains reports whether r fully encloses other.
func (r Range) Contains(other Range) bool {
	if r.Sheet != "" && other.Sheet != "" && !strings.EqualFold(r.Sheet, other.Sheet) {
		return false
	}
	if r.StartRow > other.StartRow || r.StartCol > other.StartCol {
		return false
	}
	if r.EndRow != Unbounded && (other.EndRow == Unbounded || other.EndRow > r.EndRow) {
		return false
	}
	if r.EndCol != Unbounded && (other.EndCol == Unbounded || other.EndCol > r.EndCol) {
		return false
	}
	return true
}

// Adjacent reports whether two bounded ranges touch without overlapping,
// sharing an edge along one axis while overlapping on the other.
func (r Range) Adjacent(other Range) bool {
	if r.Sheet != "" && other.Sheet != "" && !strings.EqualFold(r.Sheet, other.Sheet) {
		return false
	}
	if r.Bounded() && other.Bounded() {
		rowsTouch := r.EndRow == other.StartRow || other.EndRow == r.StartRow
		colsTouch := r.EndCol == other.StartCol || other.EndCol == r.StartCol
		if rowsTouch && axisOverlap(r.StartCol, r.EndCol, other.StartCol, other.EndCol) {
			return true
		}
		if colsTouch && axisOverlap(r.StartRow, r.EndRow, other.StartRow, other.EndRow) {
			return true
		}
	}
	return false
}

// Bounded reports whether all four edges are finite.
func (r Range) Bounded() bool {
	return r.EndRow != Unbounded && r.EndCol != Unbounded
}

// CellCount returns the number of cells covered, or Unbounded for open
// ranges.
func (r Range) CellCount() int {
	if !r.Bounded() {
		return Unbounded
	}
	return (r.EndRow - r.StartRow) * (r.EndCol - r.StartCol)
}

// Union grows r to the minimal rectangle containing both ranges. The sheet
// of the receiver wins; callers group by sheet before merging.
func (r Range) Union(other Range) Range {
	out := r
	if other.StartRow < out.StartRow {
		out.StartRow = other.StartRow
	}
	if other.StartCol < out.StartCol {
		out.StartCol = other.StartCol
	}
	if out.EndRow != Unbounded && (other.EndRow == Unbounded || other.EndRow > out.EndRow) {
		out.EndRow = other.EndRow
	}
	if out.EndCol != Unbounded && (other.EndCol == Unbounded || other.EndCol > out.EndCol) {
		out.EndCol = other.EndCol
	}
	return out
}

// BoundingBox computes the minimal rectangle containing every input range.
func BoundingBox(ranges []Range) (Range, error) {
	if len(ranges) == 0 {
		return Range{}, ErrEmptyRange
	}
	box := ranges[0]
	for _, r := range ranges[1:] {
		box = box.Union(r)
	}
	return box, nil
}

// Offset returns sub's position relative to outer's top-left corner. Used by
// the merger to slice a bounding-box response back to per-caller rectangles.
func Offset(outer, sub Range) (rowOff, colOff int) {
	return sub.StartRow - outer.StartRow, sub.StartCol - outer.StartCol
}
