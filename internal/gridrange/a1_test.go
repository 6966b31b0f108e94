package gridrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBareCell(t *testing.T) {
	r, err := Parse("B3")
	require.NoError(t, err)
	assert.Equal(t, Range{StartRow: 2, EndRow: 3, StartCol: 1, EndCol: 2}, r)
}

func TestParseRectangle(t *testing.T) {
	r, err := Parse("Sheet1!A1:B10")
	require.NoError(t, err)
	assert.Equal(t, "Sheet1", r.Sheet)
	assert.Equal(t, 0, r.StartRow)
	assert.Equal(t, 10, r.EndRow)
	assert.Equal(t, 0, r.StartCol)
	assert.Equal(t, 2, r.EndCol)
}

func TestParseQuotedSheet(t *testing.T) {
	r, err := Parse("'My Sheet'!A1:C3")
	require.NoError(t, err)
	assert.Equal(t, "My Sheet", r.Sheet)

	r, err = Parse("'It''s Data'!B2")
	require.NoError(t, err)
	assert.Equal(t, "It's Data", r.Sheet)
	assert.Equal(t, 1, r.StartRow)
	assert.Equal(t, 1, r.StartCol)
}

func TestParseWholeColumn(t *testing.T) {
	r, err := Parse("A:D")
	require.NoError(t, err)
	assert.Equal(t, 0, r.StartCol)
	assert.Equal(t, 4, r.EndCol)
	assert.Equal(t, 0, r.StartRow)
	assert.Equal(t, Unbounded, r.EndRow)
}

func TestParseWholeRow(t *testing.T) {
	r, err := Parse("Data!1:10")
	require.NoError(t, err)
	assert.Equal(t, 0, r.StartRow)
	assert.Equal(t, 10, r.EndRow)
	assert.Equal(t, Unbounded, r.EndCol)
}

func TestParseReversedCorners(t *testing.T) {
	// B10:A1 normalises to A1:B10.
	r, err := Parse("B10:A1")
	require.NoError(t, err)
	assert.Equal(t, Range{StartRow: 0, EndRow: 10, StartCol: 0, EndCol: 2}, r)
}

func TestParseErrors(t *testing.T) {
	for _, ref := range []string{"", "!A1", "'Unterminated!A1", "Sheet1!A0", "Sheet1!:"} {
		_, err := Parse(ref)
		assert.Error(t, err, "ref %q", ref)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	refs := []string{
		"A1",
		"B3:D7",
		"Sheet1!A1:B10",
		"'My Sheet'!C2:C9",
		"'It''s Data'!A1",
		"A:D",
		"Data!1:10",
		"ZZ100",
		"AA1:AB2",
	}
	for _, ref := range refs {
		r, err := Parse(ref)
		require.NoError(t, err, ref)
		again, err := Parse(r.String())
		require.NoError(t, err, r.String())
		assert.Equal(t, r, again, "round trip of %q via %q", ref, r.String())
	}
}

func TestColName(t *testing.T) {
	cases := map[int]string{0: "A", 25: "Z", 26: "AA", 51: "AZ", 52: "BA", 701: "ZZ", 702: "AAA"}
	for idx, want := range cases {
		assert.Equal(t, want, colName(idx))
	}
}

func TestOverlapSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"Sheet1!A1:B10", "Sheet1!B5:D15"},
		{"Sheet1!A1:B10", "Sheet1!C1:D10"},
		{"A:D", "Sheet1!B5:B6"},
		{"1:10", "C5:F8"},
		{"Sheet1!A1:B2", "Sheet2!A1:B2"},
	}
	for _, p := range pairs {
		a, err := Parse(p[0])
		require.NoError(t, err)
		b, err := Parse(p[1])
		require.NoError(t, err)
		assert.Equal(t, a.Overlaps(b), b.Overlaps(a), "overlap(%s, %s) must be symmetric", p[0], p[1])
	}
}

func TestOverlapCases(t *testing.T) {
	overlaps := func(a, b string) bool {
		ra, err := Parse(a)
		require.NoError(t, err)
		rb, err := Parse(b)
		require.NoError(t, err)
		return ra.Overlaps(rb)
	}

	assert.True(t, overlaps("Sheet1!A1:B10", "Sheet1!B5:D15"))
	assert.False(t, overlaps("Sheet1!A1:B10", "Sheet1!C1:D10"))
	assert.False(t, overlaps("Sheet1!A1:B2", "Sheet2!A1:B2"))
	// Unbounded column range covers every row.
	assert.True(t, overlaps("Sheet1!B:B", "Sheet1!A1000:C1001"))
	// Half-open: A1:B2 ends before column C starts.
	assert.False(t, overlaps("A1:B2", "C1:D2"))
}

func TestBoundingBoxMinimal(t *testing.T) {
	a, _ := Parse("Sheet1!A1:B10")
	b, _ := Parse("Sheet1!B5:D15")
	box, err := BoundingBox([]Range{a, b})
	require.NoError(t, err)

	assert.Equal(t, "Sheet1!A1:D15", box.String())
	assert.True(t, box.Contains(a))
	assert.True(t, box.Contains(b))

	// Minimality: every edge of the box is pinned by at least one input.
	assert.Equal(t, a.StartRow, box.StartRow)
	assert.Equal(t, a.StartCol, box.StartCol)
	assert.Equal(t, b.EndRow, box.EndRow)
	assert.Equal(t, b.EndCol, box.EndCol)
}

func TestAdjacent(t *testing.T) {
	a, _ := Parse("A1:B10")
	b, _ := Parse("C1:D10")
	c, _ := Parse("E1:F10")

	assert.True(t, a.Adjacent(b))
	assert.True(t, b.Adjacent(a))
	assert.False(t, a.Adjacent(c))
	assert.False(t, a.Adjacent(a))
}

func TestCellCount(t *testing.T) {
	r, _ := Parse("Sheet1!A1:C50")
	assert.Equal(t, 150, r.CellCount())

	open, _ := Parse("A:D")
	assert.Equal(t, Unbounded, open.CellCount())
}

func TestOffset(t *testing.T) {
	outer, _ := Parse("Sheet1!A1:D15")
	sub, _ := Parse("Sheet1!B5:D15")
	rowOff, colOff := Offset(outer, sub)
	assert.Equal(t, 4, rowOff)
	assert.Equal(t, 1, colOff)
}
