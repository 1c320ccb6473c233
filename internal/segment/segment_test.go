package segment

import (
	"testing"

	"github.com/linroid/ketch/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestPlan_FourEvenSegments(t *testing.T) {
	segs := Plan(4096, 4, true)
	assert.Len(t, segs, 4)
	want := []model.Segment{
		{Index: 0, Start: 0, End: 1023},
		{Index: 1, Start: 1024, End: 2047},
		{Index: 2, Start: 2048, End: 3071},
		{Index: 3, Start: 3072, End: 4095},
	}
	assert.Equal(t, want, segs)
}

func TestPlan_UnevenSplitAbsorbsRemainder(t *testing.T) {
	segs := Plan(1001, 4, true)
	assert.Len(t, segs, 4)
	assert.Equal(t, int64(0), segs[0].Start)
	assert.Equal(t, int64(250), segs[0].End)
	assert.Equal(t, int64(251), segs[1].Start)
	assert.Equal(t, int64(501), segs[1].End)
	assert.Equal(t, int64(502), segs[2].Start)
	assert.Equal(t, int64(752), segs[2].End)
	assert.Equal(t, int64(753), segs[3].Start)
	assert.Equal(t, int64(1000), segs[3].End)

	var sum int64
	for _, s := range segs {
		sum += s.Length()
	}
	assert.Equal(t, int64(1001), sum)
}

func TestPlan_UnknownLengthSingleSegment(t *testing.T) {
	segs := Plan(-1, 8, true)
	assert.Len(t, segs, 1)
	assert.Equal(t, int64(-1), segs[0].End)
}

func TestPlan_ZeroByteFile(t *testing.T) {
	segs := Plan(0, 4, true)
	assert.Len(t, segs, 1)
	assert.Equal(t, int64(-1), segs[0].End)
}

func TestPlan_NoResumeSupportSingleSegment(t *testing.T) {
	segs := Plan(10_000_000, 8, false)
	assert.Len(t, segs, 1)
	assert.Equal(t, int64(0), segs[0].Start)
	assert.Equal(t, int64(9_999_999), segs[0].End)
}

func TestPlan_CapsConnectionsByMinSegmentSize(t *testing.T) {
	// 3*MinSegmentBytes with 8 requested connections: only 3 MinSegmentBytes chunks fit.
	segs := Plan(3*MinSegmentBytes, 8, true)
	assert.Len(t, segs, 3)
}

func TestPlan_DisjointCoverInvariant(t *testing.T) {
	for _, tb := range []int64{1, 999, 1001, 4096, 10_000_000} {
		for _, conn := range []int{1, 2, 3, 4, 7, 16} {
			segs := Plan(tb, conn, true)
			var cursor int64
			for i, s := range segs {
				assert.Equal(t, i, s.Index)
				assert.Equal(t, cursor, s.Start)
				cursor = s.End + 1
			}
			assert.Equal(t, tb, cursor)
		}
	}
}

func TestResegment_PreservesCompletedAndRepartitionsRest(t *testing.T) {
	existing := []model.Segment{
		{Index: 0, Start: 0, End: 1023, DownloadedBytes: 1024},
		{Index: 1, Start: 1024, End: 2047, DownloadedBytes: 1024},
		{Index: 2, Start: 2048, End: 3071, DownloadedBytes: 0},
		{Index: 3, Start: 3072, End: 4095, DownloadedBytes: 0},
	}

	result := Resegment(existing, 2)

	var completed, incomplete []model.Segment
	for _, s := range result {
		if s.IsComplete() {
			completed = append(completed, s)
		} else {
			incomplete = append(incomplete, s)
		}
	}
	assert.Len(t, completed, 2)
	assert.Len(t, incomplete, 1)
	for _, s := range incomplete {
		assert.GreaterOrEqual(t, s.Index, 4)
	}

	var totalCovered int64
	for _, s := range result {
		totalCovered += s.Length()
	}
	assert.Equal(t, int64(4096), totalCovered)
}

func TestResegment_NoIncompleteWorkReturnsCompletedOnly(t *testing.T) {
	existing := []model.Segment{
		{Index: 0, Start: 0, End: 99, DownloadedBytes: 100},
	}
	result := Resegment(existing, 4)
	assert.Equal(t, existing, result)
}

func TestResegment_SingleIncompleteTailIsNoOp(t *testing.T) {
	existing := []model.Segment{
		{Index: 0, Start: 0, End: 999, DownloadedBytes: 999},
	}
	result := Resegment(existing, 4)
	assert.Len(t, result, 1)
	assert.Equal(t, int64(999), result[0].Start)
	assert.Equal(t, int64(999), result[0].End)
}
