// Package segment plans and repartitions the byte ranges a coordinator
// hands to per-segment downloads. It is pure: no I/O, no locking.
package segment

import "github.com/linroid/ketch/internal/model"

// MinSegmentBytes is the smallest byte range worth splitting into its
// own segment; requesting more connections than totalBytes/MinSegmentBytes
// warrants is capped down to that ratio.
const MinSegmentBytes int64 = 128

// Plan partitions [0, totalBytes) into up to `connections` contiguous,
// evenly-sized segments, the last absorbing any remainder. If totalBytes
// is unknown or non-positive, or the source doesn't support resume, it
// returns a single segment spanning the whole file (or open-ended, for
// unknown length).
func Plan(totalBytes int64, connections int, supportsResume bool) []model.Segment {
	if connections < 1 {
		connections = 1
	}
	if totalBytes <= 0 || !supportsResume {
		end := totalBytes - 1 // -1 when totalBytes <= 0, matching "unknown length" sentinel
		return []model.Segment{{Index: 0, Start: 0, End: end, DownloadedBytes: 0}}
	}

	n := connections
	if maxByMin := int(totalBytes / MinSegmentBytes); maxByMin < n {
		if maxByMin < 1 {
			maxByMin = 1
		}
		n = maxByMin
	}
	if n < 1 {
		n = 1
	}

	return splitEven(0, totalBytes-1, n, 0)
}

// splitEven divides the inclusive range [start, end] into n contiguous
// segments of equal size (the last absorbs the remainder), with segment
// indices starting at startIndex.
func splitEven(start, end int64, n int, startIndex int) []model.Segment {
	total := end - start + 1
	base := total / int64(n)
	segments := make([]model.Segment, 0, n)
	cursor := start
	for i := 0; i < n; i++ {
		segStart := cursor
		var segEnd int64
		if i == n-1 {
			segEnd = end
		} else {
			segEnd = segStart + base - 1
		}
		segments = append(segments, model.Segment{
			Index: startIndex + i,
			Start: segStart,
			End:   segEnd,
		})
		cursor = segEnd + 1
	}
	return segments
}

// Resegment preserves every completed segment as-is and repartitions the
// union of incomplete byte ranges into (newConnections - completedCount)
// new segments following the same evenness rule, at least one. When that
// count is at least the number of incomplete ranges, each range becomes
// one segment as it is; ranges are never split further. The segment at
// the lowest starting offset among the incomplete ones keeps the lowest
// new index; new indices continue from max(existing index)+1.
func Resegment(existing []model.Segment, newConnections int) []model.Segment {
	if newConnections < 1 {
		newConnections = 1
	}

	var completed []model.Segment
	var incomplete []model.Segment
	maxIndex := -1
	for _, s := range existing {
		if s.Index > maxIndex {
			maxIndex = s.Index
		}
		if s.IsComplete() {
			completed = append(completed, s)
		} else {
			incomplete = append(incomplete, s)
		}
	}

	remaining := newConnections - len(completed)
	if remaining < 1 {
		remaining = 1
	}
	if len(incomplete) == 0 {
		return completed
	}

	ranges := mergeRemainingRanges(incomplete)
	if remaining >= len(ranges) {
		// Enough workers for one range each; keep ranges as-is, just
		// relabel indices continuing from maxIndex+1.
		result := append([]model.Segment{}, completed...)
		nextIndex := maxIndex + 1
		for _, r := range ranges {
			result = append(result, model.Segment{Index: nextIndex, Start: r.start, End: r.end})
			nextIndex++
		}
		return result
	}

	// Fewer workers than ranges: concatenate the incomplete spans'
	// total remaining bytes and split evenly across `remaining` new
	// segments. This arises whenever there are more incomplete ranges
	// than new segments.
	var totalStart, totalEnd int64 = ranges[0].start, ranges[len(ranges)-1].end
	split := splitEven(totalStart, totalEnd, remaining, maxIndex+1)
	return append(append([]model.Segment{}, completed...), split...)
}

type byteRange struct{ start, end int64 }

// mergeRemainingRanges reduces a set of incomplete segments to their
// still-unfetched sub-ranges (accounting for partial progress within a
// segment), sorted by start offset.
func mergeRemainingRanges(incomplete []model.Segment) []byteRange {
	ranges := make([]byteRange, 0, len(incomplete))
	for _, s := range incomplete {
		start := s.Start + s.DownloadedBytes
		ranges = append(ranges, byteRange{start: start, end: s.End})
	}
	for i := 1; i < len(ranges); i++ {
		for j := i; j > 0 && ranges[j-1].start > ranges[j].start; j-- {
			ranges[j-1], ranges[j] = ranges[j], ranges[j-1]
		}
	}
	return ranges
}
