package model

// Segment is a contiguous byte range of the destination file, downloaded
// independently of its siblings.
type Segment struct {
	Index           int
	Start           int64
	End             int64 // inclusive; -1 means "unknown length, stream to EOF"
	DownloadedBytes int64
}

// Length returns the number of bytes the segment covers, or -1 if the
// end is unknown.
func (s Segment) Length() int64 {
	if s.End < 0 {
		return -1
	}
	return s.End - s.Start + 1
}

// IsComplete reports whether the segment has received all of its bytes.
// A segment with unknown length (End == -1) is never complete by byte
// count; the source must signal completion out of band (EOF reached).
func (s Segment) IsComplete() bool {
	if s.End < 0 {
		return false
	}
	return s.DownloadedBytes == s.Length()
}

// Remaining returns the number of bytes left to fetch for a known-length
// segment, or -1 if the length is unknown.
func (s Segment) Remaining() int64 {
	l := s.Length()
	if l < 0 {
		return -1
	}
	return l - s.DownloadedBytes
}
