package model

// ServerInfo is the metadata a probe (HEAD, or a Range-0 GET) extracts
// from the remote origin.
type ServerInfo struct {
	ContentLength      int64 // -1 if unknown
	AcceptsByteRanges  bool
	ETag               string
	LastModified       string
	ContentDisposition string
	RateLimitRemaining int64 // -1 if not reported
	RateLimitReset     int64 // seconds until reset, -1 if not reported
}

// SelectionMode describes whether a resolved source exposes a file list
// the caller must choose from (e.g. an archive or playlist source).
type SelectionMode int

const (
	SelectionNone SelectionMode = iota
	SelectionSingle
	SelectionMultiple
)

// SourceFile is one selectable member of a multi-file source.
type SourceFile struct {
	ID   string
	Name string
	Size int64
}

// ResolvedSource is what a DownloadSource produces after inspecting a URL.
type ResolvedSource struct {
	URL               string
	SourceType        string
	TotalBytes        int64 // -1 if unknown
	SupportsResume    bool
	SuggestedFileName string
	MaxSegments       int
	Metadata          map[string]string
	Files             []SourceFile
	SelectionMode     SelectionMode
}

// SourceResumeState is opaque to the engine: a source encodes whatever it
// needs into Data and is handed it back verbatim on resume.
type SourceResumeState struct {
	SourceType string
	Data       string
}
