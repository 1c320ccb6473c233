// Package source defines the pluggable protocol-handler surface
// (DownloadSource) and the resolver that dispatches a URL to the first
// handler that claims it.
package source

import (
	"context"

	"github.com/linroid/ketch/internal/cell"
	"github.com/linroid/ketch/internal/limiter"
	"github.com/linroid/ketch/internal/model"
)

// FileAccessor is the narrow random-access file surface a source writes
// through. Defined here (not imported from internal/fsio) to keep this
// package free of a concrete implementation dependency; internal/fsio's
// type satisfies it structurally.
type FileAccessor interface {
	WriteAt(offset int64, p []byte) error
	Flush() error
	Close() error
	Delete() error
	Size() (int64, error)
	Preallocate(n int64) error
}

// ExecutionContext is what the coordinator hands to a source's
// Download/Resume call: the request, any pre-resolved metadata, a
// mutable segments cell, a live connection-count observable (for
// dynamic resegmentation), the task's file, a throttle hook, and a
// progress callback.
type ExecutionContext struct {
	Context        context.Context
	Request        model.DownloadRequest
	Resolved       model.ResolvedSource
	Segments       *cell.Cell[[]model.Segment]
	MaxConnections *cell.Cell[int]
	FileAccessor   FileAccessor
	Limiter        limiter.SpeedLimiter
	OnProgress     func(downloaded, total int64)

	// RetryCount and RetryDelayMs configure a source's per-segment retry
	// loop for retryable errors (Network, Http 5xx/429); set by the
	// coordinator from engine configuration.
	RetryCount   int
	RetryDelayMs int
}

// Throttle blocks until n bytes may be written, honoring the task's
// speed limiter.
func (c *ExecutionContext) Throttle(n int64) error {
	return c.Limiter.Acquire(c.Context, n)
}

// DownloadSource is implemented by protocol plug-ins. HTTP is built in;
// others (FTP, BitTorrent, a CDN-specific scheme) can be registered with
// a Resolver.
type DownloadSource interface {
	Type() string
	CanHandle(url string) bool
	ManagesOwnFileIO() bool
	Resolve(ctx context.Context, url string, headers map[string]string) (model.ResolvedSource, error)
	Download(ctx *ExecutionContext) error
	Resume(ctx *ExecutionContext, state model.SourceResumeState) error
	BuildResumeState(resolved model.ResolvedSource, totalBytes int64) model.SourceResumeState
}

// Resolver dispatches a URL to the first registered source whose
// CanHandle returns true.
type Resolver struct {
	sources []DownloadSource
}

// NewResolver builds a resolver trying user-supplied sources first, then
// falling back to the given defaults (typically just HTTP).
func NewResolver(userSources []DownloadSource, defaults ...DownloadSource) *Resolver {
	all := make([]DownloadSource, 0, len(userSources)+len(defaults))
	all = append(all, userSources...)
	all = append(all, defaults...)
	return &Resolver{sources: all}
}

// Resolve returns the first source that claims the URL.
func (r *Resolver) Resolve(url string) (DownloadSource, error) {
	for _, s := range r.sources {
		if s.CanHandle(url) {
			return s, nil
		}
	}
	return nil, model.NewUnsupportedError("no source handles url: " + url)
}
