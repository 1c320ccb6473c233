// Package httpsource implements the built-in HTTP(S) DownloadSource:
// probing, segmented range fetches, resegmentation-aware resume, and
// server-identity validation.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/linroid/ketch/internal/cell"
	"github.com/linroid/ketch/internal/httpengine"
	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/segment"
	"github.com/linroid/ketch/internal/source"
)

const typeName = "http"

// resumeState is the JSON payload this source hands to the engine as an
// opaque SourceResumeState.Data blob, and parses back on resume.
type resumeState struct {
	TotalBytes   int64  `json:"total_bytes"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Source is the built-in http:// and https:// DownloadSource.
type Source struct {
	engine httpengine.HttpEngine
}

// New wraps an HttpEngine as a DownloadSource.
func New(engine httpengine.HttpEngine) *Source {
	return &Source{engine: engine}
}

func (s *Source) Type() string { return typeName }

func (s *Source) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (s *Source) ManagesOwnFileIO() bool { return false }

// Resolve issues a HEAD and derives resume support, max segments, and a
// suggested filename.
func (s *Source) Resolve(ctx context.Context, rawURL string, headers map[string]string) (model.ResolvedSource, error) {
	info, err := s.engine.Head(ctx, rawURL, headers)
	if err != nil {
		return model.ResolvedSource{}, err
	}

	supportsResume := info.AcceptsByteRanges && (info.ETag != "" || info.LastModified != "")

	return model.ResolvedSource{
		URL:               rawURL,
		SourceType:        typeName,
		TotalBytes:        info.ContentLength,
		SupportsResume:    supportsResume,
		SuggestedFileName: suggestFileName(info.ContentDisposition, rawURL),
		MaxSegments:       0, // caller's requested connection count is the cap; 0 means "no source-imposed cap"
		Metadata: map[string]string{
			"etag":          info.ETag,
			"last_modified": info.LastModified,
		},
		SelectionMode: model.SelectionNone,
	}, nil
}

// suggestFileName derives a filename in the order Content-Disposition
// filename*, quoted filename=, unquoted filename=, last non-empty
// percent-decoded URL path segment, or "download".
func suggestFileName(contentDisposition, rawURL string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if name := params["filename*"]; name != "" {
				if decoded := decodeExtValue(name); decoded != "" {
					return decoded
				}
			}
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if decoded, err := url.PathUnescape(base); err == nil {
			base = decoded
		}
		if base != "" && base != "." && base != "/" {
			return base
		}
	}

	return "download"
}

// decodeExtValue decodes an RFC 5987 ext-value (charset'lang'pct-encoded).
func decodeExtValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return ""
	}
	decoded, err := url.PathUnescape(parts[2])
	if err != nil {
		return ""
	}
	return decoded
}

// Download plans segments per the resolved source, preallocates the
// destination, and runs the segments under a supervised group.
func (s *Source) Download(ctx *source.ExecutionContext) error {
	segments := segment.Plan(ctx.Resolved.TotalBytes, effectiveConnections(ctx), ctx.Resolved.SupportsResume)
	ctx.Segments.Set(segments)

	if ctx.Resolved.TotalBytes > 0 {
		if err := ctx.FileAccessor.Preallocate(ctx.Resolved.TotalBytes); err != nil {
			return model.NewDiskError(err)
		}
	}

	return s.run(ctx, segments)
}

// Resume validates server identity and local file integrity, then
// resegments if necessary before continuing the run.
func (s *Source) Resume(ctx *source.ExecutionContext, state model.SourceResumeState) error {
	var rs resumeState
	if err := json.Unmarshal([]byte(state.Data), &rs); err != nil {
		return model.NewCorruptResumeStateError(err)
	}

	info, err := s.engine.Head(ctx.Context, ctx.Request.URL, ctx.Request.Headers)
	if err != nil {
		return err
	}

	if !identityMatches(rs, info) {
		return model.NewFileChangedError()
	}

	segments := ctx.Segments.Get()
	var declaredDownloaded int64
	for _, seg := range segments {
		declaredDownloaded += seg.DownloadedBytes
	}

	actualSize, err := ctx.FileAccessor.Size()
	if err != nil {
		return model.NewDiskError(err)
	}
	if actualSize < declaredDownloaded || actualSize > rs.TotalBytes {
		// Local file integrity check failed: reset all progress and
		// re-preallocate, per the resume contract.
		for i := range segments {
			segments[i].DownloadedBytes = 0
		}
		ctx.Segments.Set(segments)
		if rs.TotalBytes > 0 {
			if err := ctx.FileAccessor.Preallocate(rs.TotalBytes); err != nil {
				return model.NewDiskError(err)
			}
		}
	}

	incomplete := 0
	for _, seg := range segments {
		if !seg.IsComplete() {
			incomplete++
		}
	}
	wantConnections := effectiveConnections(ctx)
	if incomplete != wantConnections {
		segments = segment.Resegment(segments, wantConnections)
		ctx.Segments.Set(segments)
	}

	return s.run(ctx, segments)
}

// identityMatches implements the spec's server-identity check: if either
// etag or lastModified was captured, the new value must match
// byte-for-byte; otherwise the size must match.
func identityMatches(rs resumeState, info model.ServerInfo) bool {
	if rs.ETag != "" {
		return info.ETag == rs.ETag
	}
	if rs.LastModified != "" {
		return info.LastModified == rs.LastModified
	}
	return info.ContentLength == rs.TotalBytes
}

func effectiveConnections(ctx *source.ExecutionContext) int {
	if ctx.MaxConnections != nil {
		if n := ctx.MaxConnections.Get(); n > 0 {
			return n
		}
	}
	if ctx.Request.Connections > 0 {
		return ctx.Request.Connections
	}
	return 1
}

// BuildResumeState captures the validators the engine needs to detect a
// changed remote resource on a future resume.
func (s *Source) BuildResumeState(resolved model.ResolvedSource, totalBytes int64) model.SourceResumeState {
	rs := resumeState{
		TotalBytes:   totalBytes,
		ETag:         resolved.Metadata["etag"],
		LastModified: resolved.Metadata["last_modified"],
	}
	data, _ := json.Marshal(rs)
	return model.SourceResumeState{SourceType: typeName, Data: string(data)}
}

// run drives segments to completion across one or more rounds: a round
// ends early either because a server's ranged GET came back 200 (demote
// to one range-less segment covering the whole file, per spec §4.2) or
// because a live SetTaskConnections call was observed mid-round (per
// spec §4.5's "Dynamic resegmentation"); both restart the loop with a
// freshly computed segment set instead of surfacing an error. Segments
// never attempt a Range request at all when the resolved source doesn't
// claim resume support, matching §4.1's single, unranged segment for
// that case.
func (s *Source) run(ctx *source.ExecutionContext, initial []model.Segment) error {
	segments := initial
	rangesDisabled := !ctx.Resolved.SupportsResume

	for {
		outcome, err := s.runRound(ctx, segments, rangesDisabled)
		if err != nil {
			if errors.Is(err, httpengine.ErrRangeNotHonored) {
				segments, err = s.demoteToSingleSegment(ctx)
				if err != nil {
					return err
				}
				rangesDisabled = true
				continue
			}
			return err
		}
		if !outcome.resegment {
			return nil
		}
		segments = segment.Resegment(ctx.Segments.Get(), outcome.wantConnections)
		ctx.Segments.Set(segments)
	}
}

// demoteToSingleSegment rebuilds the task as one segment spanning the
// whole file (or open-ended if the length is unknown) and re-preallocates
// the destination, discarding whatever partial progress the abandoned
// multi-segment plan had made: once a server is known not to honor
// Range, any bytes a sibling segment wrote at its "ranged" offset cannot
// be trusted to line up with the single unranged stream about to replace
// it.
func (s *Source) demoteToSingleSegment(ctx *source.ExecutionContext) ([]model.Segment, error) {
	total := ctx.Resolved.TotalBytes
	end := int64(-1)
	if total > 0 {
		end = total - 1
	}
	single := []model.Segment{{Index: 0, Start: 0, End: end, DownloadedBytes: 0}}
	ctx.Segments.Set(single)
	if total > 0 {
		if err := ctx.FileAccessor.Preallocate(total); err != nil {
			return nil, model.NewDiskError(err)
		}
	}
	return single, nil
}

// roundOutcome reports why runRound returned without an error: either
// every segment finished (resegment false) or a live connection-count
// change cut the round short (resegment true), in which case
// wantConnections is the new target segment count to repartition the
// remaining incomplete ranges across.
type roundOutcome struct {
	resegment       bool
	wantConnections int
}

// runRound executes every incomplete segment concurrently under a
// context derived from ctx.Context: one segment's failure (after
// retries) fails the whole round, the group's own cancellation
// (ctx.Context done) only stops work and is reported back as Canceled,
// and a connection-count change observed mid-round cancels only the
// round's own derived context, which is reported back as a resegment
// request rather than an error.
func (s *Source) runRound(ctx *source.ExecutionContext, initial []model.Segment, rangesDisabled bool) (roundOutcome, error) {
	var mu sync.Mutex
	segments := append([]model.Segment{}, initial...)

	publish := func() {
		mu.Lock()
		snapshot := append([]model.Segment{}, segments...)
		mu.Unlock()
		ctx.Segments.Set(snapshot)

		var downloaded int64
		for _, seg := range snapshot {
			downloaded += seg.DownloadedBytes
		}
		if ctx.OnProgress != nil {
			ctx.OnProgress(downloaded, ctx.Resolved.TotalBytes)
		}
	}

	roundCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	baseline := effectiveConnections(ctx)
	watchStop := make(chan struct{})
	defer close(watchStop)
	var watchMu sync.Mutex
	resegmentRequested := false
	resegmentTo := baseline
	go watchConnections(watchStop, ctx.MaxConnections, baseline, func(n int) {
		watchMu.Lock()
		resegmentRequested = true
		resegmentTo = n
		watchMu.Unlock()
		cancel()
	})

	var wg sync.WaitGroup
	errCh := make(chan error, len(segments))

	for i := range segments {
		if segments[i].IsComplete() {
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			err := s.runSegment(roundCtx, ctx, &mu, segments, idx, publish, rangesDisabled)
			if err != nil && roundCtx.Err() == nil {
				errCh <- err
				cancel()
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	if ctx.Context.Err() != nil {
		return roundOutcome{}, model.NewCanceledError()
	}
	for err := range errCh {
		return roundOutcome{}, err
	}

	watchMu.Lock()
	resegment, wantConnections := resegmentRequested, resegmentTo
	watchMu.Unlock()
	if resegment {
		return roundOutcome{resegment: true, wantConnections: wantConnections}, nil
	}

	publish()
	if err := ctx.FileAccessor.Flush(); err != nil {
		return roundOutcome{}, model.NewDiskError(err)
	}
	return roundOutcome{}, nil
}

// watchConnections polls maxConns roughly every 100ms and calls onChange
// (once) the first time its value diverges from baseline, then returns;
// it also returns as soon as stop is closed. Polling rather than
// blocking on maxConns.Next avoids leaking a goroutine for the ordinary
// case where a round finishes and no SetTaskConnections call ever
// arrives to wake a blocking waiter.
func watchConnections(stop <-chan struct{}, maxConns *cell.Cell[int], baseline int, onChange func(int)) {
	if maxConns == nil {
		return
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := maxConns.Get(); n > 0 && n != baseline {
				onChange(n)
				return
			}
		}
	}
}

// runSegment fetches one segment's remaining bytes, retrying retryable
// errors with capped exponential backoff (honoring Http 429's
// Retry-After hint) up to ctx.RetryCount attempts. A Range header is
// only ever sent when rangesDisabled is false; a server that responds
// 200 to one anyway is reported back as httpengine.ErrRangeNotHonored
// without retrying, for the caller to handle as a demotion, not a
// transient failure.
func (s *Source) runSegment(ctx context.Context, ectx *source.ExecutionContext, mu *sync.Mutex, segments []model.Segment, idx int, publish func(), rangesDisabled bool) error {
	mu.Lock()
	seg := segments[idx]
	mu.Unlock()

	retryCount := ectx.RetryCount
	if retryCount <= 0 {
		retryCount = 5
	}
	baseDelay := time.Duration(ectx.RetryDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		start := seg.Start + seg.DownloadedBytes
		var rng *httpengine.ByteRange
		switch {
		case rangesDisabled:
			if seg.DownloadedBytes != 0 {
				// A retry after a partial, range-less fetch must
				// restart from the beginning: there is no way to ask a
				// server that doesn't honor Range to skip bytes already
				// written.
				mu.Lock()
				segments[idx].DownloadedBytes = 0
				mu.Unlock()
				seg.DownloadedBytes = 0
				start = seg.Start
			}
		case seg.End >= 0:
			rng = &httpengine.ByteRange{Start: start, End: seg.End}
		case seg.Start != 0 || seg.DownloadedBytes != 0:
			rng = &httpengine.ByteRange{Start: start, End: -1}
		}

		writeOffset := start
		err := s.engine.Download(ctx, ectx.Request.URL, rng, ectx.Request.Headers, func(p []byte) error {
			if err := ectx.Throttle(int64(len(p))); err != nil {
				return err
			}
			if err := ectx.FileAccessor.WriteAt(writeOffset, p); err != nil {
				return model.NewDiskError(err)
			}
			writeOffset += int64(len(p))

			mu.Lock()
			segments[idx].DownloadedBytes += int64(len(p))
			mu.Unlock()
			publish()
			return nil
		})

		if err == nil {
			mu.Lock()
			segments[idx].DownloadedBytes = seg.Length()
			if segments[idx].End < 0 {
				segments[idx].DownloadedBytes = writeOffset - segments[idx].Start
			}
			mu.Unlock()
			return nil
		}

		if errors.Is(err, httpengine.ErrRangeNotHonored) {
			return err
		}

		ke := model.AsKetchError(err)
		if ke.Kind == model.ErrCanceled || ctx.Err() != nil {
			return nil
		}
		if !ke.IsRetryable() || attempt >= retryCount {
			return err
		}

		mu.Lock()
		seg = segments[idx]
		mu.Unlock()

		delay := backoffDelay(ke, baseDelay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// backoffDelay computes retryDelayMs*2^attempt, capped at 60s, honoring
// an Http(429) Retry-After hint when present, with up to 10% jitter.
func backoffDelay(ke *model.KetchError, base time.Duration, attempt int) time.Duration {
	if ke.Kind == model.ErrHttp && ke.Code == 429 && ke.RetryAfter > 0 {
		return time.Duration(ke.RetryAfter) * time.Second
	}

	multiplier := math.Pow(2, float64(attempt))
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	delay := time.Duration(float64(base) * multiplier * jitter)
	const maxDelay = 60 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
