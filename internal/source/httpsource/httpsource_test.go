package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linroid/ketch/internal/cell"
	"github.com/linroid/ketch/internal/httpengine"
	"github.com/linroid/ketch/internal/limiter"
	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/source"
	"github.com/stretchr/testify/require"
)

// memFile is a minimal in-memory FileAccessor for tests.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) WriteAt(offset int64, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := offset + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:end], p)
	return nil
}
func (f *memFile) Flush() error { return nil }
func (f *memFile) Close() error { return nil }
func (f *memFile) Delete() error { return nil }
func (f *memFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}
func (f *memFile) Preallocate(n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.data)) < n {
		grown := make([]byte, n)
		copy(grown, f.data)
		f.data = grown
	}
	return nil
}

func newExecCtx(t *testing.T, req model.DownloadRequest, resolved model.ResolvedSource, file *memFile) *source.ExecutionContext {
	t.Helper()
	return &source.ExecutionContext{
		Context:        context.Background(),
		Request:        req,
		Resolved:       resolved,
		Segments:       cell.New[[]model.Segment](nil),
		MaxConnections: cell.New(req.Connections),
		FileAccessor:   file,
		Limiter:        limiter.Unlimited{},
		RetryCount:     2,
		RetryDelayMs:   5,
	}
}

func TestSource_DownloadSingleSegment(t *testing.T) {
	body := []byte("hello world, this is a test payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(body)
	}))
	defer srv.Close()

	engine := httpengine.New("")
	defer engine.Close()
	src := New(engine)

	req := model.DownloadRequest{URL: srv.URL, Connections: 1}
	resolved := model.ResolvedSource{TotalBytes: int64(len(body)), SupportsResume: false}
	file := &memFile{}
	ctx := newExecCtx(t, req, resolved, file)

	require.NoError(t, src.Download(ctx))
	require.Equal(t, body, file.data)
}

func TestSource_DownloadMultiSegmentWithRange(t *testing.T) {
	body := make([]byte, 5*1024*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"xyz"`)
		w.Header().Set("Accept-Ranges", "bytes")
		httpRangeHandler(w, r, body)
	}))
	defer srv.Close()

	engine := httpengine.New("")
	defer engine.Close()
	src := New(engine)

	req := model.DownloadRequest{URL: srv.URL, Connections: 4}
	resolved := model.ResolvedSource{TotalBytes: int64(len(body)), SupportsResume: true}
	file := &memFile{}
	ctx := newExecCtx(t, req, resolved, file)

	require.NoError(t, src.Download(ctx))
	require.Equal(t, body, file.data)
}

func TestSource_ResumeEtagMatch(t *testing.T) {
	body := make([]byte, 2*1024*1024)
	for i := range body {
		body[i] = byte(i % 200)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"stable"`)
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "2097152")
			return
		}
		httpRangeHandler(w, r, body)
	}))
	defer srv.Close()

	engine := httpengine.New("")
	defer engine.Close()
	src := New(engine)

	req := model.DownloadRequest{URL: srv.URL, Connections: 2}
	resolved := model.ResolvedSource{TotalBytes: int64(len(body)), SupportsResume: true}
	file := &memFile{}
	ctx := newExecCtx(t, req, resolved, file)

	// Simulate a half-finished first segment only.
	half := len(body) / 2
	ctx.Segments.Set([]model.Segment{
		{Index: 0, Start: 0, End: int64(half - 1), DownloadedBytes: int64(half)},
		{Index: 1, Start: int64(half), End: int64(len(body) - 1), DownloadedBytes: 0},
	})
	file.Preallocate(int64(len(body)))
	copy(file.data[:half], body[:half])

	state := src.BuildResumeState(model.ResolvedSource{Metadata: map[string]string{"etag": "\"stable\""}}, int64(len(body)))
	require.NoError(t, src.Resume(ctx, state))
	require.Equal(t, body, file.data)
}

func TestSource_ResumeEtagMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"changed"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "100")
	}))
	defer srv.Close()

	engine := httpengine.New("")
	defer engine.Close()
	src := New(engine)

	req := model.DownloadRequest{URL: srv.URL, Connections: 1}
	file := &memFile{}
	ctx := newExecCtx(t, req, model.ResolvedSource{TotalBytes: 100, SupportsResume: true}, file)
	ctx.Segments.Set([]model.Segment{{Index: 0, Start: 0, End: 99, DownloadedBytes: 50}})

	state := src.BuildResumeState(model.ResolvedSource{Metadata: map[string]string{"etag": "\"original\""}}, 100)
	err := src.Resume(ctx, state)
	require.Error(t, err)
	ke := model.AsKetchError(err)
	require.Equal(t, model.ErrFileChanged, ke.Kind)
}

func TestSource_DownloadDemotesWhenRangeNotHonored(t *testing.T) {
	body := make([]byte, 5*1024*1024)
	for i := range body {
		body[i] = byte(i % 233)
	}
	// A server that claims range support on HEAD but, on GET, ignores
	// the Range header entirely and always answers 200 with the full
	// body -- the case httpengine.ErrRangeNotHonored exists for.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"liar"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	engine := httpengine.New("")
	defer engine.Close()
	src := New(engine)

	req := model.DownloadRequest{URL: srv.URL, Connections: 4}
	resolved := model.ResolvedSource{TotalBytes: int64(len(body)), SupportsResume: true}
	file := &memFile{}
	ctx := newExecCtx(t, req, resolved, file)

	require.NoError(t, src.Download(ctx))
	require.Equal(t, body, file.data)
}

func TestSource_DownloadResegmentsOnConnectionChange(t *testing.T) {
	body := make([]byte, 5*1024*1024)
	for i := range body {
		body[i] = byte(i % 211)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("ETag", `"resize"`)
		w.Header().Set("Accept-Ranges", "bytes")
		httpRangeHandler(w, r, body)
	}))
	defer srv.Close()

	engine := httpengine.New("")
	defer engine.Close()
	src := New(engine)

	req := model.DownloadRequest{URL: srv.URL, Connections: 4}
	resolved := model.ResolvedSource{TotalBytes: int64(len(body)), SupportsResume: true}
	file := &memFile{}
	ctx := newExecCtx(t, req, resolved, file)

	go func() {
		time.Sleep(30 * time.Millisecond)
		ctx.MaxConnections.Set(1)
	}()

	require.NoError(t, src.Download(ctx))
	require.Equal(t, body, file.data)
}

func TestSuggestFileName(t *testing.T) {
	require.Equal(t, "report.pdf", suggestFileName(`attachment; filename="report.pdf"`, "https://example.com/x"))
	require.Equal(t, "a.zip", suggestFileName("", "https://example.com/dir/a.zip"))
	require.Equal(t, "download", suggestFileName("", "https://example.com/"))
}

// httpRangeHandler serves body honoring a Range header, for table-driven
// multi-segment tests without pulling in a third-party range library.
func httpRangeHandler(w http.ResponseWriter, r *http.Request, body []byte) {
	rng := r.Header.Get("Range")
	if rng == "" {
		w.Write(body)
		return
	}
	start, end, ok := parseRangeHeader(rng, int64(len(body)))
	if !ok {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(int64(len(body)), 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(body[start : end+1])
}

// parseRangeHeader parses a single "bytes=start-end" or "bytes=start-" spec.
func parseRangeHeader(header string, size int64) (start, end int64, ok bool) {
	spec := strings.TrimPrefix(header, "bytes=")
	if spec == header {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		return s, size - 1, true
	}
	e, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return s, e, true
}
