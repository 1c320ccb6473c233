package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/linroid/ketch/internal/cell"
	"github.com/linroid/ketch/internal/limiter"
	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/source"
	"github.com/stretchr/testify/require"
)

// fakeSource is a DownloadSource whose Download loop writes a fixed
// payload in one shot, for exercising the coordinator's supervision
// logic without a real network or file.
type fakeSource struct {
	payload []byte
	failWith error
}

func (f *fakeSource) Type() string                { return "fake" }
func (f *fakeSource) CanHandle(url string) bool    { return true }
func (f *fakeSource) ManagesOwnFileIO() bool       { return false }

func (f *fakeSource) Resolve(ctx context.Context, url string, headers map[string]string) (model.ResolvedSource, error) {
	return model.ResolvedSource{TotalBytes: int64(len(f.payload)), SuggestedFileName: "out.bin"}, nil
}

func (f *fakeSource) Download(ctx *source.ExecutionContext) error {
	if f.failWith != nil {
		return f.failWith
	}
	if err := ctx.FileAccessor.WriteAt(0, f.payload); err != nil {
		return err
	}
	ctx.Segments.Set([]model.Segment{{Index: 0, Start: 0, End: int64(len(f.payload) - 1), DownloadedBytes: int64(len(f.payload))}})
	ctx.OnProgress(int64(len(f.payload)), int64(len(f.payload)))
	return nil
}

func (f *fakeSource) Resume(ctx *source.ExecutionContext, state model.SourceResumeState) error {
	return f.Download(ctx)
}

func (f *fakeSource) BuildResumeState(resolved model.ResolvedSource, totalBytes int64) model.SourceResumeState {
	return model.SourceResumeState{SourceType: "fake"}
}

type fakeFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *fakeFile) WriteAt(offset int64, p []byte) error {
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
func (f *fakeFile) Flush() error          { return nil }
func (f *fakeFile) Close() error          { return nil }
func (f *fakeFile) Delete() error         { return nil }
func (f *fakeFile) Size() (int64, error)  { return int64(len(f.data)), nil }
func (f *fakeFile) Preallocate(n int64) error { return nil }

type fakeStore struct {
	mu      sync.Mutex
	records []model.TaskRecord
}

func (s *fakeStore) Save(r model.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func TestCoordinator_StartCompletes(t *testing.T) {
	payload := []byte("the quick brown fox")
	src := &fakeSource{payload: payload}
	resolver := source.NewResolver(nil, src)
	file := &fakeFile{}
	st := &fakeStore{}

	c := New(slog.Default(), resolver, func(path string) (FileAccessor, error) { return file, nil }, st, limiter.Unlimited{}, Config{})

	record := &model.TaskRecord{
		TaskID:  model.NewTaskId(),
		Request: model.DownloadRequest{URL: "fake://x", DestinationDir: "/tmp", Connections: 1},
	}
	observers := Observers{State: cell.New(model.Idle()), Segments: cell.New[[]model.Segment](nil)}

	err := c.Start(context.Background(), record, observers)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, record.State)
	require.Equal(t, payload, file.data)
	require.Equal(t, model.KindCompleted, observers.State.Get().Kind)
}

func TestCoordinator_PauseTransitionsToPaused(t *testing.T) {
	file := &fakeFile{}
	st := &fakeStore{}

	record := &model.TaskRecord{
		TaskID:  model.NewTaskId(),
		Request: model.DownloadRequest{URL: "fake://x", DestinationDir: "/tmp", Connections: 1},
	}
	observers := Observers{State: cell.New(model.Idle()), Segments: cell.New[[]model.Segment](nil)}

	// Block the fake source's Download until we pause.
	blocking := &blockingSource{}
	resolver2 := source.NewResolver(nil, blocking)
	c2 := New(slog.Default(), resolver2, func(path string) (FileAccessor, error) { return file, nil }, st, limiter.Unlimited{}, Config{})

	done := make(chan error, 1)
	go func() {
		done <- c2.Start(context.Background(), record, observers)
	}()

	time.Sleep(20 * time.Millisecond)
	c2.Pause(record.TaskID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Pause")
	}
	require.Equal(t, model.StatePaused, record.State)
}

type blockingSource struct{}

func (b *blockingSource) Type() string             { return "blocking" }
func (b *blockingSource) CanHandle(url string) bool { return true }
func (b *blockingSource) ManagesOwnFileIO() bool     { return false }
func (b *blockingSource) Resolve(ctx context.Context, url string, headers map[string]string) (model.ResolvedSource, error) {
	return model.ResolvedSource{TotalBytes: 0, SuggestedFileName: "out.bin"}, nil
}
func (b *blockingSource) Download(ctx *source.ExecutionContext) error {
	<-ctx.Context.Done()
	return model.NewCanceledError()
}
func (b *blockingSource) Resume(ctx *source.ExecutionContext, state model.SourceResumeState) error {
	return b.Download(ctx)
}
func (b *blockingSource) BuildResumeState(resolved model.ResolvedSource, totalBytes int64) model.SourceResumeState {
	return model.SourceResumeState{SourceType: "blocking"}
}
