package ketch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linroid/ketch/internal/config"
	"github.com/linroid/ketch/internal/httpengine"
	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/source"
	"github.com/linroid/ketch/internal/store"
)

// fakeSource is a one-shot in-memory DownloadSource, grounded on
// internal/coordinator's own test fake: it resolves immediately and
// writes a fixed payload without touching the network, so facade tests
// exercise the real engine wiring without depending on a live origin.
type fakeSource struct {
	payload []byte
}

func (f *fakeSource) Type() string             { return "fake" }
func (f *fakeSource) CanHandle(url string) bool { return len(url) >= 7 && url[:7] == "fake://" }
func (f *fakeSource) ManagesOwnFileIO() bool    { return false }

func (f *fakeSource) Resolve(ctx context.Context, url string, headers map[string]string) (model.ResolvedSource, error) {
	return model.ResolvedSource{TotalBytes: int64(len(f.payload)), SuggestedFileName: "out.bin"}, nil
}

func (f *fakeSource) Download(ctx *source.ExecutionContext) error {
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

func newTestEngine(t *testing.T, dir string) (*Engine, TaskStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "ketch.db"))
	require.NoError(t, err)

	cfg := config.Default()
	httpEngine := httpengine.New("ketch-test")
	e := New(cfg, st, httpEngine, nil, &fakeSource{payload: []byte("the quick brown fox jumps over the lazy dog")})
	return e, st
}

func waitForState(t *testing.T, dt *DownloadTask, kind model.DownloadStateKind, timeout time.Duration) DownloadState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last DownloadState
	for time.Now().Before(deadline) {
		last = dt.State.Get()
		if last.Kind == kind {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, last seen %v", kind, last.Kind)
	return last
}

func TestEngine_DownloadCompletes(t *testing.T) {
	dir := t.TempDir()
	e, st := newTestEngine(t, dir)
	defer st.Close()
	defer e.Close()

	dt, err := e.Download(Request{
		URL:            "fake://host/file.bin",
		DestinationDir: dir,
		Connections:    1,
	})
	require.NoError(t, err)

	state := waitForState(t, dt, model.KindCompleted, time.Second)
	require.Equal(t, model.KindCompleted, state.Kind)

	rec := dt.Record()
	require.Equal(t, model.StateCompleted, rec.State)
	data, err := os.ReadFile(rec.OutputPath)
	require.NoError(t, err)
	require.Equal(t, "the quick brown fox jumps over the lazy dog", string(data))
}

func TestEngine_PersistReloadRehydratesCompletedTask(t *testing.T) {
	dir := t.TempDir()
	e, st := newTestEngine(t, dir)

	dt, err := e.Download(Request{
		URL:            "fake://host/file2.bin",
		DestinationDir: dir,
		Connections:    1,
	})
	require.NoError(t, err)
	waitForState(t, dt, model.KindCompleted, time.Second)
	taskID := dt.ID()

	require.NoError(t, e.Close())

	e2, st2 := newTestEngine(t, dir)
	_ = st
	defer st2.Close()
	defer e2.Close()

	require.NoError(t, e2.Start())
	reloaded, ok := e2.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.StateCompleted, reloaded.Record().State)
	require.Equal(t, model.KindCompleted, reloaded.State.Get().Kind)
}

func TestEngine_PersistReloadHonorsScheduleAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e, st := newTestEngine(t, dir)

	dt, err := e.Download(Request{
		URL:            "fake://host/file-scheduled.bin",
		DestinationDir: dir,
		Connections:    1,
		Schedule:       AfterDelay(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, model.KindScheduled, dt.State.Get().Kind)
	taskID := dt.ID()

	require.NoError(t, e.Close())

	e2, st2 := newTestEngine(t, dir)
	_ = st
	defer st2.Close()
	defer e2.Close()

	require.NoError(t, e2.Start())
	reloaded, ok := e2.Task(taskID)
	require.True(t, ok)

	// A one-hour gate must still be gating right after reload: the
	// record's Schedule has to have round-tripped through the store,
	// not silently reset to Immediate.
	require.Equal(t, model.KindScheduled, reloaded.State.Get().Kind)
	require.Never(t, func() bool {
		return reloaded.State.Get().Kind == model.KindCompleted
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestEngine_PauseThenResume(t *testing.T) {
	dir := t.TempDir()
	e, st := newTestEngine(t, dir)
	defer st.Close()
	defer e.Close()

	cfg := config.Default()
	cfg.Queue.AutoStart = false
	require.NoError(t, e.UpdateConfig(cfg))

	dt, err := e.Download(Request{
		URL:            "fake://host/file3.bin",
		DestinationDir: dir,
		Connections:    1,
	})
	require.NoError(t, err)

	require.Equal(t, model.KindQueued, dt.State.Get().Kind)

	dt.Pause()
	waitForState(t, dt, model.KindPaused, time.Second)
	require.Equal(t, model.StatePaused, dt.Record().State)

	cfg2 := e.CurrentConfig()
	cfg2.Queue.AutoStart = true
	require.NoError(t, e.UpdateConfig(cfg2))

	dt.Resume("")
	waitForState(t, dt, model.KindCompleted, time.Second)
}

func TestEngine_RemoveDropsRecord(t *testing.T) {
	dir := t.TempDir()
	e, st := newTestEngine(t, dir)
	defer st.Close()
	defer e.Close()

	dt, err := e.Download(Request{
		URL:            "fake://host/file4.bin",
		DestinationDir: dir,
		Connections:    1,
	})
	require.NoError(t, err)
	waitForState(t, dt, model.KindCompleted, time.Second)

	dt.Remove()
	_, ok := e.Task(dt.ID())
	require.False(t, ok)

	_, found, err := st.Load(dt.ID())
	require.NoError(t, err)
	require.False(t, found)
}
