package adapter

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unconst/quixand/pkg/quixerrors"
	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/runtime/ptystream"
	"github.com/unconst/quixand/pkg/state"
)

// fakeRuntime is an in-memory Runtime used to exercise the Adapter
// without a real Docker/Podman daemon.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]bool
	nextID     int
	execLog    [][]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]bool{}}
}

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) EnsureImage(ctx context.Context, image string, stderr io.Writer) error {
	return nil
}

func (f *fakeRuntime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "fake-container-" + string(rune('a'+f.nextID))
	f.containers[id] = true
	return id, nil
}

func (f *fakeRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, buildArgs map[string]string, stdout io.Writer) error {
	return nil
}

func (f *fakeRuntime) ImageExists(ctx context.Context, tag string) (bool, error) { return false, nil }

func (f *fakeRuntime) RemoveImage(ctx context.Context, tag string) error { return nil }

func (f *fakeRuntime) Start(ctx context.Context, id string) error { return nil }

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.containers[id] {
		return runtime.ContainerInfo{}, quixerrors.NotFoundf("container %s", id)
	}
	return runtime.ContainerInfo{ID: id, State: runtime.StateRunning}, nil
}

func (f *fakeRuntime) Exists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id], nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, cfg runtime.ExecConfig, timeout time.Duration) (runtime.ExecResult, error) {
	f.mu.Lock()
	f.execLog = append(f.execLog, cfg.Cmd)
	f.mu.Unlock()
	return runtime.ExecResult{ExitCode: 0, Stdout: []byte("")}, nil
}

func (f *fakeRuntime) CopyTo(ctx context.Context, id string, hostPath, containerPath string) error {
	return nil
}

func (f *fakeRuntime) CopyFrom(ctx context.Context, id string, containerPath, hostPath string) error {
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (int, error) { return 0, nil }

func (f *fakeRuntime) List(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeRuntime) PTYOpen(ctx context.Context, id string, command []string, env map[string]string) (*ptystream.Session, error) {
	return nil, nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	log := logrus.NewEntry(logrus.New())
	return New(rt, store, t.TempDir(), log, nil), rt
}

func TestCreatePersistsHandleAndCreatesDirs(t *testing.T) {
	a, _ := newTestAdapter(t)

	h, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.NotEmpty(t, h.ContainerID)

	rec, err := a.store.Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpine:3.19", rec.Image)
	assert.Equal(t, 60, rec.TimeoutSeconds)
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, _ := newTestAdapter(t)

	h, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background(), h.ID))
	require.NoError(t, a.Shutdown(context.Background(), h.ID))

	_, err = a.store.Get(h.ID)
	require.Error(t, err)
}

func TestRunUpdatesLastActiveAt(t *testing.T) {
	a, _ := newTestAdapter(t)

	h, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)

	before, err := a.store.Get(h.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = a.Run(context.Background(), h.ID, []string{"echo", "hi"}, nil, 5*time.Second)
	require.NoError(t, err)

	after, err := a.store.Get(h.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActiveAt.After(before.LastActiveAt))
}

func TestRefreshTimeoutUpdatesRecord(t *testing.T) {
	a, _ := newTestAdapter(t)

	h, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)

	require.NoError(t, a.RefreshTimeout(h.ID, 900))

	rec, err := a.store.Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, 900, rec.TimeoutSeconds)
}

func TestConnectReattachesFromStateWithoutInspecting(t *testing.T) {
	a, _ := newTestAdapter(t)

	h, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)

	got, err := a.Connect(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)
	assert.Equal(t, h.ContainerID, got.ContainerID)
	assert.Equal(t, h.Workdir, got.Workdir)
}

func TestConnectMissingSandboxIsNotFound(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.Connect(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, quixerrors.Is(err, quixerrors.NotFound))
}

func TestGCRemovesEntriesWhoseContainerIsGone(t *testing.T) {
	a, rt := newTestAdapter(t)

	live, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)
	orphan, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)

	delete(rt.containers, orphan.ContainerID)

	removed, err := a.GC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = a.store.Get(live.ID)
	assert.NoError(t, err)
	_, err = a.store.Get(orphan.ID)
	assert.Error(t, err)
}

func TestGCIsNoopWhenEverythingLive(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.Create(context.Background(), SandboxConfig{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)

	removed, err := a.GC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestResolvePathAgainstWorkdir(t *testing.T) {
	a, _ := newTestAdapter(t)
	rec := state.Record{Workdir: "/workspace"}

	assert.Equal(t, "/etc/passwd", a.resolvePath(rec, "/etc/passwd"))
	assert.Equal(t, "/workspace/relative.txt", a.resolvePath(rec, "relative.txt"))
}

func TestParseLsOutputFieldRule(t *testing.T) {
	output := "total 8\n" +
		"drwxr-xr-x 2 root root 4096 1700000000 mydir\n" +
		"-rw-r--r-- 1 root root  123 1700000100 myfile.txt\n"

	infos := parseLsOutput(output)
	require.Len(t, infos, 2)

	assert.True(t, infos[0].IsDir)
	assert.Equal(t, "mydir", infos[0].Path)
	assert.Equal(t, int64(4096), infos[0].Size)

	assert.False(t, infos[1].IsDir)
	assert.Equal(t, "myfile.txt", infos[1].Path)
	assert.Equal(t, int64(123), infos[1].Size)
	assert.Equal(t, int64(1700000100), infos[1].ModifiedAt.Unix())
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
