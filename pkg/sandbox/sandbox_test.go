package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unconst/quixand/pkg/adapter"
	"github.com/unconst/quixand/pkg/quixerrors"
	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/runtime/ptystream"
	"github.com/unconst/quixand/pkg/state"
)

type fakeRuntime struct {
	containers map[string]bool
	nextID     int
	lastWrite  []byte
	execLog    [][]string
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{containers: map[string]bool{}} }

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) Close() error { return nil }
func (f *fakeRuntime) EnsureImage(ctx context.Context, image string, stderr io.Writer) error {
	return nil
}
func (f *fakeRuntime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	f.nextID++
	id := "fake-container-" + string(rune('a'+f.nextID))
	f.containers[id] = true
	return id, nil
}
func (f *fakeRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, buildArgs map[string]string, stdout io.Writer) error {
	return nil
}
func (f *fakeRuntime) ImageExists(ctx context.Context, tag string) (bool, error) { return false, nil }
func (f *fakeRuntime) RemoveImage(ctx context.Context, tag string) error         { return nil }
func (f *fakeRuntime) Start(ctx context.Context, id string) error                { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	delete(f.containers, id)
	return nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	if !f.containers[id] {
		return runtime.ContainerInfo{}, quixerrors.NotFoundf("container %s", id)
	}
	return runtime.ContainerInfo{ID: id, State: runtime.StateRunning}, nil
}
func (f *fakeRuntime) Exists(ctx context.Context, id string) (bool, error) {
	return f.containers[id], nil
}
func (f *fakeRuntime) Exec(ctx context.Context, id string, cfg runtime.ExecConfig, timeout time.Duration) (runtime.ExecResult, error) {
	f.execLog = append(f.execLog, cfg.Cmd)
	return runtime.ExecResult{ExitCode: 0, Stdout: []byte("ok")}, nil
}
func (f *fakeRuntime) CopyTo(ctx context.Context, id, hostPath, containerPath string) error {
	if data, err := os.ReadFile(hostPath); err == nil {
		f.lastWrite = data
	}
	return nil
}
func (f *fakeRuntime) CopyFrom(ctx context.Context, id, containerPath, hostPath string) error {
	return nil
}
func (f *fakeRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (f *fakeRuntime) Wait(ctx context.Context, id string) (int, error) { return 0, nil }
func (f *fakeRuntime) List(ctx context.Context) ([]string, error)       { return nil, nil }
func (f *fakeRuntime) PTYOpen(ctx context.Context, id string, command []string, env map[string]string) (*ptystream.Session, error) {
	return &ptystream.Session{}, nil
}

func newTestSandbox(t *testing.T) (*Sandbox, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	log := logrus.NewEntry(logrus.New())
	ad := adapter.New(rt, store, t.TempDir(), log, nil)

	sbx, err := New(context.Background(), ad, rt, log, Config{Image: "alpine:3.19", TimeoutSeconds: 60})
	require.NoError(t, err)
	return sbx, rt
}

func TestNewCreatesContainerEagerly(t *testing.T) {
	sbx, rt := newTestSandbox(t)
	assert.NotEmpty(t, sbx.ID())
	assert.Len(t, rt.containers, 1)
}

func TestRunReturnsExecResult(t *testing.T) {
	sbx, _ := newTestSandbox(t)
	res, err := sbx.Run(context.Background(), []string{"echo", "hi"}, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestShutdownIsIdempotent(t *testing.T) {
	sbx, _ := newTestSandbox(t)
	require.NoError(t, sbx.Shutdown(context.Background()))
	require.NoError(t, sbx.Shutdown(context.Background()))
}

func TestOperationsFailAfterShutdown(t *testing.T) {
	sbx, _ := newTestSandbox(t)
	require.NoError(t, sbx.Shutdown(context.Background()))

	_, err := sbx.Run(context.Background(), []string{"echo", "hi"}, nil, time.Second)
	require.Error(t, err)

	err = sbx.Files.Mkdir(context.Background(), "/tmp/x")
	require.Error(t, err)
}

func TestWithSandboxShutsDownOnReturn(t *testing.T) {
	rt := newFakeRuntime()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	log := logrus.NewEntry(logrus.New())
	ad := adapter.New(rt, store, t.TempDir(), log, nil)

	var capturedID string
	err = WithSandbox(context.Background(), ad, rt, log, Config{Image: "alpine:3.19", TimeoutSeconds: 60}, func(sbx *Sandbox) error {
		capturedID = sbx.ID()
		return nil
	})
	require.NoError(t, err)

	_, getErr := store.Get(capturedID)
	require.Error(t, getErr)
}

func TestConnectReattachesExistingSandbox(t *testing.T) {
	sbx, rt := newTestSandbox(t)
	ad := sbx.ad

	reattached, err := Connect(context.Background(), ad, rt, sbx.log, sbx.ID())
	require.NoError(t, err)
	assert.Equal(t, sbx.ID(), reattached.ID())

	res, err := reattached.Run(context.Background(), []string{"echo", "hi"}, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestConnectMissingSandboxErrors(t *testing.T) {
	rt := newFakeRuntime()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	log := logrus.NewEntry(logrus.New())
	ad := adapter.New(rt, store, t.TempDir(), log, nil)

	_, err = Connect(context.Background(), ad, rt, log, "does-not-exist")
	require.Error(t, err)
}

func TestRunCodePicksExtensionFromInterpreter(t *testing.T) {
	assert.Equal(t, ".py", scriptExt("python3"))
	assert.Equal(t, ".js", scriptExt("node"))
	assert.Equal(t, ".sh", scriptExt("bash"))
}
