package playground

import (
	"context"
	"io"
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
	"github.com/unconst/quixand/pkg/sandbox"
	"github.com/unconst/quixand/pkg/state"
)

type fakeRuntime struct {
	containers map[string]bool
	nextID     int
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
	return runtime.ExecResult{ExitCode: 0}, nil
}
func (f *fakeRuntime) CopyTo(ctx context.Context, id, hostPath, containerPath string) error {
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
	return nil, nil
}

func newTestPlayground(t *testing.T, size int) (*Playground, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	log := logrus.NewEntry(logrus.New())
	ad := adapter.New(rt, store, t.TempDir(), log, nil)

	p := New(ad, rt, log, Config{Size: size, SandboxConfig: sandbox.Config{Image: "alpine:3.19", TimeoutSeconds: 60}})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, rt
}

func TestPrewarmFillsPoolToSize(t *testing.T) {
	p, rt := newTestPlayground(t, 3)
	require.NoError(t, p.Prewarm(context.Background()))
	assert.Len(t, p.pool, 3)
	assert.Len(t, rt.containers, 3)
}

func TestCreatePopsFromPoolBeforeBuilding(t *testing.T) {
	p, rt := newTestPlayground(t, 2)
	require.NoError(t, p.Prewarm(context.Background()))

	_, err := p.Create(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.pool, 1)
	assert.Len(t, rt.containers, 2)
}

func TestCreateBuildsOnDemandWhenPoolEmpty(t *testing.T) {
	p, rt := newTestPlayground(t, 0)

	sbx, err := p.Create(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sbx)
	assert.Len(t, rt.containers, 1)
}

func TestReleasePushesBackWhenRoom(t *testing.T) {
	p, _ := newTestPlayground(t, 2)

	sbx, err := p.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), sbx))
	assert.Len(t, p.pool, 1)
}

func TestReleaseDiscardsWhenPoolFull(t *testing.T) {
	p, rt := newTestPlayground(t, 1)
	require.NoError(t, p.Prewarm(context.Background()))

	pooled, err := p.Create(context.Background())
	require.NoError(t, err)
	extra, err := p.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), pooled))
	require.NoError(t, p.Release(context.Background(), extra))

	assert.Len(t, p.pool, 1)
	assert.Len(t, rt.containers, 1)
}

func TestAcquireReleasesOnReturn(t *testing.T) {
	p, _ := newTestPlayground(t, 1)
	require.NoError(t, p.Prewarm(context.Background()))

	err := p.Acquire(context.Background(), func(sbx *sandbox.Sandbox) error {
		assert.NotEmpty(t, sbx.ID())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, p.pool, 1)
}

func TestCloseIsIdempotentAndShutsDownOwned(t *testing.T) {
	p, rt := newTestPlayground(t, 2)
	require.NoError(t, p.Prewarm(context.Background()))

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.Len(t, rt.containers, 0)
}
