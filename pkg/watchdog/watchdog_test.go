package watchdog

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

	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/runtime/ptystream"
	"github.com/unconst/quixand/pkg/state"
)

type fakeRuntime struct {
	removed  []string
	existsFn func(id string) bool
}

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) Close() error { return nil }
func (f *fakeRuntime) EnsureImage(ctx context.Context, image string, stderr io.Writer) error {
	return nil
}
func (f *fakeRuntime) Create(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	return "", nil
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
	f.removed = append(f.removed, id)
	return nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	return runtime.ContainerInfo{}, nil
}
func (f *fakeRuntime) Exists(ctx context.Context, id string) (bool, error) {
	if f.existsFn != nil {
		return f.existsFn(id), nil
	}
	return true, nil
}
func (f *fakeRuntime) Exec(ctx context.Context, id string, cfg runtime.ExecConfig, timeout time.Duration) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
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

func newTestStore(t *testing.T) (*state.Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := state.Open(filepath.Join(root, "state.json"))
	require.NoError(t, err)
	return s, root
}

func TestRunExitsImmediatelyWhenEntryMissing(t *testing.T) {
	store, root := newTestStore(t)
	rt := &fakeRuntime{}
	log := logrus.NewEntry(logrus.New())

	done := make(chan struct{})
	go func() {
		Run(context.Background(), log, store, rt, root, "missing-id")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit for a missing state entry")
	}
}

func TestRunReapsOnIdleDeadline(t *testing.T) {
	store, root := newTestStore(t)
	rt := &fakeRuntime{}
	log := logrus.NewEntry(logrus.New())

	scratchDir := filepath.Join(root, "scratch", "sbx-1")
	require.NoError(t, os.MkdirAll(scratchDir, 0o755))

	now := time.Now().UTC()
	require.NoError(t, store.Put(state.Record{
		ID:             "sbx-1",
		ContainerID:    "container-1",
		CreatedAt:      now.Add(-time.Hour),
		LastActiveAt:   now.Add(-time.Hour),
		TimeoutSeconds: 1,
		ScratchDir:     scratchDir,
	}))

	done := make(chan struct{})
	go func() {
		Run(context.Background(), log, store, rt, root, "sbx-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not reap the idle sandbox")
	}

	_, err := store.Get("sbx-1")
	require.Error(t, err)
	assert.Contains(t, rt.removed, "container-1")
	_, statErr := os.Stat(scratchDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCleansUpWhenContainerGone(t *testing.T) {
	store, root := newTestStore(t)
	rt := &fakeRuntime{existsFn: func(id string) bool { return false }}
	log := logrus.NewEntry(logrus.New())

	now := time.Now().UTC()
	require.NoError(t, store.Put(state.Record{
		ID:             "sbx-2",
		ContainerID:    "container-2",
		CreatedAt:      now,
		LastActiveAt:   now,
		TimeoutSeconds: 3600,
	}))

	done := make(chan struct{})
	go func() {
		Run(context.Background(), log, store, rt, root, "sbx-2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not notice the container was already gone")
	}

	_, err := store.Get("sbx-2")
	require.Error(t, err)
}
