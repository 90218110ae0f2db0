// Package adapter binds a sandbox identity to a live container: it owns
// the host scratch/volume directories, persists the sandbox's handle to
// the State Store, and translates the Sandbox Facade's filesystem/run
// operations into Runtime calls. This is the composition root described
// in §4.2 of the specification, grounded on the way the teacher's
// Container/DockerCommand pair composes an exec-based shell call in
// pkg/commands/container.go and pkg/commands/attaching.go.
package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unconst/quixand/pkg/quixerrors"
	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/state"
)

const defaultWorkdir = "/workspace"

// SandboxConfig is the input to Create.
type SandboxConfig struct {
	Image          string
	Workdir        string
	Env            map[string]string
	Resources      runtime.Resources
	TimeoutSeconds int
	Metadata       map[string]string
	AdapterName    string
	DisableWatchdog bool
}

// Handle is the Adapter's view of one sandbox: everything the Sandbox
// Facade and the Watchdog need to address it.
type Handle struct {
	ID          string
	ContainerID string
	RuntimeName string
	Workdir     string
	ScratchDir  string
	VolumeDir   string
}

// FileInfo is one entry returned by Ls.
type FileInfo struct {
	Path       string
	Size       int64
	ModifiedAt time.Time
	IsDir      bool
}

// Adapter composes Runtime calls into sandbox-shaped operations and keeps
// the State Store in sync with every successful one.
type Adapter struct {
	rt    runtime.Runtime
	store *state.Store
	root  string
	log   *logrus.Entry

	spawnWatchdog func(id string) error
}

// New builds an Adapter rooted at root (⟨root⟩/scratch, ⟨root⟩/volumes),
// backed by rt and persisting to store. spawnWatchdog is called once per
// created sandbox unless the config disables it; nil disables watchdog
// spawning entirely (used by tests).
func New(rt runtime.Runtime, store *state.Store, root string, log *logrus.Entry, spawnWatchdog func(id string) error) *Adapter {
	return &Adapter{rt: rt, store: store, root: root, log: log, spawnWatchdog: spawnWatchdog}
}

// Create generates a sandbox id, provisions its host directories, starts
// a long-lived container, persists its handle, and spawns a watchdog.
func (a *Adapter) Create(ctx context.Context, cfg SandboxConfig) (Handle, error) {
	id := uuid.NewString()

	scratchDir := filepath.Join(a.root, "scratch", id)
	volumeDir := filepath.Join(a.root, "volumes", id)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return Handle{}, quixerrors.New(quixerrors.FilesystemError, "create scratch dir", err)
	}
	if err := os.MkdirAll(volumeDir, 0o755); err != nil {
		return Handle{}, quixerrors.New(quixerrors.FilesystemError, "create volume dir", err)
	}

	workdir := cfg.Workdir
	if workdir == "" {
		workdir = defaultWorkdir
	}

	if err := a.rt.EnsureImage(ctx, cfg.Image, os.Stderr); err != nil {
		return Handle{}, err
	}

	containerID, err := a.rt.Create(ctx, runtime.ContainerConfig{
		Name:    "quixand-" + id,
		Image:   cfg.Image,
		Workdir: workdir,
		Env:     cfg.Env,
		Mounts: []runtime.Mount{
			{Source: volumeDir, Target: workdir, Kind: runtime.MountBind},
		},
		Resources:  cfg.Resources,
		Entrypoint: []string{"sh", "-c"},
		Command:    []string{"while true; do sleep 3600; done"},
		Labels:     map[string]string{"quixand.sandbox": id},
	})
	if err != nil {
		return Handle{}, err
	}

	if err := a.rt.Start(ctx, containerID); err != nil {
		return Handle{}, err
	}

	timeoutSeconds := cfg.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 900
	}

	now := time.Now().UTC()
	rec := state.Record{
		ID:             id,
		Adapter:        cfg.AdapterName,
		Image:          cfg.Image,
		ContainerID:    containerID,
		Runtime:        a.rt.Name(),
		Workdir:        workdir,
		Status:         "running",
		CreatedAt:      now,
		LastActiveAt:   now,
		TimeoutSeconds: timeoutSeconds,
		ScratchDir:     scratchDir,
		Metadata:       cfg.Metadata,
	}
	if err := a.store.Put(rec); err != nil {
		return Handle{}, err
	}

	if !cfg.DisableWatchdog && a.spawnWatchdog != nil {
		if err := a.spawnWatchdog(id); err != nil {
			a.log.Warnf("failed to spawn watchdog for sandbox %s: %s", id, err)
		}
	}

	return Handle{ID: id, ContainerID: containerID, RuntimeName: a.rt.Name(), Workdir: workdir, ScratchDir: scratchDir, VolumeDir: volumeDir}, nil
}

// Connect reattaches to an already-running sandbox by id, reconstructing
// a Handle purely from the persisted state record — it never re-inspects
// the container, matching the original implementation's
// adapters/local_docker.py connect(), which trusts the state file rather
// than re-querying the runtime. A missing entry surfaces as NotFound.
func (a *Adapter) Connect(ctx context.Context, id string) (Handle, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		return Handle{}, err
	}
	return Handle{
		ID:          rec.ID,
		ContainerID: rec.ContainerID,
		RuntimeName: rec.Runtime,
		Workdir:     rec.Workdir,
		ScratchDir:  rec.ScratchDir,
		VolumeDir:   filepath.Join(a.root, "volumes", rec.ID),
	}, nil
}

// GC sweeps every state entry and removes the ones whose container no
// longer exists, returning the number removed. This is the orphaned-entry
// destruction path from §3 Lifecycle, distinct from the Watchdog (which
// only ever reaps the one id it was spawned for): a sandbox whose
// watchdog process died without reaping it is only ever cleaned up here.
// Grounded on the original implementation's core/lifecycle.py gc_stale().
func (a *Adapter) GC(ctx context.Context) (int, error) {
	recs, err := a.store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range recs {
		if rec.ContainerID == "" {
			continue
		}
		exists, err := a.rt.Exists(ctx, rec.ContainerID)
		if err != nil {
			a.log.Debugf("gc: failed to probe container %s for sandbox %s: %s", rec.ContainerID, rec.ID, err)
			continue
		}
		if exists {
			continue
		}

		if rec.ScratchDir != "" {
			os.RemoveAll(rec.ScratchDir)
		}
		os.RemoveAll(filepath.Join(a.root, "volumes", rec.ID))
		if err := a.store.Delete(rec.ID); err != nil {
			a.log.Warnf("gc: failed to delete state entry for sandbox %s: %s", rec.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Shutdown stops and removes the container, clears the state entry, and
// recursively deletes the sandbox's host directories. It never raises:
// every step is best-effort, and a sandbox already gone is a success.
func (a *Adapter) Shutdown(ctx context.Context, id string) error {
	rec, err := a.store.Get(id)
	if err != nil {
		// Already gone: idempotent shutdown succeeds.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_ = a.rt.Stop(stopCtx, rec.ContainerID, 15*time.Second)
	_ = a.rt.Remove(ctx, rec.ContainerID, true)

	if rec.ScratchDir != "" {
		os.RemoveAll(rec.ScratchDir)
	}
	os.RemoveAll(filepath.Join(a.root, "volumes", id))

	if err := a.store.Delete(id); err != nil {
		a.log.Warnf("failed to delete state entry for sandbox %s: %s", id, err)
	}
	return nil
}

// Status inspects the container and reports its abstract state plus the
// computed idle deadline.
func (a *Adapter) Status(ctx context.Context, id string) (runtime.ContainerInfo, time.Time, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		return runtime.ContainerInfo{}, time.Time{}, err
	}
	info, err := a.rt.Inspect(ctx, rec.ContainerID)
	if err != nil {
		return runtime.ContainerInfo{}, time.Time{}, err
	}
	timeoutAt := rec.LastActiveAt.Add(time.Duration(rec.TimeoutSeconds) * time.Second)
	return info, timeoutAt, nil
}

// RefreshTimeout sets a new idle-timeout budget and bumps LastActiveAt.
func (a *Adapter) RefreshTimeout(id string, seconds int) error {
	return a.store.Update(id, func(r *state.Record) {
		r.TimeoutSeconds = seconds
		r.LastActiveAt = time.Now().UTC()
	})
}

// Run builds a quoted shell command, execs it in the container, and
// bumps LastActiveAt on success.
func (a *Adapter) Run(ctx context.Context, id string, cmd []string, env map[string]string, timeout time.Duration) (runtime.ExecResult, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		return runtime.ExecResult{}, err
	}

	shellCmd := shellQuoteJoin(cmd)
	prefix := envPrefix(env)
	script := strings.TrimSpace(prefix + " " + shellCmd)

	res, err := a.rt.Exec(ctx, rec.ContainerID, runtime.ExecConfig{
		Cmd:     []string{"sh", "-lc", script},
		Workdir: rec.Workdir,
	}, timeout)
	if err != nil {
		return res, err
	}
	a.touch(id)
	return res, nil
}

// Write stages data into the scratch directory and copies it into the
// container at path (resolved against workdir if relative).
func (a *Adapter) Write(ctx context.Context, id, path string, data []byte) error {
	rec, err := a.store.Get(id)
	if err != nil {
		return err
	}
	target := a.resolvePath(rec, path)

	stagePath := filepath.Join(rec.ScratchDir, filepath.Base(path))
	if err := os.WriteFile(stagePath, data, 0o644); err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "stage file for write", err)
	}
	defer os.Remove(stagePath)

	if err := a.rt.CopyTo(ctx, rec.ContainerID, stagePath, target); err != nil {
		return err
	}
	a.touch(id)
	return nil
}

// Read copies path out of the container into the scratch directory and
// returns its contents.
func (a *Adapter) Read(ctx context.Context, id, path string) ([]byte, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		return nil, err
	}
	source := a.resolvePath(rec, path)

	stageDir := filepath.Join(rec.ScratchDir, "read-"+filepath.Base(path))
	defer os.RemoveAll(stageDir)

	if err := a.rt.CopyFrom(ctx, rec.ContainerID, source, stageDir); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(stageDir, filepath.Base(path)))
	if err != nil {
		return nil, quixerrors.New(quixerrors.FilesystemError, "read staged file", err)
	}
	a.touch(id)
	return data, nil
}

// Ls lists path's contents via `ls -la --time-style=+%s`, parsed per
// §4.2: each data line with ≥ 7 fields yields a FileInfo where size is
// field 4 and modified_at is field 5 (unix seconds), counting fields from
// 0, is_dir is whether the line's mode column starts with 'd', and path
// is the last field.
func (a *Adapter) Ls(ctx context.Context, id, path string) ([]FileInfo, error) {
	rec, err := a.store.Get(id)
	if err != nil {
		return nil, err
	}
	target := a.resolvePath(rec, path)

	res, err := a.rt.Exec(ctx, rec.ContainerID, runtime.ExecConfig{
		Cmd:     []string{"sh", "-lc", "ls -la --time-style=+%s " + shellQuote(target)},
		Workdir: rec.Workdir,
	}, 30*time.Second)
	if err != nil {
		return nil, err
	}
	a.touch(id)
	return parseLsOutput(string(res.Stdout)), nil
}

// Mkdir creates path (and parents) inside the container.
func (a *Adapter) Mkdir(ctx context.Context, id, path string) error {
	rec, err := a.store.Get(id)
	if err != nil {
		return err
	}
	target := a.resolvePath(rec, path)
	_, err = a.rt.Exec(ctx, rec.ContainerID, runtime.ExecConfig{
		Cmd: []string{"sh", "-lc", "mkdir -p " + shellQuote(target)},
	}, 30*time.Second)
	if err != nil {
		return err
	}
	a.touch(id)
	return nil
}

// Rm recursively removes path inside the container.
func (a *Adapter) Rm(ctx context.Context, id, path string) error {
	rec, err := a.store.Get(id)
	if err != nil {
		return err
	}
	target := a.resolvePath(rec, path)
	_, err = a.rt.Exec(ctx, rec.ContainerID, runtime.ExecConfig{
		Cmd: []string{"sh", "-lc", "rm -rf " + shellQuote(target)},
	}, 30*time.Second)
	if err != nil {
		return err
	}
	a.touch(id)
	return nil
}

// Mv renames src to dst inside the container.
func (a *Adapter) Mv(ctx context.Context, id, src, dst string) error {
	rec, err := a.store.Get(id)
	if err != nil {
		return err
	}
	from := a.resolvePath(rec, src)
	to := a.resolvePath(rec, dst)
	_, err = a.rt.Exec(ctx, rec.ContainerID, runtime.ExecConfig{
		Cmd: []string{"sh", "-lc", "mv " + shellQuote(from) + " " + shellQuote(to)},
	}, 30*time.Second)
	if err != nil {
		return err
	}
	a.touch(id)
	return nil
}

// Put copies a host file or directory into the container.
func (a *Adapter) Put(ctx context.Context, id, hostPath, containerPath string) error {
	rec, err := a.store.Get(id)
	if err != nil {
		return err
	}
	target := a.resolvePath(rec, containerPath)
	if err := a.rt.CopyTo(ctx, rec.ContainerID, hostPath, target); err != nil {
		return err
	}
	a.touch(id)
	return nil
}

// Get copies a container file or directory to the host.
func (a *Adapter) Get(ctx context.Context, id, containerPath, hostPath string) error {
	rec, err := a.store.Get(id)
	if err != nil {
		return err
	}
	source := a.resolvePath(rec, containerPath)
	if err := a.rt.CopyFrom(ctx, rec.ContainerID, source, hostPath); err != nil {
		return err
	}
	a.touch(id)
	return nil
}

func (a *Adapter) touch(id string) {
	if err := a.store.Touch(id, time.Now().UTC()); err != nil {
		a.log.Debugf("failed to touch sandbox %s: %s", id, err)
	}
}

// resolvePath resolves a path given without a leading '/' against the
// handle's workdir, per §4.2.
func (a *Adapter) resolvePath(rec state.Record, path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return filepath.Join(rec.Workdir, path)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellQuoteJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func envPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	parts := make([]string, 0, len(env))
	for k, v := range env {
		parts = append(parts, fmt.Sprintf("%s=%s", k, shellQuote(v)))
	}
	return strings.Join(parts, " ")
}

// parseLsOutput implements the field-parsing rule from §4.2.
func parseLsOutput(output string) []FileInfo {
	var out []FileInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}

		// `ls -la --time-style=+%s` prints mode, links, owner, group,
		// size, mtime, name: 0-based field 4 = size, field 5 = modified_at.
		size, _ := strconv.ParseInt(fields[4], 10, 64)

		var modified time.Time
		if secs, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			modified = time.Unix(secs, 0).UTC()
		}

		isDir := strings.HasPrefix(fields[0], "d")
		path := fields[len(fields)-1]

		out = append(out, FileInfo{
			Path:       path,
			Size:       size,
			ModifiedAt: modified,
			IsDir:      isDir,
		})
	}
	return out
}
