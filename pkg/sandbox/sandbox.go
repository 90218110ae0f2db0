// Package sandbox exposes the user-visible handle described in §4.5 of
// the specification: construction eagerly creates the container, and the
// handle composes the Adapter, Proxy, and PTY subsystems into one
// namespaced API (files/run/pty/proxy/lifecycle). Grounded on the
// teacher's Container type in pkg/commands/container.go, which plays the
// analogous "one handle, several composed subsystems" role for a running
// container in the TUI.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unconst/quixand/pkg/adapter"
	"github.com/unconst/quixand/pkg/proxy"
	"github.com/unconst/quixand/pkg/quixerrors"
	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/runtime/ptystream"
)

// Config is the input to New.
type Config struct {
	Image           string
	Workdir         string
	Env             map[string]string
	Resources       runtime.Resources
	TimeoutSeconds  int
	Metadata        map[string]string
	AdapterName     string
	DisableWatchdog bool
}

// Files namespaces the sandbox's filesystem operations (§4.2).
type Files struct {
	sbx *Sandbox
}

// Sandbox is the user-visible handle. It is safe to call Shutdown more
// than once; every other method after Shutdown returns an error.
type Sandbox struct {
	id  string
	ad  *adapter.Adapter
	rt  runtime.Runtime
	log *logrus.Entry

	Files *Files
	Proxy *proxy.Proxy

	mu       sync.Mutex
	shutdown bool
}

// New constructs and starts a sandbox: the Adapter creates its container
// immediately, so by the time New returns the sandbox is ready to accept
// operations.
func New(ctx context.Context, ad *adapter.Adapter, rt runtime.Runtime, log *logrus.Entry, cfg Config) (*Sandbox, error) {
	h, err := ad.Create(ctx, adapter.SandboxConfig{
		Image:           cfg.Image,
		Workdir:         cfg.Workdir,
		Env:             cfg.Env,
		Resources:       cfg.Resources,
		TimeoutSeconds:  cfg.TimeoutSeconds,
		Metadata:        cfg.Metadata,
		AdapterName:     cfg.AdapterName,
		DisableWatchdog: cfg.DisableWatchdog,
	})
	if err != nil {
		return nil, err
	}

	sbx := &Sandbox{id: h.ID, ad: ad, rt: rt, log: log}
	sbx.Files = &Files{sbx: sbx}
	sbx.Proxy = proxy.New(ad, h.ID)
	return sbx, nil
}

// Connect reattaches to an already-running sandbox by id, reconstructing
// a handle from its persisted state without recreating the container —
// the reattachment primitive the original implementation's CLI routes
// every per-sandbox command through (core/lifecycle.py's connect()).
func Connect(ctx context.Context, ad *adapter.Adapter, rt runtime.Runtime, log *logrus.Entry, id string) (*Sandbox, error) {
	h, err := ad.Connect(ctx, id)
	if err != nil {
		return nil, err
	}

	sbx := &Sandbox{id: h.ID, ad: ad, rt: rt, log: log}
	sbx.Files = &Files{sbx: sbx}
	sbx.Proxy = proxy.New(ad, h.ID)
	return sbx, nil
}

// ID returns the sandbox's UUID.
func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) checkAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return quixerrors.New(quixerrors.NotFound, "sandbox "+s.id+" already shut down", nil)
	}
	return nil
}

// Run execs cmd inside the sandbox, returning the combined result.
func (s *Sandbox) Run(ctx context.Context, cmd []string, env map[string]string, timeout time.Duration) (runtime.ExecResult, error) {
	if err := s.checkAlive(); err != nil {
		return runtime.ExecResult{}, err
	}
	return s.ad.Run(ctx, s.id, cmd, env, timeout)
}

// RunCode writes source to a temp file inside the sandbox and executes
// it with interpreter (e.g. "python3", "node"), per §4.5.
func (s *Sandbox) RunCode(ctx context.Context, interpreter, source string, timeout time.Duration) (runtime.ExecResult, error) {
	if err := s.checkAlive(); err != nil {
		return runtime.ExecResult{}, err
	}

	scriptPath := fmt.Sprintf("/tmp/quixand-run-%d%s", time.Now().UnixNano(), scriptExt(interpreter))
	if err := s.ad.Write(ctx, s.id, scriptPath, []byte(source)); err != nil {
		return runtime.ExecResult{}, err
	}
	return s.ad.Run(ctx, s.id, []string{interpreter, scriptPath}, nil, timeout)
}

func scriptExt(interpreter string) string {
	switch {
	case strings.Contains(interpreter, "python"):
		return ".py"
	case strings.Contains(interpreter, "node"):
		return ".js"
	case strings.Contains(interpreter, "ruby"):
		return ".rb"
	default:
		return ".sh"
	}
}

// InstallPkg runs the interpreter's package manager (e.g. "pip",
// "npm") inside the sandbox to install spec, per §4.5.
func (s *Sandbox) InstallPkg(ctx context.Context, manager string, spec string, timeout time.Duration) (runtime.ExecResult, error) {
	if err := s.checkAlive(); err != nil {
		return runtime.ExecResult{}, err
	}

	var cmd []string
	switch manager {
	case "pip":
		cmd = []string{"pip", "install", spec}
	case "npm":
		cmd = []string{"npm", "install", "-g", spec}
	case "apt":
		cmd = []string{"apt-get", "install", "-y", spec}
	default:
		cmd = []string{manager, "install", spec}
	}
	return s.ad.Run(ctx, s.id, cmd, nil, timeout)
}

// PTY opens an interactive pseudoterminal running command inside the
// sandbox (§5).
func (s *Sandbox) PTY(ctx context.Context, command []string, env map[string]string) (*ptystream.Session, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	h, err := s.ad.Connect(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return s.rt.PTYOpen(ctx, h.ContainerID, command, env)
}

// Status reports the container's abstract state and computed timeout
// deadline.
func (s *Sandbox) Status(ctx context.Context) (runtime.ContainerInfo, time.Time, error) {
	return s.ad.Status(ctx, s.id)
}

// RefreshTimeout extends (or shortens) the idle timeout budget.
func (s *Sandbox) RefreshTimeout(seconds int) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	return s.ad.RefreshTimeout(s.id, seconds)
}

// Shutdown tears the sandbox down. It is idempotent: a second call is a
// no-op that returns nil.
func (s *Sandbox) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	return s.ad.Shutdown(ctx, s.id)
}

// WithSandbox constructs a sandbox, passes it to fn, and guarantees
// Shutdown runs on return — the scoped acquisition helper from §4.5,
// named after Go's accept-a-closure idiom rather than a context manager.
func WithSandbox(ctx context.Context, ad *adapter.Adapter, rt runtime.Runtime, log *logrus.Entry, cfg Config, fn func(*Sandbox) error) error {
	sbx, err := New(ctx, ad, rt, log, cfg)
	if err != nil {
		return err
	}
	defer sbx.Shutdown(ctx)
	return fn(sbx)
}

// Write stages and copies data into path inside the sandbox.
func (f *Files) Write(ctx context.Context, path string, data []byte) error {
	if err := f.sbx.checkAlive(); err != nil {
		return err
	}
	return f.sbx.ad.Write(ctx, f.sbx.id, path, data)
}

// Read copies path out of the sandbox and returns its contents.
func (f *Files) Read(ctx context.Context, path string) ([]byte, error) {
	if err := f.sbx.checkAlive(); err != nil {
		return nil, err
	}
	return f.sbx.ad.Read(ctx, f.sbx.id, path)
}

// Ls lists path's contents.
func (f *Files) Ls(ctx context.Context, path string) ([]adapter.FileInfo, error) {
	if err := f.sbx.checkAlive(); err != nil {
		return nil, err
	}
	return f.sbx.ad.Ls(ctx, f.sbx.id, path)
}

// Mkdir creates path (and parents) inside the sandbox.
func (f *Files) Mkdir(ctx context.Context, path string) error {
	if err := f.sbx.checkAlive(); err != nil {
		return err
	}
	return f.sbx.ad.Mkdir(ctx, f.sbx.id, path)
}

// Rm recursively removes path inside the sandbox.
func (f *Files) Rm(ctx context.Context, path string) error {
	if err := f.sbx.checkAlive(); err != nil {
		return err
	}
	return f.sbx.ad.Rm(ctx, f.sbx.id, path)
}

// Mv renames src to dst inside the sandbox.
func (f *Files) Mv(ctx context.Context, src, dst string) error {
	if err := f.sbx.checkAlive(); err != nil {
		return err
	}
	return f.sbx.ad.Mv(ctx, f.sbx.id, src, dst)
}

// Put copies a host path into the sandbox.
func (f *Files) Put(ctx context.Context, hostPath, containerPath string) error {
	if err := f.sbx.checkAlive(); err != nil {
		return err
	}
	return f.sbx.ad.Put(ctx, f.sbx.id, hostPath, containerPath)
}

// Get copies a sandbox path to the host.
func (f *Files) Get(ctx context.Context, containerPath, hostPath string) error {
	if err := f.sbx.checkAlive(); err != nil {
		return err
	}
	return f.sbx.ad.Get(ctx, f.sbx.id, containerPath, hostPath)
}
