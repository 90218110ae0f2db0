package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containers/buildah/define"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/domain/entities/types"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/sirupsen/logrus"

	"github.com/unconst/quixand/pkg/quixerrors"
	"github.com/unconst/quixand/pkg/runtime/ptystream"
)

// PodmanRuntime implements Runtime on Podman's REST API bindings, the way
// the teacher's SocketRuntime does in pkg/commands/runtime_socket.go — a
// single bindings connection reused for every call.
type PodmanRuntime struct {
	conn context.Context
	log  *logrus.Entry
}

var _ Runtime = (*PodmanRuntime)(nil)

// NewPodmanRuntime connects to the Podman socket at socketPath (a
// "unix:///..." or "ssh://..." URI, per the teacher's socket detection).
func NewPodmanRuntime(log *logrus.Entry, socketPath string) (*PodmanRuntime, error) {
	conn, err := bindings.NewConnection(context.Background(), socketPath)
	if err != nil {
		return nil, quixerrors.New(quixerrors.RuntimeUnavailable, "connect to podman socket "+socketPath, err)
	}
	return &PodmanRuntime{conn: conn, log: log}, nil
}

func (p *PodmanRuntime) Name() string { return "podman" }

func (p *PodmanRuntime) Close() error { return nil }

func (p *PodmanRuntime) EnsureImage(ctx context.Context, image string, stderr io.Writer) error {
	exists, err := images.Exists(p.conn, image, nil)
	if err == nil && exists {
		return nil
	}

	report, err := images.Pull(p.conn, image, nil)
	if err != nil {
		return quixerrors.New(quixerrors.ImageUnavailable, fmt.Sprintf("pull image %s", image), err)
	}
	for _, id := range report {
		fmt.Fprintf(stderr, "pulled %s\n", id)
	}
	return nil
}

func (p *PodmanRuntime) Create(ctx context.Context, cfg ContainerConfig) (string, error) {
	s := specgen.NewSpecGenerator(cfg.Image, false)
	s.Name = cfg.Name
	s.WorkDir = cfg.Workdir
	s.Env = cfg.Env
	s.Entrypoint = cfg.Entrypoint
	s.Command = cfg.Command
	s.Labels = cfg.Labels
	s.Terminal = true

	for _, m := range cfg.Mounts {
		if m.Kind == MountVolume {
			s.Volumes = append(s.Volumes, &specgen.NamedVolume{
				Name:    m.Source,
				Dest:    m.Target,
				Options: mountOptions(m.ReadOnly),
			})
		} else {
			s.Mounts = append(s.Mounts, specMount(m))
		}
	}

	applyPodmanResources(s, cfg.Resources)
	applyPodmanNetwork(s, cfg.Resources.Network)

	resp, err := containers.CreateWithSpec(p.conn, s, nil)
	if err != nil {
		return "", quixerrors.New(quixerrors.Unknown, "create container", err)
	}
	return resp.ID, nil
}

func (p *PodmanRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, buildArgs map[string]string, stdout io.Writer) error {
	_, err := images.Build(p.conn, []string{dockerfile}, types.BuildOptions{
		BuildOptions: define.BuildOptions{
			ContextDirectory: contextDir,
			Output:           tag,
			Args:             buildArgs,
			Out:              stdout,
			Err:              stdout,
		},
	})
	if err != nil {
		return quixerrors.New(quixerrors.TemplateError, "build image "+tag, err)
	}
	return nil
}

func (p *PodmanRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	exists, err := images.Exists(p.conn, tag, nil)
	if err != nil {
		return false, quixerrors.New(quixerrors.Unknown, "check image exists "+tag, err)
	}
	return exists, nil
}

func (p *PodmanRuntime) RemoveImage(ctx context.Context, tag string) error {
	_, errs := images.Remove(p.conn, []string{tag}, &images.RemoveOptions{Force: boolPtr(true)})
	for _, err := range errs {
		if err != nil && !isPodmanNotFound(err) {
			return quixerrors.New(quixerrors.Unknown, "remove image "+tag, err)
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func (p *PodmanRuntime) Start(ctx context.Context, id string) error {
	err := containers.Start(p.conn, id, nil)
	if isPodmanNotFound(err) {
		return quixerrors.New(quixerrors.NotFound, "start container "+id, err)
	}
	if err != nil {
		return quixerrors.New(quixerrors.Unknown, "start container "+id, err)
	}
	return nil
}

func (p *PodmanRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := uint(timeout.Seconds())
	err := containers.Stop(p.conn, id, &containers.StopOptions{Timeout: &seconds})
	if err != nil && !isPodmanNotFound(err) {
		p.log.Warnf("best-effort stop of %s failed: %s", id, err)
	}
	return nil
}

func (p *PodmanRuntime) Remove(ctx context.Context, id string, force bool) error {
	removeVolumes := true
	_, err := containers.Remove(p.conn, id, &containers.RemoveOptions{Force: &force, Volumes: &removeVolumes})
	if err != nil && !isPodmanNotFound(err) {
		p.log.Warnf("best-effort remove of %s failed: %s", id, err)
	}
	return nil
}

func (p *PodmanRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	data, err := containers.Inspect(p.conn, id, nil)
	if isPodmanNotFound(err) {
		return ContainerInfo{}, quixerrors.New(quixerrors.NotFound, "inspect container "+id, err)
	}
	if err != nil {
		return ContainerInfo{}, quixerrors.New(quixerrors.Unknown, "inspect container "+id, err)
	}

	info := ContainerInfo{
		ID:     data.ID,
		State:  mapPodmanState(data.State.Status),
		Labels: data.Config.Labels,
	}
	if data.State != nil {
		info.ExitCode = data.State.ExitCode
		info.Started = normalizeTimestamp(data.State.StartedAt)
		info.Finished = normalizeTimestamp(data.State.FinishedAt)
	}
	info.Created = normalizeTimestamp(data.Created)

	return info, nil
}

func (p *PodmanRuntime) Exists(ctx context.Context, id string) (bool, error) {
	exists, err := containers.Exists(p.conn, id, nil)
	if err != nil {
		return false, quixerrors.New(quixerrors.Unknown, "check container exists "+id, err)
	}
	return exists, nil
}

func (p *PodmanRuntime) Exec(ctx context.Context, id string, cfg ExecConfig, timeout time.Duration) (ExecResult, error) {
	execID, err := containers.ExecCreate(p.conn, id, &specgen.ExecSessionSpecGenerator{
		Command:      cfg.Cmd,
		Env:          cfg.Env,
		WorkDir:      cfg.Workdir,
		User:         cfg.User,
		Privileged:   &cfg.Privileged,
		AttachStdin:  cfg.Stdin,
		AttachStdout: true,
		AttachStderr: true,
		Terminal:     cfg.TTY,
	})
	if err != nil {
		return ExecResult{}, quixerrors.New(quixerrors.Unknown, "create exec on "+id, err)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res ExecResult
		err error
	}
	resultCh := make(chan outcome, 1)
	start := time.Now()

	go func() {
		var buf bytes.Buffer
		err := containers.ExecStartAndAttach(p.conn, execID, &containers.ExecStartAndAttachOptions{
			OutputStream: &buf,
			ErrorStream:  &buf,
			AttachOutput: true,
			AttachError:  true,
		})
		if err != nil {
			resultCh <- outcome{err: quixerrors.New(quixerrors.Unknown, "attach exec on "+id, err)}
			return
		}

		inspect, err := containers.ExecInspect(p.conn, execID, nil)
		if err != nil {
			resultCh <- outcome{err: quixerrors.New(quixerrors.Unknown, "inspect exec on "+id, err)}
			return
		}

		resultCh <- outcome{res: ExecResult{
			ExitCode:        inspect.ExitCode,
			Stdout:          buf.Bytes(),
			DurationSeconds: time.Since(start).Seconds(),
		}}
	}()

	select {
	case o := <-resultCh:
		return o.res, o.err
	case <-execCtx.Done():
		return ExecResult{}, quixerrors.Timeoutf(timeout.String(), "exec on %s", id)
	}
}

func (p *PodmanRuntime) CopyTo(ctx context.Context, id string, hostPath, containerPath string) error {
	rdr, err := tarFromHostPath(hostPath, containerPath)
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "package "+hostPath+" into tar", err)
	}
	copyFn, err := containers.CopyFromArchive(p.conn, id, "/", rdr)
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "copy to container "+id, err)
	}
	if err := copyFn(); err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "copy to container "+id, err)
	}
	return nil
}

func (p *PodmanRuntime) CopyFrom(ctx context.Context, id string, containerPath, hostPath string) error {
	var buf bytes.Buffer
	copyFn, err := containers.CopyToArchive(p.conn, id, containerPath, &buf)
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "copy from container "+id, err)
	}
	if err := copyFn(); err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "copy from container "+id, err)
	}

	if err := extractTarTo(&buf, hostPath, containerPath); err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "extract tar to "+hostPath, err)
	}
	return nil
}

func (p *PodmanRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	r, w := io.Pipe()
	stdoutCh := make(chan string, 64)
	go func() {
		defer w.Close()
		for line := range stdoutCh {
			io.WriteString(w, line+"\n")
		}
	}()
	go func() {
		defer close(stdoutCh)
		containers.Logs(p.conn, id, &containers.LogOptions{Follow: &follow}, stdoutCh, stdoutCh)
	}()
	return r, nil
}

func (p *PodmanRuntime) Wait(ctx context.Context, id string) (int, error) {
	code, err := containers.Wait(p.conn, id, nil)
	if err != nil {
		return 0, quixerrors.New(quixerrors.Unknown, "wait for container "+id, err)
	}
	return int(code), nil
}

func (p *PodmanRuntime) List(ctx context.Context) ([]string, error) {
	all := true
	list, err := containers.List(p.conn, &containers.ListOptions{All: &all})
	if err != nil {
		return nil, quixerrors.New(quixerrors.Unknown, "list containers", err)
	}
	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	return ids, nil
}

func (p *PodmanRuntime) PTYOpen(ctx context.Context, id string, command []string, env map[string]string) (*ptystream.Session, error) {
	execID, err := containers.ExecCreate(p.conn, id, &specgen.ExecSessionSpecGenerator{
		Command:      command,
		Env:          env,
		Terminal:     true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, quixerrors.New(quixerrors.Unknown, "create pty exec on "+id, err)
	}

	conn, err := containers.ExecHijack(p.conn, execID)
	if err != nil {
		return nil, quixerrors.New(quixerrors.Unknown, "attach pty exec on "+id, err)
	}

	resize := func(ctx context.Context, execID string, height, width uint) error {
		return containers.ExecResize(p.conn, execID, uint16(height), uint16(width))
	}

	return ptystream.New(p.log, id, execID, conn, resize), nil
}

func mountOptions(readOnly bool) []string {
	if readOnly {
		return []string{"ro"}
	}
	return nil
}

func specMount(m Mount) specgen.ContainerMount {
	return specgen.ContainerMount{
		Source:      m.Source,
		Destination: m.Target,
		Type:        "bind",
		Options:     mountOptions(m.ReadOnly),
	}
}

// applyPodmanResources translates the abstract Resources into podman's
// spec, using cpu-shares = round(cores * 1024) per §4.1 rather than
// Docker's nanocpu quota — podman's cgroup v1/v2 shim only takes shares.
func applyPodmanResources(s *specgen.SpecGenerator, r Resources) {
	limits := &specgen.LinuxResourceSpec{}
	set := false

	if r.CPUCores > 0 {
		shares := uint64(r.CPUCores*1024 + 0.5)
		limits.CPU = &specgen.LinuxCPUSpec{Shares: &shares}
		set = true
	}
	if r.MemoryStr != "" {
		if memBytes, ok := parseMemoryString(r.MemoryStr); ok {
			limits.Memory = &specgen.LinuxMemorySpec{Limit: &memBytes}
			set = true
		}
	}
	if set {
		s.ResourceLimits = limits
	}
	if r.PidsLimit > 0 {
		limit := r.PidsLimit
		s.PidsLimit = &limit
	}
}

func applyPodmanNetwork(s *specgen.SpecGenerator, mode NetworkMode) {
	switch mode {
	case NetworkHost:
		s.NetNS.NSMode = specgen.Host
	case NetworkNone:
		s.NetNS.NSMode = specgen.NoNetwork
	default:
		s.NetNS.NSMode = specgen.Bridge
	}
}

func mapPodmanState(status string) State {
	switch strings.ToLower(status) {
	case "created":
		return StateCreated
	case "running":
		return StateRunning
	case "paused":
		return StatePaused
	case "stopped":
		return StateStopped
	case "exited":
		return StateExited
	case "dead":
		return StateDead
	case "removing":
		return StateRemoving
	default:
		return StateError
	}
}

func isPodmanNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "no such container") || strings.Contains(err.Error(), "404")
}
