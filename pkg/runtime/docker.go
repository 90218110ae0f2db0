package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/unconst/quixand/pkg/quixerrors"
	"github.com/unconst/quixand/pkg/runtime/ptystream"
)

// DockerRuntime implements Runtime directly on the Docker Engine API, the
// way the teacher's DockerCommand does in pkg/commands/docker.go — one long
// lived *client.Client built from the environment, reused for every call.
type DockerRuntime struct {
	cli *dockerclient.Client
	log *logrus.Entry
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime builds a Docker-backed Runtime, picking up DOCKER_HOST
// and TLS settings from the environment exactly as the teacher's
// NewDockerCommand does via client.FromEnv.
func NewDockerRuntime(log *logrus.Entry) (*DockerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, quixerrors.New(quixerrors.RuntimeUnavailable, "create docker client", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, quixerrors.New(quixerrors.RuntimeUnavailable, "ping docker daemon", err)
	}

	return &DockerRuntime{cli: cli, log: log}, nil
}

func (d *DockerRuntime) Name() string { return "docker" }

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, image string, stderr io.Writer) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}

	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return quixerrors.New(quixerrors.ImageUnavailable, fmt.Sprintf("pull image %s", image), err)
	}
	defer reader.Close()

	if _, err := io.Copy(stderr, reader); err != nil {
		return quixerrors.New(quixerrors.ImageUnavailable, fmt.Sprintf("stream pull status for %s", image), err)
	}

	return nil
}

func (d *DockerRuntime) Create(ctx context.Context, cfg ContainerConfig) (string, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		typ := mount.TypeBind
		if m.Kind == MountVolume {
			typ = mount.TypeVolume
		}
		mounts = append(mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
	}
	applyDockerResources(hostConfig, cfg.Resources)
	applyDockerNetwork(hostConfig, cfg.Resources.Network)

	portSet, portBindings := dockerPortMap(cfg.Ports)
	hostConfig.PortBindings = portBindings

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        cfg.Image,
		Env:          env,
		WorkingDir:   cfg.Workdir,
		Entrypoint:   cfg.Entrypoint,
		Cmd:          cfg.Command,
		Labels:       cfg.Labels,
		ExposedPorts: portSet,
		Tty:          true,
		OpenStdin:    true,
	}, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", quixerrors.New(quixerrors.Unknown, "create container", err)
	}

	return resp.ID, nil
}

func (d *DockerRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, buildArgs map[string]string, stdout io.Writer) error {
	tarBuf, err := tarFromDir(contextDir)
	if err != nil {
		return quixerrors.New(quixerrors.TemplateError, "package build context", err)
	}

	args := make(map[string]*string, len(buildArgs))
	for k, v := range buildArgs {
		val := v
		args[k] = &val
	}

	resp, err := d.cli.ImageBuild(ctx, tarBuf, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return quixerrors.New(quixerrors.TemplateError, "build image "+tag, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return quixerrors.New(quixerrors.TemplateError, "stream build output for "+tag, err)
	}
	return nil
}

func (d *DockerRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, tag)
	if err == nil {
		return true, nil
	}
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	return false, quixerrors.New(quixerrors.Unknown, "inspect image "+tag, err)
}

func (d *DockerRuntime) RemoveImage(ctx context.Context, tag string) error {
	_, err := d.cli.ImageRemove(ctx, tag, types.ImageRemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return quixerrors.New(quixerrors.Unknown, "remove image "+tag, err)
	}
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	err := d.cli.ContainerStart(ctx, id, container.StartOptions{})
	if dockerclient.IsErrNotFound(err) {
		return quixerrors.New(quixerrors.NotFound, "start container "+id, err)
	}
	if err != nil {
		return quixerrors.New(quixerrors.Unknown, "start container "+id, err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		d.log.Warnf("best-effort stop of %s failed: %s", id, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		d.log.Warnf("best-effort remove of %s failed: %s", id, err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	details, err := d.cli.ContainerInspect(ctx, id)
	if dockerclient.IsErrNotFound(err) {
		return ContainerInfo{}, quixerrors.New(quixerrors.NotFound, "inspect container "+id, err)
	}
	if err != nil {
		return ContainerInfo{}, quixerrors.New(quixerrors.Unknown, "inspect container "+id, err)
	}

	return ContainerInfo{
		ID:       details.ID,
		State:    mapDockerState(details.State),
		Created:  parseDockerTime(details.Created),
		Started:  parseDockerTime(details.State.StartedAt),
		Finished: parseDockerTime(details.State.FinishedAt),
		ExitCode: details.State.ExitCode,
		Labels:   details.Config.Labels,
	}, nil
}

func (d *DockerRuntime) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.Inspect(ctx, id)
	if err == nil {
		return true, nil
	}
	if quixerrors.Is(err, quixerrors.NotFound) {
		return false, nil
	}
	return false, err
}

func (d *DockerRuntime) Exec(ctx context.Context, id string, cfg ExecConfig, timeout time.Duration) (ExecResult, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	execID, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cfg.Cmd,
		Env:          env,
		WorkingDir:   cfg.Workdir,
		User:         cfg.User,
		Tty:          cfg.TTY,
		AttachStdin:  cfg.Stdin,
		AttachStdout: true,
		AttachStderr: true,
		Privileged:   cfg.Privileged,
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
		resp, err := d.cli.ContainerExecAttach(context.Background(), execID.ID, types.ExecStartCheck{Tty: cfg.TTY})
		if err != nil {
			resultCh <- outcome{err: quixerrors.New(quixerrors.Unknown, "attach exec on "+id, err)}
			return
		}
		defer resp.Close()

		var buf bytes.Buffer
		io.Copy(&buf, resp.Reader)

		inspect, err := d.cli.ContainerExecInspect(context.Background(), execID.ID)
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
		// The exec is abandoned in place; the container stays alive, per
		// §5's cancellation contract.
		return ExecResult{}, quixerrors.Timeoutf(timeout.String(), "exec on %s", id)
	}
}

func (d *DockerRuntime) CopyTo(ctx context.Context, id string, hostPath, containerPath string) error {
	tarBuf, err := tarFromHostPath(hostPath, containerPath)
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "package "+hostPath+" into tar", err)
	}
	err = d.cli.CopyToContainer(ctx, id, "/", tarBuf, container.CopyToContainerOptions{})
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "copy to container "+id, err)
	}
	return nil
}

func (d *DockerRuntime) CopyFrom(ctx context.Context, id string, containerPath, hostPath string) error {
	reader, _, err := d.cli.CopyFromContainer(ctx, id, containerPath)
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "copy from container "+id, err)
	}
	defer reader.Close()

	if err := extractTarTo(reader, hostPath, containerPath); err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "extract tar to "+hostPath, err)
	}
	return nil
}

func (d *DockerRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
}

func (d *DockerRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, quixerrors.New(quixerrors.Unknown, "wait for container "+id, err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

func (d *DockerRuntime) List(ctx context.Context) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, quixerrors.New(quixerrors.Unknown, "list containers", err)
	}
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return ids, nil
}

func (d *DockerRuntime) PTYOpen(ctx context.Context, id string, command []string, env map[string]string) (*ptystream.Session, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	execID, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          command,
		Env:          envList,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, quixerrors.New(quixerrors.Unknown, "create pty exec on "+id, err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, quixerrors.New(quixerrors.Unknown, "attach pty exec on "+id, err)
	}

	resize := func(ctx context.Context, execID string, height, width uint) error {
		return d.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: height, Width: width})
	}

	return ptystream.New(d.log, id, execID.ID, resp.Conn, resize), nil
}

func mapDockerState(s *types.ContainerState) State {
	if s == nil {
		return StateError
	}
	switch s.Status {
	case "created":
		return StateCreated
	case "running", "restarting":
		return StateRunning
	case "paused":
		return StatePaused
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

func parseDockerTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return normalizeTimestamp(t)
}

func applyDockerResources(hc *container.HostConfig, r Resources) {
	if r.CPUCores > 0 {
		hc.NanoCPUs = int64(r.CPUCores * 1e9)
	}
	if r.MemoryStr != "" {
		if bytes, ok := parseMemoryString(r.MemoryStr); ok {
			hc.Memory = bytes
		}
	}
	if r.PidsLimit > 0 {
		limit := r.PidsLimit
		hc.PidsLimit = &limit
	}
}

func applyDockerNetwork(hc *container.HostConfig, mode NetworkMode) {
	switch mode {
	case NetworkHost:
		hc.NetworkMode = "host"
	case NetworkNone:
		hc.NetworkMode = "none"
	default:
		hc.NetworkMode = "bridge"
	}
}

// dockerPortMap builds the ExposedPorts/PortBindings pair Docker's API
// expects. quixand sandboxes are normally reached via the in-container
// Proxy (§4.6) rather than host port publishing, so this only matters when
// a caller explicitly asks for a port mapping in ContainerConfig.
func dockerPortMap(ports []PortMapping) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	portSet := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		portSet[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(p.HostPort)}}
	}
	return portSet, bindings
}

// parseMemoryString parses strings like "512m" or "2g" into bytes, the
// format both Docker and Podman accept pass-through per §4.1.
func parseMemoryString(s string) (int64, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, false
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	numPart := s
	switch suffix {
	case 'k':
		mult = 1024
		numPart = s[:len(s)-1]
	case 'm':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'g':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}

func tarFromHostPath(hostPath, containerPath string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	defer tw.Close()

	// Both backends extract the archive at the container root, so the
	// top-level entry carries the full destination path.
	name := strings.Trim(containerPath, "/")
	if err := addPathToTar(tw, hostPath, name); err != nil {
		return nil, err
	}
	return &buf, nil
}

func basenameOf(p string) string {
	p = strings.TrimRight(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

func extractTarTo(r io.Reader, hostPath, containerPath string) error {
	return extractTarArchive(r, hostPath, basenameOf(containerPath))
}
