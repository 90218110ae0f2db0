// Package runtime abstracts container lifecycle operations over Docker and
// Podman behind one contract, including the interactive PTY subchannel. It
// is the unification layer described in §4.1 of the specification: the hard
// engineering of presenting one surface over two different engines.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/unconst/quixand/pkg/runtime/ptystream"
)

// Runtime is the minimal surface every container backend must expose.
// There are exactly two concrete implementations — DockerRuntime and
// PodmanRuntime — selected once at startup; no dynamic plugin loading is
// supported, mirroring the teacher's ContainerRuntime interface.
type Runtime interface {
	// Name reports which backend this is: "docker" or "podman".
	Name() string

	// EnsureImage is a no-op if the image is present locally; otherwise it
	// pulls the image, streaming status lines to stderr. Fails with
	// ImageUnavailable if both inspect and pull fail.
	EnsureImage(ctx context.Context, image string, stderr io.Writer) error

	// Create maps the abstract config onto backend API calls and returns
	// the new container's id.
	Create(ctx context.Context, cfg ContainerConfig) (string, error)

	// BuildImage builds contextDir (which must contain a Dockerfile) and
	// tags the result as tag, streaming build output to stdout. Used by
	// the Templates build cache (§4.8).
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string, buildArgs map[string]string, stdout io.Writer) error

	// ImageExists reports whether tag is present in local image storage,
	// used to skip a build whose content-addressed tag already exists.
	ImageExists(ctx context.Context, tag string) (bool, error)

	// RemoveImage deletes a locally built image by tag.
	RemoveImage(ctx context.Context, tag string) error

	// Start, Stop, Remove are idempotent: a missing container is treated
	// as success for Stop/Remove.
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error

	// Inspect returns the container's abstract info. A missing container
	// surfaces NotFound.
	Inspect(ctx context.Context, id string) (ContainerInfo, error)

	// Exists is Inspect with NotFound mapped to false.
	Exists(ctx context.Context, id string) (bool, error)

	// Exec runs a command inside the container, enforcing timeout by
	// abandoning the exec (the container is left alive) if it expires.
	Exec(ctx context.Context, id string, cfg ExecConfig, timeout time.Duration) (ExecResult, error)

	// CopyTo / CopyFrom implement tar-over-the-wire semantics: the source
	// is packaged into a tar stream and the destination extracts it.
	CopyTo(ctx context.Context, id string, hostPath, containerPath string) error
	CopyFrom(ctx context.Context, id string, containerPath, hostPath string) error

	// Logs streams the container's combined log output.
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)

	// Wait blocks until the container exits, returning its exit code.
	Wait(ctx context.Context, id string) (int, error)

	// List returns the ids of all containers this backend knows about.
	List(ctx context.Context) ([]string, error)

	// PTY operations back the interactive pseudoterminal subchannel (§5).
	PTYOpen(ctx context.Context, id string, command []string, env map[string]string) (*ptystream.Session, error)

	// Close releases backend resources (client connections, tunnels).
	Close() error
}
