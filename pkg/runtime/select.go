package runtime

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unconst/quixand/pkg/quixerrors"
)

// Select picks a backend the way the teacher's NewPodmanCommand picks
// between socket mode and libpod mode: try the preferred SDK first, fall
// back to the other, and only error if both fail. QS_RUNTIME pins the
// order when set ("docker" or "podman"); PODMAN_URI, if set, is the socket
// address handed to NewPodmanRuntime, otherwise defaultPodmanSocket's
// choice is used.
//
// This resolves Open Question 1 from the specification: prefer whichever
// SDK initializes cleanly, let QS_RUNTIME override the preference order,
// and surface RuntimeUnavailable only when neither backend can be reached.
func Select(log *logrus.Entry) (Runtime, error) {
	order := []string{"docker", "podman"}
	if pref := os.Getenv("QS_RUNTIME"); pref != "" {
		switch pref {
		case "docker":
			order = []string{"docker", "podman"}
		case "podman":
			order = []string{"podman", "docker"}
		default:
			return nil, quixerrors.New(quixerrors.RuntimeUnavailable,
				fmt.Sprintf("QS_RUNTIME=%q must be \"docker\" or \"podman\"", pref), nil)
		}
	}

	var errs []error
	for _, name := range order {
		rt, err := build(log, name)
		if err == nil {
			log.Infof("selected %s runtime", name)
			return rt, nil
		}
		log.Debugf("%s runtime unavailable: %s", name, err)
		errs = append(errs, err)
	}

	return nil, quixerrors.New(quixerrors.RuntimeUnavailable,
		fmt.Sprintf("no container runtime available, tried %v: %v", order, errs), nil)
}

func build(log *logrus.Entry, name string) (Runtime, error) {
	switch name {
	case "docker":
		return NewDockerRuntime(log)
	case "podman":
		socket := os.Getenv("PODMAN_URI")
		if socket == "" {
			socket = defaultPodmanSocket()
		}
		return NewPodmanRuntime(log, socket)
	default:
		return nil, quixerrors.New(quixerrors.RuntimeUnavailable, "unknown runtime "+name, nil)
	}
}

// defaultPodmanSocket mirrors the teacher's socket_detection files: prefer
// the rootless per-user socket under XDG_RUNTIME_DIR, fall back to the
// system socket.
func defaultPodmanSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return "unix://" + dir + "/podman/podman.sock"
	}
	return "unix:///run/podman/podman.sock"
}
