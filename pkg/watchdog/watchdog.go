// Package watchdog implements the detached per-sandbox reaper described
// in §4.4 of the specification. Spawning a detached, session-leader
// subprocess is grounded on the teacher's tunnelSSH helper in
// pkg/commands/docker.go, which starts an `ssh -L ...` tunnel in its own
// process group so it survives the parent without becoming a zombie —
// here the "subprocess" is a re-exec of quixand itself under a hidden
// `__watchdog` subcommand instead of ssh.
package watchdog

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/sirupsen/logrus"

	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/state"
)

const pollInterval = time.Second

// Spawn re-execs the current binary as `<self> __watchdog <id>`, detached
// from the calling process group so it survives the caller exiting.
func Spawn(id string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, "__watchdog", id)
	kill.PrepareForChildren(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}

// Run is the watchdog loop body, invoked by the hidden `__watchdog`
// subcommand. It polls the state store for id until the sandbox is
// reaped or found already gone, then returns.
func Run(ctx context.Context, log *logrus.Entry, store *state.Store, rt runtime.Runtime, root string, id string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec, err := store.Get(id)
		if err != nil {
			// Step 1: entry missing means sandbox is gone.
			return
		}

		now := time.Now().UTC()
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		lastActive := rec.LastActiveAt
		if lastActive.IsZero() {
			lastActive = createdAt
		}

		idleDeadline := lastActive.Add(time.Duration(rec.TimeoutSeconds) * time.Second)
		hardTimeout := time.Duration(rec.TimeoutSeconds) * 2 * time.Second
		if minHard := time.Duration(rec.TimeoutSeconds)*time.Second + 60*time.Second; hardTimeout < minHard {
			hardTimeout = minHard
		}
		hardDeadline := createdAt.Add(hardTimeout)

		if now.After(idleDeadline) || now.After(hardDeadline) {
			reap(log, store, rt, root, id, rec)
			return
		}

		exists, err := rt.Exists(ctx, rec.ContainerID)
		if err == nil && !exists {
			cleanupOnly(store, root, id, rec)
			return
		}

		time.Sleep(pollInterval)
	}
}

func reap(log *logrus.Entry, store *state.Store, rt runtime.Runtime, root, id string, rec state.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := rt.Stop(ctx, rec.ContainerID, 15*time.Second); err != nil {
		log.Debugf("watchdog: best-effort stop of %s failed: %s", rec.ContainerID, err)
	}
	if err := rt.Remove(ctx, rec.ContainerID, true); err != nil {
		log.Debugf("watchdog: best-effort remove of %s failed: %s", rec.ContainerID, err)
	}
	cleanupOnly(store, root, id, rec)
}

func cleanupOnly(store *state.Store, root, id string, rec state.Record) {
	if rec.ScratchDir != "" {
		os.RemoveAll(rec.ScratchDir)
	}
	os.RemoveAll(filepath.Join(root, "volumes", id))
	_ = store.Delete(id)
}
