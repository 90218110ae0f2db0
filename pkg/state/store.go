// Package state implements the on-disk State Store described in §6 of the
// specification: one JSON file per quixand root directory holding every
// sandbox's record, written by whichever process (Adapter or Watchdog)
// last touched a sandbox. There is no lock file and no single writer —
// every mutation reads the whole file, applies one change, and rewrites
// the whole file atomically via write-temp-then-rename, the same
// durability shape as the teacher's WriteToUserConfig in
// pkg/config/app_config.go generalized from a single-writer CLI config to
// a multi-writer runtime store: last writer wins, and a missing entry
// means the sandbox is gone.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unconst/quixand/pkg/quixerrors"
)

// Record is one sandbox's durable state, matching the on-disk shape from
// §6 of the specification plus the ScratchDir bookkeeping field §4.4's
// Watchdog needs to clean up host directories on its own, without
// consulting anything but this file. The Watchdog recomputes both the
// idle and hard deadlines fresh from CreatedAt/LastActiveAt/
// TimeoutSeconds every tick rather than reading a precomputed deadline,
// matching the original implementation's watchdog loop.
type Record struct {
	ID             string            `json:"id"`
	Adapter        string            `json:"adapter"`
	Image          string            `json:"image"`
	ContainerID    string            `json:"container_id"`
	Runtime        string            `json:"runtime"`
	Workdir        string            `json:"workdir"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActiveAt   time.Time         `json:"last_active_at"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ScratchDir     string            `json:"scratch_dir"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// records is the on-disk shape: the id→Record map sits directly at the
// JSON document's top level, matching the original implementation's flat
// `json.loads(...)` dict and the wire sample in §6 — no wrapper key.
type records map[string]Record

// Store guards access to one state file. It holds no in-memory cache of
// the file's contents — every operation round-trips through disk so that
// concurrent processes (the Adapter, the Watchdog, the CLI) never
// observe a stale view.
type Store struct {
	path string
	mu   sync.Mutex // serializes this process's own writers only
}

// Open returns a Store bound to path, creating an empty state file if one
// doesn't exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, quixerrors.New(quixerrors.FilesystemError, "create state dir for "+path, err)
		}
		if err := s.writeFile(records{}); err != nil {
			return nil, quixerrors.New(quixerrors.FilesystemError, "create state file "+path, err)
		}
	}
	return s, nil
}

// Get returns a sandbox's record. A missing file or missing entry both
// surface as NotFound — "entry missing means sandbox gone" per §6.
func (s *Store) Get(id string) (Record, error) {
	recs, err := s.readFile()
	if err != nil {
		return Record{}, err
	}
	rec, ok := recs[id]
	if !ok {
		return Record{}, quixerrors.NotFoundf("sandbox %s", id)
	}
	return rec, nil
}

// List returns every known record, in no particular order.
func (s *Store) List() ([]Record, error) {
	recs, err := s.readFile()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec)
	}
	return out, nil
}

// Put upserts a record.
func (s *Store) Put(rec Record) error {
	return s.mutate(func(recs records) {
		recs[rec.ID] = rec
	})
}

// Delete removes a record if present; deleting an absent record is a
// no-op, matching Runtime.Remove's idempotence.
func (s *Store) Delete(id string) error {
	return s.mutate(func(recs records) {
		delete(recs, id)
	})
}

// Update loads the current record, applies fn, and persists the result.
// fn receives the zero Record if id isn't present yet (callers that
// require existence should check Get first).
func (s *Store) Update(id string, fn func(*Record)) error {
	var applied Record
	err := s.mutate(func(recs records) {
		rec := recs[id]
		fn(&rec)
		applied = rec
		recs[id] = applied
	})
	return err
}

// Touch bumps LastActiveAt to now, the operation every Adapter call makes
// after its own work succeeds, per §6's monotonicity invariant: LastActiveAt
// never moves backward across a sandbox's lifetime.
func (s *Store) Touch(id string, now time.Time) error {
	return s.mutate(func(recs records) {
		rec, ok := recs[id]
		if !ok {
			return
		}
		if now.After(rec.LastActiveAt) {
			rec.LastActiveAt = now
			recs[id] = rec
		}
	})
}

func (s *Store) mutate(fn func(records)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.readFile()
	if err != nil {
		return err
	}
	fn(recs)
	return s.writeFile(recs)
}

// readFile tolerates a missing or empty file by returning an empty set of
// sandboxes rather than erroring — the store may not have been
// initialized yet by any process, and that's not a failure.
func (s *Store) readFile() (records, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return records{}, nil
	}
	if err != nil {
		return nil, quixerrors.New(quixerrors.FilesystemError, "read state file "+s.path, err)
	}
	if len(data) == 0 {
		return records{}, nil
	}

	var recs records
	if err := json.Unmarshal(data, &recs); err != nil {
		// A corrupt file (e.g. a torn write from a killed process before
		// this store existed) is treated as empty rather than fatal —
		// the next successful write heals it.
		return records{}, nil
	}
	if recs == nil {
		recs = records{}
	}
	return recs, nil
}

// writeFile persists recs atomically: marshal, write to a sibling temp
// file, fsync, then rename over the real path. Rename is atomic on every
// platform quixand targets, so a concurrent reader never observes a
// partially-written file.
func (s *Store) writeFile(recs records) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "marshal state", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return quixerrors.New(quixerrors.FilesystemError, "create temp state file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return quixerrors.New(quixerrors.FilesystemError, "write temp state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return quixerrors.New(quixerrors.FilesystemError, "sync temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return quixerrors.New(quixerrors.FilesystemError, "close temp state file", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return quixerrors.New(quixerrors.FilesystemError, "rename temp state file into place", err)
	}
	return nil
}
