// Package templates implements the content-addressed build cache from
// §4.8 of the specification: a template directory is hashed, built only
// if its tag isn't already present locally, and recorded in a JSON
// index. The atomic write-temp-then-rename index persistence mirrors
// pkg/state's Store, which solves the identical "never leave a reader
// looking at a half-written JSON file" problem for sandbox records.
package templates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/unconst/quixand/pkg/quixerrors"
	"github.com/unconst/quixand/pkg/runtime"
)

// Entry is one built template's index record.
type Entry struct {
	Name   string `json:"name"`
	Image  string `json:"image"`
	Digest string `json:"digest"`
}

// Cache is the on-disk build cache: an index file plus the runtime used
// to actually build images.
type Cache struct {
	rt        runtime.Runtime
	indexPath string

	mu sync.Mutex
}

// Open loads (or lazily creates) the index file at indexPath.
func Open(rt runtime.Runtime, indexPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, quixerrors.New(quixerrors.TemplateError, "create index dir", err)
	}
	return &Cache{rt: rt, indexPath: indexPath}, nil
}

// Build computes the content digest of dir (folded with buildArgs),
// skips the build if an image already exists locally for that digest,
// and otherwise invokes the runtime's build API and records the result
// in the index. Returns the built (or reused) Entry.
func (c *Cache) Build(ctx context.Context, name, dir string, buildArgs map[string]string, stdout io.Writer) (Entry, error) {
	digest, err := hashDir(dir, buildArgs)
	if err != nil {
		return Entry{}, quixerrors.New(quixerrors.TemplateError, "hash template dir "+dir, err)
	}

	tag := fmt.Sprintf("qs/%s:%s", name, digest[:12])

	exists, err := c.rt.ImageExists(ctx, tag)
	if err != nil {
		return Entry{}, err
	}
	if !exists {
		dockerfile := "Dockerfile"
		if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
			dockerfile = ""
		}
		if err := c.rt.BuildImage(ctx, dir, dockerfile, tag, buildArgs, stdout); err != nil {
			return Entry{}, err
		}
	}

	entry := Entry{Name: name, Image: tag, Digest: digest}
	if err := c.put(entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get looks up a previously built template by name.
func (c *Cache) Get(name string) (Entry, bool, error) {
	index, err := c.readIndex()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := index[name]
	return entry, ok, nil
}

// List returns every recorded template entry.
func (c *Cache) List() ([]Entry, error) {
	index, err := c.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(index))
	for _, e := range index {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes the built image and drops name from the index.
func (c *Cache) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.readIndexLocked()
	if err != nil {
		return err
	}
	entry, ok := index[name]
	if !ok {
		return nil
	}
	if err := c.rt.RemoveImage(ctx, entry.Image); err != nil {
		return err
	}
	delete(index, name)
	return c.writeIndexLocked(index)
}

func (c *Cache) put(entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.readIndexLocked()
	if err != nil {
		return err
	}
	index[entry.Name] = entry
	return c.writeIndexLocked(index)
}

func (c *Cache) readIndex() (map[string]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readIndexLocked()
}

func (c *Cache) readIndexLocked() (map[string]Entry, error) {
	data, err := os.ReadFile(c.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, quixerrors.New(quixerrors.TemplateError, "read index", err)
	}
	if len(data) == 0 {
		return map[string]Entry{}, nil
	}
	var index map[string]Entry
	if err := json.Unmarshal(data, &index); err != nil {
		return map[string]Entry{}, nil
	}
	if index == nil {
		index = map[string]Entry{}
	}
	return index, nil
}

func (c *Cache) writeIndexLocked(index map[string]Entry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return quixerrors.New(quixerrors.TemplateError, "encode index", err)
	}

	dir := filepath.Dir(c.indexPath)
	tmp, err := os.CreateTemp(dir, ".templates-index-*.tmp")
	if err != nil {
		return quixerrors.New(quixerrors.TemplateError, "create temp index file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return quixerrors.New(quixerrors.TemplateError, "write temp index file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return quixerrors.New(quixerrors.TemplateError, "sync temp index file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return quixerrors.New(quixerrors.TemplateError, "close temp index file", err)
	}
	if err := os.Rename(tmpName, c.indexPath); err != nil {
		os.Remove(tmpName)
		return quixerrors.New(quixerrors.TemplateError, "rename temp index file", err)
	}
	return nil
}

// hashDir computes a SHA-256 digest over dir's file contents in sorted
// path order, excluding .git* entries, optionally folded with the
// build-args encoded as sorted JSON.
func hashDir(dir string, buildArgs map[string]string) (string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(fi.Name(), ".git") {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			return "", err
		}
		io.WriteString(h, rel+"\x00")
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}

	if len(buildArgs) > 0 {
		keys := make([]string, 0, len(buildArgs))
		for k := range buildArgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		argsJSON, err := json.Marshal(struct {
			Keys   []string
			Values map[string]string
		}{Keys: keys, Values: buildArgs})
		if err != nil {
			return "", err
		}
		h.Write(argsJSON)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
