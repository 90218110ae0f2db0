// Package playground implements the prewarmed sandbox pool from §4.7 of
// the specification: a LIFO stack of ready-to-use sandboxes so callers
// pay the container-creation cost up front instead of per-request.
// Grounded on the teacher's signal-handling pattern in pkg/app/app.go
// (which installs a SIGWINCH handler for the life of the process) for
// the process-wide registry + OS signal cleanup; the pool itself has no
// direct teacher analogue since lazydocker never pools containers.
package playground

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/unconst/quixand/pkg/adapter"
	"github.com/unconst/quixand/pkg/runtime"
	"github.com/unconst/quixand/pkg/sandbox"
)

// Config configures a Playground's pool behavior and the sandboxes it
// creates.
type Config struct {
	Size          int
	SandboxConfig sandbox.Config
}

// Playground owns a LIFO pool of prewarmed sandboxes plus every sandbox
// it has ever handed out, so Close can shut all of them down.
type Playground struct {
	ad  *adapter.Adapter
	rt  runtime.Runtime
	log *logrus.Entry
	cfg Config

	mu     sync.Mutex
	pool   []*sandbox.Sandbox
	owned  map[*sandbox.Sandbox]bool
	closed bool
}

// New builds an unprewarmed Playground. Call Prewarm to fill the pool
// eagerly, or let Create lazily build sandboxes on demand.
func New(ad *adapter.Adapter, rt runtime.Runtime, log *logrus.Entry, cfg Config) *Playground {
	p := &Playground{ad: ad, rt: rt, log: log, cfg: cfg, owned: map[*sandbox.Sandbox]bool{}}
	register(p)
	return p
}

// Prewarm creates cfg.Size sandboxes and pushes them onto the pool.
func (p *Playground) Prewarm(ctx context.Context) error {
	for i := 0; i < p.cfg.Size; i++ {
		sbx, err := sandbox.New(ctx, p.ad, p.rt, p.log, p.cfg.SandboxConfig)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.pool = append(p.pool, sbx)
		p.owned[sbx] = true
		p.mu.Unlock()
	}
	return nil
}

// Create pops a prewarmed sandbox off the pool, or builds one on demand
// if the pool is empty.
func (p *Playground) Create(ctx context.Context) (*sandbox.Sandbox, error) {
	p.mu.Lock()
	if len(p.pool) > 0 {
		sbx := p.pool[len(p.pool)-1]
		p.pool = p.pool[:len(p.pool)-1]
		p.mu.Unlock()
		return sbx, nil
	}
	p.mu.Unlock()

	sbx, err := sandbox.New(ctx, p.ad, p.rt, p.log, p.cfg.SandboxConfig)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.owned[sbx] = true
	p.mu.Unlock()
	return sbx, nil
}

// Release returns sbx to the pool if this Playground owns it and the
// pool has room; otherwise it is discarded (shut down and forgotten).
func (p *Playground) Release(ctx context.Context, sbx *sandbox.Sandbox) error {
	p.mu.Lock()
	if !p.owned[sbx] || len(p.pool) >= p.cfg.Size {
		delete(p.owned, sbx)
		p.mu.Unlock()
		return sbx.Shutdown(ctx)
	}
	p.pool = append(p.pool, sbx)
	p.mu.Unlock()
	return nil
}

// Acquire is the scoped-acquisition helper: it creates or pops a
// sandbox, passes it to fn, and releases it back to the pool on return
// regardless of error.
func (p *Playground) Acquire(ctx context.Context, fn func(*sandbox.Sandbox) error) error {
	sbx, err := p.Create(ctx)
	if err != nil {
		return err
	}
	defer p.Release(ctx, sbx)
	return fn(sbx)
}

// Close shuts down every sandbox this Playground has ever created,
// drains the pool, and de-registers itself from the process-wide
// signal handler. It is idempotent.
func (p *Playground) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	owned := make([]*sandbox.Sandbox, 0, len(p.owned))
	for sbx := range p.owned {
		owned = append(owned, sbx)
	}
	p.owned = map[*sandbox.Sandbox]bool{}
	p.pool = nil
	p.mu.Unlock()

	unregister(p)

	var firstErr error
	for _, sbx := range owned {
		if err := sbx.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// process-wide registry of live playgrounds, closed by a single chained
// SIGINT/SIGTERM handler so callers don't each install their own.

var (
	registryMu  sync.Mutex
	registry    = map[*Playground]bool{}
	handlerOnce sync.Once
)

func register(p *Playground) {
	registryMu.Lock()
	registry[p] = true
	registryMu.Unlock()
	handlerOnce.Do(installSignalHandler)
}

func unregister(p *Playground) {
	registryMu.Lock()
	delete(registry, p)
	registryMu.Unlock()
}

func installSignalHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		registryMu.Lock()
		playgrounds := make([]*Playground, 0, len(registry))
		for p := range registry {
			playgrounds = append(playgrounds, p)
		}
		registryMu.Unlock()

		ctx := context.Background()
		for _, p := range playgrounds {
			_ = p.Close(ctx)
		}
		os.Exit(1)
	}()
}
