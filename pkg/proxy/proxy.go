// Package proxy implements the in-container HTTP caller from §4.6 of the
// specification: it never opens a host-side socket to the sandbox.
// Instead it execs a curl invocation inside the container (the same
// exec-a-shell-command pattern the Adapter uses for every other
// operation, grounded on the teacher's attach/exec flow in
// pkg/commands/attaching.go) and parses the response out of stdout using
// a sentinel the caller appends to curl's own output format string.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/unconst/quixand/pkg/adapter"
	"github.com/unconst/quixand/pkg/quixerrors"
)

const sentinel = "__QUIXAND_STATUS__"

// Proxy calls HTTP endpoints inside one sandbox's container.
type Proxy struct {
	sandboxID string
	ad        *adapter.Adapter

	mu           sync.Mutex
	methodByPath map[string]string
}

// New builds a Proxy bound to one sandbox's adapter handle.
func New(ad *adapter.Adapter, sandboxID string) *Proxy {
	return &Proxy{sandboxID: sandboxID, ad: ad, methodByPath: map[string]string{}}
}

// Health polls GET /health every second until it returns 200 or timeout
// elapses, per §4.6's readiness contract.
func (p *Proxy) Health(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, _, err := p.curl(ctx, port, "GET", "/health", nil, 5*time.Second)
		if err == nil && status == 200 {
			return nil
		}
		if time.Now().After(deadline) {
			return quixerrors.New(quixerrors.ProxyError, fmt.Sprintf("health check on port %d did not succeed within %s", port, timeout), err)
		}
		select {
		case <-ctx.Done():
			return quixerrors.New(quixerrors.ProxyError, "health check cancelled", ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Run dispatches one call per §4.6's rules: optional readiness check,
// primary request with 404 fallback-path retry, status-range validation,
// and best-effort JSON decode of the body.
func (p *Proxy) Run(ctx context.Context, port int, path, method string, payload map[string]interface{}, timeout time.Duration, ensureReady bool, fallbackPaths []string) (interface{}, error) {
	if ensureReady {
		readyTimeout := timeout
		if readyTimeout > 30*time.Second {
			readyTimeout = 30 * time.Second
		}
		if err := p.Health(ctx, port, readyTimeout); err != nil {
			return nil, err
		}
	}

	status, body, err := p.curl(ctx, port, method, path, payload, timeout)
	if err != nil {
		return nil, err
	}

	if status == 404 {
		for _, fb := range fallbackPaths {
			status, body, err = p.curl(ctx, port, method, fb, payload, timeout)
			if err != nil {
				return nil, err
			}
			if status != 404 {
				break
			}
		}
	}

	if status < 200 || status >= 300 {
		preview := body
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, quixerrors.New(quixerrors.ProxyError, fmt.Sprintf("status %d: %s", status, preview), nil)
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return body, nil
	}
	return decoded, nil
}

// Call implements dynamic method discovery: an unrecognized path is
// probed with OPTIONS, and the Allow header picks the verb from
// {POST, GET, PUT} in that priority order, cached by path thereafter.
func (p *Proxy) Call(ctx context.Context, port int, path string, kwargs map[string]interface{}, timeout time.Duration) (interface{}, error) {
	p.mu.Lock()
	method, cached := p.methodByPath[path]
	p.mu.Unlock()

	if !cached {
		discovered, err := p.discoverMethod(ctx, port, path, timeout)
		if err != nil {
			return nil, err
		}
		method = discovered
		p.mu.Lock()
		p.methodByPath[path] = method
		p.mu.Unlock()
	}

	return p.Run(ctx, port, path, method, kwargs, timeout, false, nil)
}

func (p *Proxy) discoverMethod(ctx context.Context, port int, path string, timeout time.Duration) (string, error) {
	_, allow, err := p.curlHeader(ctx, port, "OPTIONS", path, "Allow", timeout)
	if err != nil {
		return "", err
	}
	for _, candidate := range []string{"POST", "GET", "PUT"} {
		if strings.Contains(allow, candidate) {
			return candidate, nil
		}
	}
	return "", quixerrors.New(quixerrors.ProxyError, fmt.Sprintf("no usable method in Allow header %q for %s", allow, path), nil)
}

// curl execs a curl invocation inside the container for method/path,
// returning the parsed status code and response body per §4.6's
// sentinel-suffix parsing rule.
func (p *Proxy) curl(ctx context.Context, port int, method, path string, payload map[string]interface{}, timeout time.Duration) (int, string, error) {
	url := fmt.Sprintf("http://localhost:%d%s", port, path)
	args := []string{"curl", "-sS", "-X", method, "-w", sentinel + "%{http_code}"}

	if method == "GET" && payload != nil {
		url += "?" + encodeQuery(payload)
	} else if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, "", quixerrors.New(quixerrors.ProxyError, "encode payload", err)
		}
		args = append(args, "-H", "Content-Type: application/json", "-d", string(body))
	}
	args = append(args, url)

	res, err := p.ad.Run(ctx, p.sandboxID, args, nil, timeout)
	if err != nil {
		return 0, "", err
	}

	return parseSentinelResponse(string(res.Stdout))
}

// curlHeader execs curl with the response headers dumped to stdout and
// the body discarded, and returns the requested header's value, used
// only for OPTIONS discovery.
func (p *Proxy) curlHeader(ctx context.Context, port int, method, path, header string, timeout time.Duration) (int, string, error) {
	url := fmt.Sprintf("http://localhost:%d%s", port, path)
	args := []string{"curl", "-sS", "-X", method, "-D", "-", "-o", "/dev/null", url}

	res, err := p.ad.Run(ctx, p.sandboxID, args, nil, timeout)
	if err != nil {
		return 0, "", err
	}

	headers := string(res.Stdout)
	for _, line := range strings.Split(headers, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(header)+":") {
			return 0, strings.TrimSpace(line[len(header)+1:]), nil
		}
	}
	return 0, "", nil
}

// parseSentinelResponse implements §4.6's parsing rule: locate the last
// occurrence of the sentinel; text before it is the body, text after is
// the HTTP status.
func parseSentinelResponse(stdout string) (int, string, error) {
	idx := strings.LastIndex(stdout, sentinel)
	if idx < 0 {
		return 0, "", quixerrors.New(quixerrors.ProxyError, "no status sentinel found in response", nil)
	}
	body := stdout[:idx]
	statusStr := strings.TrimSpace(stdout[idx+len(sentinel):])
	status, err := strconv.Atoi(statusStr)
	if err != nil {
		return 0, "", quixerrors.New(quixerrors.ProxyError, "unparseable status code "+statusStr, err)
	}
	return status, body, nil
}

func encodeQuery(payload map[string]interface{}) string {
	parts := make([]string, 0, len(payload))
	for k, v := range payload {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, "&")
}
