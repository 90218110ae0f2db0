// Package ptystream implements the two-worker, bounded-queue PTY model
// described in §5 of the specification: a reader goroutine pulls chunks off
// the backend's hijacked exec connection into an output queue, a writer
// goroutine drains an input queue onto that same connection, and the user's
// Stream() iterator lazily drains the output queue until the session is
// closed and the queue is empty.
//
// This is adapted from the teacher's pkg/commands/streamer package, which
// wires up the analogous reader/writer pair for attaching a local terminal
// to docker exec over a HijackedResponse. Here there is no local terminal:
// the "terminal" is the in-container exec's socket, and both ends are
// driven by library code rather than a user's real TTY.
package ptystream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// closeJoinTimeout bounds how long Close waits for the worker goroutines to
// finish draining before giving up and returning anyway.
const closeJoinTimeout = 2 * time.Second

const chunkQueueSize = 256

// Session holds the state of one interactive exec attached inside a
// container: the exec id, input/output queues, a liveness flag, and the
// background streaming worker goroutines.
type Session struct {
	ContainerID string
	ExecID      string

	conn io.ReadWriteCloser
	log  *logrus.Entry

	in  chan []byte
	out chan []byte

	alive int32 // atomic bool

	wg sync.WaitGroup

	resize ResizeFunc
}

// ResizeFunc resizes the backend's pty to (height, width).
type ResizeFunc func(ctx context.Context, execID string, height, width uint) error

// New wraps a hijacked connection (the backend's exec attach socket) in a
// Session and starts the reader/writer workers.
func New(log *logrus.Entry, containerID, execID string, conn io.ReadWriteCloser, resize ResizeFunc) *Session {
	s := &Session{
		ContainerID: containerID,
		ExecID:      execID,
		conn:        conn,
		log:         log,
		in:          make(chan []byte, chunkQueueSize),
		out:         make(chan []byte, chunkQueueSize),
		resize:      resize,
	}
	atomic.StoreInt32(&s.alive, 1)

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	return s
}

// readLoop pulls chunks off the backend connection and pushes them into the
// output queue until the connection errors or the session closes.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.out)

	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.out <- chunk:
			default:
				// slow consumer: drop the oldest chunk rather than block
				// the reader indefinitely and wedge the exec connection.
				select {
				case <-s.out:
				default:
				}
				s.out <- chunk
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debugf("pty read error for exec %s: %s", s.ExecID, err)
			}
			return
		}
		if atomic.LoadInt32(&s.alive) == 0 {
			return
		}
	}
}

// writeLoop drains the input queue and writes each chunk to the backend
// connection; Send is fire-and-forget from the caller's perspective.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for chunk := range s.in {
		if _, err := s.conn.Write(chunk); err != nil {
			s.log.Debugf("pty write error for exec %s: %s", s.ExecID, err)
			return
		}
	}
}

// Send enqueues data to be written to the session; it never blocks the
// caller: when the input queue is full the chunk is dropped.
func (s *Session) Send(data []byte) {
	if atomic.LoadInt32(&s.alive) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case s.in <- chunk:
	default:
		s.log.Debugf("pty input queue full for exec %s, dropping chunk", s.ExecID)
	}
}

// Resize requests the backend pty be resized to the given terminal
// dimensions with a single call; a failure is returned, not retried.
func (s *Session) Resize(ctx context.Context, height, width uint) error {
	if s.resize == nil {
		return nil
	}
	return s.resize(ctx, s.ExecID, height, width)
}

// Stream returns a channel of output chunks. The channel closes once the
// session is closed and the reader has drained everything buffered — a
// lazy, finite, non-restartable sequence per §9's PTY-streaming design note.
func (s *Session) Stream() <-chan []byte {
	return s.out
}

// Alive reports whether the session is still considered live.
func (s *Session) Alive() bool {
	return atomic.LoadInt32(&s.alive) == 1
}

// Close flips the liveness flag, closes the backend connection best-effort,
// and joins the worker goroutines with a short timeout.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.alive, 1, 0) {
		return nil
	}
	close(s.in)
	err := s.conn.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeJoinTimeout):
	}
	return err
}
