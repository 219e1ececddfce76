// Package transport implements the two sinks the watcher ships frames to
// (spec §4.4): a framed, rate-limited TCP client with a bounded transmit
// backlog, and a synchronous append-only file sink for development. The
// core only consumes this contract; wire-codec and TCP-client internals
// beyond it are an external collaborator (spec §1), so this package stays
// intentionally thin.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kdresser/nl2xlog/internal/xerrors"
)

// Sink is the contract the watcher consumes: a synchronous accept/reject
// per frame, plus a backlog depth for draining.
type Sink interface {
	// Send submits one frame. A non-nil error is fatal to the current
	// batch (spec §7: TransportReject).
	Send(frame []byte) error
	// Pending returns the current backlog length.
	Pending() int
	// Close flushes and releases the sink's resources.
	Close() error
}

// DrainTimeout is the fixed wait spec §4.4 mandates before a drain gives
// up and the cycle fails with TransportStall.
const DrainTimeout = 180 * time.Second

// Drain polls sink.Pending() until it is <= 1, or until DrainTimeout
// elapses, in which case it returns an error wrapping
// xerrors.ErrTransportStall. The
// file sink's Pending() is always 0, so Drain returns immediately for it.
func Drain(ctx context.Context, sink Sink) error {
	deadline := time.Now().Add(DrainTimeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sink.Pending() <= 1 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: backlog did not drain within %s", xerrors.ErrTransportStall, DrainTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FileSink is the development sink: synchronous append, no backpressure,
// never stalls. Grounded on producer/file.go's fileStateWriterDisk, minus
// rotation/compression (owned by this repo's own Rotator, spec §4.5).
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewFileSink opens (creating if needed) path for append.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func (s *FileSink) Pending() int { return 0 }

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// TCPSink is the framed TCP client: length-prefixed frames, a bounded
// transmit backlog drained by a single background sender goroutine, and an
// optional rate limit (frames/sec). Adopted golang.org/x/time/rate for the
// limiter, the ecosystem-standard token bucket, since the spec's own
// "max records/second" contract (§4.4, §6 "txrate") is exactly a token
// bucket and no pack example ships a narrower fit.
type TCPSink struct {
	conn    net.Conn
	limiter *rate.Limiter

	backlog chan []byte
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	sendErr  error
	pendingN int32
}

// DialTCP connects to addr ("host:port") and starts the sender goroutine.
// txrate of 0 disables rate limiting. backlogSize bounds the transmit
// queue; Send blocks once it is full (spec §4.4 "bounded transmit
// backlog").
func DialTCP(addr string, txrate int, backlogSize int) (*TCPSink, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if txrate > 0 {
		limiter = rate.NewLimiter(rate.Limit(txrate), txrate)
	}

	s := &TCPSink{
		conn:    conn,
		limiter: limiter,
		backlog: make(chan []byte, backlogSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sendLoop()
	return s, nil
}

func (s *TCPSink) sendLoop() {
	defer s.wg.Done()
	w := bufio.NewWriter(s.conn)
	lenBuf := make([]byte, 4)

	for {
		select {
		case frame, ok := <-s.backlog:
			if !ok {
				w.Flush()
				return
			}
			if s.limiter != nil {
				s.limiter.Wait(context.Background())
			}
			binary.BigEndian.PutUint32(lenBuf, uint32(len(frame)))
			if _, err := w.Write(lenBuf); err == nil {
				_, err = w.Write(frame)
			}
			if err := w.Flush(); err != nil {
				s.mu.Lock()
				if s.sendErr == nil {
					s.sendErr = err
				}
				s.mu.Unlock()
			}
			s.decPending()
		case <-s.done:
			for len(s.backlog) > 0 {
				frame := <-s.backlog
				if s.limiter != nil {
					s.limiter.Wait(context.Background())
				}
				binary.BigEndian.PutUint32(lenBuf, uint32(len(frame)))
				w.Write(lenBuf)
				w.Write(frame)
				s.decPending()
			}
			w.Flush()
			return
		}
	}
}

func (s *TCPSink) incPending() {
	s.mu.Lock()
	s.pendingN++
	s.mu.Unlock()
}

func (s *TCPSink) decPending() {
	s.mu.Lock()
	if s.pendingN > 0 {
		s.pendingN--
	}
	s.mu.Unlock()
}

// Send enqueues frame for transmission. It blocks if the backlog is full.
func (s *TCPSink) Send(frame []byte) error {
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.incPending()
	select {
	case s.backlog <- cp:
		return nil
	case <-s.done:
		s.decPending()
		return fmt.Errorf("%w: transport closed", xerrors.ErrTransportReject)
	}
}

// Pending returns the number of frames enqueued but not yet confirmed
// written to the socket.
func (s *TCPSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.pendingN)
}

// Close stops the sender goroutine after draining the backlog and closes
// the underlying connection.
func (s *TCPSink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.conn.Close()
}
