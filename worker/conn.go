package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrClosed = errors.New("worker channel closed")

// Conn is one end of an ordered, message-oriented channel between the main
// context and a worker. Frames are copied on Send, so the two sides never
// share memory. Send must not block on the peer.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// queue is an unbounded FIFO with a close flag. Frames on a Conn and
// deliveries on a Proxy both go through one.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// pop returns the oldest item. Once the queue is closed and drained it
// returns io.EOF.
func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.closed
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.wake()
			return zero, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

func copyFrame(frame []byte) []byte {
	return append([]byte(nil), frame...)
}

type pipeEnd struct {
	in   *queue[[]byte]
	out  *queue[[]byte]
	once sync.Once
}

// Pipe returns two connected in-memory ends. Closing either end closes both
// directions; frames already queued are still delivered.
func Pipe() (Conn, Conn) {
	a, b := newQueue[[]byte](), newQueue[[]byte]()
	return &pipeEnd{in: a, out: b}, &pipeEnd{in: b, out: a}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.out.push(copyFrame(frame))
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	return p.in.pop(ctx)
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() {
		p.out.close()
		p.in.close()
	})
	return nil
}

// StreamConn frames newline-delimited JSON over a byte stream, such as the
// stdio of a worker process. Writes go through an outbound queue so Send
// never waits on the peer.
type StreamConn struct {
	reader *bufio.Reader
	out    *queue[[]byte]
	in     *queue[[]byte]
	closer io.Closer
	once   sync.Once
	done   chan struct{}

	// writeErr is set by the write loop before it closes out.
	writeErr error
}

func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) *StreamConn {
	s := &StreamConn{
		reader: bufio.NewReaderSize(r, 64*1024),
		out:    newQueue[[]byte](),
		in:     newQueue[[]byte](),
		closer: closer,
		done:   make(chan struct{}),
	}
	go s.writeLoop(w)
	go s.readLoop()
	return s
}

func (s *StreamConn) writeLoop(w io.Writer) {
	defer close(s.done)
	for {
		frame, err := s.out.pop(context.Background())
		if err != nil {
			return
		}
		// Raw payloads may carry newline whitespace; it is insignificant in JSON.
		if bytes.IndexByte(frame, '\n') >= 0 {
			frame = bytes.ReplaceAll(frame, []byte("\n"), []byte(" "))
		}
		if _, err := w.Write(append(frame, '\n')); err != nil {
			s.out.mu.Lock()
			s.writeErr = err
			s.out.mu.Unlock()
			s.out.close()
			return
		}
	}
}

func (s *StreamConn) readLoop() {
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			s.in.push(bytes.TrimRight(line, "\r\n"))
		}
		if err != nil {
			s.in.close()
			return
		}
	}
}

// Send queues frame for the write loop. Once a write has failed, Send
// reports that failure wrapped in ErrClosed.
func (s *StreamConn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.out.push(copyFrame(frame)); err != nil {
		if werr := s.failure(); werr != nil {
			return fmt.Errorf("%w: %v", ErrClosed, werr)
		}
		return err
	}
	return nil
}

func (s *StreamConn) failure() error {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	return s.writeErr
}

func (s *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	return s.in.pop(ctx)
}

// Close flushes queued frames and closes the underlying stream. A write
// failure that cut the flush short is returned.
func (s *StreamConn) Close() error {
	var err error
	s.once.Do(func() {
		s.out.close()
		<-s.done
		if s.closer != nil {
			err = s.closer.Close()
		}
		if werr := s.failure(); werr != nil {
			err = werr
		}
	})
	return err
}
