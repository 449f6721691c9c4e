package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Stream yields upstream response chunks in arrival order.
// Close releases the upstream connection and must be called once the caller is done.
type Stream struct {
	ctx       context.Context
	body      io.ReadCloser
	idleTimer *time.Timer
	idle      time.Duration
	cancel    context.CancelCauseFunc
	buf       []byte
	closeOnce sync.Once
}

func newStream(ctx context.Context, body io.ReadCloser, idleTimer *time.Timer, idle time.Duration, cancel context.CancelCauseFunc) *Stream {
	return &Stream{
		ctx:       ctx,
		body:      body,
		idleTimer: idleTimer,
		idle:      idle,
		cancel:    cancel,
		buf:       make([]byte, streamChunkSize),
	}
}

// Next returns the next chunk exactly as read from upstream, or io.EOF once the upstream closes.
func (s *Stream) Next() ([]byte, error) {
	s.idleTimer.Reset(s.idle)
	n, err := s.body.Read(s.buf)
	s.idleTimer.Stop()

	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if cause := context.Cause(s.ctx); errors.Is(cause, errUpstreamTimeout) {
		return nil, fmt.Errorf("%w: no data for %s", errUpstreamTimeout, s.idle)
	}
	return nil, err
}

// Pipe forwards every chunk to w, calling flush after each write, until the
// upstream is exhausted or w fails. The stream is closed on return.
func (s *Stream) Pipe(w io.Writer, flush func()) error {
	defer s.Close()
	for {
		chunk, err := s.Next()
		if len(chunk) > 0 {
			if _, writeErr := w.Write(chunk); writeErr != nil {
				return writeErr
			}
			if flush != nil {
				flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close aborts the upstream request and releases its connection. It is safe to call repeatedly.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.idleTimer.Stop()
		s.cancel(context.Canceled)
		err = s.body.Close()
	})
	return err
}
