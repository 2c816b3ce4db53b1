package tunnel

import (
	"context"
	"sync"
)

// Stream is a logical bidirectional byte channel multiplexed inside a
// tunnel, bound to one destination host:port (spec.md §3 "Stream",
// §4.3 "Multiplexer"). A Stream is created by Tunnel.OpenStream and is
// owned by exactly one tunnel for its whole life.
type Stream struct {
	id   uint32
	host string
	port int

	owner *Tunnel

	mu       sync.Mutex
	queue    [][]byte
	waitCh   chan struct{}
	closed   bool
	closeErr error
}

func newStream(id uint32, host string, port int, owner *Tunnel) *Stream {
	return &Stream{
		id:    id,
		host:  host,
		port:  port,
		owner: owner,
	}
}

// ID returns the stream's 32-bit identifier, unique within its tunnel.
func (s *Stream) ID() uint32 { return s.id }

// Host returns the destination host this stream was opened for.
func (s *Stream) Host() string { return s.host }

// Port returns the destination port this stream was opened for.
func (s *Stream) Port() int { return s.port }

// deliver appends an inbound payload to the stream's inbox, waking a
// parked reader if one exists. Frames delivered after Close are
// dropped silently, matching spec.md's "once closed, no further
// inbound payloads are delivered" invariant.
func (s *Stream) deliver(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	waiter := s.waitCh
	s.waitCh = nil
	s.mu.Unlock()

	if waiter != nil {
		close(waiter)
	}
}

// Read returns the next inbound frame, parking the caller if the inbox
// is empty. Only one parked reader is supported at a time (spec.md
// §9 "Receiver parking") — a second concurrent Read is a programming
// error and returns ErrReaderAlreadyParked.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		payload := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return payload, nil
	}
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	}
	if s.waitCh != nil {
		s.mu.Unlock()
		return nil, ErrReaderAlreadyParked
	}

	waiter := make(chan struct{})
	s.waitCh = waiter
	s.mu.Unlock()

	select {
	case <-waiter:
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.queue) > 0 {
			payload := s.queue[0]
			s.queue = s.queue[1:]
			return payload, nil
		}
		if s.closeErr != nil {
			return nil, s.closeErr
		}
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		s.mu.Lock()
		if s.waitCh == waiter {
			s.waitCh = nil
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Send encrypts and transmits payload through the owning tunnel,
// prefixed with this stream's id (spec.md §4.2 "send").
func (s *Stream) Send(payload []byte) error {
	return s.owner.send(s.id, payload)
}

// Close removes the stream from its tunnel's table, marks it closed,
// and fails any parked reader with ErrConnectionClosed. Close is
// idempotent.
func (s *Stream) Close() error {
	s.closeWithError(ErrConnectionClosed)
	s.owner.removeStream(s.id)
	return nil
}

// closeWithError is used both by explicit Close and by the tunnel when
// it tears down (e.g. on transport failure) so that every parked
// reader and every subsequent Read observes the same terminal error.
func (s *Stream) closeWithError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	waiter := s.waitCh
	s.waitCh = nil
	s.mu.Unlock()

	if waiter != nil {
		close(waiter)
	}
}
