package bsread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// ErrClosed is returned by Receive after the source is closed.
var ErrClosed = errors.New("bsread: source closed")

// Source is a connected beam-synchronous stream subscriber. A single
// reader goroutine owns the socket; Receive hands out decoded messages.
type Source struct {
	sock    zmq4.Socket
	dec     *decoder
	timeout time.Duration
	log     *zap.Logger

	msgs chan zmq4.Msg
	// done releases a readLoop blocked handing off a message when the
	// consumer is gone.
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	readErr error
	cancel  context.CancelFunc
}

// Option configures a Source.
type Option func(*Source)

// WithReceiveTimeout bounds how long Receive waits for the next pulse.
func WithReceiveTimeout(d time.Duration) Option {
	return func(s *Source) { s.timeout = d }
}

// WithLogger attaches a logger to the source.
func WithLogger(log *zap.Logger) Option {
	return func(s *Source) { s.log = log }
}

// Connect dials the stream endpoint and subscribes to all messages. The
// dispatching layer prefilters the stream to the requested channels, so
// the subscription itself is unfiltered.
func Connect(ctx context.Context, addr string, opts ...Option) (*Source, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewSub(sockCtx)
	if err := sock.Dial(addr); err != nil {
		cancel()
		return nil, fmt.Errorf("bsread: dial %s: %w", addr, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sock.Close()
		cancel()
		return nil, fmt.Errorf("bsread: subscribe: %w", err)
	}

	s := &Source{
		sock:    sock,
		dec:     newDecoder(),
		timeout: 10 * time.Second,
		log:     zap.NewNop(),
		msgs:    make(chan zmq4.Msg, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.Info("stream connected", zap.String("addr", addr))

	go s.readLoop()
	return s, nil
}

// readLoop pulls multipart messages off the socket until it is closed.
func (s *Source) readLoop() {
	defer close(s.msgs)
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.readErr = err
			}
			s.mu.Unlock()
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

// Receive returns the next decoded pulse. It honors ctx cancellation and
// the configured receive timeout.
func (s *Source) Receive(ctx context.Context) (*Message, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("bsread: no message within %v", s.timeout)
	case msg, ok := <-s.msgs:
		if !ok {
			s.mu.Lock()
			err := s.readErr
			s.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("bsread: receive: %w", err)
			}
			return nil, ErrClosed
		}
		return s.dec.decode(msg.Frames)
	}
}

// Close shuts the subscription down. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.sock.Close()
	s.cancel()
	return err
}
