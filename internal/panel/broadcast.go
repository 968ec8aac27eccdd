package panel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"photodiag/internal/bsread"
)

// broadcaster fans snapshots out to subscribers. Slow subscribers drop
// updates instead of blocking the engine.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[chan T]struct{})}
}

func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			// replace the stale pending snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// StreamFactory returns a SourceFactory dialing the given stream endpoint.
// The stream carries all channels; the engines pick the ones they asked for
// out of each message.
func StreamFactory(addr string, receiveTimeout time.Duration, log *zap.Logger) SourceFactory {
	return func(ctx context.Context, channels []string) (MessageSource, error) {
		opts := []bsread.Option{bsread.WithLogger(log)}
		if receiveTimeout > 0 {
			opts = append(opts, bsread.WithReceiveTimeout(receiveTimeout))
		}
		return bsread.Connect(ctx, addr, opts...)
	}
}
