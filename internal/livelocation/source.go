package livelocation

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-coordination/internal/domain"
)

var ErrSourceClosed = errors.New("position source closed")

// ChannelSource is a PositionSource fed by Push, typically from a client
// connection that reports its device position.
type ChannelSource struct {
	ch   chan domain.Position
	done chan struct{}
	once sync.Once
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{
		ch:   make(chan domain.Position, buffer),
		done: make(chan struct{}),
	}
}

func (s *ChannelSource) Push(ctx context.Context, pos domain.Position) error {
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case s.ch <- pos:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream returned by Samples.
func (s *ChannelSource) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *ChannelSource) Samples(ctx context.Context) <-chan domain.Position {
	out := make(chan domain.Position)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case pos := <-s.ch:
				select {
				case out <- pos:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out
}
