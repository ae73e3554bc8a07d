package comm

import (
	"context"
	"fmt"
)

// DefaultMailboxDepth is the number of messages a rank can queue for one
// peer before Send blocks
const DefaultMailboxDepth = 16

type message struct {
	tag  Tag
	data []float64
}

// World is an in-process group of size ranks connected by one buffered
// channel per ordered pair of ranks
type World struct {
	size  int
	depth int
	boxes [][]chan message // [source][dest]
}

// WorldOption configures a World
type WorldOption func(*World)

// WithMailboxDepth sets the per-pair channel capacity
func WithMailboxDepth(n int) WorldOption {
	return func(w *World) {
		if n > 0 {
			w.depth = n
		}
	}
}

// NewWorld creates a world of size ranks
func NewWorld(size int, opts ...WorldOption) (*World, error) {
	if size < 1 {
		return nil, fmt.Errorf("world size must be positive, got %d", size)
	}
	w := &World{size: size, depth: DefaultMailboxDepth}
	for _, o := range opts {
		o(w)
	}
	w.boxes = make([][]chan message, size)
	for s := range w.boxes {
		w.boxes[s] = make([]chan message, size)
		for d := range w.boxes[s] {
			if s != d {
				w.boxes[s][d] = make(chan message, w.depth)
			}
		}
	}
	return w, nil
}

// Size returns the number of ranks
func (w *World) Size() int { return w.size }

// MailboxDepth returns the per-pair channel capacity
func (w *World) MailboxDepth() int { return w.depth }

// Comm returns the endpoint of rank. Each rank's endpoint must be used by a
// single goroutine.
func (w *World) Comm(rank int) Comm {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("rank %d outside world of size %d", rank, w.size))
	}
	return &endpoint{world: w, rank: rank}
}

type endpoint struct {
	world *World
	rank  int
}

func (e *endpoint) Rank() int { return e.rank }
func (e *endpoint) Size() int { return e.world.size }

func (e *endpoint) checkPeer(peer int, tag Tag, op string) error {
	if peer < 0 || peer >= e.world.size || peer == e.rank {
		return &CommunicationError{Rank: e.rank, Peer: peer, Tag: tag, Op: op,
			Err: fmt.Errorf("invalid peer in world of size %d", e.world.size)}
	}
	return nil
}

func (e *endpoint) Send(ctx context.Context, dest int, tag Tag, data []float64) error {
	if err := e.checkPeer(dest, tag, "send"); err != nil {
		return err
	}
	msg := message{tag: tag, data: append([]float64(nil), data...)}
	select {
	case e.world.boxes[e.rank][dest] <- msg:
		return nil
	case <-ctx.Done():
		return &CommunicationError{Rank: e.rank, Peer: dest, Tag: tag, Op: "send", Err: ctx.Err()}
	}
}

func (e *endpoint) Recv(ctx context.Context, source int, tag Tag) ([]float64, error) {
	if err := e.checkPeer(source, tag, "recv"); err != nil {
		return nil, err
	}
	select {
	case msg := <-e.world.boxes[source][e.rank]:
		if msg.tag != tag {
			return nil, &CommunicationError{Rank: e.rank, Peer: source, Tag: tag, Op: "recv",
				Err: fmt.Errorf("%w: got %s", ErrTagMismatch, msg.tag)}
		}
		return msg.data, nil
	case <-ctx.Done():
		return nil, &CommunicationError{Rank: e.rank, Peer: source, Tag: tag, Op: "recv", Err: ctx.Err()}
	}
}

func (e *endpoint) Barrier(ctx context.Context) error {
	_, err := allreduce(ctx, e, nil, TagBarrier)
	return err
}
