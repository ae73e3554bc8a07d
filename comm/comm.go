// Package comm is the message-passing substrate the workers of one assembly
// run talk through: point-to-point sends and receives between ranks, a
// barrier, and a sum reduction.
package comm

import (
	"context"
	"errors"
	"fmt"
)

// Tag labels a message with the protocol step that produced it
type Tag int

const (
	TagReduce Tag = iota + 1 // ghost contributions flowing to their owner
	TagUpdate                // owned values flowing to ghost copies
	TagGather
	TagBroadcast
	TagBarrier
)

func (t Tag) String() string {
	switch t {
	case TagReduce:
		return "reduce"
	case TagUpdate:
		return "update"
	case TagGather:
		return "gather"
	case TagBroadcast:
		return "broadcast"
	case TagBarrier:
		return "barrier"
	}
	return fmt.Sprintf("tag(%d)", int(t))
}

// Comm is one worker's endpoint. Messages between a given pair of ranks are
// delivered in the order they were sent.
type Comm interface {
	Rank() int
	Size() int
	// Send copies data and queues it for dest. It blocks only while the
	// destination mailbox is full.
	Send(ctx context.Context, dest int, tag Tag, data []float64) error
	// Recv returns the next message from source, which must carry tag
	Recv(ctx context.Context, source int, tag Tag) ([]float64, error)
	// Barrier returns once every rank has entered it
	Barrier(ctx context.Context) error
}

// ErrMalformed marks a payload whose length disagrees with the receiver's
// plan
var ErrMalformed = errors.New("malformed message")

// ErrTagMismatch marks a message that arrived out of protocol order
var ErrTagMismatch = errors.New("unexpected message tag")

// CommunicationError reports a failed exchange with a peer. It is fatal for
// the operation in progress.
type CommunicationError struct {
	Rank int
	Peer int
	Tag  Tag
	Op   string // "send" or "recv"
	Err  error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("rank %d: %s %s with rank %d: %v", e.Rank, e.Op, e.Tag, e.Peer, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// Malformed builds the error a receiver returns when a payload of length got
// arrives where want values were expected
func Malformed(rank, peer int, tag Tag, got, want int) error {
	return &CommunicationError{
		Rank: rank, Peer: peer, Tag: tag, Op: "recv",
		Err: fmt.Errorf("%w: %d values, expected %d", ErrMalformed, got, want),
	}
}
