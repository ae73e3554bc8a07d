package comm

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

// AllreduceSum returns the elementwise sum of vals over all ranks. Every
// rank must call it with the same length. Contributions are added in rank
// order on rank 0, so all ranks see bit-identical results.
func AllreduceSum(ctx context.Context, c Comm, vals []float64) ([]float64, error) {
	return allreduce(ctx, c, vals, TagGather)
}

// Gather collects every rank's payload on root, indexed by rank. Non-root
// ranks get nil.
func Gather(ctx context.Context, c Comm, root int, data []float64) ([][]float64, error) {
	if c.Rank() != root {
		return nil, c.Send(ctx, root, TagGather, data)
	}
	out := make([][]float64, c.Size())
	out[root] = append([]float64(nil), data...)
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		buf, err := c.Recv(ctx, r, TagGather)
		if err != nil {
			return nil, err
		}
		out[r] = buf
	}
	return out, nil
}

// Broadcast sends root's data to every rank and returns it
func Broadcast(ctx context.Context, c Comm, root int, data []float64) ([]float64, error) {
	if c.Rank() != root {
		return c.Recv(ctx, root, TagBroadcast)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(ctx, r, TagBroadcast, data); err != nil {
			return nil, err
		}
	}
	return append([]float64(nil), data...), nil
}

func allreduce(ctx context.Context, c Comm, vals []float64, tag Tag) ([]float64, error) {
	if c.Size() == 1 {
		return append([]float64(nil), vals...), nil
	}
	if c.Rank() != 0 {
		if err := c.Send(ctx, 0, tag, vals); err != nil {
			return nil, err
		}
		return c.Recv(ctx, 0, TagBroadcast)
	}
	sum := append([]float64(nil), vals...)
	for r := 1; r < c.Size(); r++ {
		buf, err := c.Recv(ctx, r, tag)
		if err != nil {
			return nil, err
		}
		if len(buf) != len(sum) {
			return nil, Malformed(0, r, tag, len(buf), len(sum))
		}
		floats.Add(sum, buf)
	}
	return Broadcast(ctx, c, 0, sum)
}
