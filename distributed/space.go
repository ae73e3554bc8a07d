package distributed

import (
	"context"
	"fmt"

	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/halo"
	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

// VectorSpace is one worker's view of the distributed coefficient space: its
// partition, its communicator and the exchanger that reconciles containers
// created from it.
type VectorSpace struct {
	decomp    *partitions.Decomposition
	comm      comm.Comm
	part      partitions.Partition
	exchanger *halo.Exchanger
}

// NewVectorSpace builds the view of the calling worker, identified by
// c.Rank()
func NewVectorSpace(decomp *partitions.Decomposition, c comm.Comm, opts ...halo.Option) (*VectorSpace, error) {
	if decomp.Size() != c.Size() {
		return nil, &partitions.ConfigurationError{
			Field:  "workers",
			Reason: fmt.Sprintf("decomposition has %d workers, communicator %d", decomp.Size(), c.Size()),
		}
	}
	x, err := halo.NewExchanger(decomp.HaloPlan(c.Rank()), c, opts...)
	if err != nil {
		return nil, err
	}
	return &VectorSpace{
		decomp:    decomp,
		comm:      c,
		part:      decomp.Partition(c.Rank()),
		exchanger: x,
	}, nil
}

// Decomposition returns the global decomposition
func (s *VectorSpace) Decomposition() *partitions.Decomposition { return s.decomp }

// Comm returns the worker's communicator
func (s *VectorSpace) Comm() comm.Comm { return s.comm }

// Partition returns the worker's partition
func (s *VectorSpace) Partition() partitions.Partition { return s.part }

// Exchanger returns the halo exchanger shared by the space's containers
func (s *VectorSpace) Exchanger() *halo.Exchanger { return s.exchanger }

// NumGlobal returns the global number of coefficients
func (s *VectorSpace) NumGlobal() int {
	return utils.Product(s.decomp.NumBasis())
}

// NewVector allocates a zero vector
func (s *VectorSpace) NewVector() *Vector {
	return &Vector{Array: NewArray(s.part, 1), space: s}
}

// NewStencilMatrix allocates a zero stencil matrix mapping the space to
// itself
func (s *VectorSpace) NewStencilMatrix() *StencilMatrix {
	return newStencilMatrix(s)
}

// Exchange reconciles a container allocated from this space
func (s *VectorSpace) Exchange(ctx context.Context, a halo.Container) error {
	return s.exchanger.Exchange(ctx, a)
}
