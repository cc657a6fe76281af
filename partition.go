package main

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// PartitionInfo is one rank's contiguous slice of the ordered stage list.
type PartitionInfo struct {
	Rank      int
	WorldSize int
	Offset    int // global index of Stages[0]
	Stages    []Stage
}

// IsFirst reports whether this partition consumes the raw input.
func (p *PartitionInfo) IsFirst() bool { return p.Rank == 0 }

// IsTerminal reports whether this partition produces the loss.
func (p *PartitionInfo) IsTerminal() bool { return p.Rank == p.WorldSize-1 }

// Parameters returns the partition's trainable tensors in stage order.
func (p *PartitionInfo) Parameters() []*Tensor {
	var params []*Tensor
	for _, s := range p.Stages {
		params = append(params, s.Parameters()...)
	}
	return params
}

// Criterion returns the terminal stage when this partition owns it.
func (p *PartitionInfo) Criterion() (Criterion, bool) {
	if len(p.Stages) == 0 {
		return nil, false
	}
	c, ok := p.Stages[len(p.Stages)-1].(Criterion)
	return c, ok
}

// splitSizes distributes n items over parts as evenly as possible; the first
// n mod parts entries get one extra.
func splitSizes[T constraints.Integer](n, parts T) []T {
	sizes := make([]T, parts)
	base, extra := n/parts, n%parts
	for i := range sizes {
		sizes[i] = base
		if T(i) < extra {
			sizes[i]++
		}
	}
	return sizes
}

// PartitionStages splits stages into worldSize non-empty, contiguous,
// order-preserving partitions. The result is deterministic for (N, W).
func PartitionStages(stages []Stage, worldSize int) ([]*PartitionInfo, error) {
	if worldSize < 1 {
		return nil, errors.Wrapf(ErrPartitionMismatch, "world size %d", worldSize)
	}
	if worldSize > len(stages) {
		return nil, errors.Wrapf(ErrPartitionMismatch, "world size %d exceeds %d stages", worldSize, len(stages))
	}

	parts := make([]*PartitionInfo, 0, worldSize)
	offset := 0
	for rank, size := range splitSizes(len(stages), worldSize) {
		parts = append(parts, &PartitionInfo{
			Rank:      rank,
			WorldSize: worldSize,
			Offset:    offset,
			Stages:    stages[offset : offset+size : offset+size],
		})
		offset += size
	}
	return parts, nil
}

// Partition returns the slice of stages owned by rank.
func Partition(stages []Stage, rank, worldSize int) (*PartitionInfo, error) {
	parts, err := PartitionStages(stages, worldSize)
	if err != nil {
		return nil, err
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Wrapf(ErrPartitionMismatch, "rank %d outside world of %d", rank, worldSize)
	}
	return parts[rank], nil
}
