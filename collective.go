package main

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EpochSync holds the epoch-boundary collectives of one rank.
type EpochSync struct {
	transport Transport
}

func NewEpochSync(transport Transport) *EpochSync {
	return &EpochSync{transport: transport}
}

// Terminal returns the rank that computes validation scores.
func (s *EpochSync) Terminal() int { return s.transport.WorldSize() - 1 }

// Barrier blocks until every rank reached the same point of epoch. phase
// distinguishes several barriers within one epoch.
func (s *EpochSync) Barrier(ctx context.Context, epoch, phase int) error {
	round := epoch*barrierPhases + phase
	if err := s.transport.Barrier(ctx, round); err != nil {
		return errors.WithMessagef(err, "barrier epoch %d phase %d rank %d", epoch, phase, s.transport.Rank())
	}
	klog.V(2).Infof("rank %d passed barrier epoch %d phase %d", s.transport.Rank(), epoch, phase)
	return nil
}

// Barrier phases within an epoch.
const (
	phaseTrained = iota
	phaseSaved
	phasePromoted
	barrierPhases
)

// ShareScore returns the terminal rank's score on every rank. local is
// ignored everywhere but on the terminal rank.
func (s *EpochSync) ShareScore(ctx context.Context, epoch int, local float64) (float64, error) {
	v, err := s.transport.Broadcast(ctx, epoch, s.Terminal(), local)
	if err != nil {
		return 0, errors.WithMessagef(err, "score broadcast epoch %d rank %d", epoch, s.transport.Rank())
	}
	return v, nil
}

// resumeRound tags the broadcasts of AgreeEpoch so they cannot be taken for
// an epoch's score. Its barriers use rounds below it, which no epoch uses.
const resumeRound = -1

// AgreeEpoch has every rank broadcast local in turn and returns the values
// indexed by rank. Every rank sees the same slice, so every rank reaches the
// same verdict on it.
func (s *EpochSync) AgreeEpoch(ctx context.Context, local int) ([]int, error) {
	world := s.transport.WorldSize()
	epochs := make([]int, world)
	for root := 0; root < world; root++ {
		v, err := s.transport.Broadcast(ctx, resumeRound, root, float64(local))
		if err != nil {
			return nil, errors.WithMessagef(err, "epoch exchange from rank %d", root)
		}
		epochs[root] = int(v)
		// The next root must not send before everyone took this value.
		if err := s.transport.Barrier(ctx, resumeRound-1-root); err != nil {
			return nil, errors.WithMessagef(err, "epoch exchange barrier rank %d", s.transport.Rank())
		}
	}
	return epochs, nil
}
