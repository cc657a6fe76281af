package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One micro-batch through the rank chain. Every rank runs the same Run call
// with its own partition:
//
//   rank 0          rank r               rank W-1
//   ─────────       ─────────            ─────────
//   ids → stages    recv act             recv act
//       send act →  stages → send act →  stages → loss
//                                        criterion backward
//   recv grad   ←   recv grad            ← send grad
//   backward        backward → send grad
//
// Each send blocks until the neighbour takes the message, so the pipeline is
// synchronous: rank r+1 cannot start before r has finished its forward, and
// gradients only move once the terminal rank has the loss.
//
// ABORTS:
//
// A rank that fails (shape mismatch, NaN loss, bad sequence number) cannot
// simply return: its neighbours are blocked waiting for it. It sends an
// Abort message to every neighbour that is still waiting, and a rank that
// receives one forwards it in the same direction. Every rank then returns an
// error for the batch and nobody takes an optimizer step.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pipeline executes micro-batches for one rank.
type Pipeline struct {
	part      *PartitionInfo
	transport Transport
	seq       uint64
}

// NewPipeline binds a partition to the transport of the same rank.
func NewPipeline(part *PartitionInfo, transport Transport) (*Pipeline, error) {
	if transport.Rank() != part.Rank || transport.WorldSize() != part.WorldSize {
		return nil, errors.Wrapf(ErrConfiguration, "partition is rank %d of %d but transport is rank %d of %d",
			part.Rank, part.WorldSize, transport.Rank(), transport.WorldSize())
	}
	if part.IsTerminal() {
		if _, ok := part.Criterion(); !ok {
			return nil, errors.Wrapf(ErrConfiguration, "terminal rank %d does not own the loss stage", part.Rank)
		}
	}
	return &Pipeline{part: part, transport: transport}, nil
}

// Partition returns the stages this pipeline drives.
func (p *Pipeline) Partition() *PartitionInfo { return p.part }

// Run performs forward and backward for one micro-batch. input is only read
// on rank 0, target and length only on the terminal rank; other ranks may
// pass nil. The loss is returned, with ok set, only on the terminal rank.
// Parameter gradients are accumulated; stepping the optimizer is the
// caller's job.
func (p *Pipeline) Run(ctx context.Context, input *Tensor, target [][]int, length []int) (loss float64, ok bool, err error) {
	p.seq++
	seq := p.seq
	part := p.part

	// sentShape is what this rank passed downstream; its gradient must match.
	var sentShape []int

	// Forward.
	act := input
	if !part.IsFirst() {
		msg, err := p.transport.RecvActivation(ctx)
		if err != nil {
			return 0, false, err
		}
		if msg.Abort != "" {
			// Upstream ranks have already been told.
			p.abortForward(ctx, seq, msg.Abort)
			return 0, false, abortCause(msg.Abort)
		}
		if msg.Seq != seq {
			return 0, false, p.fail(ctx, seq, true, errors.Wrapf(ErrCommunication,
				"rank %d expected activation %d, got %d", part.Rank, seq, msg.Seq))
		}
		if act, err = msg.Tensor(); err != nil {
			return 0, false, p.fail(ctx, seq, true, err)
		}
	} else if input == nil {
		return 0, false, p.fail(ctx, seq, true, errors.Wrap(ErrShapeMismatch, "rank 0 needs the input batch"))
	}

	body := part.Stages
	if part.IsTerminal() {
		body = body[:len(body)-1]
	}
	for _, s := range body {
		if act, err = s.Forward(act, true); err != nil {
			return 0, false, p.fail(ctx, seq, true, errors.WithMessagef(err, "rank %d stage %s", part.Rank, s.Name()))
		}
	}

	if !part.IsTerminal() {
		sentShape = act.Shape()
		if err := p.transport.SendActivation(ctx, newActivation(seq, act)); err != nil {
			return 0, false, err
		}
		klog.V(3).Infof("rank %d: batch %d sent %v", part.Rank, seq, act)
	} else {
		crit, _ := part.Criterion()
		loss, err = crit.Loss(act, target, length, true)
		if err == nil && (math.IsNaN(loss) || math.IsInf(loss, 0)) {
			err = errors.Wrapf(ErrNumericInstability, "loss is %v", loss)
		}
		if err != nil {
			return 0, false, p.fail(ctx, seq, false, errors.WithMessagef(err, "rank %d stage %s", part.Rank, crit.Name()))
		}
	}

	// Backward.
	var grad *Tensor
	stages := part.Stages
	if part.IsTerminal() {
		crit, _ := part.Criterion()
		if grad, err = crit.Backward(nil); err != nil {
			return 0, false, p.fail(ctx, seq, false, err)
		}
		stages = body
	} else {
		msg, err := p.transport.RecvGradient(ctx)
		if err != nil {
			return 0, false, err
		}
		if msg.Abort != "" {
			p.abortBackward(ctx, seq, msg.Abort)
			return 0, false, abortCause(msg.Abort)
		}
		if msg.Seq != seq {
			return 0, false, p.fail(ctx, seq, false, errors.Wrapf(ErrCommunication,
				"rank %d expected gradient %d, got %d", part.Rank, seq, msg.Seq))
		}
		if !shapeEqual(msg.Shape, sentShape) {
			return 0, false, p.fail(ctx, seq, false, errors.Wrapf(ErrShapeMismatch,
				"rank %d sent activation %v but received gradient %v", part.Rank, sentShape, msg.Shape))
		}
		if grad, err = msg.Tensor(); err != nil {
			return 0, false, p.fail(ctx, seq, false, err)
		}
	}

	for i := len(stages) - 1; i >= 0; i-- {
		if grad, err = stages[i].Backward(grad); err != nil {
			return 0, false, p.fail(ctx, seq, false, errors.WithMessagef(err, "rank %d stage %s", part.Rank, stages[i].Name()))
		}
	}

	if !part.IsFirst() {
		if grad == nil {
			return 0, false, p.fail(ctx, seq, false, errors.Wrapf(ErrShapeMismatch, "rank %d produced no input gradient", part.Rank))
		}
		if err := p.transport.SendGradient(ctx, newGradient(seq, grad)); err != nil {
			return 0, false, err
		}
	}
	return loss, part.IsTerminal(), nil
}

// fail notifies the neighbours still waiting on this rank and returns err.
// During the forward pass both sides wait; afterwards only upstream does.
func (p *Pipeline) fail(ctx context.Context, seq uint64, forward bool, err error) error {
	if ctx.Err() != nil {
		return err
	}
	reason := fmt.Sprintf("rank %d: %v", p.part.Rank, err)
	klog.V(1).Infof("aborting batch %d: %s", seq, reason)
	if forward {
		p.abortForward(ctx, seq, reason)
	}
	p.abortBackward(ctx, seq, reason)
	return err
}

func (p *Pipeline) abortForward(ctx context.Context, seq uint64, reason string) {
	if p.part.IsTerminal() {
		return
	}
	if err := p.transport.SendActivation(ctx, &ActivationMessage{Seq: seq, Abort: reason}); err != nil {
		klog.Warningf("rank %d: could not forward abort: %v", p.part.Rank, err)
	}
}

func (p *Pipeline) abortBackward(ctx context.Context, seq uint64, reason string) {
	if p.part.IsFirst() {
		return
	}
	if err := p.transport.SendGradient(ctx, &GradientMessage{Seq: seq, Abort: reason}); err != nil {
		klog.Warningf("rank %d: could not propagate abort upstream: %v", p.part.Rank, err)
	}
}

// abortCause rebuilds an error from a remote abort reason, keeping the
// sentinel of the original failure so errors.Is still works across ranks.
func abortCause(reason string) error {
	for _, sentinel := range []error{
		ErrNumericInstability,
		ErrShapeMismatch,
		ErrPartitionMismatch,
		ErrConfiguration,
		ErrCancelled,
		ErrCommunication,
	} {
		if strings.Contains(reason, sentinel.Error()) {
			return errors.Wrapf(sentinel, "batch aborted by %s", reason)
		}
	}
	return errors.Wrapf(ErrCommunication, "batch aborted by %s", reason)
}
