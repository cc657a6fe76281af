package main

import (
	"context"
	"encoding/gob"

	"github.com/pkg/errors"
)

// ActivationMessage carries a rank's output forward to rank+1.
// Ownership passes to the receiver on delivery.
type ActivationMessage struct {
	Seq   uint64
	Shape []int
	Data  []float64
	Abort string // non-empty: the batch was aborted upstream
}

// GradientMessage carries ∂loss/∂activation back to rank-1.
type GradientMessage struct {
	Seq   uint64
	Shape []int
	Data  []float64
	Abort string
}

// BarrierMessage is a rank's arrival at an epoch barrier.
type BarrierMessage struct {
	Epoch int
	Rank  int
}

// ScoreMessage carries a broadcast validation score.
type ScoreMessage struct {
	Epoch int
	Root  int
	Score float64
}

func init() {
	gob.Register(&ActivationMessage{})
	gob.Register(&GradientMessage{})
	gob.Register(&BarrierMessage{})
	gob.Register(&ScoreMessage{})
}

// newActivation copies t into a fresh message so the sender keeps nothing
// the receiver can observe.
func newActivation(seq uint64, t *Tensor) *ActivationMessage {
	return &ActivationMessage{
		Seq:   seq,
		Shape: t.Shape(),
		Data:  append([]float64(nil), t.data...),
	}
}

func newGradient(seq uint64, t *Tensor) *GradientMessage {
	return &GradientMessage{
		Seq:   seq,
		Shape: t.Shape(),
		Data:  append([]float64(nil), t.data...),
	}
}

// Tensor rebuilds the payload, taking ownership of Data.
func (m *ActivationMessage) Tensor() (*Tensor, error) {
	return messageTensor(m.Shape, m.Data)
}

// Tensor rebuilds the payload, taking ownership of Data.
func (m *GradientMessage) Tensor() (*Tensor, error) {
	return messageTensor(m.Shape, m.Data)
}

func messageTensor(shape []int, data []float64) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "message shape %v", shape)
		}
		size *= d
	}
	if len(shape) == 0 || size != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "message carries %d values for shape %v", len(data), shape)
	}
	return &Tensor{
		data:  data,
		shape: append([]int(nil), shape...),
		grad:  make([]float64, len(data)),
	}, nil
}

// Transport is a rank's view of the cluster: point-to-point hand-off to its
// neighbours plus the two collectives. Every call blocks until the peer
// side is ready or ctx is done; there are no timeouts.
type Transport interface {
	Rank() int
	WorldSize() int

	SendActivation(ctx context.Context, msg *ActivationMessage) error
	RecvActivation(ctx context.Context) (*ActivationMessage, error)
	SendGradient(ctx context.Context, msg *GradientMessage) error
	RecvGradient(ctx context.Context) (*GradientMessage, error)

	// Barrier returns once every rank has entered it for epoch.
	Barrier(ctx context.Context, epoch int) error
	// Broadcast returns root's value on every rank.
	Broadcast(ctx context.Context, epoch, root int, value float64) (float64, error)

	Close() error
}
