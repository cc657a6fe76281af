package main

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration indicates an unsupported option or stage selection.
	// Fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrPartitionMismatch indicates a world size larger than the stage
	// count, or an incomplete or inconsistent checkpoint fileset.
	ErrPartitionMismatch = errors.New("partition mismatch")

	// ErrNumericInstability indicates a NaN or Inf loss. The batch is
	// aborted and no optimizer step is taken.
	ErrNumericInstability = errors.New("numeric instability")

	// ErrShapeMismatch indicates incompatible tensor shapes, including an
	// activation or gradient that does not fit the receiving rank.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCommunication indicates a failed or out-of-order cross-rank
	// transfer. There is no automatic retry.
	ErrCommunication = errors.New("communication error")

	// ErrCancelled indicates an operator cancellation. It is the only
	// graceful exit from training.
	ErrCancelled = errors.New("cancelled")
)

// batchContext identifies where in training an error happened.
type batchContext struct {
	Epoch int
	Batch int
	Rank  int
}

func (c batchContext) String() string {
	return fmt.Sprintf("epoch %d batch %d rank %d", c.Epoch, c.Batch, c.Rank)
}

// wrapAt annotates err with the epoch, batch and rank it occurred at.
func wrapAt(err error, at batchContext) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(err, "%s", at)
}

// exitCode maps a command error to a process status. Cancellation is kept
// distinguishable from hard failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrCancelled):
		return 130
	default:
		return 1
	}
}
