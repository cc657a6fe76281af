package main

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// Model is the unpartitioned stage list:
//
//	embedding → lstm0 … lstmN-1 → proj (nhid → emsize) → nce
//
// Every rank builds the same Model from the same seed and then keeps only
// its partition, so parameters agree across ranks without any transfer.
type Model struct {
	Stages []Stage
}

// BuildModel creates the stage list described by opts.
func BuildModel(opts Options, noise *NoiseDistribution) (*Model, error) {
	if opts.IndexModule != "linear" {
		return nil, errors.Wrapf(ErrConfiguration, "index module %q is not supported", opts.IndexModule)
	}
	normTerm, err := ParseNormTerm(opts.NormTerm)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	stages := []Stage{NewEmbeddingStage(rng, noise.Size(), opts.EmSize, opts.Dropout)}
	in := opts.EmSize
	for l := 0; l < opts.NLayers; l++ {
		// Dropout sits between LSTM layers, not after the last one.
		dropout := opts.Dropout
		if l == opts.NLayers-1 {
			dropout = 0
		}
		stages = append(stages, NewLSTMStage(rng, fmt.Sprintf("lstm%d", l), in, opts.NHid, dropout))
		in = opts.NHid
	}
	stages = append(stages, NewLinearStage(rng, "proj", opts.NHid, opts.EmSize))

	crit, err := NewNCEStage(rng, opts.EmSize, noise, opts.NoiseRatio, normTerm, opts.Loss)
	if err != nil {
		return nil, err
	}
	stages = append(stages, crit)
	return &Model{Stages: stages}, nil
}

// Criterion returns the loss stage.
func (m *Model) Criterion() Criterion {
	return m.Stages[len(m.Stages)-1].(Criterion)
}

// Loss runs a whole batch through every stage. With train set, caches are
// kept so that Backward can follow.
func (m *Model) Loss(input, target [][]int, length []int, train bool) (float64, error) {
	act := idsTensor(input)
	body := m.Stages[:len(m.Stages)-1]
	for _, s := range body {
		var err error
		if act, err = s.Forward(act, train); err != nil {
			return 0, errors.WithMessagef(err, "stage %s", s.Name())
		}
	}
	return m.Criterion().Loss(act, target, length, train)
}

// Backward propagates the last training Loss through every stage.
func (m *Model) Backward() error {
	var grad *Tensor
	for i := len(m.Stages) - 1; i >= 0; i-- {
		var err error
		if grad, err = m.Stages[i].Backward(grad); err != nil {
			return errors.WithMessagef(err, "stage %s", m.Stages[i].Name())
		}
	}
	return nil
}

// Parameters returns every trainable tensor in stage order.
func (m *Model) Parameters() []*Tensor {
	var params []*Tensor
	for _, s := range m.Stages {
		params = append(params, s.Parameters()...)
	}
	return params
}

// reseedStages gives every random stage a stream derived from the run seed,
// the epoch and the stage's global index, so that the draws do not depend
// on how stages are partitioned.
func reseedStages(stages []Stage, offset int, seed int64, epoch int) {
	for i, s := range stages {
		if r, ok := s.(reseeder); ok {
			r.Reseed(deriveSeed(seed, int64(epoch), int64(offset+i)))
		}
	}
}
