package main

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluate returns the perplexity of model over sentences using the exact
// softmax, with dropout off:
//
//	ppl = exp( Σ_batches loss·tokens / Σ_batches tokens )
func Evaluate(model *Model, sentences [][]int, batchSize int) (float64, error) {
	crit := model.Criterion()
	if err := crit.SetLossType(LossFull); err != nil {
		return 0, err
	}

	total, tokens := 0.0, 0
	for i, b := range MakeBatches(sentences, batchSize, nil) {
		loss, err := model.Loss(b.Input, b.Target, b.Length, false)
		if err != nil {
			return 0, errors.WithMessagef(err, "evaluation batch %d", i)
		}
		n := b.Tokens()
		total += loss * float64(n)
		tokens += n
	}
	if tokens == 0 {
		return 0, errors.Wrap(ErrNumericInstability, "nothing to evaluate")
	}
	ppl := math.Exp(total / float64(tokens))
	klog.V(1).Infof("evaluated %d tokens, mean loss %.4f", tokens, total/float64(tokens))
	return ppl, nil
}

// EvaluateCheckpoint rebuilds the whole model, loads the fileset under
// prefix into it and evaluates sentences.
func EvaluateCheckpoint(opts Options, noise *NoiseDistribution, prefix string, sentences [][]int) (float64, error) {
	model, err := BuildModel(opts, noise)
	if err != nil {
		return 0, err
	}
	if _, err := LoadToOriginalModel(model.Stages, prefix); err != nil {
		return 0, err
	}
	return Evaluate(model, sentences, opts.BatchSize)
}
