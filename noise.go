package main

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// backoffProb is the floor applied to every noise probability so unseen
// tokens keep a finite log-probability.
const backoffProb = 1e-10

// NoiseDistribution is the fixed unigram distribution NCE contrasts against.
// It is built once from training-corpus counts; log-probabilities are
// precomputed and samples come from an alias table in O(1).
type NoiseDistribution struct {
	probs    []float64
	logProbs []float64

	// Alias table (Vose).
	accept []float64
	alias  []int
}

// NewNoiseDistribution normalises counts, clamps to backoffProb and
// renormalises.
func NewNoiseDistribution(counts []float64) (*NoiseDistribution, error) {
	if len(counts) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "empty noise counts")
	}
	total := floats.Sum(counts)
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return nil, errors.Wrapf(ErrConfiguration, "noise counts sum to %v", total)
	}

	probs := make([]float64, len(counts))
	for i, c := range counts {
		if c < 0 {
			return nil, errors.Wrapf(ErrConfiguration, "negative count %v for token %d", c, i)
		}
		probs[i] = math.Max(c/total, backoffProb)
	}
	floats.Scale(1/floats.Sum(probs), probs)

	logProbs := make([]float64, len(probs))
	for i, p := range probs {
		logProbs[i] = math.Log(p)
	}

	n := &NoiseDistribution{probs: probs, logProbs: logProbs}
	n.buildAlias()
	return n, nil
}

func (n *NoiseDistribution) buildAlias() {
	k := len(n.probs)
	n.accept = make([]float64, k)
	n.alias = make([]int, k)

	scaled := make([]float64, k)
	var small, large []int
	for i, p := range n.probs {
		scaled[i] = p * float64(k)
		if scaled[i] < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]

		n.accept[s] = scaled[s]
		n.alias[s] = l
		scaled[l] = scaled[l] + scaled[s] - 1
		if scaled[l] < 1 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}
	for _, i := range large {
		n.accept[i] = 1
		n.alias[i] = i
	}
	for _, i := range small {
		n.accept[i] = 1
		n.alias[i] = i
	}
}

// Size returns the vocabulary size.
func (n *NoiseDistribution) Size() int { return len(n.probs) }

// Prob returns the noise probability of token id.
func (n *NoiseDistribution) Prob(id int) float64 { return n.probs[id] }

// LogProb returns the precomputed log noise probability of token id.
func (n *NoiseDistribution) LogProb(id int) float64 { return n.logProbs[id] }

// Sample draws k ids with replacement.
func (n *NoiseDistribution) Sample(rng *rand.Rand, k int) []int {
	out := make([]int, k)
	size := len(n.probs)
	for i := range out {
		col := rng.Intn(size)
		if rng.Float64() < n.accept[col] {
			out[i] = col
		} else {
			out[i] = n.alias[col]
		}
	}
	return out
}
