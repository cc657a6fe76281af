package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Analytic forward/backward pairs shared by the stage bodies.
//
// Every stage in the pipeline caches what its backward needs during Forward
// and consumes the cache in Backward. There is no tape: the pipeline itself
// is the graph, and the order of Backward calls is the reverse of the order
// of Forward calls on each rank.
//
// THE CHAIN RULE, PER OPERATION:
//
//   Linear   y = x Wᵀ + b      ∂x = ∂y W      ∂W += ∂yᵀ x     ∂b += Σ_rows ∂y
//   Sigmoid  y = σ(x)          ∂x = ∂y · y(1-y)
//   Tanh     y = tanh(x)       ∂x = ∂y · (1-y²)
//   Dropout  y = x·m/(1-p)     ∂x = ∂y·m/(1-p)
//
// Matrix products go through gonum so the inner loops are BLAS-backed.
//
// ===========================================================================

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// linearForward computes y = x Wᵀ + b for x viewed as (rows, in).
// W is (out, in) and b is (out). The result keeps x's leading dimensions.
func linearForward(x, w, b *Tensor) *Tensor {
	outDim := w.shape[0]
	outShape := append(x.Shape()[:x.Dims()-1], outDim)
	y := NewTensor(outShape...)

	y.matrix().Mul(x.matrix(), w.matrix().T())
	if b != nil {
		for r := 0; r < y.rows(); r++ {
			floats.Add(y.row(r), b.data)
		}
	}
	return y
}

// linearBackward accumulates ∂W and ∂b and returns ∂x.
func linearBackward(x, w, b, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	gradX.matrix().Mul(gradY.matrix(), w.matrix())

	var dW mat.Dense
	dW.Mul(gradY.matrix().T(), x.matrix())
	floats.Add(w.grad, dW.RawMatrix().Data)

	if b != nil {
		for r := 0; r < gradY.rows(); r++ {
			floats.Add(b.grad, gradY.row(r))
		}
	}
	return gradX
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus computes log(1 + exp(x)) without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// logSumExp returns log Σ exp(xs[i]) with the max-shift for stability.
func logSumExp(xs []float64) float64 {
	m := floats.Max(xs)
	if math.IsInf(m, 0) {
		return m
	}
	sum := 0.0
	for _, v := range xs {
		sum += math.Exp(v - m)
	}
	return m + math.Log(sum)
}

// softmaxInto writes softmax(xs) into dst and returns log Σ exp(xs).
func softmaxInto(dst, xs []float64) float64 {
	lse := logSumExp(xs)
	for i, v := range xs {
		dst[i] = math.Exp(v - lse)
	}
	return lse
}

// dropoutMask draws an inverted-dropout mask. A nil mask means identity.
func dropoutMask(rng *rand.Rand, n int, p float64) []float64 {
	if p <= 0 || rng == nil {
		return nil
	}
	keep := 1 - p
	mask := make([]float64, n)
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	return mask
}

// applyMask multiplies xs by mask in place. A nil mask is a no-op.
func applyMask(xs, mask []float64) {
	if mask == nil {
		return
	}
	floats.Mul(xs, mask)
}
