package main

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LSTMStage is a single batch-first LSTM layer. Stacked layers are separate
// stages so the partitioner can place them on different ranks. Gate order
// in the packed weights is input, forget, cell, output.
//
//   i = σ(Wᵢx + Uᵢh + bᵢ)      c' = f⊙c + i⊙g
//   f = σ(W_f x + U_f h + b_f)   h' = o⊙tanh(c')
//   g = tanh(W_g x + U_g h + b_g)
//   o = σ(W_o x + U_o h + b_o)
//
// The initial hidden and cell states are zero for every micro-batch.
type LSTMStage struct {
	name          string
	inDim, hidden int
	wih, whh      *Tensor // (4H, in), (4H, H)
	bih, bhh      *Tensor // (4H)
	dropout       float64 // applied to the layer output
	rng           *rand.Rand

	cache *lstmCache
}

type lstmCache struct {
	x            *Tensor
	batch, steps int
	gates        []float64 // (B·T, 4H) activated gate values
	cells        []float64 // (B·T, H)
	tanhC        []float64 // (B·T, H)
	hs           []float64 // (B·T, H) outputs before dropout
	mask         []float64
}

// NewLSTMStage initialises every weight from U(-1/√H, 1/√H).
func NewLSTMStage(rng *rand.Rand, name string, inDim, hidden int, dropout float64) *LSTMStage {
	r := 1 / math.Sqrt(float64(hidden))
	return &LSTMStage{
		name:    name,
		inDim:   inDim,
		hidden:  hidden,
		wih:     NewTensorUniform(rng, r, 4*hidden, inDim),
		whh:     NewTensorUniform(rng, r, 4*hidden, hidden),
		bih:     NewTensorUniform(rng, r, 4*hidden),
		bhh:     NewTensorUniform(rng, r, 4*hidden),
		dropout: dropout,
	}
}

func (l *LSTMStage) Name() string { return l.name }

func (l *LSTMStage) Parameters() []*Tensor {
	return []*Tensor{l.wih, l.whh, l.bih, l.bhh}
}

func (l *LSTMStage) Reseed(seed int64) { l.rng = rand.New(rand.NewSource(seed)) }

// Forward runs the recurrence over a (batch, time, in) activation.
func (l *LSTMStage) Forward(in *Tensor, train bool) (*Tensor, error) {
	if in == nil || in.Dims() != 3 || in.shape[2] != l.inDim {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s expects (batch, time, %d), got %v", l.name, l.inDim, in)
	}
	B, T, H := in.shape[0], in.shape[1], l.hidden
	G := 4 * H

	// Input projections for every timestep in one product.
	xw := NewTensor(B*T, G)
	xw.matrix().Mul(in.Reshape(B*T, l.inDim).matrix(), l.wih.matrix().T())

	c := &lstmCache{
		x:     in,
		batch: B,
		steps: T,
		gates: make([]float64, B*T*G),
		cells: make([]float64, B*T*H),
		tanhC: make([]float64, B*T*H),
		hs:    make([]float64, B*T*H),
	}

	hPrev := make([]float64, B*H)
	cPrev := make([]float64, B*H)
	hw := mat.NewDense(B, G, nil)
	whhT := l.whh.matrix().T()

	for t := 0; t < T; t++ {
		hw.Mul(mat.NewDense(B, H, hPrev), whhT)
		for b := 0; b < B; b++ {
			r := b*T + t
			gate := c.gates[r*G : (r+1)*G]
			pre := xw.row(r)
			rec := hw.RawRowView(b)
			for j := 0; j < G; j++ {
				v := pre[j] + rec[j] + l.bih.data[j] + l.bhh.data[j]
				if j/H == 2 {
					gate[j] = math.Tanh(v)
				} else {
					gate[j] = sigmoid(v)
				}
			}
			for k := 0; k < H; k++ {
				i, f, g, o := gate[k], gate[H+k], gate[2*H+k], gate[3*H+k]
				cell := f*cPrev[b*H+k] + i*g
				tc := math.Tanh(cell)
				h := o * tc

				c.cells[r*H+k] = cell
				c.tanhC[r*H+k] = tc
				c.hs[r*H+k] = h
				cPrev[b*H+k] = cell
				hPrev[b*H+k] = h
			}
		}
	}

	out := NewTensor(B, T, H)
	copy(out.data, c.hs)
	if train {
		c.mask = dropoutMask(l.rng, out.Size(), l.dropout)
		applyMask(out.data, c.mask)
	}
	l.cache = c
	return out, nil
}

// Backward runs backpropagation through time.
func (l *LSTMStage) Backward(gradOut *Tensor) (*Tensor, error) {
	c := l.cache
	if c == nil {
		return nil, errNoForward(l.name)
	}
	B, T, H := c.batch, c.steps, l.hidden
	G := 4 * H
	if !shapeEqual(gradOut.shape, []int{B, T, H}) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s gradient %v", l.name, gradOut.shape)
	}

	dhOut := append([]float64(nil), gradOut.data...)
	applyMask(dhOut, c.mask)

	dGates := make([]float64, B*T*G)
	dhNext := make([]float64, B*H)
	dcNext := make([]float64, B*H)

	dGt := mat.NewDense(B, G, nil)
	hPrevT := mat.NewDense(B, H, nil)
	var dh mat.Dense
	var dU mat.Dense

	for t := T - 1; t >= 0; t-- {
		for b := 0; b < B; b++ {
			r := b*T + t
			gate := c.gates[r*G : (r+1)*G]
			dg := dGates[r*G : (r+1)*G]
			for k := 0; k < H; k++ {
				i, f, g, o := gate[k], gate[H+k], gate[2*H+k], gate[3*H+k]
				tc := c.tanhC[r*H+k]
				cPrev := 0.0
				if t > 0 {
					cPrev = c.cells[(r-1)*H+k]
				}

				dhk := dhOut[r*H+k] + dhNext[b*H+k]
				dc := dhk*o*(1-tc*tc) + dcNext[b*H+k]

				dg[k] = dc * g * i * (1 - i)
				dg[H+k] = dc * cPrev * f * (1 - f)
				dg[2*H+k] = dc * i * (1 - g*g)
				dg[3*H+k] = dhk * tc * o * (1 - o)
				dcNext[b*H+k] = dc * f
			}
			dGt.SetRow(b, dg)
			if t > 0 {
				hPrevT.SetRow(b, c.hs[(r-1)*H:r*H])
			} else {
				hPrevT.SetRow(b, make([]float64, H))
			}
		}

		dh.Mul(dGt, l.whh.matrix())
		copy(dhNext, dh.RawMatrix().Data)

		dU.Mul(dGt.T(), hPrevT)
		floats.Add(l.whh.grad, dU.RawMatrix().Data)
		dh.Reset()
		dU.Reset()
	}

	all := mat.NewDense(B*T, G, dGates)
	gradX := NewTensor(B, T, l.inDim)
	gradX.Reshape(B*T, l.inDim).matrix().Mul(all, l.wih.matrix())

	var dW mat.Dense
	dW.Mul(all.T(), c.x.Reshape(B*T, l.inDim).matrix())
	floats.Add(l.wih.grad, dW.RawMatrix().Data)

	for r := 0; r < B*T; r++ {
		row := dGates[r*G : (r+1)*G]
		floats.Add(l.bih.grad, row)
		floats.Add(l.bhh.grad, row)
	}

	l.cache = nil
	return gradX, nil
}
