package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The terminal stage of the pipeline: an output embedding ("index linear")
// scored with noise-contrastive estimation.
//
// For a hidden vector h at a valid position, the model score of token j is
//
//   s_j(h) = W_j · h + b_j − norm_term
//
// and the loss compares the target's score against scores of noise tokens
// drawn from a fixed unigram distribution q.
//
// LOSS TYPES:
//
//   nce      binary logistic loss, x = s − log q − log K,
//            label 1 for the target and 0 for each of the K noise ids
//   sampled  importance-sampled softmax,
//            −s_t + log( (1/K) Σ_k exp(s_{n_k} − log q(n_k)) )
//   full     exact softmax cross-entropy over the whole vocabulary
//
// `full` is deterministic and is what evaluation uses. The softmax-based
// modes are invariant to norm_term, so `sampled` and `full` stay comparable.
//
// MASKING:
//
//   mask[i, t] = t < length[i]
//
// Only masked-in positions are scored. The batch loss is their arithmetic
// mean, so padding contributes neither loss nor gradient.
//
// ===========================================================================

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Loss type names accepted by the criterion.
const (
	LossNCE     = "nce"
	LossSampled = "sampled"
	LossFull    = "full"
)

// Criterion is the terminal stage: it turns the last activation plus the
// side information (targets, lengths) into a scalar loss. Backward(nil)
// seeds the chain with ∂loss/∂loss = 1.
type Criterion interface {
	Stage
	Loss(in *Tensor, target [][]int, length []int, train bool) (float64, error)
	SetLossType(lossType string) error
}

// NCEStage is the NCE output layer.
type NCEStage struct {
	weight *Tensor // (vocab, dim)
	bias   *Tensor // (vocab)

	noise      *NoiseDistribution
	noiseRatio int
	normTerm   float64
	lossType   string
	rng        *rand.Rand

	cache *nceCache
}

type nceCache struct {
	inShape   []int
	positions []int      // flat (b·T + t) index of each valid position
	targets   []int      // target id per valid position
	hidden    *mat.Dense // (n, dim) gathered inputs
	cands     []int      // shared candidate columns
	dC        *mat.Dense // (n, len(cands)) ∂loss/∂s on shared columns
	dT        []float64  // ∂loss/∂s on each row's own target column
}

// NewNCEStage creates the criterion. normTerm <= 0 is replaced by
// log(vocab) ("auto").
func NewNCEStage(rng *rand.Rand, dim int, noise *NoiseDistribution, noiseRatio int, normTerm float64, lossType string) (*NCEStage, error) {
	vocab := noise.Size()
	if noiseRatio < 1 {
		return nil, errors.Wrapf(ErrConfiguration, "noise ratio must be positive, got %d", noiseRatio)
	}
	if normTerm <= 0 {
		normTerm = math.Log(float64(vocab))
	}

	n := &NCEStage{
		weight:     NewTensorUniform(rng, 0.1, vocab, dim),
		bias:       NewTensor(vocab),
		noise:      noise,
		noiseRatio: noiseRatio,
		normTerm:   normTerm,
	}
	if err := n.SetLossType(lossType); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *NCEStage) Name() string { return "nce" }

func (n *NCEStage) Parameters() []*Tensor { return []*Tensor{n.weight, n.bias} }

func (n *NCEStage) Reseed(seed int64) { n.rng = rand.New(rand.NewSource(seed)) }

// NormTerm returns the normalisation constant in use.
func (n *NCEStage) NormTerm() float64 { return n.normTerm }

// SetLossType switches between nce, sampled and full.
func (n *NCEStage) SetLossType(lossType string) error {
	switch lossType {
	case LossNCE, LossSampled, LossFull:
		n.lossType = lossType
		return nil
	}
	return errors.Wrapf(ErrConfiguration, "unknown loss type %q", lossType)
}

// Forward is not meaningful for the criterion; use Loss.
func (n *NCEStage) Forward(in *Tensor, train bool) (*Tensor, error) {
	return nil, errors.Wrap(ErrConfiguration, "the nce stage needs targets, call Loss")
}

// validityMask returns the flat indices (b·maxLen + t) with t < length[b].
func validityMask(length []int, maxLen int) ([]int, error) {
	var positions []int
	for b, l := range length {
		if l < 0 || l > maxLen {
			return nil, errors.Wrapf(ErrShapeMismatch, "length[%d]=%d outside [0,%d]", b, l, maxLen)
		}
		for t := 0; t < l; t++ {
			positions = append(positions, b*maxLen+t)
		}
	}
	return positions, nil
}

// Loss computes the masked mean loss for a (batch, time, dim) activation.
func (n *NCEStage) Loss(in *Tensor, target [][]int, length []int, train bool) (float64, error) {
	n.cache = nil
	if in == nil || in.Dims() != 3 || in.shape[2] != n.weight.shape[1] {
		return 0, errors.Wrapf(ErrShapeMismatch, "nce expects (batch, time, %d), got %v", n.weight.shape[1], in)
	}
	B, T, E := in.shape[0], in.shape[1], in.shape[2]
	if len(target) != B || len(length) != B {
		return 0, errors.Wrapf(ErrShapeMismatch, "%d target rows and %d lengths for batch %d", len(target), len(length), B)
	}

	positions, err := validityMask(length, T)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, errors.Wrap(ErrNumericInstability, "batch has no valid positions")
	}

	vocab := n.weight.shape[0]
	count := len(positions)
	targets := make([]int, count)
	hidden := mat.NewDense(count, E, nil)
	for p, flat := range positions {
		b, t := flat/T, flat%T
		if t >= len(target[b]) {
			return 0, errors.Wrapf(ErrShapeMismatch, "target row %d shorter than length %d", b, length[b])
		}
		id := target[b][t]
		if id < 0 || id >= vocab {
			return 0, errors.Wrapf(ErrShapeMismatch, "target id %d outside vocabulary of %d", id, vocab)
		}
		targets[p] = id
		hidden.SetRow(p, in.row(flat))
	}

	cands := n.candidates()
	scores := n.scores(hidden, cands)

	dC := mat.NewDense(count, len(cands), nil)
	dT := make([]float64, count)
	total := 0.0
	switch n.lossType {
	case LossFull:
		total = n.fullLoss(scores, targets, dC)
	default:
		total = n.sampledLoss(hidden, scores, cands, targets, dC, dT)
	}

	loss := total / float64(count)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, errors.Wrapf(ErrNumericInstability, "loss is %v", loss)
	}

	if train {
		scale := 1 / float64(count)
		dC.Scale(scale, dC)
		floats.Scale(scale, dT)
		n.cache = &nceCache{
			inShape:   in.Shape(),
			positions: positions,
			targets:   targets,
			hidden:    hidden,
			cands:     cands,
			dC:        dC,
			dT:        dT,
		}
	}
	return loss, nil
}

// candidates returns the shared columns scored for every position: the
// whole vocabulary in full mode, one noise draw otherwise.
func (n *NCEStage) candidates() []int {
	if n.lossType == LossFull {
		all := make([]int, n.weight.shape[0])
		for i := range all {
			all[i] = i
		}
		return all
	}
	if n.rng == nil {
		n.Reseed(0)
	}
	return n.noise.Sample(n.rng, n.noiseRatio)
}

// scores returns s[p, c] = W_{cands[c]} · h_p + b_{cands[c]} − norm_term.
func (n *NCEStage) scores(hidden *mat.Dense, cands []int) *mat.Dense {
	E := n.weight.shape[1]
	wc := mat.NewDense(len(cands), E, nil)
	for c, id := range cands {
		wc.SetRow(c, n.weight.row(id))
	}

	var s mat.Dense
	s.Mul(hidden, wc.T())
	rows, _ := s.Dims()
	for p := 0; p < rows; p++ {
		row := s.RawRowView(p)
		for c, id := range cands {
			row[c] += n.bias.data[id] - n.normTerm
		}
	}
	return &s
}

func (n *NCEStage) targetScore(h []float64, id int) float64 {
	return floats.Dot(h, n.weight.row(id)) + n.bias.data[id] - n.normTerm
}

// fullLoss is softmax cross-entropy; dC receives softmax − onehot.
func (n *NCEStage) fullLoss(scores *mat.Dense, targets []int, dC *mat.Dense) float64 {
	total := 0.0
	for p, id := range targets {
		row := scores.RawRowView(p)
		grad := dC.RawRowView(p)
		lse := softmaxInto(grad, row)
		total += lse - row[id]
		grad[id] -= 1
	}
	return total
}

// sampledLoss handles both nce and sampled modes over one shared noise draw.
func (n *NCEStage) sampledLoss(hidden, scores *mat.Dense, cands, targets []int, dC *mat.Dense, dT []float64) float64 {
	k := float64(len(cands))
	logK := math.Log(k)
	z := make([]float64, len(cands))

	total := 0.0
	for p, id := range targets {
		st := n.targetScore(hidden.RawRowView(p), id)
		row := scores.RawRowView(p)
		grad := dC.RawRowView(p)

		switch n.lossType {
		case LossNCE:
			x0 := st - n.noise.LogProb(id) - logK
			total += softplus(-x0)
			dT[p] = sigmoid(x0) - 1
			for c, nid := range cands {
				x := row[c] - n.noise.LogProb(nid) - logK
				total += softplus(x)
				grad[c] = sigmoid(x)
			}
		case LossSampled:
			for c, nid := range cands {
				z[c] = row[c] - n.noise.LogProb(nid)
			}
			lse := softmaxInto(grad, z)
			total += lse - logK - st
			dT[p] = -1
		}
	}
	return total
}

// Backward returns ∂loss/∂input for the last Loss call made with train=true.
// gradOut may be nil (seed 1) or a one-element tensor scaling the loss.
func (n *NCEStage) Backward(gradOut *Tensor) (*Tensor, error) {
	c := n.cache
	if c == nil {
		return nil, errNoForward(n.Name())
	}
	seed := 1.0
	if gradOut != nil {
		if gradOut.Size() != 1 {
			return nil, errors.Wrapf(ErrShapeMismatch, "nce expects a scalar gradient, got %v", gradOut.shape)
		}
		seed = gradOut.data[0]
	}
	E := n.weight.shape[1]

	dC := c.dC
	dT := append([]float64(nil), c.dT...)
	if seed != 1 {
		var scaled mat.Dense
		scaled.Scale(seed, dC)
		dC = &scaled
		floats.Scale(seed, dT)
	}

	wc := mat.NewDense(len(c.cands), E, nil)
	for col, id := range c.cands {
		wc.SetRow(col, n.weight.row(id))
	}

	// ∂h = dC · Wc + dT ⊙ W_target
	var dH mat.Dense
	dH.Mul(dC, wc)
	for p, id := range c.targets {
		if dT[p] != 0 {
			floats.AddScaled(dH.RawRowView(p), dT[p], n.weight.row(id))
		}
	}

	// ∂W_cands += dCᵀ · H,  ∂b_cands += column sums of dC
	var dWc mat.Dense
	dWc.Mul(dC.T(), c.hidden)
	rows, _ := dC.Dims()
	for col, id := range c.cands {
		floats.Add(n.weight.gradRow(id), dWc.RawRowView(col))
		for p := 0; p < rows; p++ {
			n.bias.grad[id] += dC.At(p, col)
		}
	}
	for p, id := range c.targets {
		if dT[p] != 0 {
			floats.AddScaled(n.weight.gradRow(id), dT[p], c.hidden.RawRowView(p))
			n.bias.grad[id] += dT[p]
		}
	}

	gradIn := NewTensor(c.inShape...)
	for p, flat := range c.positions {
		copy(gradIn.data[flat*E:(flat+1)*E], dH.RawRowView(p))
	}
	n.cache = nil
	return gradIn, nil
}
