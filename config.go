package main

import (
	"flag"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Options holds every hyperparameter of a run. It is filled once from flags
// and read-only afterwards.
type Options struct {
	// Data
	Data    string // directory with train.txt, valid.txt, test.txt
	MinFreq int    // words seen fewer times map to <unk>
	MaxLen  int    // sentences are truncated to this many tokens, 0 keeps all
	Shuffle bool

	// Model
	EmSize      int
	NHid        int
	NLayers     int
	Dropout     float64
	IndexModule string

	// Loss
	Loss       string
	NoiseRatio int
	NormTerm   string // "auto" or a positive constant

	// Optimization
	Optimizer   string
	LR          float64
	WeightDecay float64
	Clip        float64
	BatchSize   int
	Epochs      int
	Seed        int64

	// Pipeline
	WorldSize int

	// Output
	Save        string // checkpoint path prefix
	Ledger      string // SQLite ledger path, empty disables
	Mirror      string // s3://bucket/prefix for best checkpoints, empty disables
	Region      string
	LogInterval int
	Resume      bool
}

// DefaultOptions returns the defaults used by the train command.
func DefaultOptions() Options {
	return Options{
		Data:    "./data/penn",
		MinFreq: 1,
		Shuffle: true,

		EmSize:      200,
		NHid:        200,
		NLayers:     1,
		Dropout:     0.2,
		IndexModule: "linear",

		Loss:       LossNCE,
		NoiseRatio: 10,
		NormTerm:   "auto",

		Optimizer:   OptimizerAdam,
		LR:          1e-3,
		WeightDecay: 1e-5,
		Clip:        0.25,
		BatchSize:   20,
		Epochs:      40,
		Seed:        1111,

		WorldSize: 1,

		Save:        "./saved_model/model",
		LogInterval: 200,
	}
}

// RegisterFlags binds the options to fs with their current values as
// defaults.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Data, "data", o.Data, "Directory containing train.txt, valid.txt and test.txt")
	fs.IntVar(&o.MinFreq, "min-freq", o.MinFreq, "Minimum word frequency to enter the vocabulary")
	fs.IntVar(&o.MaxLen, "max-len", o.MaxLen, "Truncate sentences to this many tokens (0 = no limit)")
	fs.BoolVar(&o.Shuffle, "shuffle", o.Shuffle, "Shuffle training sentences every epoch")

	fs.IntVar(&o.EmSize, "emsize", o.EmSize, "Word embedding size")
	fs.IntVar(&o.NHid, "nhid", o.NHid, "Hidden units per LSTM layer")
	fs.IntVar(&o.NLayers, "nlayers", o.NLayers, "Number of LSTM layers")
	fs.Float64Var(&o.Dropout, "dropout", o.Dropout, "Dropout applied to layers (0 = no dropout)")
	fs.StringVar(&o.IndexModule, "index-module", o.IndexModule, "Output module (only 'linear' is supported)")

	fs.StringVar(&o.Loss, "loss", o.Loss, "Training loss: nce, sampled or full")
	fs.IntVar(&o.NoiseRatio, "noise-ratio", o.NoiseRatio, "Noise samples per micro-batch")
	fs.StringVar(&o.NormTerm, "norm-term", o.NormTerm, "NCE normalisation constant, or 'auto' for log(vocab)")

	fs.StringVar(&o.Optimizer, "optimizer", o.Optimizer, "Optimizer: adam or sgd")
	fs.Float64Var(&o.LR, "lr", o.LR, "Learning rate")
	fs.Float64Var(&o.WeightDecay, "weight-decay", o.WeightDecay, "L2 weight decay")
	fs.Float64Var(&o.Clip, "clip", o.Clip, "Gradient norm ceiling")
	fs.IntVar(&o.BatchSize, "batch-size", o.BatchSize, "Micro-batch size")
	fs.IntVar(&o.Epochs, "epochs", o.Epochs, "Maximum number of epochs")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "Random seed")

	fs.IntVar(&o.WorldSize, "world-size", o.WorldSize, "Number of pipeline ranks")

	fs.StringVar(&o.Save, "save", o.Save, "Checkpoint path prefix")
	fs.StringVar(&o.Ledger, "ledger", o.Ledger, "SQLite file recording validation results (empty = off)")
	fs.StringVar(&o.Mirror, "mirror", o.Mirror, "s3://bucket/prefix receiving best checkpoints (empty = off)")
	fs.StringVar(&o.Region, "region", o.Region, "AWS region for -mirror")
	fs.IntVar(&o.LogInterval, "log-interval", o.LogInterval, "Batches between progress reports")
	fs.BoolVar(&o.Resume, "resume", o.Resume, "Resume from the latest checkpoint under -save")
}

// NumStages is the length of the stage list the options describe:
// embedding, one stage per LSTM layer, projection, criterion.
func (o *Options) NumStages() int { return o.NLayers + 3 }

// ParseNormTerm returns the normalisation constant, or 0 for "auto".
func ParseNormTerm(s string) (float64, error) {
	if s == "auto" || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.Wrapf(ErrConfiguration, "norm term %q is neither 'auto' nor a positive number", s)
	}
	return v, nil
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"emsize", o.EmSize},
		{"nhid", o.NHid},
		{"nlayers", o.NLayers},
		{"noise-ratio", o.NoiseRatio},
		{"batch-size", o.BatchSize},
		{"epochs", o.Epochs},
		{"log-interval", o.LogInterval},
		{"min-freq", o.MinFreq},
		{"world-size", o.WorldSize},
	}
	for _, p := range positive {
		if p.value < 1 {
			return errors.Wrapf(ErrConfiguration, "-%s must be positive, got %d", p.name, p.value)
		}
	}
	if o.MaxLen < 0 {
		return errors.Wrap(ErrConfiguration, "-max-len must not be negative")
	}
	if o.Dropout < 0 || o.Dropout >= 1 {
		return errors.Wrapf(ErrConfiguration, "-dropout must be in [0, 1), got %v", o.Dropout)
	}
	if o.LR <= 0 {
		return errors.Wrapf(ErrConfiguration, "-lr must be positive, got %v", o.LR)
	}
	if o.WeightDecay < 0 || o.Clip < 0 {
		return errors.Wrap(ErrConfiguration, "-weight-decay and -clip must not be negative")
	}
	if o.IndexModule != "linear" {
		return errors.Wrapf(ErrConfiguration, "index module %q is not supported", o.IndexModule)
	}
	switch o.Loss {
	case LossNCE, LossSampled, LossFull:
	default:
		return errors.Wrapf(ErrConfiguration, "unknown loss %q", o.Loss)
	}
	switch o.Optimizer {
	case OptimizerAdam, OptimizerSGD:
	default:
		return errors.Wrapf(ErrConfiguration, "unknown optimizer %q", o.Optimizer)
	}
	if _, err := ParseNormTerm(o.NormTerm); err != nil {
		return err
	}
	if o.WorldSize > o.NumStages() {
		return errors.Wrapf(ErrPartitionMismatch, "world size %d exceeds %d stages", o.WorldSize, o.NumStages())
	}
	if o.Save == "" {
		return errors.Wrap(ErrConfiguration, "-save must name a checkpoint prefix")
	}
	if o.Mirror != "" {
		if _, _, err := parseS3URL(o.Mirror); err != nil {
			return err
		}
	}
	return nil
}
