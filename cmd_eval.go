package main

import (
	"flag"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunEvalCommand reports the perplexity of a checkpoint fileset written by
// any world size. The model flags must match the ones used for training.
func RunEvalCommand(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	klog.InitFlags(fs)

	opts := DefaultOptions()
	opts.RegisterFlags(fs)
	split := fs.String("split", "test", "Split to evaluate: valid or test")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	corpus, err := LoadCorpus(opts.Data, opts.MinFreq, opts.MaxLen)
	if err != nil {
		return err
	}
	var sentences [][]int
	switch *split {
	case "valid":
		sentences = corpus.Valid
	case "test":
		sentences = corpus.Test
	default:
		return errors.Wrapf(ErrConfiguration, "unknown split %q", *split)
	}

	noise, err := NewNoiseDistribution(corpus.Vocab.Counts())
	if err != nil {
		return err
	}
	klog.Infof("Evaluating existing model %s", opts.Save)
	ppl, err := EvaluateCheckpoint(opts, noise, opts.Save, sentences)
	if err != nil {
		return err
	}
	fmt.Printf("%s ppl %8.2f\n", *split, ppl)

	if opts.Ledger == "" {
		return nil
	}
	ledger, err := OpenLedger(opts.Ledger)
	if err != nil {
		return err
	}
	defer ledger.Close()
	history, err := ledger.History()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("epoch  train loss   valid ppl  best")
	for _, r := range history {
		mark := ""
		if r.Promoted {
			mark = "*"
		}
		fmt.Printf("%5d  %10.4f  %10.2f  %s\n", r.Epoch, r.TrainLoss, r.ValidPPL, mark)
	}
	return nil
}
