package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// Two ways to run a pipeline of -world-size ranks:
//
//   in-process   (-rank=-1, the default) every rank is a goroutine and the
//                ranks talk over channels
//   distributed  one process per rank, started with -rank=r and the same
//                -peers list; the ranks talk over gRPC
//
// Every process loads the same corpus and builds the same model from -seed,
// then keeps only its own partition of it.
//
// Ctrl-C (or SIGTERM) abandons the epoch in flight. Checkpoints already on
// disk stay valid, and the command exits with status 130.
//
// ===========================================================================

// RunTrainCommand implements the train subcommand.
func RunTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	klog.InitFlags(fs)

	opts := DefaultOptions()
	opts.RegisterFlags(fs)
	rank := fs.Int("rank", -1, "Rank of this process (-1 runs every rank in this process)")
	peers := fs.String("peers", "", "Comma-separated host:port of every rank, in rank order (distributed mode)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(opts.Save); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create checkpoint directory")
		}
	}

	corpus, err := LoadCorpus(opts.Data, opts.MinFreq, opts.MaxLen)
	if err != nil {
		return err
	}
	klog.Infof("Vocabulary size is %d", corpus.Vocab.Size())
	klog.Infof("%d training, %d validation, %d test sentences", len(corpus.Train), len(corpus.Valid), len(corpus.Test))
	klog.Infof("model: emsize %d, nhid %d, nlayers %d, dropout %.2f, %d stages over %d ranks",
		opts.EmSize, opts.NHid, opts.NLayers, opts.Dropout, opts.NumStages(), opts.WorldSize)
	klog.Infof("loss: %s, noise ratio %d, norm term %s", opts.Loss, opts.NoiseRatio, opts.NormTerm)

	terminal := *rank < 0 || *rank == opts.WorldSize-1

	var ledger *Ledger
	if opts.Ledger != "" && terminal {
		if ledger, err = OpenLedger(opts.Ledger); err != nil {
			return err
		}
		defer ledger.Close()
	}

	var mirror *S3Mirror
	if opts.Mirror != "" {
		if mirror, err = NewS3Mirror(opts.Mirror, opts.Region); err != nil {
			return err
		}
	}

	var summary Summary
	if *rank < 0 {
		summary, err = RunLocal(ctx, opts, corpus, ledger, mirror)
	} else {
		summary, err = runDistributed(ctx, opts, corpus, *rank, *peers, ledger, mirror)
	}
	if err != nil {
		return err
	}
	if terminal {
		klog.Infof("finished %d epochs, best valid ppl %.2f, test ppl %.2f", summary.Epochs, summary.BestPPL, summary.TestPPL)
	}
	return nil
}

// runDistributed runs one rank of a multi-process pipeline.
func runDistributed(ctx context.Context, opts Options, corpus *Corpus, rank int, peerList string, ledger *Ledger, mirror *S3Mirror) (Summary, error) {
	peers := splitPeers(peerList)
	if len(peers) != opts.WorldSize {
		return Summary{}, errors.Wrapf(ErrConfiguration, "-peers lists %d addresses for world size %d", len(peers), opts.WorldSize)
	}
	transport, err := NewGRPCTransport(GRPCConfig{Rank: rank, Peers: peers})
	if err != nil {
		return Summary{}, err
	}
	defer transport.Close()

	noise, err := NewNoiseDistribution(corpus.Vocab.Counts())
	if err != nil {
		return Summary{}, err
	}
	trainer, err := NewRankTrainer(opts, corpus, noise, transport)
	if err != nil {
		return Summary{}, err
	}
	return trainer.WithLedger(ledger).WithMirror(mirror).Run(ctx)
}

func splitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
