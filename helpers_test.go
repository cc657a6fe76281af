package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testVocab = 10

// testNoise returns a unigram distribution over testVocab ids with counts
// 1, 2, …, testVocab.
func testNoise(t *testing.T) *NoiseDistribution {
	t.Helper()
	counts := make([]float64, testVocab)
	for i := range counts {
		counts[i] = float64(i + 1)
	}
	noise, err := NewNoiseDistribution(counts)
	if err != nil {
		t.Fatalf("NewNoiseDistribution: %v", err)
	}
	return noise
}

// testOptions describes a small two-layer model: 5 stages.
func testOptions() Options {
	opts := DefaultOptions()
	opts.EmSize = 6
	opts.NHid = 5
	opts.NLayers = 2
	opts.Dropout = 0
	opts.NoiseRatio = 4
	opts.Loss = LossFull
	opts.BatchSize = 3
	opts.Epochs = 2
	opts.LogInterval = 1
	opts.Seed = 7
	return opts
}

func buildTestModel(t *testing.T, opts Options, noise *NoiseDistribution) *Model {
	t.Helper()
	model, err := BuildModel(opts, noise)
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	return model
}

// testBatch has lengths 3, 0 and 5 over 5 timesteps.
func testBatch() (input, target [][]int, length []int) {
	input = [][]int{
		{1, 4, 5, 0, 0},
		{1, 0, 0, 0, 0},
		{1, 3, 9, 2, 7},
	}
	target = [][]int{
		{4, 5, 1, 0, 0},
		{0, 0, 0, 0, 0},
		{3, 9, 2, 7, 1},
	}
	return input, target, []int{3, 0, 5}
}

// runRanks drives one micro-batch on every partition concurrently and
// returns the terminal loss and each rank's error.
func runRanks(t *testing.T, parts []*PartitionInfo, transports []Transport, input *Tensor, target [][]int, length []int) (float64, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var (
		wg   sync.WaitGroup
		loss float64
		errs = make([]error, len(parts))
	)
	wg.Add(len(parts))
	for r, part := range parts {
		go func(r int, part *PartitionInfo) {
			defer wg.Done()
			pipe, err := NewPipeline(part, transports[r])
			if err != nil {
				errs[r] = err
				return
			}
			var in *Tensor
			if part.IsFirst() {
				in = input
			}
			l, ok, err := pipe.Run(ctx, in, target, length)
			errs[r] = err
			if ok {
				loss = l
			}
		}(r, part)
	}
	wg.Wait()
	if ctx.Err() != nil {
		t.Fatalf("pipeline did not finish: %v", ctx.Err())
	}
	return loss, errs
}

func localTransports(world int, wire bool) []Transport {
	cluster := NewLocalCluster(world, wire)
	out := make([]Transport, world)
	for r := range out {
		out[r] = cluster.Transport(r)
	}
	return out
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Abs(a)+math.Abs(b))
}

// writeTestCorpus writes a tiny corpus directory and returns its path.
func writeTestCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	train := []string{
		"the cat sat on the mat",
		"the dog sat on the log",
		"a cat and a dog",
		"the mat is on the floor",
		"a dog sat",
		"the cat ran",
		"on the log a cat sat",
	}
	valid := []string{"the dog sat on the mat", "a cat sat"}
	test := []string{"the cat sat on the log", "a dog ran"}
	for name, lines := range map[string][]string{"train.txt": train, "valid.txt": valid, "test.txt": test} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}
