package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// eachRank runs fn concurrently for every rank and returns the errors.
func eachRank(t *testing.T, world int, fn func(ctx context.Context, r int) error) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, world)
	var wg sync.WaitGroup
	wg.Add(world)
	for r := 0; r < world; r++ {
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(ctx, r)
		}(r)
	}
	wg.Wait()
	if ctx.Err() != nil {
		t.Fatalf("collective did not finish: %v", ctx.Err())
	}
	return errs
}

func TestShareScoreBitwiseEqual(t *testing.T) {
	const world = 4
	transports := localTransports(world, true)
	// A value with a long mantissa; any float formatting on the way would
	// change its bits.
	want := math.Pi * 1e7 / 3
	got := make([]float64, world)

	errs := eachRank(t, world, func(ctx context.Context, r int) error {
		es := NewEpochSync(transports[r])
		local := float64(r)
		if r == es.Terminal() {
			local = want
		}
		v, err := es.ShareScore(ctx, 3, local)
		got[r] = v
		return err
	})
	for r := range got {
		if errs[r] != nil {
			t.Fatalf("rank %d: %v", r, errs[r])
		}
		if math.Float64bits(got[r]) != math.Float64bits(want) {
			t.Errorf("rank %d received %v, want %v", r, got[r], want)
		}
	}
}

func TestAgreeEpochSameOnEveryRank(t *testing.T) {
	const world = 3
	transports := localTransports(world, true)
	local := []int{4, 4, 5}
	got := make([][]int, world)

	errs := eachRank(t, world, func(ctx context.Context, r int) error {
		epochs, err := NewEpochSync(transports[r]).AgreeEpoch(ctx, local[r])
		got[r] = epochs
		return err
	})
	for r := range got {
		if errs[r] != nil {
			t.Fatalf("rank %d: %v", r, errs[r])
		}
		if !shapeEqual(got[r], local) {
			t.Errorf("rank %d saw %v, want %v", r, got[r], local)
		}
	}
}

func TestShareScoreCarriesNaN(t *testing.T) {
	transports := localTransports(3, true)
	got := make([]float64, 3)
	eachRank(t, 3, func(ctx context.Context, r int) error {
		v, err := NewEpochSync(transports[r]).ShareScore(ctx, 1, math.NaN())
		got[r] = v
		return err
	})
	for r, v := range got {
		if !math.IsNaN(v) {
			t.Errorf("rank %d received %v, want NaN", r, v)
		}
	}
}

func TestBarrierHoldsEveryRank(t *testing.T) {
	const world = 4
	transports := localTransports(world, false)
	var arrived atomic.Int32

	errs := eachRank(t, world, func(ctx context.Context, r int) error {
		es := NewEpochSync(transports[r])
		for epoch := 1; epoch <= 3; epoch++ {
			// Stagger arrivals so an early release would be visible.
			time.Sleep(time.Duration(r) * 5 * time.Millisecond)
			arrived.Add(1)
			if err := es.Barrier(ctx, epoch, phaseTrained); err != nil {
				return err
			}
			if n := arrived.Load(); n < int32(epoch*world) {
				t.Errorf("rank %d left barrier of epoch %d after %d arrivals", r, epoch, n)
			}
		}
		return nil
	})
	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
		}
	}
}

func TestBarrierCancelled(t *testing.T) {
	transports := localTransports(2, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewEpochSync(transports[1]).Barrier(ctx, 1, phaseSaved)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}
