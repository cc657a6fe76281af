package main

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLedgerRecordAndBest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, ok, err := l.Best(); err != nil || ok {
		t.Fatalf("empty ledger: ok=%v err=%v", ok, err)
	}

	records := []EpochRecord{
		{Epoch: 1, TrainLoss: 5.1, ValidPPL: 120, Promoted: true},
		{Epoch: 2, TrainLoss: 4.2, ValidPPL: 95, Promoted: true},
		{Epoch: 3, TrainLoss: 4.0, ValidPPL: 130},
	}
	for _, r := range records {
		if err := l.Record(r); err != nil {
			t.Fatal(err)
		}
	}

	best, ok, err := l.Best()
	if err != nil || !ok {
		t.Fatalf("Best: ok=%v err=%v", ok, err)
	}
	if best.Epoch != 2 || best.ValidPPL != 95 || !best.Promoted {
		t.Errorf("best %+v, want epoch 2 at 95", best)
	}

	history, err := l.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history has %d rows, want 3", len(history))
	}
	for i, r := range history {
		if r.Epoch != i+1 {
			t.Errorf("row %d is epoch %d", i, r.Epoch)
		}
		if r.Recorded.IsZero() || time.Since(r.Recorded) > time.Hour {
			t.Errorf("row %d timestamp %v", i, r.Recorded)
		}
	}
}

func TestLedgerReplacesEpochAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(EpochRecord{Epoch: 1, TrainLoss: 3, ValidPPL: 50, Promoted: true}); err != nil {
		t.Fatal(err)
	}
	// A resumed run validates epoch 1 again.
	if err := l.Record(EpochRecord{Epoch: 1, TrainLoss: 3, ValidPPL: 40, Promoted: true}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l, err = OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	history, err := l.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ValidPPL != 40 {
		t.Errorf("history %+v, want one row at 40", history)
	}
}
