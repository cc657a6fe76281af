package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// saveParts partitions a fresh model into world ranks and saves every
// rank under prefix.
func saveParts(t *testing.T, opts Options, prefix string, world, epoch int) *Model {
	t.Helper()
	model := buildTestModel(t, opts, testNoise(t))
	parts, err := PartitionStages(model.Stages, world)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range parts {
		path, err := SaveCheckpoint(p, prefix, epoch)
		if err != nil {
			t.Fatalf("rank %d: %v", p.Rank, err)
		}
		if path != PartPath(prefix, p.Rank) {
			t.Errorf("saved to %s, want %s", path, PartPath(prefix, p.Rank))
		}
	}
	return model
}

func sameParameters(a, b *Model) bool {
	pa, pb := a.Parameters(), b.Parameters()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		for j := range pa[i].data {
			if pa[i].data[j] != pb[i].data[j] {
				return false
			}
		}
	}
	return true
}

func snapshot(m *Model) [][]float64 {
	var out [][]float64
	for _, p := range m.Parameters() {
		out = append(out, append([]float64(nil), p.data...))
	}
	return out
}

func TestCheckpointLoadToOriginalModel(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "model")
	opts := testOptions()
	saved := saveParts(t, opts, prefix, 3, 4)

	other := opts
	other.Seed = 99
	loaded := buildTestModel(t, other, testNoise(t))
	if sameParameters(saved, loaded) {
		t.Fatal("models built with different seeds should differ")
	}
	epoch, err := LoadToOriginalModel(loaded.Stages, prefix)
	if err != nil {
		t.Fatal(err)
	}
	if epoch != 4 {
		t.Errorf("epoch %d, want 4", epoch)
	}
	if !sameParameters(saved, loaded) {
		t.Error("loaded parameters differ from saved ones")
	}
}

func TestCheckpointMissingPart(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "model")
	saveParts(t, testOptions(), prefix, 3, 1)
	if err := os.Remove(PartPath(prefix, 2)); err != nil {
		t.Fatal(err)
	}

	model := buildTestModel(t, testOptions(), testNoise(t))
	for _, p := range model.Parameters() {
		for i := range p.data {
			p.data[i] = 7
		}
	}
	before := snapshot(model)
	if _, err := LoadToOriginalModel(model.Stages, prefix); !errors.Is(err, ErrPartitionMismatch) {
		t.Fatalf("expected ErrPartitionMismatch, got %v", err)
	}
	for i, p := range model.Parameters() {
		for j := range p.data {
			if p.data[j] != before[i][j] {
				t.Fatalf("parameter %d changed by a failed load", i)
			}
		}
	}
}

func TestCheckpointShapeMismatch(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "model")
	saveParts(t, testOptions(), prefix, 2, 1)

	wider := testOptions()
	wider.NHid = 7
	model := buildTestModel(t, wider, testNoise(t))
	if _, err := LoadToOriginalModel(model.Stages, prefix); !errors.Is(err, ErrPartitionMismatch) {
		t.Errorf("expected ErrPartitionMismatch, got %v", err)
	}
}

func TestCheckpointMixedEpochs(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "model")
	saveParts(t, testOptions(), prefix, 2, 1)

	// Rank 1's file from a later epoch.
	later := filepath.Join(dir, "later")
	saveParts(t, testOptions(), later, 2, 2)
	if err := os.Rename(PartPath(later, 1), PartPath(prefix, 1)); err != nil {
		t.Fatal(err)
	}

	model := buildTestModel(t, testOptions(), testNoise(t))
	if _, err := LoadToOriginalModel(model.Stages, prefix); !errors.Is(err, ErrPartitionMismatch) {
		t.Errorf("expected ErrPartitionMismatch, got %v", err)
	}
}

func TestCheckpointTruncated(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "model")
	saveParts(t, testOptions(), prefix, 1, 1)
	path := PartPath(prefix, 0)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-8); err != nil {
		t.Fatal(err)
	}
	model := buildTestModel(t, testOptions(), testNoise(t))
	if _, err := LoadToOriginalModel(model.Stages, prefix); !errors.Is(err, ErrPartitionMismatch) {
		t.Errorf("expected ErrPartitionMismatch, got %v", err)
	}
}

func TestCheckpointLengthsBoundedByFileSize(t *testing.T) {
	writeRaw := func(t *testing.T, headerLen uint32, header []byte) string {
		t.Helper()
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, headerLen)
		buf.Write(header)
		path := filepath.Join(t.TempDir(), "model.part0")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("header length", func(t *testing.T) {
		path := writeRaw(t, math.MaxUint32, []byte("{}"))
		if _, _, err := readCheckpoint(path); !errors.Is(err, ErrPartitionMismatch) {
			t.Errorf("expected ErrPartitionMismatch, got %v", err)
		}
	})

	t.Run("parameter shape", func(t *testing.T) {
		header, err := json.Marshal(checkpointHeader{
			WorldSize: 1,
			Epoch:     1,
			Stages:    []stageRecord{{Index: 0, Name: "embedding", Shapes: [][]int{{1 << 15, 1 << 15}}}},
		})
		if err != nil {
			t.Fatal(err)
		}
		path := writeRaw(t, uint32(len(header)), header)
		if _, _, err := readCheckpoint(path); !errors.Is(err, ErrPartitionMismatch) {
			t.Errorf("expected ErrPartitionMismatch, got %v", err)
		}
	})
}

func TestCheckpointLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	saveParts(t, testOptions(), filepath.Join(dir, "model"), 3, 1)
	saveParts(t, testOptions(), filepath.Join(dir, "model"), 3, 2)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 files, found %d", len(entries))
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}

func TestWriteAtomicKeepsOldFileOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.part0")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("disk full")
	err := writeAtomic(path, func(w io.Writer) error {
		if _, err := w.Write([]byte("half of the new")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the write error, got %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "old" {
		t.Errorf("file content %q, want the previous checkpoint", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the original file, found %d entries", len(entries))
	}
}

func TestRestoreFromCheckpoint(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "model")
	saved := saveParts(t, testOptions(), prefix, 2, 3)

	other := testOptions()
	other.Seed = 42
	model := buildTestModel(t, other, testNoise(t))
	parts, _ := PartitionStages(model.Stages, 2)
	for _, p := range parts {
		epoch, err := RestoreFromCheckpoint(p, prefix)
		if err != nil {
			t.Fatalf("rank %d: %v", p.Rank, err)
		}
		if epoch != 3 {
			t.Errorf("rank %d: epoch %d, want 3", p.Rank, epoch)
		}
	}
	if !sameParameters(saved, model) {
		t.Error("restored parameters differ from saved ones")
	}

	// A different world size splits the stages differently.
	three, _ := PartitionStages(model.Stages, 3)
	if _, err := RestoreFromCheckpoint(three[1], prefix); !errors.Is(err, ErrPartitionMismatch) {
		t.Errorf("world size change: expected ErrPartitionMismatch, got %v", err)
	}
}

func TestBestTracker(t *testing.T) {
	var b BestTracker
	if _, ok := b.Best(); ok {
		t.Fatal("empty tracker reports a best score")
	}
	scores := []float64{120, 95, 130, 95}
	want := []bool{true, true, false, false}
	for i, s := range scores {
		if got := b.Observe(s); got != want[i] {
			t.Errorf("Observe(%v) at step %d = %v, want %v", s, i, got, want[i])
		}
	}
	if best, _ := b.Best(); best != 95 {
		t.Errorf("best %v, want 95", best)
	}

	var first BestTracker
	if !first.Observe(1e9) {
		t.Error("first score must always be the best")
	}
	if first.Observe(math.NaN()) {
		t.Error("NaN promoted")
	}
}
