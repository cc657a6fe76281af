package main

// ===========================================================================
// CHECKPOINT FORMAT
// ===========================================================================
//
// Each rank writes only its own partition, to <prefix>.part<rank>:
//
//   uint32    header length (little endian)
//   []byte    JSON header: rank, world size, epoch, and for every stage its
//             global index, name and parameter shapes
//   float64…  parameter data, stage by stage, parameter by parameter
//
// The best-so-far fileset uses the prefix <prefix>.best.
//
// Files are written to a temporary name in the same directory, synced, and
// renamed over the target, so an interrupted write leaves the previous
// checkpoint untouched.
//
// ===========================================================================

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type checkpointHeader struct {
	Rank      int           `json:"rank"`
	WorldSize int           `json:"world_size"`
	Epoch     int           `json:"epoch"`
	Stages    []stageRecord `json:"stages"`
}

type stageRecord struct {
	Index  int     `json:"index"`
	Name   string  `json:"name"`
	Shapes [][]int `json:"shapes"`
}

// loadedStage is one stage's parameters read from disk.
type loadedStage struct {
	stageRecord
	params [][]float64
}

// PartPath is the file rank writes under prefix.
func PartPath(prefix string, rank int) string {
	return fmt.Sprintf("%s.part%d", prefix, rank)
}

// BestPrefix is the prefix of the best-so-far fileset.
func BestPrefix(prefix string) string {
	return prefix + ".best"
}

// SaveCheckpoint atomically writes part's parameters to
// PartPath(prefix, part.Rank) and returns the path.
func SaveCheckpoint(part *PartitionInfo, prefix string, epoch int) (string, error) {
	header := checkpointHeader{
		Rank:      part.Rank,
		WorldSize: part.WorldSize,
		Epoch:     epoch,
	}
	for i, s := range part.Stages {
		rec := stageRecord{Index: part.Offset + i, Name: s.Name()}
		for _, p := range s.Parameters() {
			rec.Shapes = append(rec.Shapes, p.Shape())
		}
		header.Stages = append(header.Stages, rec)
	}

	path := PartPath(prefix, part.Rank)
	err := writeAtomic(path, func(w io.Writer) error {
		headerJSON, err := json.Marshal(header)
		if err != nil {
			return errors.Wrap(err, "failed to marshal header")
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
			return errors.Wrap(err, "failed to write header length")
		}
		if _, err := w.Write(headerJSON); err != nil {
			return errors.Wrap(err, "failed to write header")
		}
		for _, s := range part.Stages {
			for j, p := range s.Parameters() {
				if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
					return errors.Wrapf(err, "failed to write %s parameter %d", s.Name(), j)
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	klog.V(1).Infof("rank %d: saved epoch %d checkpoint to %s", part.Rank, epoch, path)
	return path, nil
}

// writeAtomic writes through a synced temporary file renamed onto path.
func writeAtomic(path string, write func(io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %s", tmp)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %s", tmp)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmp)
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to rename %s", tmp)
	}
	return nil
}

// readCheckpoint reads one rank file fully into memory.
func readCheckpoint(path string) (*checkpointHeader, []loadedStage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%v", err)
	}
	r := bufio.NewReader(f)

	// Lengths read from the file are checked against what is left of it
	// before anything is allocated.
	remaining := info.Size() - 4
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%s: failed to read header length: %v", path, err)
	}
	if int64(headerLen) > remaining {
		return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%s: header length %d exceeds file size %d", path, headerLen, info.Size())
	}
	remaining -= int64(headerLen)
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%s: failed to read header: %v", path, err)
	}
	var header checkpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%s: failed to parse header: %v", path, err)
	}

	stages := make([]loadedStage, len(header.Stages))
	for i, rec := range header.Stages {
		stages[i].stageRecord = rec
		for _, shape := range rec.Shapes {
			size := 1
			for _, d := range shape {
				size *= d
			}
			if size <= 0 || size > math.MaxInt32 || int64(size)*8 > remaining {
				return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%s: stage %s has parameter shape %v", path, rec.Name, shape)
			}
			remaining -= int64(size) * 8
			data := make([]float64, size)
			if err := binary.Read(r, binary.LittleEndian, data); err != nil {
				return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%s: failed to read stage %s: %v", path, rec.Name, err)
			}
			stages[i].params = append(stages[i].params, data)
		}
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, nil, errors.Wrapf(ErrPartitionMismatch, "%s: trailing data after parameters", path)
	}
	return &header, stages, nil
}

// matchStage checks a loaded record against the stage it is assigned to.
func matchStage(path string, s Stage, ls loadedStage) error {
	if s.Name() != ls.Name {
		return errors.Wrapf(ErrPartitionMismatch, "%s: stage %d is %q in the file but %q in the model", path, ls.Index, ls.Name, s.Name())
	}
	params := s.Parameters()
	if len(params) != len(ls.Shapes) {
		return errors.Wrapf(ErrPartitionMismatch, "%s: stage %s has %d parameters in the file, %d in the model", path, ls.Name, len(ls.Shapes), len(params))
	}
	for j, p := range params {
		if !shapeEqual(p.shape, ls.Shapes[j]) {
			return errors.Wrapf(ErrPartitionMismatch, "%s: stage %s parameter %d has shape %v in the file, %v in the model", path, ls.Name, j, ls.Shapes[j], p.shape)
		}
	}
	return nil
}

func assignStage(s Stage, ls loadedStage) {
	for j, p := range s.Parameters() {
		copy(p.data, ls.params[j])
	}
}

// LoadToOriginalModel rebuilds an unpartitioned model from every rank file
// under prefix. The world size is read from rank 0's file. Nothing is
// assigned unless the whole fileset is present and consistent. It returns
// the epoch the fileset was saved at.
func LoadToOriginalModel(stages []Stage, prefix string) (int, error) {
	first, firstStages, err := readCheckpoint(PartPath(prefix, 0))
	if err != nil {
		return 0, err
	}
	world := first.WorldSize
	if world < 1 || world > len(stages) {
		return 0, errors.Wrapf(ErrPartitionMismatch, "fileset %s claims world size %d for %d stages", prefix, world, len(stages))
	}

	assigned := make([]*loadedStage, len(stages))
	for rank := 0; rank < world; rank++ {
		path := PartPath(prefix, rank)
		header, loaded := first, firstStages
		if rank > 0 {
			if header, loaded, err = readCheckpoint(path); err != nil {
				return 0, err
			}
		}
		if header.Rank != rank || header.WorldSize != world {
			return 0, errors.Wrapf(ErrPartitionMismatch, "%s holds rank %d of %d, expected rank %d of %d", path, header.Rank, header.WorldSize, rank, world)
		}
		if header.Epoch != first.Epoch {
			return 0, errors.Wrapf(ErrPartitionMismatch, "%s is from epoch %d, rank 0 from epoch %d", path, header.Epoch, first.Epoch)
		}
		if len(loaded) == 0 {
			return 0, errors.Wrapf(ErrPartitionMismatch, "%s holds no stages", path)
		}
		for i := range loaded {
			ls := &loaded[i]
			if ls.Index < 0 || ls.Index >= len(stages) {
				return 0, errors.Wrapf(ErrPartitionMismatch, "%s: stage index %d outside model of %d stages", path, ls.Index, len(stages))
			}
			if assigned[ls.Index] != nil {
				return 0, errors.Wrapf(ErrPartitionMismatch, "%s: stage %d is also stored by another rank", path, ls.Index)
			}
			if err := matchStage(path, stages[ls.Index], *ls); err != nil {
				return 0, err
			}
			assigned[ls.Index] = ls
		}
	}
	for i, ls := range assigned {
		if ls == nil {
			return 0, errors.Wrapf(ErrPartitionMismatch, "fileset %s has no data for stage %d (%s)", prefix, i, stages[i].Name())
		}
	}
	if _, err := os.Stat(PartPath(prefix, world)); err == nil {
		klog.Warningf("ignoring %s: fileset %s was written by %d ranks", PartPath(prefix, world), prefix, world)
	}

	for i, ls := range assigned {
		assignStage(stages[i], *ls)
	}
	return first.Epoch, nil
}

// RestoreFromCheckpoint reloads part's own parameters from its rank file,
// for resuming a run with the same world size.
func RestoreFromCheckpoint(part *PartitionInfo, prefix string) (int, error) {
	path := PartPath(prefix, part.Rank)
	header, loaded, err := readCheckpoint(path)
	if err != nil {
		return 0, err
	}
	if header.Rank != part.Rank || header.WorldSize != part.WorldSize {
		return 0, errors.Wrapf(ErrPartitionMismatch, "%s holds rank %d of %d, this is rank %d of %d", path, header.Rank, header.WorldSize, part.Rank, part.WorldSize)
	}
	if len(loaded) != len(part.Stages) {
		return 0, errors.Wrapf(ErrPartitionMismatch, "%s holds %d stages, partition has %d", path, len(loaded), len(part.Stages))
	}
	for i, ls := range loaded {
		if ls.Index != part.Offset+i {
			return 0, errors.Wrapf(ErrPartitionMismatch, "%s: stage %d stored at index %d", path, part.Offset+i, ls.Index)
		}
		if err := matchStage(path, part.Stages[i], ls); err != nil {
			return 0, err
		}
	}
	for i, ls := range loaded {
		assignStage(part.Stages[i], ls)
	}
	return header.Epoch, nil
}

// BestTracker decides checkpoint promotion from broadcast validation scores.
// Lower is better; ties do not promote.
type BestTracker struct {
	best float64
	seen bool
}

// Observe records score and reports whether it is the new best. The first
// finite score is always the best.
func (b *BestTracker) Observe(score float64) bool {
	if math.IsNaN(score) {
		return false
	}
	if !b.seen || score < b.best {
		b.best, b.seen = score, true
		return true
	}
	return false
}

// Best returns the best score so far.
func (b *BestTracker) Best() (float64, bool) { return b.best, b.seen }
