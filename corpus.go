package main

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Special tokens. They always take the first vocabulary ids in this order.
const (
	PadToken = "<pad>"
	EOSToken = "<eos>"
	UnkToken = "<unk>"
)

const (
	padID = 0
	eosID = 1
	unkID = 2
)

// Vocabulary maps words to ids and keeps the training counts of each id,
// which become the noise distribution.
type Vocabulary struct {
	words  []string
	index  map[string]int
	counts []float64
}

// BuildVocabulary counts whitespace tokens over lines. Words seen fewer than
// minFreq times are folded into <unk>. Ids are assigned by descending count,
// ties broken alphabetically.
func BuildVocabulary(lines []string, minFreq int) *Vocabulary {
	freq := make(map[string]int)
	eos := 0
	for _, line := range lines {
		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}
		for _, w := range words {
			freq[w]++
		}
		eos++
	}

	v := &Vocabulary{index: make(map[string]int)}
	v.add(PadToken, 0)
	v.add(EOSToken, float64(eos))
	v.add(UnkToken, 0)

	kept := make([]string, 0, len(freq))
	for w, c := range freq {
		if _, special := v.index[w]; special {
			v.counts[v.index[w]] += float64(c)
			continue
		}
		if c < minFreq {
			v.counts[unkID] += float64(c)
			continue
		}
		kept = append(kept, w)
	}
	sort.Slice(kept, func(i, j int) bool {
		if freq[kept[i]] != freq[kept[j]] {
			return freq[kept[i]] > freq[kept[j]]
		}
		return kept[i] < kept[j]
	})
	for _, w := range kept {
		v.add(w, float64(freq[w]))
	}
	return v
}

func (v *Vocabulary) add(word string, count float64) {
	v.index[word] = len(v.words)
	v.words = append(v.words, word)
	v.counts = append(v.counts, count)
}

// Size returns the number of ids including special tokens.
func (v *Vocabulary) Size() int { return len(v.words) }

// Counts returns the training frequency of every id.
func (v *Vocabulary) Counts() []float64 { return v.counts }

// ID returns the id of word, or the <unk> id.
func (v *Vocabulary) ID(word string) int {
	if id, ok := v.index[word]; ok {
		return id
	}
	return unkID
}

// Word returns the word for id.
func (v *Vocabulary) Word(id int) string {
	if id < 0 || id >= len(v.words) {
		return UnkToken
	}
	return v.words[id]
}

// Encode turns one line into ids followed by <eos>, truncated to maxLen
// tokens when maxLen > 0. Blank lines encode to nil.
func (v *Vocabulary) Encode(line string, maxLen int) []int {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	ids := make([]int, 0, len(words)+1)
	for _, w := range words {
		ids = append(ids, v.ID(w))
	}
	ids = append(ids, eosID)
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	return ids
}

// Corpus holds the encoded splits of a data directory.
type Corpus struct {
	Vocab *Vocabulary
	Train [][]int
	Valid [][]int
	Test  [][]int
}

// LoadCorpus reads train.txt, valid.txt and test.txt from dir. The
// vocabulary comes from the training split only.
func LoadCorpus(dir string, minFreq, maxLen int) (*Corpus, error) {
	train, err := readLines(filepath.Join(dir, "train.txt"))
	if err != nil {
		return nil, err
	}
	valid, err := readLines(filepath.Join(dir, "valid.txt"))
	if err != nil {
		return nil, err
	}
	test, err := readLines(filepath.Join(dir, "test.txt"))
	if err != nil {
		return nil, err
	}

	vocab := BuildVocabulary(train, minFreq)
	c := &Corpus{
		Vocab: vocab,
		Train: encodeLines(vocab, train, maxLen),
		Valid: encodeLines(vocab, valid, maxLen),
		Test:  encodeLines(vocab, test, maxLen),
	}
	if len(c.Train) == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "%s has no training sentences", dir)
	}
	return c, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "%v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return lines, nil
}

func encodeLines(v *Vocabulary, lines []string, maxLen int) [][]int {
	var out [][]int
	for _, line := range lines {
		if ids := v.Encode(line, maxLen); ids != nil {
			out = append(out, ids)
		}
	}
	return out
}

// Batch is one micro-batch. Input is the target shifted right by one, with
// <eos> as the first context token. Rows are right-padded with <pad>.
type Batch struct {
	Input  [][]int
	Target [][]int
	Length []int
}

// Tokens is the number of valid positions.
func (b Batch) Tokens() int {
	n := 0
	for _, l := range b.Length {
		n += l
	}
	return n
}

// MakeBatches groups sentences into micro-batches of at most batchSize. With
// rng set, sentence order is shuffled first.
func MakeBatches(sentences [][]int, batchSize int, rng *rand.Rand) []Batch {
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var batches []Batch
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		maxLen := 1
		for _, i := range order[start:end] {
			maxLen = max(maxLen, len(sentences[i]))
		}

		b := Batch{}
		for _, i := range order[start:end] {
			s := sentences[i]
			in := make([]int, maxLen)
			tgt := make([]int, maxLen)
			for t := range in {
				in[t], tgt[t] = padID, padID
			}
			for t, id := range s {
				tgt[t] = id
				if t == 0 {
					in[t] = eosID
				} else {
					in[t] = s[t-1]
				}
			}
			b.Input = append(b.Input, in)
			b.Target = append(b.Target, tgt)
			b.Length = append(b.Length, len(s))
		}
		batches = append(batches, b)
	}
	return batches
}

// deriveSeed mixes a base seed with further components (epoch, stage index)
// into an independent stream seed.
func deriveSeed(base int64, parts ...int64) int64 {
	h := uint64(base)
	for _, p := range parts {
		h ^= uint64(p) + 0x9e3779b97f4a7c15 + (h << 6) + (h >> 2)
		h = splitmix64(h)
	}
	return int64(splitmix64(h) >> 1)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
