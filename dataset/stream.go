package dataset

import (
	"math/rand"
	"sync"

	"github.com/tsawler/accent-net/errs"
)

// Stream repeats a split forever and shuffles it through a fixed-size buffer:
// each draw takes a random buffered sample and refills the slot with the
// next sample of the repeating sequence. It implements async.DataSource.
type Stream struct {
	split *Split

	mu     sync.Mutex
	rng    *rand.Rand
	buffer []int
	cursor int
}

// NewStream creates a stream over split with a shuffle buffer of
// bufferSize samples, capped at the split length.
func NewStream(split *Split, bufferSize int, seed int64) (*Stream, error) {
	if split == nil || split.Len() == 0 {
		return nil, errs.DataStreamf(errs.StageData, "cannot stream an empty split")
	}
	if bufferSize <= 0 {
		return nil, errs.Configurationf(errs.StageConfig, "shuffle buffer must be positive, got %d", bufferSize)
	}
	if bufferSize > split.Len() {
		bufferSize = split.Len()
	}
	s := &Stream{split: split, rng: rand.New(rand.NewSource(seed))}
	s.buffer = make([]int, bufferSize)
	for i := range s.buffer {
		s.buffer[i] = s.advance()
	}
	return s, nil
}

func (s *Stream) advance() int {
	i := s.cursor
	s.cursor = (s.cursor + 1) % s.split.Len()
	return i
}

// NextIndices draws batchSize sample indices.
func (s *Stream) NextIndices(batchSize int) ([]int, error) {
	if batchSize <= 0 {
		return nil, errs.Configurationf(errs.StageConfig, "batch size must be positive, got %d", batchSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]int, batchSize)
	for i := range indices {
		slot := s.rng.Intn(len(s.buffer))
		indices[i] = s.buffer[slot]
		s.buffer[slot] = s.advance()
	}
	return indices, nil
}

// Sample copies sample index into dst. The split is never written after
// construction, so Sample is safe for concurrent use.
func (s *Stream) Sample(index int, dst []float64) (int, error) {
	size := s.split.SampleSize()
	if index < 0 || index >= s.split.Len() {
		return 0, errs.DataStreamf(errs.StageData, "sample index %d out of range [0, %d)", index, s.split.Len())
	}
	if len(dst) != size {
		return 0, errs.DataStreamf(errs.StageData, "destination holds %d values, sample has %d", len(dst), size)
	}
	copy(dst, s.split.Features[index*size:(index+1)*size])
	return s.split.Labels[index], nil
}

// SampleShape returns the per-sample shape.
func (s *Stream) SampleShape() []int { return append([]int(nil), s.split.Shape...) }
