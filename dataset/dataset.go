// Package dataset holds labelled feature splits in memory and turns them into
// the infinite shuffled streams the trainer consumes.
package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/accent-net/errs"
)

// Split is one labelled split. Sample i occupies
// Features[i*SampleSize() : (i+1)*SampleSize()].
type Split struct {
	Name     string
	Shape    []int
	Features []float64
	Labels   []int
}

// NewSplit validates that features hold exactly one sample per label.
func NewSplit(name string, shape []int, features []float64, labels []int) (*Split, error) {
	s := &Split{Name: name, Shape: append([]int(nil), shape...), Features: features, Labels: labels}
	size := s.SampleSize()
	if size <= 0 {
		return nil, errs.Configurationf(errs.StageData, "split %s: invalid sample shape %v", name, shape)
	}
	if len(labels) == 0 {
		return nil, errs.DataStreamf(errs.StageData, "split %s has no samples", name)
	}
	if len(features) != size*len(labels) {
		return nil, errs.DataStreamf(errs.StageData, "split %s: %d feature values for %d samples of shape %v",
			name, len(features), len(labels), shape)
	}
	return s, nil
}

// Len returns the number of samples.
func (s *Split) Len() int { return len(s.Labels) }

// SampleSize returns the number of values per sample.
func (s *Split) SampleSize() int {
	if len(s.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range s.Shape {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Dataset is the full corpus: label names, the per-sample input shape and
// the three splits.
type Dataset struct {
	Labels     []string
	InputShape []int
	Train      *Split
	Val        *Split
	Test       *Split
}

// Splits returns the non-nil splits in train, validation, test order.
func (d *Dataset) Splits() []*Split {
	var out []*Split
	for _, s := range []*Split{d.Train, d.Val, d.Test} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// LabelCounts returns how often each of numLabels labels occurs across the
// given splits.
func LabelCounts(numLabels int, splits ...*Split) ([]int, error) {
	counts := make([]int, numLabels)
	for _, s := range splits {
		for i, l := range s.Labels {
			if l < 0 || l >= numLabels {
				return nil, errs.DataStreamf(errs.StageData, "split %s sample %d: label %d out of range [0, %d)", s.Name, i, l, numLabels)
			}
			counts[l]++
		}
	}
	return counts, nil
}

type metaFile struct {
	Labels     []string `json:"labels"`
	InputShape []int    `json:"input_shape"`
}

type sampleFile struct {
	Label    string      `json:"label"`
	Features [][]float64 `json:"features"`
}

// Load reads meta.json, train.json, val.json and test.json from dir.
// meta.json names the labels in output order and the (T, F) input shape;
// each split file is a list of {"label": name, "features": [[...F] x T]}.
func Load(dir string) (*Dataset, error) {
	var meta metaFile
	if err := readJSON(filepath.Join(dir, "meta.json"), &meta); err != nil {
		return nil, err
	}
	if len(meta.Labels) == 0 {
		return nil, errs.Configurationf(errs.StageData, "meta.json lists no labels")
	}
	if len(meta.InputShape) != 2 || meta.InputShape[0] <= 0 || meta.InputShape[1] <= 0 {
		return nil, errs.Configurationf(errs.StageData, "meta.json input_shape must be (T, F), got %v", meta.InputShape)
	}
	index := make(map[string]int, len(meta.Labels))
	for i, name := range meta.Labels {
		if _, dup := index[name]; dup {
			return nil, errs.Configurationf(errs.StageData, "duplicate label %q in meta.json", name)
		}
		index[name] = i
	}

	d := &Dataset{Labels: meta.Labels, InputShape: meta.InputShape}
	for _, target := range []struct {
		name string
		dst  **Split
	}{{"train", &d.Train}, {"val", &d.Val}, {"test", &d.Test}} {
		split, err := loadSplit(filepath.Join(dir, target.name+".json"), target.name, meta.InputShape, index)
		if err != nil {
			return nil, err
		}
		*target.dst = split
	}
	return d, nil
}

func loadSplit(path, name string, shape []int, index map[string]int) (*Split, error) {
	var samples []sampleFile
	if err := readJSON(path, &samples); err != nil {
		return nil, err
	}
	t, f := shape[0], shape[1]
	features := make([]float64, 0, len(samples)*t*f)
	labels := make([]int, 0, len(samples))
	for i, s := range samples {
		label, ok := index[s.Label]
		if !ok {
			return nil, errs.DataStreamf(errs.StageData, "%s sample %d: unknown label %q", name, i, s.Label)
		}
		if len(s.Features) != t {
			return nil, errs.DataStreamf(errs.StageData, "%s sample %d: expected %d frames, got %d", name, i, t, len(s.Features))
		}
		for j, frame := range s.Features {
			if len(frame) != f {
				return nil, errs.DataStreamf(errs.StageData, "%s sample %d frame %d: expected %d features, got %d", name, i, j, f, len(frame))
			}
			features = append(features, frame...)
		}
		labels = append(labels, label)
	}
	return NewSplit(name, shape, features, labels)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.DataStream, errs.StageData, err, "failed to read dataset file")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.DataStream, errs.StageData, errors.Wrap(err, path), "failed to decode dataset file")
	}
	return nil
}
