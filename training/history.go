package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/accent-net/checkpoints"
	"github.com/tsawler/accent-net/errs"
)

// History maps each metric key (train and "val_" variants) to its per-epoch
// values. Keys keep their first-seen order.
type History struct {
	keys   []string
	values map[string][]float64
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{values: make(map[string][]float64)}
}

// Append adds one epoch of logs. Every epoch must carry the same keys.
func (h *History) Append(logs map[string]float64) error {
	if h.Epochs() > 0 && len(logs) != len(h.keys) {
		return errors.Errorf("epoch logs carry %d metrics, history has %d", len(logs), len(h.keys))
	}
	if h.Epochs() == 0 {
		h.keys = orderedKeys(logs)
	}
	for _, k := range h.keys {
		v, ok := logs[k]
		if !ok {
			return errors.Errorf("epoch logs are missing %q", k)
		}
		h.values[k] = append(h.values[k], v)
	}
	return nil
}

// Keys returns the metric keys in order.
func (h *History) Keys() []string { return append([]string(nil), h.keys...) }

// Values returns the per-epoch values of key.
func (h *History) Values(key string) []float64 { return h.values[key] }

// Epochs returns the number of recorded epochs.
func (h *History) Epochs() int {
	if len(h.keys) == 0 {
		return 0
	}
	return len(h.values[h.keys[0]])
}

// Map returns a copy of the history as a plain map.
func (h *History) Map() map[string][]float64 {
	out := make(map[string][]float64, len(h.keys))
	for _, k := range h.keys {
		out[k] = append([]float64(nil), h.values[k]...)
	}
	return out
}

// orderedKeys puts train metrics before validation ones and loss first in
// each group.
func orderedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []string) {
	rank := func(k string) (bool, bool, string) {
		val := strings.HasPrefix(k, "val_")
		base := strings.TrimPrefix(k, "val_")
		return val, base != MetricLoss, base
	}
	sort.Slice(keys, func(i, j int) bool {
		vi, li, bi := rank(keys[i])
		vj, lj, bj := rank(keys[j])
		if vi != vj {
			return !vi
		}
		if li != lj {
			return !li
		}
		return bi < bj
	})
}

func (h *History) toStruct() (*structpb.Struct, error) {
	fields := make(map[string]interface{}, len(h.keys))
	for _, k := range h.keys {
		list := make([]interface{}, len(h.values[k]))
		for i, v := range h.values[k] {
			list[i] = v
		}
		fields[k] = list
	}
	return structpb.NewStruct(fields)
}

// Marshal encodes the history as a google.protobuf.Struct of number lists.
// Encoding is deterministic.
func (h *History) Marshal() ([]byte, error) {
	s, err := h.toStruct()
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert history")
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// UnmarshalHistory decodes the output of Marshal.
func UnmarshalHistory(data []byte) (*History, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode history")
	}
	h := NewHistory()
	for k, v := range s.GetFields() {
		list := v.GetListValue()
		if list == nil {
			return nil, errors.Errorf("history key %q is not a list", k)
		}
		values := make([]float64, len(list.GetValues()))
		for i, item := range list.GetValues() {
			n, ok := item.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, errors.Errorf("history key %q: entry %d is not a number", k, i)
			}
			values[i] = n.NumberValue
		}
		h.keys = append(h.keys, k)
		h.values[k] = values
	}
	sortKeys(h.keys)
	for _, k := range h.keys {
		if len(h.values[k]) != h.Epochs() {
			return nil, errors.Errorf("history key %q has %d epochs, expected %d", k, len(h.values[k]), h.Epochs())
		}
	}
	return h, nil
}

// MarshalJSON renders the history through the protobuf JSON mapping.
func (h *History) MarshalJSON() ([]byte, error) {
	s, err := h.toStruct()
	if err != nil {
		return nil, err
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, err
	}
	// protojson randomises whitespace
	var raw json.RawMessage = data
	return json.Marshal(raw)
}

// HistoryPath returns {dir}/{model}_history.pb.
func HistoryPath(dir, model string) string {
	return filepath.Join(dir, model+"_history.pb")
}

// Save writes the history atomically to path.
func (h *History) Save(path string) error {
	if h.Epochs() == 0 {
		return errs.Wrap(errs.CheckpointIO, errs.StageHistory, errors.New("no completed epochs"), "refusing to save empty history")
	}
	data, err := h.Marshal()
	if err != nil {
		return errs.CheckpointIOErr(errs.StageHistory, err, "failed to encode history")
	}
	if err := checkpoints.WriteFileAtomic(path, data, 0o644); err != nil {
		return errs.CheckpointIOErr(errs.StageHistory, err, "failed to write history")
	}
	return nil
}

// LoadHistory reads a history written by Save.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.CheckpointIOErr(errs.StageHistory, err, "failed to read history")
	}
	h, err := UnmarshalHistory(data)
	if err != nil {
		return nil, errs.CheckpointIOErr(errs.StageHistory, err, "failed to load history")
	}
	return h, nil
}
