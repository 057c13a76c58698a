package checkpoints

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tsawler/accent-net/layers"
)

// Protobuf wire layout of a checkpoint. Field numbers are stable; unknown
// fields are skipped on decode.
//
//	Checkpoint     { 1 model_spec_json bytes; 2 repeated Tensor weights;
//	                 3 TrainingState; 4 Metadata; 5 OptimizerState }
//	Tensor         { 1 name; 2 packed int64 shape; 3 packed double data;
//	                 4 layer; 5 type }
//	TrainingState  { 1 epoch; 2 metric; 3 best_value double; 4 learning_rate double }
//	Metadata       { 1 version; 2 framework; 3 run_id;
//	                 4 google.protobuf.Timestamp created_at; 5 description; 6 repeated tags }
//	OptimizerState { 1 type; 2 step; 3 repeated Tensor state;
//	                 4 repeated Param { 1 key; 2 value double } }
const (
	fieldModelSpec      protowire.Number = 1
	fieldWeights        protowire.Number = 2
	fieldTrainingState  protowire.Number = 3
	fieldMetadata       protowire.Number = 4
	fieldOptimizerState protowire.Number = 5
)

func marshalProto(c *Checkpoint) ([]byte, error) {
	spec, err := json.Marshal(c.ModelSpec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode model spec")
	}

	var b []byte
	b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, spec)

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	var ts []byte
	ts = appendVarintField(ts, 1, uint64(c.TrainingState.Epoch))
	ts = appendStringField(ts, 2, c.TrainingState.Metric)
	ts = appendDoubleField(ts, 3, c.TrainingState.BestValue)
	ts = appendDoubleField(ts, 4, c.TrainingState.LearningRate)
	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)

	md, err := marshalMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, md)

	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOptimizerState(c.OptimizerState))
	}
	return b, nil
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind string) []byte {
	b = appendStringField(b, 1, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	values := make([]byte, 0, len(data)*8)
	for _, v := range data {
		values = protowire.AppendFixed64(values, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	b = appendStringField(b, 4, layer)
	b = appendStringField(b, 5, kind)
	return b
}

func marshalMetadata(m CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, m.Version)
	b = appendStringField(b, 2, m.Framework)
	b = appendStringField(b, 3, m.RunID)
	created, err := proto.Marshal(timestamppb.New(m.CreatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode creation time")
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, created)
	b = appendStringField(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b, nil
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendStringField(b, 1, s.Type)
	b = appendVarintField(b, 2, s.Step)
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		entry = appendDoubleField(entry, 2, s.Parameters[k])
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// fieldVisitor is called for each field of a message. It returns the number
// of bytes consumed from b (the field value) or a negative protowire code.
type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkMessage(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

type wireTensor struct {
	name, layer, kind string
	shape             []int
	data              []float64
}

func unmarshalTensor(b []byte) (wireTensor, error) {
	var t wireTensor
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 4, 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				t.name = string(v)
			case 4:
				t.layer = string(v)
			default:
				t.kind = string(v)
			}
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				t.shape = append(t.shape, int(d))
				v = v[m:]
			}
			return n, nil
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(v)%8 != 0 {
				return 0, errors.Errorf("tensor %q: packed data length %d is not a multiple of 8", t.name, len(v))
			}
			t.data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				t.data = append(t.data, math.Float64frombits(bits))
				v = v[m:]
			}
			return n, nil
		}
		return 0, nil
	})
	if t.shape == nil {
		t.shape = []int{}
	}
	if t.data == nil {
		t.data = []float64{}
	}
	return t, err
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldModelSpec:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			spec := &layers.ModelSpec{}
			if err := json.Unmarshal(v, spec); err != nil {
				return 0, errors.Wrap(err, "failed to decode model spec")
			}
			c.ModelSpec = spec
			return n, nil

		case fieldWeights:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.kind})
			return n, nil

		case fieldTrainingState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if err := unmarshalTrainingState(v, &c.TrainingState); err != nil {
				return 0, err
			}
			return n, nil

		case fieldMetadata:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if err := unmarshalMetadata(v, &c.Metadata); err != nil {
				return 0, err
			}
			return n, nil

		case fieldOptimizerState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			s, err := unmarshalOptimizerState(v)
			if err != nil {
				return 0, err
			}
			c.OptimizerState = s
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			s.Epoch = int(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			s.Metric = string(v)
			return n, err
		case 3:
			v, n, err := consumeDouble(typ, b)
			s.BestValue = v
			return n, err
		case 4:
			v, n, err := consumeDouble(typ, b)
			s.LearningRate = v
			return n, err
		}
		return 0, nil
	})
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 6 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			m.RunID = string(v)
		case 4:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return 0, errors.Wrap(err, "failed to decode creation time")
			}
			m.CreatedAt = ts.AsTime()
		case 5:
			m.Description = string(v)
		case 6:
			m.Tags = append(m.Tags, string(v))
		}
		return n, nil
	})
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			s.Type = string(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			s.Step = v
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.kind})
			return n, nil
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var key string
			var value float64
			err = walkMessage(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					k, m, err := consumeBytes(typ, b)
					key = string(k)
					return m, err
				case 2:
					d, m, err := consumeDouble(typ, b)
					value = d
					return m, err
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			s.Parameters[key] = value
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
