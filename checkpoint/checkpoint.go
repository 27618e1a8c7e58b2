// Package checkpoint saves and restores network weights
// along with the training state they came from.
package checkpoint

import (
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-ssd/nn"
	"google.golang.org/protobuf/encoding/protowire"
)

// Extension is the file extension of checkpoints.
const Extension = ".ckpt"

// Meta describes where a checkpoint came from.
type Meta struct {
	RunID     uuid.UUID
	Epoch     int
	Objective float64
}

// A Store keeps checkpoints in a directory.
type Store struct {
	Dir string
}

// Path returns the checkpoint path for a run name.
func (s Store) Path(name string) string {
	return filepath.Join(s.Dir, name+Extension)
}

// Save writes the parameters of a run, replacing any
// earlier checkpoint with the same name.
//
// The file is written to a temporary path first, so the
// previous checkpoint stays intact if the write fails.
func (s Store) Save(name string, params []*nn.Param, meta Meta) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	f, err := os.CreateTemp(s.Dir, name+".tmp-*")
	if err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	if _, err := f.Write(Encode(params, meta)); err != nil {
		f.Close()
		return "", errors.Wrap(err, "save checkpoint")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	path := s.Path(name)
	if err := os.Rename(tmpPath, path); err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	return path, nil
}

// Load reads a checkpoint into params.
//
// Every parameter must be present in the file with the
// same name and shape.
func Load(path string, params []*nn.Param) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, errors.Wrap(err, "load checkpoint")
	}
	meta, saved, err := Decode(data)
	if err != nil {
		return Meta{}, errors.Wrapf(err, "load checkpoint %s", path)
	}
	byName := map[string]*nn.Param{}
	for _, p := range saved {
		byName[p.Name] = p
	}
	for _, p := range params {
		s, ok := byName[p.Name]
		if !ok {
			return Meta{}, errors.Errorf("load checkpoint %s: missing parameter %s", path, p.Name)
		}
		if !sameShape(s.Shape, p.Shape) {
			return Meta{}, errors.Errorf("load checkpoint %s: parameter %s has shape %v but expected %v",
				path, p.Name, s.Shape, p.Shape)
		}
		copy(p.Data, s.Data)
	}
	return meta, nil
}

const (
	metaField  = 1
	paramField = 2

	runIDField     = 1
	epochField     = 2
	objectiveField = 3

	nameField  = 1
	shapeField = 2
	dataField  = 3
)

// Encode serializes parameters and metadata.
func Encode(params []*nn.Param, meta Meta) []byte {
	var m []byte
	m = protowire.AppendTag(m, runIDField, protowire.BytesType)
	m = protowire.AppendBytes(m, meta.RunID[:])
	m = protowire.AppendTag(m, epochField, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(meta.Epoch))
	m = protowire.AppendTag(m, objectiveField, protowire.Fixed64Type)
	m = protowire.AppendFixed64(m, math.Float64bits(meta.Objective))

	var b []byte
	b = protowire.AppendTag(b, metaField, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	for _, p := range params {
		var pb []byte
		pb = protowire.AppendTag(pb, nameField, protowire.BytesType)
		pb = protowire.AppendString(pb, p.Name)
		var shape []byte
		for _, x := range p.Shape {
			shape = protowire.AppendVarint(shape, uint64(x))
		}
		pb = protowire.AppendTag(pb, shapeField, protowire.BytesType)
		pb = protowire.AppendBytes(pb, shape)
		var data []byte
		for _, x := range p.Data {
			data = protowire.AppendFixed64(data, math.Float64bits(x))
		}
		pb = protowire.AppendTag(pb, dataField, protowire.BytesType)
		pb = protowire.AppendBytes(pb, data)

		b = protowire.AppendTag(b, paramField, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	return b
}

// Decode parses the output of Encode.
func Decode(b []byte) (Meta, []*nn.Param, error) {
	var meta Meta
	var params []*nn.Param
	err := consumeFields(b, func(num protowire.Number, value []byte) error {
		switch num {
		case metaField:
			return decodeMeta(value, &meta)
		case paramField:
			p, err := decodeParam(value)
			if err != nil {
				return err
			}
			params = append(params, p)
		}
		return nil
	})
	return meta, params, err
}

func decodeMeta(b []byte, meta *Meta) error {
	return consumeFields(b, func(num protowire.Number, value []byte) error {
		switch num {
		case runIDField:
			id, err := uuid.FromBytes(value)
			if err != nil {
				return err
			}
			meta.RunID = id
		case epochField:
			x, n := protowire.ConsumeVarint(value)
			if n < 0 {
				return protowire.ParseError(n)
			}
			meta.Epoch = int(x)
		case objectiveField:
			x, n := protowire.ConsumeFixed64(value)
			if n < 0 {
				return protowire.ParseError(n)
			}
			meta.Objective = math.Float64frombits(x)
		}
		return nil
	})
}

func decodeParam(b []byte) (*nn.Param, error) {
	var name string
	var shape []int
	var data []float64
	err := consumeFields(b, func(num protowire.Number, value []byte) error {
		switch num {
		case nameField:
			name = string(value)
		case shapeField:
			for len(value) > 0 {
				x, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				shape = append(shape, int(x))
				value = value[n:]
			}
		case dataField:
			for len(value) > 0 {
				x, n := protowire.ConsumeFixed64(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				data = append(data, math.Float64frombits(x))
				value = value[n:]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p := nn.NewParam(name, shape...)
	if len(p.Data) != len(data) {
		return nil, errors.Errorf("parameter %s has %d values for shape %v", name, len(data), shape)
	}
	copy(p.Data, data)
	return p, nil
}

func consumeFields(b []byte, fn func(num protowire.Number, value []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		size := protowire.ConsumeFieldValue(num, typ, b)
		if size < 0 {
			return protowire.ParseError(size)
		}
		value := b[:size]
		if typ == protowire.BytesType {
			value, _ = protowire.ConsumeBytes(b)
		}
		if err := fn(num, value); err != nil {
			return err
		}
		b = b[size:]
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if b[i] != x {
			return false
		}
	}
	return true
}
