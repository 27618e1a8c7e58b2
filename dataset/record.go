// Package dataset reads calorimeter events and turns them
// into detector training batches.
package dataset

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Particles lists the deposits of one particle type as
// pixel coordinates and energies.
type Particles struct {
	Eta    []int
	Phi    []int
	Energy []float64
}

// Len returns the number of particles.
func (p Particles) Len() int {
	return len(p.Energy)
}

// A Label is one ground-truth jet.
type Label struct {
	// Class is 0 for SUEP and 1 for QCD.
	Class int

	// Eta and Phi are the jet center in pixels.
	Eta float64
	Phi float64

	PT float64
}

// An Event is one raw calorimeter image.
type Event struct {
	Tracks         Particles
	Photons        Particles
	NeutralHadrons Particles
	Labels         []Label
}

const (
	eventField = 1

	tracksField  = 1
	photonsField = 2
	hadronsField = 3
	labelField   = 4

	etaField    = 1
	phiField    = 2
	energyField = 3

	classField    = 1
	labelEtaField = 2
	labelPhiField = 3
	ptField       = 4
)

// WriteFile saves events to a record file.
func WriteFile(path string, events []Event) error {
	var data []byte
	for _, e := range events {
		data = protowire.AppendTag(data, eventField, protowire.BytesType)
		data = protowire.AppendBytes(data, encodeEvent(e))
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write events")
	}
	return nil
}

// ReadFile loads every event of a record file.
func ReadFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read events")
	}
	var res []Event
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "read events")
		}
		data = data[n:]
		if num != eventField || typ != protowire.BytesType {
			return nil, errors.Errorf("read events: unexpected field %d", num)
		}
		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "read events")
		}
		data = data[n:]
		e, err := decodeEvent(msg)
		if err != nil {
			return nil, errors.Wrapf(err, "read events: event %d", len(res))
		}
		res = append(res, e)
	}
	return res, nil
}

func encodeEvent(e Event) []byte {
	var b []byte
	for i, p := range []Particles{e.Tracks, e.Photons, e.NeutralHadrons} {
		b = protowire.AppendTag(b, protowire.Number(tracksField+i), protowire.BytesType)
		b = protowire.AppendBytes(b, encodeParticles(p))
	}
	for _, l := range e.Labels {
		var lb []byte
		lb = protowire.AppendTag(lb, classField, protowire.VarintType)
		lb = protowire.AppendVarint(lb, uint64(l.Class))
		for j, x := range []float64{l.Eta, l.Phi, l.PT} {
			lb = protowire.AppendTag(lb, protowire.Number(labelEtaField+j), protowire.Fixed64Type)
			lb = protowire.AppendFixed64(lb, math.Float64bits(x))
		}
		b = protowire.AppendTag(b, labelField, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	return b
}

func encodeParticles(p Particles) []byte {
	var b []byte
	for i, coords := range [][]int{p.Eta, p.Phi} {
		var packed []byte
		for _, x := range coords {
			packed = protowire.AppendVarint(packed, uint64(x))
		}
		b = protowire.AppendTag(b, protowire.Number(etaField+i), protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	var packed []byte
	for _, x := range p.Energy {
		packed = protowire.AppendFixed64(packed, math.Float64bits(x))
	}
	b = protowire.AppendTag(b, energyField, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func decodeEvent(b []byte) (Event, error) {
	var e Event
	err := consumeFields(b, func(num protowire.Number, value []byte) error {
		var err error
		switch num {
		case tracksField:
			e.Tracks, err = decodeParticles(value)
		case photonsField:
			e.Photons, err = decodeParticles(value)
		case hadronsField:
			e.NeutralHadrons, err = decodeParticles(value)
		case labelField:
			var l Label
			l, err = decodeLabel(value)
			e.Labels = append(e.Labels, l)
		}
		return err
	})
	return e, err
}

func decodeParticles(b []byte) (Particles, error) {
	var p Particles
	err := consumeFields(b, func(num protowire.Number, value []byte) error {
		switch num {
		case etaField, phiField:
			var coords []int
			for len(value) > 0 {
				x, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				coords = append(coords, int(x))
				value = value[n:]
			}
			if num == etaField {
				p.Eta = coords
			} else {
				p.Phi = coords
			}
		case energyField:
			for len(value) > 0 {
				x, n := protowire.ConsumeFixed64(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				p.Energy = append(p.Energy, math.Float64frombits(x))
				value = value[n:]
			}
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	if len(p.Eta) != p.Len() || len(p.Phi) != p.Len() {
		return p, errors.Errorf("particle lists have lengths %d, %d, %d",
			len(p.Eta), len(p.Phi), p.Len())
	}
	return p, nil
}

func decodeLabel(b []byte) (Label, error) {
	var l Label
	err := consumeFields(b, func(num protowire.Number, value []byte) error {
		if num == classField {
			x, n := protowire.ConsumeVarint(value)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.Class = int(x)
			return nil
		}
		x, n := protowire.ConsumeFixed64(value)
		if n < 0 {
			return protowire.ParseError(n)
		}
		switch num {
		case labelEtaField:
			l.Eta = math.Float64frombits(x)
		case labelPhiField:
			l.Phi = math.Float64frombits(x)
		case ptField:
			l.PT = math.Float64frombits(x)
		}
		return nil
	})
	return l, err
}

// consumeFields calls fn with the raw value of every field
// in a message.
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
			var m int
			value, m = protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		if err := fn(num, value); err != nil {
			return err
		}
		b = b[size:]
	}
	return nil
}
