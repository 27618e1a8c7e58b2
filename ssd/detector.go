package ssd

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/unixpickle/dist-ssd/nn"
)

// Options control how a Detector is built.
type Options struct {
	// Int8 inserts fake 8-bit quantization after every
	// backbone activation.
	Int8 bool

	// Seed initializes the weights.
	Seed int64
}

// A Detector is a stack of 3x3 convolutions followed by
// average pooling down to the anchor grid and three 1x1
// heads: box offsets, class logits, and regression.
type Detector struct {
	Settings Settings

	Backbone []*nn.Conv2D
	Loc      *nn.Conv2D
	Cls      *nn.Conv2D
	Reg      *nn.Conv2D

	relus     []*nn.ReLU
	observers []*nn.FakeQuant
	pool      *nn.AvgPool2D
	precision nn.Precision
	training  bool
}

// Build creates a detector whose backbone has one 3x3
// convolution per entry of channels.
func Build(s Settings, channels []int, opts Options) (*Detector, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, errors.New("network needs at least one backbone layer")
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	d := &Detector{Settings: s, pool: &nn.AvgPool2D{Size: s.Step}, training: true}
	in := s.InputDimensions[0]
	for i, out := range channels {
		if out <= 0 {
			return nil, fmt.Errorf("invalid channel count %d for layer %d", out, i)
		}
		d.Backbone = append(d.Backbone, nn.NewConv2D(fmt.Sprintf("backbone.%d", i), in, out, 3, 3, rng))
		d.relus = append(d.relus, &nn.ReLU{})
		if opts.Int8 {
			d.observers = append(d.observers, nn.NewFakeQuant())
		}
		in = out
	}
	d.Loc = nn.NewConv2D("loc", in, 4, 1, 1, rng)
	d.Cls = nn.NewConv2D("cls", in, s.NClasses+1, 1, 1, rng)
	d.Reg = nn.NewConv2D("reg", in, 1, 1, 1, rng)
	return d, nil
}

// Clone creates a deep copy of the detector, including
// observer ranges.
func (d *Detector) Clone() *Detector {
	res := &Detector{
		Settings:  d.Settings,
		Loc:       cloneConv(d.Loc),
		Cls:       cloneConv(d.Cls),
		Reg:       cloneConv(d.Reg),
		pool:      &nn.AvgPool2D{Size: d.pool.Size},
		precision: d.precision,
		training:  d.training,
	}
	for _, c := range d.Backbone {
		res.Backbone = append(res.Backbone, cloneConv(c))
		res.relus = append(res.relus, &nn.ReLU{})
	}
	for _, o := range d.observers {
		oCopy := *o
		res.observers = append(res.observers, &oCopy)
	}
	return res
}

// SetTraining toggles training mode.
func (d *Detector) SetTraining(training bool) {
	d.training = training
}

// SetPrecision selects the activation precision.
func (d *Detector) SetPrecision(p nn.Precision) {
	d.precision = p
}

// FreezeObservers fixes the quantization ranges.
func (d *Detector) FreezeObservers() {
	for _, o := range d.observers {
		o.Frozen = true
	}
}

// Convs returns every convolution in forward order.
func (d *Detector) Convs() []*nn.Conv2D {
	return append(append([]*nn.Conv2D{}, d.Backbone...), d.Loc, d.Cls, d.Reg)
}

// Params returns every parameter in a fixed order.
func (d *Detector) Params() []*nn.Param {
	var res []*nn.Param
	for _, c := range d.Convs() {
		res = append(res, c.Params()...)
	}
	return res
}

// Forward computes the loc, cls, and reg outputs.
func (d *Detector) Forward(x *nn.Tensor) ([]*nn.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != d.Settings.InputDimensions[0] ||
		x.Shape[2] != d.Settings.InputDimensions[1] || x.Shape[3] != d.Settings.InputDimensions[2] {
		return nil, fmt.Errorf("input shape %v does not match dimensions %v", x.Shape,
			d.Settings.InputDimensions)
	}
	h := d.precision.Apply(x.Clone())
	for i, conv := range d.Backbone {
		h = d.relus[i].Forward(conv.Forward(h))
		if d.observers != nil {
			h = d.observers[i].Forward(h)
		}
		h = d.precision.Apply(h)
	}
	h = d.precision.Apply(d.pool.Forward(h))
	return []*nn.Tensor{
		d.precision.Apply(d.Loc.Forward(h)),
		d.precision.Apply(d.Cls.Forward(h)),
		d.precision.Apply(d.Reg.Forward(h)),
	}, nil
}

// Backward accumulates parameter gradients from the
// gradients of the three outputs.
func (d *Detector) Backward(outGrads []*nn.Tensor) error {
	if len(outGrads) != 3 {
		return fmt.Errorf("expected 3 output gradients but got %d", len(outGrads))
	}
	g := d.Loc.Backward(outGrads[0])
	for i, head := range []*nn.Conv2D{d.Cls, d.Reg} {
		hg := head.Backward(outGrads[i+1])
		for j, x := range hg.Data {
			g.Data[j] += x
		}
	}
	g = d.pool.Backward(g)
	for i := len(d.Backbone) - 1; i >= 0; i-- {
		if d.observers != nil {
			g = d.observers[i].Backward(g)
		}
		g = d.Backbone[i].Backward(d.relus[i].Backward(g))
	}
	return nil
}

func cloneConv(c *nn.Conv2D) *nn.Conv2D {
	res := *c
	res.Weight = cloneParam(c.Weight)
	res.Bias = cloneParam(c.Bias)
	return &res
}

func cloneParam(p *nn.Param) *nn.Param {
	res := nn.NewParam(p.Name, p.Shape...)
	copy(res.Data, p.Data)
	return res
}
