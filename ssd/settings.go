// Package ssd implements a single-shot multi-task
// detector: a convolutional network that predicts, for
// every anchor of a regular grid, a box offset, a class,
// and a regressed quantity, along with the loss and
// metrics used to train it.
package ssd

import (
	"errors"
	"fmt"

	"github.com/unixpickle/dist-ssd/nn"
)

// Class labels. Background is only used for anchors.
const (
	Background = 0
	ClassSUEP  = 1
	ClassQCD   = 2
)

// Settings describes the detection task.
type Settings struct {
	// InputDimensions is channels, height, width.
	InputDimensions [3]int `yaml:"input_dimensions"`

	// NClasses counts object classes, not including
	// the background class.
	NClasses int `yaml:"n_classes"`

	// ObjectSize is the side of every object and anchor
	// box, in pixels.
	ObjectSize float64 `yaml:"object_size"`

	// OverlapThreshold is the minimum IoU for an anchor
	// to be matched to an object.
	OverlapThreshold float64 `yaml:"overlap_threshold"`

	// Step is the anchor spacing in pixels. It must
	// divide the input height and width.
	Step int `yaml:"step"`

	// BetaDisco scales the decorrelation loss.
	BetaDisco float64 `yaml:"beta_disco"`
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	for _, d := range s.InputDimensions {
		if d <= 0 {
			return fmt.Errorf("invalid input dimensions %v", s.InputDimensions)
		}
	}
	if s.NClasses < 1 {
		return errors.New("n_classes must be positive")
	}
	if s.ObjectSize <= 0 {
		return errors.New("object_size must be positive")
	}
	if s.Step < 1 || s.InputDimensions[1]%s.Step != 0 || s.InputDimensions[2]%s.Step != 0 {
		return fmt.Errorf("step %d does not divide input %dx%d", s.Step,
			s.InputDimensions[1], s.InputDimensions[2])
	}
	if s.OverlapThreshold <= 0 || s.OverlapThreshold > 1 {
		return fmt.Errorf("overlap_threshold %f out of range (0, 1]", s.OverlapThreshold)
	}
	return nil
}

// GridSize returns the anchor grid height and width.
func (s Settings) GridSize() (int, int) {
	return s.InputDimensions[1] / s.Step, s.InputDimensions[2] / s.Step
}

// An Object is one ground-truth object.
type Object struct {
	// Box is xmin, ymin, xmax, ymax as fractions of the
	// image width and height.
	Box [4]float64

	// Class is ClassSUEP or ClassQCD.
	Class int

	// PT is the regression target.
	PT float64
}

// A Batch is a set of images with their targets.
type Batch struct {
	// Images is an NCHW tensor.
	Images *nn.Tensor

	// Objects lists the objects of each image.
	Objects [][]Object

	// NTracks is the number of tracks in each image, the
	// covariate for decorrelation.
	NTracks []float64
}

// Size returns the number of images.
func (b *Batch) Size() int {
	return len(b.Objects)
}
