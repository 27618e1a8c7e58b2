package nn

// A Network is a trainable model.
type Network interface {
	// SetTraining toggles between training and evaluation
	// behavior.
	SetTraining(training bool)

	// Convs lists every convolution in forward order.
	Convs() []*Conv2D

	// Params lists every learnable parameter in a fixed
	// order that is identical on every rank.
	Params() []*Param

	// Forward runs the network on an NCHW batch and
	// returns one tensor per output head.
	Forward(x *Tensor) ([]*Tensor, error)

	// Backward accumulates parameter gradients given the
	// gradients of the outputs of the last Forward call.
	Backward(outGrads []*Tensor) error
}

// A PrecisionNetwork can run its forward pass in reduced
// precision.
type PrecisionNetwork interface {
	Network
	SetPrecision(p Precision)
}

// An ObservedNetwork contains activation observers for
// quantization-aware training.
type ObservedNetwork interface {
	Network
	FreezeObservers()
}
