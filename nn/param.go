package nn

// A Param is a learnable tensor with its gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParam creates a zero parameter.
func NewParam(name string, shape ...int) *Param {
	n := product(shape)
	return &Param{
		Name:  name,
		Shape: append([]int{}, shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// NumParams counts the scalars in a parameter list.
func NumParams(params []*Param) int {
	var n int
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}

// FlattenData concatenates parameter values.
func FlattenData(params []*Param) []float64 {
	res := make([]float64, 0, NumParams(params))
	for _, p := range params {
		res = append(res, p.Data...)
	}
	return res
}

// FlattenGrad concatenates parameter gradients.
func FlattenGrad(params []*Param) []float64 {
	res := make([]float64, 0, NumParams(params))
	for _, p := range params {
		res = append(res, p.Grad...)
	}
	return res
}

// SetData scatters a flat vector into parameter values.
func SetData(params []*Param, vec []float64) {
	scatter(params, vec, func(p *Param) []float64 { return p.Data })
}

// SetGrad scatters a flat vector into parameter gradients.
func SetGrad(params []*Param, vec []float64) {
	scatter(params, vec, func(p *Param) []float64 { return p.Grad })
}

func scatter(params []*Param, vec []float64, field func(p *Param) []float64) {
	if len(vec) != NumParams(params) {
		panic("vector length does not match parameters")
	}
	for _, p := range params {
		dst := field(p)
		copy(dst, vec[:len(dst)])
		vec = vec[len(dst):]
	}
}
