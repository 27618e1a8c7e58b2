package metrics

import "gonum.org/v1/gonum/mat"

// A History stores one column per epoch of a fixed number
// of components.
type History struct {
	rows int
	data *mat.Dense
}

// NewHistory creates an empty history.
func NewHistory(components int) *History {
	return &History{rows: components}
}

// Rows returns the number of components.
func (h *History) Rows() int {
	return h.rows
}

// Cols returns the number of epochs recorded.
func (h *History) Cols() int {
	if h.data == nil {
		return 0
	}
	_, c := h.data.Dims()
	return c
}

// Append adds a column.
func (h *History) Append(col []float64) {
	if len(col) != h.rows {
		panic("column length does not match history")
	}
	if h.data == nil {
		h.data = mat.NewDense(h.rows, 1, append([]float64{}, col...))
		return
	}
	var grown mat.Dense
	grown.Augment(h.data, mat.NewDense(h.rows, 1, append([]float64{}, col...)))
	h.data = &grown
}

// Row returns the values of one component over time.
func (h *History) Row(i int) []float64 {
	if h.data == nil {
		return nil
	}
	return mat.Row(nil, i, h.data)
}

// Matrix returns the history as a components x epochs
// matrix, or nil if it is empty.
func (h *History) Matrix() mat.Matrix {
	if h.data == nil {
		return nil
	}
	return h.data
}
