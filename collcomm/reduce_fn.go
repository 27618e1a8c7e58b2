package collcomm

import "gonum.org/v1/gonum/floats"

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
//
// The vectors are passed in rank order, so every rank
// that applies a ReduceFn to the same inputs gets a
// bit-identical result.
type ReduceFn func(vecs ...[]float64) []float64

// Sum is a ReduceFn that computes a vector sum.
func Sum(vecs ...[]float64) []float64 {
	checkLengths(vecs)
	res := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		floats.Add(res, v)
	}
	return res
}

// Min is a ReduceFn that computes an element-wise minimum.
func Min(vecs ...[]float64) []float64 {
	checkLengths(vecs)
	res := append([]float64{}, vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			if x < res[i] {
				res[i] = x
			}
		}
	}
	return res
}

// Max is a ReduceFn that computes an element-wise maximum.
func Max(vecs ...[]float64) []float64 {
	checkLengths(vecs)
	res := append([]float64{}, vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			if x > res[i] {
				res[i] = x
			}
		}
	}
	return res
}

func checkLengths(vecs [][]float64) {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
}
