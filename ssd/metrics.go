package ssd

type metricTally struct {
	predicted [3]int
	truePos   [3]int
	objects   [3]int
	found     [3]int

	eventPredicted int
	eventTrue      int
	eventTruePos   int
}

// add records one image. An anchor predicts the class
// with the highest probability; an object counts as found
// if any anchor matched to it predicts its class.
func (m *metricTally) add(probs [][]float64, assign []int, objs []Object) {
	found := make([]bool, len(objs))
	var eventPredicted bool
	for a, p := range probs {
		class := argmax(p)
		if class == Background {
			continue
		}
		if class == ClassSUEP {
			eventPredicted = true
		}
		if class >= len(m.predicted) {
			continue
		}
		m.predicted[class]++
		if assign[a] >= 0 && objs[assign[a]].Class == class {
			m.truePos[class]++
			found[assign[a]] = true
		}
	}
	var eventTrue bool
	for i, obj := range objs {
		if obj.Class == ClassSUEP {
			eventTrue = true
		}
		if obj.Class < len(m.objects) {
			m.objects[obj.Class]++
			if found[i] {
				m.found[obj.Class]++
			}
		}
	}
	if eventPredicted {
		m.eventPredicted++
	}
	if eventTrue {
		m.eventTrue++
	}
	if eventPredicted && eventTrue {
		m.eventTruePos++
	}
}

func (m *metricTally) metrics() Metrics {
	return Metrics{
		Box: [4]float64{
			ratio(m.truePos[ClassSUEP], m.predicted[ClassSUEP]),
			ratio(m.truePos[ClassQCD], m.predicted[ClassQCD]),
			ratio(m.found[ClassSUEP], m.objects[ClassSUEP]),
			ratio(m.found[ClassQCD], m.objects[ClassQCD]),
		},
		Event: [2]float64{
			ratio(m.eventTruePos, m.eventPredicted),
			ratio(m.eventTruePos, m.eventTrue),
		},
	}
}

// ratio returns num/denom, or 0 for an empty denominator.
func ratio(num, denom int) float64 {
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
