package optim

import "sort"

// MultiStepLR multiplies the base learning rate by Gamma
// at every milestone epoch.
type MultiStepLR struct {
	Base       float64
	Milestones []int
	Gamma      float64

	epoch int
}

// NewMultiStepLR creates a schedule starting at epoch 1.
func NewMultiStepLR(base float64, milestones []int, gamma float64) *MultiStepLR {
	ms := append([]int{}, milestones...)
	sort.Ints(ms)
	return &MultiStepLR{Base: base, Milestones: ms, Gamma: gamma, epoch: 1}
}

// LR returns the learning rate for an epoch.
func (m *MultiStepLR) LR(epoch int) float64 {
	lr := m.Base
	for _, milestone := range m.Milestones {
		if epoch >= milestone {
			lr *= m.Gamma
		}
	}
	return lr
}

// Epoch returns the epoch the schedule is on.
func (m *MultiStepLR) Epoch() int {
	return m.epoch
}

// Step advances to the next epoch and applies its learning
// rate to opt.
func (m *MultiStepLR) Step(opt Optimizer) {
	m.epoch++
	opt.SetLR(m.LR(m.epoch))
}
