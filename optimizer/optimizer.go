// Package optimizer turns a parameter update direction, as produced by the
// learning engine's stochastic-reconfiguration solve, into an actual step on
// the machine's parameters.
package optimizer

import (
	"container/ring"
	"math"

	"github.com/pkg/errors"
)

// Optimizer applies an update direction to a parameter vector in place.
// Direction is Δp from the stochastic reconfiguration solve (or the bare
// energy gradient on the gradient-only path); every implementation subtracts
// a scaled copy of it, which decreases the energy to first order.
type Optimizer interface {
	Update(pars []complex128, direction []complex128) error
}

// Sgd is a fixed learning rate step: pars -= lr * direction.
type Sgd struct {
	LearningRate float64
}

func (o *Sgd) Update(pars, direction []complex128) error {
	if len(pars) != len(direction) {
		return errors.Errorf("parameter vector has length %d, direction has length %d", len(pars), len(direction))
	}
	lr := complex(o.LearningRate, 0)
	for i := range pars {
		pars[i] -= lr * direction[i]
	}
	return nil
}

// AdaGrad rescales each parameter's step by the inverse root of its
// accumulated squared gradient, giving frequently-updated parameters smaller
// steps over time.
type AdaGrad struct {
	LearningRate float64
	Epsilon      float64 // defaults to 1e-7 when zero

	accum []float64
}

func (o *AdaGrad) Update(pars, direction []complex128) error {
	if len(pars) != len(direction) {
		return errors.Errorf("parameter vector has length %d, direction has length %d", len(pars), len(direction))
	}
	if o.accum == nil {
		o.accum = make([]float64, len(pars))
	}
	if len(o.accum) != len(pars) {
		return errors.Errorf("AdaGrad state has length %d, parameters have length %d", len(o.accum), len(pars))
	}
	eps := o.Epsilon
	if eps == 0 {
		eps = 1e-7
	}
	for i := range pars {
		g2 := real(direction[i])*real(direction[i]) + imag(direction[i])*imag(direction[i])
		o.accum[i] += g2
		scale := o.LearningRate / math.Sqrt(o.accum[i]+eps)
		pars[i] -= complex(scale, 0) * direction[i]
	}
	return nil
}

// AnnealedSgd is a fixed-direction step whose learning rate is adjusted
// between calls to Update from the trailing history of the energy variance
// the caller reports via Observe: rates shrink as the energy variance
// flattens out.
type AnnealedSgd struct {
	Base float64 // learning rate used while the variance history is still thin

	rate float64
	hist *ring.Ring
}

// NewAnnealedSgd builds an AnnealedSgd with a window of the last window
// energy-variance samples informing the rate.
func NewAnnealedSgd(base float64, window int) *AnnealedSgd {
	if window < 1 {
		window = 1
	}
	a := &AnnealedSgd{Base: base, rate: base, hist: ring.New(window)}
	for i := 0; i < window; i++ {
		a.hist.Value = math.MaxFloat64
		a.hist = a.hist.Next()
	}
	return a
}

// Observe records the latest energy variance and adjusts the learning rate:
// the rate is scaled down once the trailing average variance drops below
// fixed thresholds, so the optimizer takes smaller steps as the chain
// approaches its stationary state.
func (a *AnnealedSgd) Observe(variance float64) {
	a.hist.Value = variance
	a.hist = a.hist.Next()

	var avg float64
	a.hist.Do(func(v any) { avg += v.(float64) })
	avg /= float64(a.hist.Len())

	switch {
	case avg < 1e-6:
		a.rate = a.Base * 1e-3
	case avg < 1e-3:
		a.rate = a.Base * 1e-2
	case avg < 1e-1:
		a.rate = a.Base * 1e-1
	default:
		a.rate = a.Base
	}
}

func (a *AnnealedSgd) Update(pars, direction []complex128) error {
	if len(pars) != len(direction) {
		return errors.Errorf("parameter vector has length %d, direction has length %d", len(pars), len(direction))
	}
	lr := complex(a.rate, 0)
	for i := range pars {
		pars[i] -= lr * direction[i]
	}
	return nil
}

// New dispatches on an optimizer name, mirroring the other JSON-driven
// component constructors.
func New(name string, learningRate float64) (Optimizer, error) {
	switch name {
	case "", "Sgd":
		return &Sgd{LearningRate: learningRate}, nil
	case "AdaGrad":
		return &AdaGrad{LearningRate: learningRate}, nil
	case "AnnealedSgd":
		return NewAnnealedSgd(learningRate, 50), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}
