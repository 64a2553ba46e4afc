// Package observable accumulates per-sweep Monte Carlo samples of named
// scalar quantities (energy, magnetization, any FindConn-based operator)
// into running means and standard errors.
package observable

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/pkg/errors"

	"github.com/alexandercbooth/netket/transport"
)

// Stats is a snapshot of one observable's accumulated samples.
type Stats struct {
	Name  string
	Mean  complex128
	Sigma float64 // standard error of the mean of the real part
	N     int
}

// Manager tracks independent sample buffers for a fixed set of observable
// names, added once via Add and refreshed every sweep via Push.
type Manager struct {
	names   []string
	samples map[string][]complex128
}

// NewManager builds an empty observable manager.
func NewManager() *Manager {
	return &Manager{samples: make(map[string][]complex128)}
}

// Add registers a new observable name. It is an error to push samples for a
// name that was never added.
func (m *Manager) Add(name string) {
	if _, ok := m.samples[name]; ok {
		return
	}
	m.names = append(m.names, name)
	m.samples[name] = nil
}

// Names returns the observables in registration order.
func (m *Manager) Names() []string { return m.names }

// Reset discards every accumulated sample, keeping the registered names.
func (m *Manager) Reset() {
	for _, name := range m.names {
		m.samples[name] = m.samples[name][:0]
	}
}

// Push appends one sample of an observable.
func (m *Manager) Push(name string, v complex128) error {
	if _, ok := m.samples[name]; !ok {
		return errors.Errorf("observable %q was never registered", name)
	}
	m.samples[name] = append(m.samples[name], v)
	return nil
}

// Snapshot computes the running mean and the standard error of the mean
// (using gonum's mean/variance over the real part, matching the scalar
// observables stochastic reconfiguration reports) for one observable.
func (m *Manager) Snapshot(name string) (Stats, error) {
	samples, ok := m.samples[name]
	if !ok {
		return Stats{}, errors.Errorf("observable %q was never registered", name)
	}
	if len(samples) == 0 {
		return Stats{Name: name}, nil
	}

	re := make([]float64, len(samples))
	im := make([]float64, len(samples))
	for i, s := range samples {
		re[i] = real(s)
		im[i] = imag(s)
	}

	meanRe := stat.Mean(re, nil)
	meanIm := stat.Mean(im, nil)
	sigma := 0.0
	if len(samples) > 1 {
		varRe := stat.Variance(re, nil)
		sigma = stat.StdErr(math.Sqrt(varRe), float64(len(samples)))
	}

	return Stats{
		Name:  name,
		Mean:  complex(meanRe, meanIm),
		Sigma: sigma,
		N:     len(samples),
	}, nil
}

// SnapshotAll returns a Stats for every registered observable, in
// registration order.
func (m *Manager) SnapshotAll() ([]Stats, error) {
	out := make([]Stats, 0, len(m.names))
	for _, name := range m.names {
		s, err := m.Snapshot(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SnapshotGlobal is Snapshot computed across every rank of tr: the local
// sum, sum of squares, and sample count are all-reduced before the mean and
// standard error are derived from the global totals, the way a multi-rank
// run's reported energy and variance must pool every rank's chain rather
// than report one rank's alone. Every rank of tr must call this together,
// in the same order as every other collective the learning loop issues.
func (m *Manager) SnapshotGlobal(ctx context.Context, tr transport.Transport, name string) (Stats, error) {
	samples, ok := m.samples[name]
	if !ok {
		return Stats{}, errors.Errorf("observable %q was never registered", name)
	}

	var sumRe, sumIm, sumSqRe float64
	for _, s := range samples {
		sumRe += real(s)
		sumIm += imag(s)
		sumSqRe += real(s) * real(s)
	}
	sums := []float64{sumRe, sumIm, sumSqRe}
	count := []int{len(samples)}
	if err := tr.SumFloat(ctx, sums); err != nil {
		return Stats{}, errors.Wrap(err, "all-reduce observable sums")
	}
	if err := tr.SumInt(ctx, count); err != nil {
		return Stats{}, errors.Wrap(err, "all-reduce observable count")
	}
	n := count[0]
	if n == 0 {
		return Stats{Name: name}, nil
	}

	meanRe := sums[0] / float64(n)
	meanIm := sums[1] / float64(n)
	sigma := 0.0
	if n > 1 {
		varRe := (sums[2] - float64(n)*meanRe*meanRe) / float64(n-1)
		if varRe < 0 {
			varRe = 0
		}
		sigma = stat.StdErr(math.Sqrt(varRe), float64(n))
	}

	return Stats{
		Name:  name,
		Mean:  complex(meanRe, meanIm),
		Sigma: sigma,
		N:     n,
	}, nil
}

// SnapshotAllGlobal is SnapshotAll computed across every rank of tr; see
// SnapshotGlobal.
func (m *Manager) SnapshotAllGlobal(ctx context.Context, tr transport.Transport) ([]Stats, error) {
	out := make([]Stats, 0, len(m.names))
	for _, name := range m.names {
		s, err := m.SnapshotGlobal(ctx, tr, name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
