// Package hilbert describes the local Hilbert space of a lattice model: its
// discrete alphabet, how to draw a random configuration, and how to mutate
// one in place.
package hilbert

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Hilbert is the contract required by the sampler and the wavefunction.
type Hilbert interface {
	IsDiscrete() bool
	LocalSize() int
	LocalStates() []float64
	Size() int
	RandomConfig(v []float64, rng *rand.Rand)
	UpdateConfig(v []float64, sites []int, newVals []float64)
}

// Spin is a Hilbert space of N sites each carrying an integer or
// half-integer spin S. Local quantum numbers are represented as the
// even-spaced integers {-2S, -2S+2, ..., 2S}.
type Spin struct {
	N int
	S float64

	constrained bool
	totalSz     float64

	local []float64
}

// NewSpin builds a Spin Hilbert space with n sites of spin S.
func NewSpin(n int, s float64) (*Spin, error) {
	if s <= 0 {
		return nil, errors.Errorf("invalid spin value %f", s)
	}
	if float64(int(2*s)) != 2*s {
		return nil, errors.Errorf("spin value %f is not integer or half-integer", s)
	}

	h := &Spin{N: n, S: s}
	nstates := int(2*s) + 1
	h.local = make([]float64, nstates)
	sp := -int(2 * s)
	for i := range h.local {
		h.local[i] = float64(sp)
		sp += 2
	}
	return h, nil
}

// WithTotalSz constrains random configurations to a fixed total Sz.
func (h *Spin) WithTotalSz(totalSz float64) *Spin {
	h.constrained = true
	h.totalSz = totalSz
	return h
}

func (h *Spin) IsDiscrete() bool       { return true }
func (h *Spin) LocalSize() int         { return len(h.local) }
func (h *Spin) LocalStates() []float64 { return h.local }
func (h *Spin) Size() int              { return h.N }

func (h *Spin) RandomConfig(v []float64, rng *rand.Rand) {
	if !h.constrained {
		for i := range v {
			v[i] = h.local[rng.IntN(len(h.local))]
		}
		return
	}

	if h.S == 0.5 {
		nup := h.N/2 + int(h.totalSz)
		vals := make([]float64, h.N)
		for i := 0; i < nup; i++ {
			vals[i] = 1
		}
		for i := nup; i < h.N; i++ {
			vals[i] = -1
		}
		rng.Shuffle(h.N, func(i, j int) { vals[i], vals[j] = vals[j], vals[i] })
		copy(v, vals)
		return
	}

	pool := make([]int, h.N)
	for i := range pool {
		pool[i] = i
	}
	for i := range v {
		v[i] = -2 * h.S
	}

	sum := -2 * h.S * float64(h.N)
	target := 2 * h.totalSz
	for sum < target {
		k := rng.IntN(len(pool))
		site := pool[k]
		v[site] += 2
		sum += 2
		if v[site] > 2*h.S-1 {
			pool = append(pool[:k], pool[k+1:]...)
		}
	}
}

func (h *Spin) UpdateConfig(v []float64, sites []int, newVals []float64) {
	for i, s := range sites {
		v[s] = newVals[i]
	}
}

// Boson is a Hilbert space of N sites, each holding an occupation number in
// {0, ..., Nmax}.
type Boson struct {
	N    int
	Nmax int

	local []float64
}

// NewBoson builds a Boson Hilbert space with n sites and maximum occupation
// nmax per site.
func NewBoson(n, nmax int) (*Boson, error) {
	if nmax < 0 {
		return nil, errors.Errorf("invalid maximum occupation %d", nmax)
	}
	h := &Boson{N: n, Nmax: nmax}
	h.local = make([]float64, nmax+1)
	for i := range h.local {
		h.local[i] = float64(i)
	}
	return h, nil
}

func (h *Boson) IsDiscrete() bool       { return true }
func (h *Boson) LocalSize() int         { return len(h.local) }
func (h *Boson) LocalStates() []float64 { return h.local }
func (h *Boson) Size() int              { return h.N }

func (h *Boson) RandomConfig(v []float64, rng *rand.Rand) {
	for i := range v {
		v[i] = h.local[rng.IntN(len(h.local))]
	}
}

func (h *Boson) UpdateConfig(v []float64, sites []int, newVals []float64) {
	for i, s := range sites {
		v[s] = newVals[i]
	}
}

// Qubit is a Hilbert space of N two-level systems with local states {0, 1}.
type Qubit struct {
	N int
}

// NewQubit builds a Qubit Hilbert space with n qubits.
func NewQubit(n int) *Qubit {
	return &Qubit{N: n}
}

func (h *Qubit) IsDiscrete() bool       { return true }
func (h *Qubit) LocalSize() int         { return 2 }
func (h *Qubit) LocalStates() []float64 { return []float64{0, 1} }
func (h *Qubit) Size() int              { return h.N }

func (h *Qubit) RandomConfig(v []float64, rng *rand.Rand) {
	for i := range v {
		v[i] = float64(rng.IntN(2))
	}
}

func (h *Qubit) UpdateConfig(v []float64, sites []int, newVals []float64) {
	for i, s := range sites {
		v[s] = newVals[i]
	}
}
