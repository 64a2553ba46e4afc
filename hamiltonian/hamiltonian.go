// Package hamiltonian provides the FindConn adapter that enumerates, for a
// given configuration, every configuration connected to it by a local
// operator together with the corresponding matrix element. Both the model
// Hamiltonian and any additional observable share this contract.
package hamiltonian

import (
	"github.com/pkg/errors"

	"github.com/alexandercbooth/netket/graph"
	"github.com/alexandercbooth/netket/hilbert"
)

// Connector is one nonzero matrix element <v'|O|v> expressed as the sites
// that differ between v and v', their new values, and the matrix element.
type Connector struct {
	Mel     complex128
	Sites   []int
	NewVals []float64
}

// Operator is the minimal contract consumed by the learning engine to
// compute local energies and observable samples.
type Operator interface {
	FindConn(v []float64) []Connector
}

// Ising is the transverse-field Ising Hamiltonian
// H = -J * sum_<i,j> sigma^z_i sigma^z_j - h * sum_i sigma^x_i
// evaluated on the bonds of a graph, for a spin-1/2 Hilbert space.
type Ising struct {
	Graph   graph.Graph
	Hilbert hilbert.Hilbert
	H       float64
	J       float64
}

// NewIsing builds a transverse-field Ising Hamiltonian with coupling J
// (default 1 when zero) and transverse field h.
func NewIsing(g graph.Graph, hi hilbert.Hilbert, h, j float64) *Ising {
	if j == 0 {
		j = 1
	}
	return &Ising{Graph: g, Hilbert: hi, H: h, J: j}
}

func (m *Ising) FindConn(v []float64) []Connector {
	conns := make([]Connector, 0, 1+m.Hilbert.Size())

	// Diagonal term: -J * sum_<i,j> sigma^z_i sigma^z_j, where the Pauli
	// eigenvalue sigma^z_i is the local quantum number v[i] = +-1 itself.
	var diag complex128
	adj := m.Graph.Adjacency()
	for i, neigh := range adj {
		for _, j := range neigh {
			if j <= i {
				continue
			}
			diag += complex(-m.J*v[i]*v[j], 0)
		}
	}
	conns = append(conns, Connector{Mel: diag, Sites: nil, NewVals: nil})

	// Off-diagonal term: -h * sum_i sigma^x_i, flipping one spin at a time.
	local := m.Hilbert.LocalStates()
	for i := range v {
		flipped := flip(v[i], local)
		conns = append(conns, Connector{
			Mel:     complex(-m.H, 0),
			Sites:   []int{i},
			NewVals: []float64{flipped},
		})
	}
	return conns
}

// sz maps a spin-1/2 local quantum number (values -1, +1) to its physical
// spin projection, which for spin-1/2 is half the local quantum number.
func sz(v float64) float64 { return v / 2 }

// flip returns the other local state for a two-state alphabet.
func flip(v float64, local []float64) float64 {
	for _, s := range local {
		if s != v {
			return s
		}
	}
	return v
}

// Heisenberg is the Heisenberg exchange Hamiltonian
// H = J * sum_<i,j> (S^x_i S^x_j + S^y_i S^y_j + S^z_i S^z_j)
// on the bonds of a graph, restricted to spin-1/2.
type Heisenberg struct {
	Graph   graph.Graph
	Hilbert hilbert.Hilbert
	J       float64

	bonds [][2]int
}

// NewHeisenberg builds a Heisenberg Hamiltonian with coupling J (default 1
// when zero) on every bond of the graph, counted once.
func NewHeisenberg(g graph.Graph, hi hilbert.Hilbert, j float64) *Heisenberg {
	if j == 0 {
		j = 1
	}
	m := &Heisenberg{Graph: g, Hilbert: hi, J: j}
	for i, neigh := range g.Adjacency() {
		for _, k := range neigh {
			if k > i {
				m.bonds = append(m.bonds, [2]int{i, k})
			}
		}
	}
	return m
}

func (m *Heisenberg) FindConn(v []float64) []Connector {
	conns := make([]Connector, 0, 1+len(m.bonds))

	// S^z_i S^z_j is diagonal; S^x_i S^x_j + S^y_i S^y_j = (1/2)(S^+_i S^-_j + S^-_i S^+_j)
	// flips antiparallel bonds and leaves parallel bonds with zero matrix element.
	var diag complex128
	for _, b := range m.bonds {
		i, j := b[0], b[1]
		diag += complex(m.J*sz(v[i])*sz(v[j]), 0)
	}
	conns = append(conns, Connector{Mel: diag, Sites: nil, NewVals: nil})

	for _, b := range m.bonds {
		i, j := b[0], b[1]
		if v[i] == v[j] {
			continue
		}
		conns = append(conns, Connector{
			Mel:     complex(m.J/2, 0),
			Sites:   []int{i, j},
			NewVals: []float64{v[j], v[i]},
		})
	}
	return conns
}

// Magnetization is the total-Sz observable, sharing the FindConn contract
// so the learning engine can sample it the same way it samples energy.
type Magnetization struct {
	Hilbert hilbert.Hilbert
}

func (m *Magnetization) FindConn(v []float64) []Connector {
	var diag complex128
	for _, x := range v {
		diag += complex(sz(x), 0)
	}
	return []Connector{{Mel: diag}}
}

// New dispatches on a Hamiltonian name, mirroring the Graph and Hilbert
// adapters' JSON-driven construction.
func New(name string, g graph.Graph, hi hilbert.Hilbert, h, j float64) (Operator, error) {
	switch name {
	case "Ising":
		return NewIsing(g, hi, h, j), nil
	case "Heisenberg":
		return NewHeisenberg(g, hi, j), nil
	default:
		return nil, errors.Errorf("unknown Hamiltonian %q", name)
	}
}
