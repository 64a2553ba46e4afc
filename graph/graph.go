// Package graph provides lattice adapters: site count, adjacency, and the
// permutation table consumed by symmetric wavefunctions.
package graph

import (
	"github.com/pkg/errors"
)

// Graph is the contract required by the rest of the package: the number of
// sites, their adjacency list, and (only for symmetric machines) the
// permutation table of a symmetry group acting on the sites.
type Graph interface {
	NSites() int
	Adjacency() [][]int
	// SymmetryTable returns, for each group element, the image of every site
	// under that element. Row p, column i gives perm[p][i].
	SymmetryTable() ([][]int, error)
}

// Hypercube is a D-dimensional lattice of side L, optionally with periodic
// boundary conditions. When Pbc is true and the lattice is D-dimensional,
// translations along each axis form the symmetry group consumed by
// RbmSpinSymm, with P = N = L^D elements.
type Hypercube struct {
	L   int
	Dim int
	Pbc bool

	sites       [][]int
	coord2site  map[string]int
	adjacency   [][]int
}

// NewHypercube builds a hypercube graph of side L and dimension dim.
func NewHypercube(l, dim int, pbc bool) (*Hypercube, error) {
	if l <= 0 {
		return nil, errors.Errorf("invalid hypercube length %d", l)
	}
	if dim < 1 {
		return nil, errors.Errorf("invalid hypercube dimension %d", dim)
	}
	h := &Hypercube{L: l, Dim: dim, Pbc: pbc}
	h.generateSites()
	h.generateAdjacency()
	return h, nil
}

func (h *Hypercube) generateSites() {
	coord := make([]int, h.Dim)
	h.coord2site = make(map[string]int)
	for {
		site := make([]int, h.Dim)
		copy(site, coord)
		h.coord2site[coordKey(site)] = len(h.sites)
		h.sites = append(h.sites, site)

		if !nextCoord(coord, h.L) {
			break
		}
	}
}

// nextCoord advances coord through {0,...,L-1}^Dim in lexicographic order,
// returning false once it wraps back to the all-zero coordinate.
func nextCoord(coord []int, l int) bool {
	for d := len(coord) - 1; d >= 0; d-- {
		coord[d]++
		if coord[d] < l {
			return true
		}
		coord[d] = 0
	}
	return false
}

func coordKey(coord []int) string {
	b := make([]byte, 0, 4*len(coord))
	for _, c := range coord {
		b = append(b, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
	}
	return string(b)
}

func (h *Hypercube) generateAdjacency() {
	h.adjacency = make([][]int, len(h.sites))
	for i, site := range h.sites {
		neigh := make([]int, h.Dim)
		copy(neigh, site)
		for d := 0; d < h.Dim; d++ {
			if h.Pbc {
				neigh[d] = (site[d] + 1) % h.L
				j := h.coord2site[coordKey(neigh)]
				h.adjacency[i] = append(h.adjacency[i], j)
				h.adjacency[j] = append(h.adjacency[j], i)
			} else if site[d]+1 < h.L {
				neigh[d] = site[d] + 1
				j := h.coord2site[coordKey(neigh)]
				h.adjacency[i] = append(h.adjacency[i], j)
				h.adjacency[j] = append(h.adjacency[j], i)
			}
			neigh[d] = site[d]
		}
	}
}

func (h *Hypercube) NSites() int { return len(h.sites) }

func (h *Hypercube) Adjacency() [][]int { return h.adjacency }

// SymmetryTable returns the translation group of the hypercube. Row p is the
// translation by the coordinates of site p, with each component added mod L.
// Non-periodic hypercubes have no translation symmetry and fail fast.
func (h *Hypercube) SymmetryTable() ([][]int, error) {
	if !h.Pbc {
		return nil, errors.Errorf("cannot build translation symmetries on a hypercube without periodic boundary conditions")
	}

	n := len(h.sites)
	table := make([][]int, n)
	ts := make([]int, h.Dim)
	for p := 0; p < n; p++ {
		row := make([]int, n)
		for i := 0; i < n; i++ {
			for d := 0; d < h.Dim; d++ {
				ts[d] = (h.sites[i][d] + h.sites[p][d]) % h.L
			}
			row[i] = h.coord2site[coordKey(ts)]
		}
		table[p] = row
	}
	return table, nil
}
