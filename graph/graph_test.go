package graph

import (
	"fmt"
	"testing"
)

func TestHypercubeNSitesAndAdjacency(t *testing.T) {
	t.Parallel()
	tests := []struct {
		l, dim int
		pbc    bool
		nsites int
		degree int
	}{
		{l: 4, dim: 1, pbc: true, nsites: 4, degree: 2},
		{l: 4, dim: 1, pbc: false, nsites: 4, degree: -1}, // endpoints have degree 1, interior 2
		{l: 3, dim: 2, pbc: true, nsites: 9, degree: 4},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("L=%d dim=%d pbc=%v", test.l, test.dim, test.pbc), func(t *testing.T) {
			t.Parallel()
			g, err := NewHypercube(test.l, test.dim, test.pbc)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if g.NSites() != test.nsites {
				t.Fatalf("NSites() = %d, want %d", g.NSites(), test.nsites)
			}
			if test.degree < 0 {
				return
			}
			for i, neigh := range g.Adjacency() {
				if len(neigh) != test.degree {
					t.Fatalf("site %d has degree %d, want %d", i, len(neigh), test.degree)
				}
			}
		})
	}
}

func TestNewHypercubeRejectsInvalidSize(t *testing.T) {
	t.Parallel()
	if _, err := NewHypercube(0, 1, true); err == nil {
		t.Fatalf("expected an error for L=0")
	}
	if _, err := NewHypercube(4, 0, true); err == nil {
		t.Fatalf("expected an error for dim=0")
	}
}

func TestSymmetryTableRequiresPbc(t *testing.T) {
	t.Parallel()
	g, err := NewHypercube(4, 1, false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if _, err := g.SymmetryTable(); err == nil {
		t.Fatalf("expected an error building a symmetry table on an open-boundary hypercube")
	}
}

// TestSymmetryTableIsGroup checks that every row of the translation group is
// a permutation of {0,...,N-1} and that the identity translation (row 0)
// fixes every site.
func TestSymmetryTableIsGroup(t *testing.T) {
	t.Parallel()
	g, err := NewHypercube(4, 2, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	table, err := g.SymmetryTable()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	n := g.NSites()
	if len(table) != n {
		t.Fatalf("group order %d, expected %d for a full translation group", len(table), n)
	}
	for p, row := range table {
		seen := make(map[int]bool, n)
		for _, img := range row {
			if seen[img] {
				t.Fatalf("row %d is not a permutation: %v repeats", p, row)
			}
			seen[img] = true
		}
	}
	for i, img := range table[0] {
		if img != i {
			t.Fatalf("identity row maps %d to %d", i, img)
		}
	}
}
