package hamiltonian

import (
	"testing"

	"github.com/alexandercbooth/netket/graph"
	"github.com/alexandercbooth/netket/hilbert"
)

func TestIsingFindConn(t *testing.T) {
	t.Parallel()
	g, err := graph.NewHypercube(4, 1, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	hi, err := hilbert.NewSpin(g.NSites(), 0.5)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	ham := NewIsing(g, hi, 1, 1)

	v := []float64{1, 1, -1, 1}
	conns := ham.FindConn(v)
	if len(conns) != 1+len(v) {
		t.Fatalf("got %d connectors, want %d (1 diagonal + %d flips)", len(conns), 1+len(v), len(v))
	}

	// Diagonal term: -J * sum_<i,j> sigma^z_i sigma^z_j over the 4-site ring.
	var wantDiag float64
	bonds := [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 0}}
	for _, b := range bonds {
		wantDiag += -1 * v[b[0]] * v[b[1]]
	}
	if real(conns[0].Mel) != wantDiag || len(conns[0].Sites) != 0 {
		t.Fatalf("diagonal term = %v, want %f", conns[0].Mel, wantDiag)
	}

	for i, c := range conns[1:] {
		if len(c.Sites) != 1 || c.Sites[0] != i {
			t.Fatalf("flip connector %d touches sites %v, want [%d]", i, c.Sites, i)
		}
		if c.NewVals[0] == v[i] {
			t.Fatalf("flip connector %d did not change the local value", i)
		}
		if real(c.Mel) != -1 {
			t.Fatalf("flip connector %d has matrix element %v, want -h=-1", i, c.Mel)
		}
	}
}

func TestHeisenbergFindConnSkipsParallelBonds(t *testing.T) {
	t.Parallel()
	g, err := graph.NewHypercube(4, 1, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	hi, err := hilbert.NewSpin(g.NSites(), 0.5)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	ham := NewHeisenberg(g, hi, 1)

	// All spins parallel: no bond can flip, so only the diagonal connector
	// survives.
	v := []float64{1, 1, 1, 1}
	conns := ham.FindConn(v)
	if len(conns) != 1 {
		t.Fatalf("got %d connectors for an all-up configuration, want 1 (diagonal only)", len(conns))
	}

	// One flipped spin: of the ring's 4 bonds, the two touching the flipped
	// site are antiparallel, so off-diagonal terms appear for them.
	v = []float64{1, 1, 1, -1}
	conns = ham.FindConn(v)
	if len(conns) <= 1 {
		t.Fatalf("expected at least one antiparallel bond to produce an off-diagonal connector")
	}
}

func TestMagnetizationFindConn(t *testing.T) {
	t.Parallel()
	hi, err := hilbert.NewSpin(4, 0.5)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	m := &Magnetization{Hilbert: hi}
	conns := m.FindConn([]float64{1, 1, -1, -1})
	if len(conns) != 1 {
		t.Fatalf("got %d connectors, want 1", len(conns))
	}
	if real(conns[0].Mel) != 0 {
		t.Fatalf("magnetization = %v, want 0 for two up and two down spins", conns[0].Mel)
	}
}

func TestNewUnknownHamiltonian(t *testing.T) {
	t.Parallel()
	g, err := graph.NewHypercube(4, 1, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	hi, err := hilbert.NewSpin(g.NSites(), 0.5)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if _, err := New("NotAHamiltonian", g, hi, 1, 1); err == nil {
		t.Fatalf("expected an error for an unknown Hamiltonian name")
	}
}
