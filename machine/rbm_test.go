package machine

import (
	"math/cmplx"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/alexandercbooth/netket/graph"
)

func newTestMachine(t *testing.T) (*RbmSpinSymm, graph.Graph) {
	t.Helper()
	g, err := graph.NewHypercube(6, 1, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	m, err := NewRbmSpinSymm(g, g.NSites(), 2, true, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	m.InitRandom(42, 0.3)
	return m, g
}

func randomConfig(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		if rng.Float64() < 0.5 {
			v[i] = 1
		} else {
			v[i] = -1
		}
	}
	return v
}

// TestLogValDiffMatchesScratchRecomputation checks that LogValDiff agrees
// with subtracting two from-scratch LogVal calls, for both single-site and
// multi-site connectors.
func TestLogValDiffMatchesScratchRecomputation(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)
	rng := rand.New(rand.NewPCG(1, 1))
	v := randomConfig(rng, m.NSites())
	lt := m.InitLookup(v)

	cases := []struct {
		sites   []int
		newVals []float64
	}{
		{[]int{2}, []float64{-v[2]}},
		{[]int{0, 3, 5}, []float64{-v[0], -v[3], -v[5]}},
	}
	for _, c := range cases {
		got := m.LogValDiff(v, c.sites, c.newVals, lt)

		vNew := make([]float64, len(v))
		copy(vNew, v)
		for i, s := range c.sites {
			vNew[s] = c.newVals[i]
		}
		want := m.LogVal(vNew) - m.LogVal(v)
		if cmplx.Abs(got-want) > 1e-9 {
			t.Fatalf("LogValDiff(%v) = %v, want %v", c.sites, got, want)
		}
	}
}

// TestLookupAgreesWithScratch checks that the incrementally maintained
// lookup table produces the same LogVal as a from-scratch evaluation after a
// sequence of accepted updates.
func TestLookupAgreesWithScratch(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)
	rng := rand.New(rand.NewPCG(2, 2))
	v := randomConfig(rng, m.NSites())
	lt := m.InitLookup(v)

	for step := 0; step < 20; step++ {
		site := rng.IntN(m.NSites())
		newVal := -v[site]
		sites := []int{site}
		newVals := []float64{newVal}

		m.UpdateLookup(v, sites, newVals, lt)
		v[site] = newVal

		got := m.LogValLookup(v, lt)
		want := m.LogVal(v)
		if cmplx.Abs(got-want) > 1e-9 {
			t.Fatalf("step %d: lookup LogVal %v disagrees with scratch LogVal %v", step, got, want)
		}
	}
}

// TestDerLogMatchesFiniteDifference checks each symmetric parameter's
// log-derivative against a centered finite difference of LogVal under a
// small perturbation of that parameter alone.
func TestDerLogMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)
	rng := rand.New(rand.NewPCG(3, 3))
	v := randomConfig(rng, m.NSites())

	der := m.DerLog(v)
	const eps = 1e-6
	const tol = 1e-4

	base := m.GetParameters()
	for k := 0; k < m.Npar(); k++ {
		for _, dir := range []complex128{complex(eps, 0), complex(0, eps)} {
			plus := make([]complex128, len(base))
			minus := make([]complex128, len(base))
			copy(plus, base)
			copy(minus, base)
			plus[k] += dir
			minus[k] -= dir

			if err := m.SetParameters(plus); err != nil {
				t.Fatalf("%+v", err)
			}
			lvPlus := m.LogVal(v)
			if err := m.SetParameters(minus); err != nil {
				t.Fatalf("%+v", err)
			}
			lvMinus := m.LogVal(v)
			if err := m.SetParameters(base); err != nil {
				t.Fatalf("%+v", err)
			}

			fd := (lvPlus - lvMinus) / complex(2*eps, 0)
			// Directional derivative along dir: Re(dir)*d/dRe + Im(dir)*d/dIm
			// collapses to der[k]*dirUnit since logVal is holomorphic in each
			// complex parameter taken independently here; compare against
			// der[k] scaled by the same direction.
			want := der[k]
			if dir == complex(0, eps) {
				want = complex(0, 1) * der[k]
			}
			if cmplx.Abs(fd-want) > tol {
				t.Fatalf("parameter %d dir %v: finite difference %v, want %v", k, dir, fd, want)
			}
		}
	}
}

// TestSymmetryInvariance checks that LogVal is invariant under any group
// translation applied consistently to the visible configuration, since the
// weights are tied under exactly that group.
func TestSymmetryInvariance(t *testing.T) {
	t.Parallel()
	m, g := newTestMachine(t)
	table, err := g.SymmetryTable()
	if err != nil {
		t.Fatalf("%+v", err)
	}

	rng := rand.New(rand.NewPCG(4, 4))
	v := randomConfig(rng, m.NSites())
	base := m.LogVal(v)

	for p, perm := range table {
		vp := make([]float64, len(v))
		for i, img := range perm {
			vp[img] = v[i]
		}
		got := m.LogVal(vp)
		if cmplx.Abs(got-base) > 1e-8 {
			t.Fatalf("group element %d: LogVal(permuted v) = %v, want %v", p, got, base)
		}
	}
}

// TestParameterRoundTrip checks that GetParameters followed by SetParameters
// reproduces the same bare expansion, by checking LogVal agreement.
func TestParameterRoundTrip(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)
	rng := rand.New(rand.NewPCG(5, 5))
	v := randomConfig(rng, m.NSites())
	before := m.LogVal(v)

	pars := m.GetParameters()
	if err := m.SetParameters(pars); err != nil {
		t.Fatalf("%+v", err)
	}
	after := m.LogVal(v)
	if cmplx.Abs(before-after) > 1e-12 {
		t.Fatalf("round-tripping parameters changed LogVal: %v vs %v", before, after)
	}
}

func TestSetParametersRejectsWrongLength(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)
	if err := m.SetParameters(make([]complex128, m.Npar()+1)); err == nil {
		t.Fatalf("expected an error for a mismatched parameter count")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	m, g := newTestMachine(t)
	rng := rand.New(rand.NewPCG(6, 6))
	v := randomConfig(rng, m.NSites())
	want := m.LogVal(v)

	path := filepath.Join(t.TempDir(), "machine.wf")
	if err := m.Save(path); err != nil {
		t.Fatalf("%+v", err)
	}
	loaded, err := Load(path, g, m.NSites())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	got := loaded.LogVal(v)
	if cmplx.Abs(got-want) > 1e-12 {
		t.Fatalf("loaded machine LogVal = %v, want %v", got, want)
	}
}

func TestLoadRejectsMismatchedNvisible(t *testing.T) {
	t.Parallel()
	m, g := newTestMachine(t)
	path := filepath.Join(t.TempDir(), "machine.wf")
	if err := m.Save(path); err != nil {
		t.Fatalf("%+v", err)
	}
	if _, err := Load(path, g, m.NSites()+1); err == nil {
		t.Fatalf("expected an error loading with a mismatched visible-unit count")
	}
}

func TestLoadRejectsUnknownFile(t *testing.T) {
	t.Parallel()
	_, g := newTestMachine(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.wf"), g, 6); err == nil {
		t.Fatalf("expected an error loading a nonexistent file")
	}
}
