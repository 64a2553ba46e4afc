// Package machine implements the trial wavefunction: a Restricted Boltzmann
// Machine with weights tied under a lattice symmetry group. It exposes
// log-amplitudes, incremental log-amplitude differences under sparse
// configuration changes, and parameter gradients.
package machine

import (
	"encoding/json"
	"math/cmplx"
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"

	"github.com/alexandercbooth/netket/graph"
)

// machineName is persisted in the .wf file and checked on load.
const machineName = "RbmSpinSymm"

// LookupTable caches theta = W^T v + b for a single Markov chain so that
// single-site moves cost O(H) instead of O(N*H).
type LookupTable struct {
	Theta []complex128
}

// RbmSpinSymm is ψ(v) = exp(v·a) * prod_j 2*cosh(theta_j), theta = W^T v + b,
// with a, b, W tied under the permutation group supplied by a Graph:
// a[i] = asymm, b[j] = bsymm[j/P], W[i,j] = Wsymm[perm[j%P][i], j/P].
type RbmSpinSymm struct {
	n     int // number of visible units
	alpha int // hidden-to-permutation-orbit ratio
	p     int // permutation group order
	h     int // number of hidden units, alpha*p

	useA bool
	useB bool

	permTable [][]int // [P][N]
	invPerm   [][]int // [P][N], invPerm[q][perm[q][i]] == i

	// Symmetric (free) parameters.
	aSym complex128
	bSym []complex128   // [alpha]
	wSym [][]complex128 // [N][alpha]

	// Bare (expanded) parameters, always kept in sync with the symmetric ones.
	a complex128
	b []complex128   // [H]
	w [][]complex128 // [N][H]

	npar  int
	nbare int

	tanhBuf []complex128 // scratch of length H, reused by DerLog
}

// NewRbmSpinSymm builds a symmetric RBM over a graph with nvisible sites
// (which must match g.NSites()) and hidden-to-orbit ratio alpha.
func NewRbmSpinSymm(g graph.Graph, nvisible, alpha int, useA, useB bool) (*RbmSpinSymm, error) {
	if nvisible != g.NSites() {
		return nil, errors.Errorf("machine expects %d visible units, graph has %d sites", nvisible, g.NSites())
	}
	permTable, err := g.SymmetryTable()
	if err != nil {
		return nil, errors.Wrap(err, "symmetry table")
	}

	m := &RbmSpinSymm{
		n:     nvisible,
		alpha: alpha,
		p:     len(permTable),
		useA:  useA,
		useB:  useB,
	}
	m.h = m.alpha * m.p
	m.permTable = permTable

	m.invPerm = make([][]int, m.p)
	for q := 0; q < m.p; q++ {
		row := make([]int, m.n)
		for i, img := range permTable[q] {
			if len(permTable[q]) != m.n {
				return nil, errors.Errorf("symmetry table row %d has length %d, expected %d", q, len(permTable[q]), m.n)
			}
			row[img] = i
		}
		m.invPerm[q] = row
	}

	m.bSym = make([]complex128, m.alpha)
	m.wSym = make([][]complex128, m.n)
	for i := range m.wSym {
		m.wSym[i] = make([]complex128, m.alpha)
	}

	m.b = make([]complex128, m.h)
	m.w = make([][]complex128, m.n)
	for i := range m.w {
		m.w[i] = make([]complex128, m.h)
	}

	m.npar = m.alpha * m.n
	m.nbare = m.n * m.h
	if m.useA {
		m.npar++
		m.nbare += m.n
	}
	if m.useB {
		m.npar += m.alpha
		m.nbare += m.h
	}

	m.tanhBuf = make([]complex128, m.h)

	m.expand()
	return m, nil
}

func (m *RbmSpinSymm) NSites() int  { return m.n }
func (m *RbmSpinSymm) NHidden() int { return m.h }
func (m *RbmSpinSymm) Npar() int    { return m.npar }
func (m *RbmSpinSymm) NBare() int   { return m.nbare }

// InitRandom draws i.i.d. complex Gaussian(0, sigma^2) symmetric parameters
// (independently on the real and imaginary parts) and expands them.
func (m *RbmSpinSymm) InitRandom(seed uint64, sigma float64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	gauss := func() complex128 {
		return complex(sigma*rng.NormFloat64(), sigma*rng.NormFloat64())
	}

	if m.useA {
		m.aSym = gauss()
	}
	if m.useB {
		for i := range m.bSym {
			m.bSym[i] = gauss()
		}
	}
	for i := range m.wSym {
		for j := range m.wSym[i] {
			m.wSym[i][j] = gauss()
		}
	}
	m.expand()
}

// GetParameters returns the npar free (symmetric) parameters, in the order
// [asymm?, bsymm..., Wsymm (site-major, then orbit)...].
func (m *RbmSpinSymm) GetParameters() []complex128 {
	pars := make([]complex128, m.npar)
	k := 0
	if m.useA {
		pars[k] = m.aSym
		k++
	}
	if m.useB {
		for i := 0; i < m.alpha; i++ {
			pars[k] = m.bSym[i]
			k++
		}
	}
	for i := 0; i < m.n; i++ {
		for j := 0; j < m.alpha; j++ {
			pars[k] = m.wSym[i][j]
			k++
		}
	}
	return pars
}

// SetParameters round-trips GetParameters and always re-expands the bare
// parameters before returning.
func (m *RbmSpinSymm) SetParameters(pars []complex128) error {
	if len(pars) != m.npar {
		return errors.Errorf("expected %d parameters, got %d", m.npar, len(pars))
	}
	k := 0
	if m.useA {
		m.aSym = pars[k]
		k++
	} else {
		m.aSym = 0
	}
	if m.useB {
		for i := 0; i < m.alpha; i++ {
			m.bSym[i] = pars[k]
			k++
		}
	} else {
		for i := range m.bSym {
			m.bSym[i] = 0
		}
	}
	for i := 0; i < m.n; i++ {
		for j := 0; j < m.alpha; j++ {
			m.wSym[i][j] = pars[k]
			k++
		}
	}
	m.expand()
	return nil
}

// expand recomputes the bare a, b, W from the symmetric parameters.
func (m *RbmSpinSymm) expand() {
	m.a = m.aSym

	for j := 0; j < m.h; j++ {
		k := j / m.p
		if m.useB {
			m.b[j] = m.bSym[k]
		} else {
			m.b[j] = 0
		}
	}

	for i := 0; i < m.n; i++ {
		for j := 0; j < m.h; j++ {
			q := j % m.p
			k := j / m.p
			m.w[i][j] = m.wSym[m.permTable[q][i]][k]
		}
	}
}

// InitLookup allocates and fills theta = W^T v + b for a fresh chain.
func (m *RbmSpinSymm) InitLookup(v []float64) LookupTable {
	lt := LookupTable{Theta: make([]complex128, m.h)}
	m.fillTheta(v, lt.Theta)
	return lt
}

func (m *RbmSpinSymm) fillTheta(v []float64, theta []complex128) {
	for j := 0; j < m.h; j++ {
		var s complex128
		for i := 0; i < m.n; i++ {
			s += m.w[i][j] * complex(v[i], 0)
		}
		theta[j] = s + m.b[j]
	}
}

// UpdateLookup incrementally applies a sparse configuration change to an
// already-initialized lookup table.
func (m *RbmSpinSymm) UpdateLookup(v []float64, sites []int, newVals []float64, lt LookupTable) {
	for s, site := range sites {
		delta := complex(newVals[s]-v[site], 0)
		row := m.w[site]
		for j := 0; j < m.h; j++ {
			lt.Theta[j] += row[j] * delta
		}
	}
}

// LogVal returns v.a + sum_j lncosh(theta_j), computing theta from scratch.
func (m *RbmSpinSymm) LogVal(v []float64) complex128 {
	theta := make([]complex128, m.h)
	m.fillTheta(v, theta)
	return m.logValFromTheta(v, theta)
}

// LogValLookup is LogVal using a cached lookup table.
func (m *RbmSpinSymm) LogValLookup(v []float64, lt LookupTable) complex128 {
	return m.logValFromTheta(v, lt.Theta)
}

func (m *RbmSpinSymm) logValFromTheta(v []float64, theta []complex128) complex128 {
	var sum complex128
	for _, t := range theta {
		sum += lncosh(t)
	}
	if m.useA {
		var va float64
		for _, x := range v {
			va += x
		}
		sum += m.a * complex(va, 0)
	}
	return sum
}

// LogValDiff returns log psi(v') - log psi(v), where v' replaces sites with
// newVals, without mutating the lookup table.
func (m *RbmSpinSymm) LogValDiff(v []float64, sites []int, newVals []float64, lt LookupTable) complex128 {
	if len(sites) == 0 {
		return 0
	}

	var logdiff complex128
	thetaNew := make([]complex128, m.h)
	copy(thetaNew, lt.Theta)
	for s, site := range sites {
		delta := newVals[s] - v[site]
		if m.useA {
			logdiff += m.a * complex(delta, 0)
		}
		row := m.w[site]
		cdelta := complex(delta, 0)
		for j := 0; j < m.h; j++ {
			thetaNew[j] += row[j] * cdelta
		}
	}

	var oldSum, newSum complex128
	for j := 0; j < m.h; j++ {
		oldSum += lncosh(lt.Theta[j])
		newSum += lncosh(thetaNew[j])
	}
	logdiff += newSum - oldSum
	return logdiff
}

// LogValDiffBatch is the vectorized, lookup-free version of LogValDiff: it
// computes theta once and reuses it for every connector.
func (m *RbmSpinSymm) LogValDiffBatch(v []float64, sitesBatch [][]int, newValsBatch [][]float64) []complex128 {
	theta := make([]complex128, m.h)
	m.fillTheta(v, theta)

	var baseSum complex128
	for _, t := range theta {
		baseSum += lncosh(t)
	}

	out := make([]complex128, len(sitesBatch))
	thetaNew := make([]complex128, m.h)
	for k, sites := range sitesBatch {
		if len(sites) == 0 {
			continue
		}
		copy(thetaNew, theta)
		var logdiff complex128
		for s, site := range sites {
			delta := newValsBatch[k][s] - v[site]
			if m.useA {
				logdiff += m.a * complex(delta, 0)
			}
			row := m.w[site]
			cdelta := complex(delta, 0)
			for j := 0; j < m.h; j++ {
				thetaNew[j] += row[j] * cdelta
			}
		}
		var newSum complex128
		for j := 0; j < m.h; j++ {
			newSum += lncosh(thetaNew[j])
		}
		logdiff += newSum - baseSum
		out[k] = logdiff
	}
	return out
}

// DerLog returns the npar symmetric log-derivatives at v. Each symmetric
// parameter accumulates the sum of its equivalence-class bare partials:
// d/da_sym = sum_i v_i, d/db_sym[k] = sum_{p} tanh(theta[k*P+p]), and
// d/dW_sym[i,k] = sum_p v[invperm[p][i]] * tanh(theta[k*P+p]), since
// invperm[p][i] is the unique site mapped to i by group element p.
func (m *RbmSpinSymm) DerLog(v []float64) []complex128 {
	theta := make([]complex128, m.h)
	m.fillTheta(v, theta)
	for j, t := range theta {
		m.tanhBuf[j] = cmplx.Tanh(t)
	}

	der := make([]complex128, m.npar)
	k := 0
	if m.useA {
		var s float64
		for _, x := range v {
			s += x
		}
		der[k] = complex(s, 0)
		k++
	}
	if m.useB {
		for orbit := 0; orbit < m.alpha; orbit++ {
			var s complex128
			for q := 0; q < m.p; q++ {
				s += m.tanhBuf[orbit*m.p+q]
			}
			der[k] = s
			k++
		}
	}
	for i := 0; i < m.n; i++ {
		for orbit := 0; orbit < m.alpha; orbit++ {
			var s complex128
			for q := 0; q < m.p; q++ {
				site := m.invPerm[q][i]
				s += complex(v[site], 0) * m.tanhBuf[orbit*m.p+q]
			}
			der[k] = s
			k++
		}
	}
	return der
}

// rbmJSON is the on-disk representation of RbmSpinSymm. Complex numbers are
// stored as [real, imag] pairs since encoding/json has no native complex
// support.
type rbmJSON struct {
	Name           string        `json:"Name"`
	Nvisible       int           `json:"Nvisible"`
	Alpha          int           `json:"Alpha"`
	UseVisibleBias bool          `json:"UseVisibleBias"`
	UseHiddenBias  bool          `json:"UseHiddenBias"`
	Asymm          [2]float64    `json:"asymm"`
	Bsymm          [][2]float64  `json:"bsymm"`
	Wsymm          [][][2]float64 `json:"Wsymm"`
}

func toPair(c complex128) [2]float64 { return [2]float64{real(c), imag(c)} }
func fromPair(p [2]float64) complex128 { return complex(p[0], p[1]) }

// Save writes the machine to path in the format expected by Load.
func (m *RbmSpinSymm) Save(path string) error {
	doc := rbmJSON{
		Name:           machineName,
		Nvisible:       m.n,
		Alpha:          m.alpha,
		UseVisibleBias: m.useA,
		UseHiddenBias:  m.useB,
		Asymm:          toPair(m.aSym),
	}
	doc.Bsymm = make([][2]float64, m.alpha)
	for i, v := range m.bSym {
		doc.Bsymm[i] = toPair(v)
	}
	doc.Wsymm = make([][][2]float64, m.n)
	for i, row := range m.wSym {
		doc.Wsymm[i] = make([][2]float64, m.alpha)
		for j, v := range row {
			doc.Wsymm[i][j] = toPair(v)
		}
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal machine")
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.Wrap(err, "write machine")
	}
	return nil
}

// Load reads a machine previously written by Save, rebuilding its symmetric
// parameters on top of a freshly constructed RbmSpinSymm for the same graph
// and alpha. It rejects mismatched visible-unit counts or machine names.
func Load(path string, g graph.Graph, nvisible int) (*RbmSpinSymm, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read machine")
	}
	var doc rbmJSON
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal machine")
	}
	if doc.Name != machineName {
		return nil, errors.Errorf("machine name %q does not match %q", doc.Name, machineName)
	}
	if doc.Nvisible != nvisible {
		return nil, errors.Errorf("machine has %d visible units, Hilbert space has %d", doc.Nvisible, nvisible)
	}

	m, err := NewRbmSpinSymm(g, doc.Nvisible, doc.Alpha, doc.UseVisibleBias, doc.UseHiddenBias)
	if err != nil {
		return nil, errors.Wrap(err, "rebuild machine")
	}

	m.aSym = fromPair(doc.Asymm)
	for i := range m.bSym {
		if i < len(doc.Bsymm) {
			m.bSym[i] = fromPair(doc.Bsymm[i])
		}
	}
	for i := range m.wSym {
		if i >= len(doc.Wsymm) {
			continue
		}
		for j := range m.wSym[i] {
			if j < len(doc.Wsymm[i]) {
				m.wSym[i][j] = fromPair(doc.Wsymm[i][j])
			}
		}
	}
	m.expand()
	return m, nil
}
