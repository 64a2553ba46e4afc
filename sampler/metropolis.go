// Package sampler drives a Markov chain over Hilbert-space configurations
// whose stationary distribution is |psi(v)|^2, using single-site Metropolis
// proposals.
package sampler

import (
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"math/cmplx"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/alexandercbooth/netket/hilbert"
	"github.com/alexandercbooth/netket/machine"
)

// Debug enables the O(N*H) consistency checks against from-scratch
// evaluation. It is off by default; turn it on only when chasing a
// correctness bug in the lookup-table bookkeeping, since it defeats the
// point of the incremental updates.
var Debug = false

// Machine is the subset of machine.RbmSpinSymm the sampler depends on.
type Machine interface {
	LogVal(v []float64) complex128
	LogValLookup(v []float64, lt machine.LookupTable) complex128
	LogValDiff(v []float64, sites []int, newVals []float64, lt machine.LookupTable) complex128
	InitLookup(v []float64) machine.LookupTable
	UpdateLookup(v []float64, sites []int, newVals []float64, lt machine.LookupTable)
}

// MetropolisLocal proposes, one site at a time, a new local quantum number
// drawn uniformly from the Hilbert space's alphabet, and accepts with
// probability min(1, |psi(v')/psi(v)|^2).
type MetropolisLocal struct {
	Hilbert hilbert.Hilbert
	Machine Machine

	rng *rand.Rand

	v         []float64
	lt        machine.LookupTable
	accepted  int
	moves     int
}

// NewMetropolisLocal builds a sampler over the given Hilbert space and
// machine, seeded from the process's hardware entropy source.
func NewMetropolisLocal(hi hilbert.Hilbert, m Machine) (*MetropolisLocal, error) {
	seed, err := HardwareSeed()
	if err != nil {
		return nil, errors.Wrap(err, "seed sampler")
	}
	return NewMetropolisLocalSeeded(hi, m, seed), nil
}

// NewMetropolisLocalSeeded builds a sampler with an explicit seed, for
// reproducible tests or a rank that received its seed via broadcast.
func NewMetropolisLocalSeeded(hi hilbert.Hilbert, m Machine, seed uint64) *MetropolisLocal {
	return &MetropolisLocal{
		Hilbert: hi,
		Machine: m,
		rng:     rand.New(rand.NewPCG(seed, seed^0xff51afd7ed558ccd)),
		v:       make([]float64, hi.Size()),
	}
}

// HardwareSeed draws a uint64 seed from the process's hardware entropy
// source. A multi-rank run calls this on rank 0 only, once per rank, and
// sends the seeds to every rank through Transport.BroadcastUint64 rather
// than letting each rank seed itself.
func HardwareSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Reset draws a fresh random configuration and reinitializes the lookup
// table from scratch.
func (s *MetropolisLocal) Reset() {
	s.Hilbert.RandomConfig(s.v, s.rng)
	s.lt = s.Machine.InitLookup(s.v)
	s.accepted, s.moves = 0, 0
}

// Visible returns the chain's current configuration. The caller must not
// mutate the returned slice.
func (s *MetropolisLocal) Visible() []float64 { return s.v }

// Sweep performs N single-site Metropolis moves, one per site on average.
func (s *MetropolisLocal) Sweep() error {
	n := s.Hilbert.Size()
	local := s.Hilbert.LocalStates()
	for i := 0; i < n; i++ {
		site := s.rng.IntN(n)
		newVal := local[s.rng.IntN(len(local))]
		for newVal == s.v[site] {
			newVal = local[s.rng.IntN(len(local))]
		}
		sites := []int{site}
		newVals := []float64{newVal}

		logdiff := s.Machine.LogValDiff(s.v, sites, newVals, s.lt)

		if Debug {
			if err := s.checkInvariants(sites, newVals, logdiff); err != nil {
				return err
			}
		}

		ratio := math.Exp(2 * real(logdiff))
		s.moves++
		if ratio >= 1 || s.rng.Float64() < ratio {
			s.Machine.UpdateLookup(s.v, sites, newVals, s.lt)
			s.Hilbert.UpdateConfig(s.v, sites, newVals)
			s.accepted++
		}
	}
	return nil
}

// checkInvariants cross-checks the lookup-based LogVal against a from-scratch
// evaluation, and the incremental LogValDiff against recomputing both log
// values directly. It is only ever called when Debug is set.
func (s *MetropolisLocal) checkInvariants(sites []int, newVals []float64, logdiff complex128) error {
	const tol = 1e-9

	lookupVal := s.Machine.LogValLookup(s.v, s.lt)
	scratchVal := s.Machine.LogVal(s.v)
	if cmplx.Abs(lookupVal-scratchVal) > tol {
		return errors.Errorf("lookup LogVal %v disagrees with scratch LogVal %v", lookupVal, scratchVal)
	}

	vNew := make([]float64, len(s.v))
	copy(vNew, s.v)
	for i, site := range sites {
		vNew[site] = newVals[i]
	}
	want := s.Machine.LogVal(vNew) - scratchVal
	if cmplx.Abs(want-logdiff) > tol {
		return errors.Errorf("incremental LogValDiff %v disagrees with recomputed %v", logdiff, want)
	}
	return nil
}

// Acceptance returns the fraction of proposed moves accepted since the last
// Reset.
func (s *MetropolisLocal) Acceptance() float64 {
	if s.moves == 0 {
		return 0
	}
	return float64(s.accepted) / float64(s.moves)
}
