// Package learning implements stochastic reconfiguration: sampling local
// energies and log-derivatives along Markov chains, all-reducing them into
// the gradient and quantum Fisher information, solving for a natural
// gradient step, and applying it through an optimizer.
package learning

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/cmplx"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/pkg/errors"

	"github.com/alexandercbooth/netket/hamiltonian"
	"github.com/alexandercbooth/netket/machine"
	"github.com/alexandercbooth/netket/observable"
	"github.com/alexandercbooth/netket/optimizer"
	"github.com/alexandercbooth/netket/sampler"
	"github.com/alexandercbooth/netket/transport"
)

// SolverKind picks how the (S+lambda*I) dp = b linear system is solved.
type SolverKind int

const (
	// SolverQR solves directly via a QR factorization (gonum's mat.QR, without
	// column pivoting or a rank threshold) of the explicitly formed S matrix,
	// the way a small system is solved exactly.
	SolverQR SolverKind = iota
	// SolverCG solves iteratively against S as an implicit matrix-vector
	// operator, the way a large parameter count is solved without ever
	// materializing S.
	SolverCG
)

// Params configures one SR run.
type Params struct {
	NSamples int // Monte Carlo samples drawn per rank per gradient step
	NDiscard int // discarded sweeps after each Reset, as thermalization

	Solver      SolverKind
	Diagshift   float64 // lambda added to the diagonal of S
	CGTol       float64 // CG residual tolerance, used only when Solver == SolverCG
	CGMaxIter   int
	Rescale     bool // rescale the step by sqrt(Re(dp^H S dp)) before applying it, matching a trust-region-like normalization of the natural gradient step
	UseIterative bool

	// GradientOnly skips the (S+diagshift*I) solve entirely and applies the
	// bare energy gradient through the optimizer, the plain gradient-descent
	// path alongside stochastic reconfiguration.
	GradientOnly bool
}

// DefaultParams returns the defaults used when a JSON config omits a field:
// a direct QR solve with a small regularizer, matching a system small enough
// that forming S explicitly is cheap.
func DefaultParams() Params {
	return Params{
		NSamples:  1000,
		NDiscard:  100,
		Solver:    SolverQR,
		Diagshift: 0.01,
		CGTol:     1e-3,
		CGMaxIter: 10000,
	}
}

// Sr drives one Markov chain (via its sampler), computes the local energy
// and log-derivative at every retained sample, and all-reduces across
// Transport ranks to produce the natural-gradient step.
type Sr struct {
	Hamiltonian hamiltonian.Operator
	Machine     *machine.RbmSpinSymm
	Sampler     *sampler.MetropolisLocal
	Transport   transport.Transport
	Optimizer   optimizer.Optimizer
	Observables *observable.Manager
	Params      Params

	extra map[string]hamiltonian.Operator

	v       []float64
	elocs   []complex128
	ders    [][]complex128 // [nsamples][npar]
	meanDer []complex128

	grad []complex128 // 2 * b, the plain energy gradient applied by the Gd path
	b    []complex128 // Ok^H . (eloc - meanE) / n, the SR linear system's right-hand side
}

// NewSr builds an SR engine. The machine's own energy is always tracked as
// "Energy"; AddObservable registers additional operators sampled the same
// way.
func NewSr(h hamiltonian.Operator, m *machine.RbmSpinSymm, s *sampler.MetropolisLocal, tr transport.Transport, opt optimizer.Optimizer, p Params) *Sr {
	sr := &Sr{
		Hamiltonian: h,
		Machine:     m,
		Sampler:     s,
		Transport:   tr,
		Optimizer:   opt,
		Observables: observable.NewManager(),
		Params:      p,
		extra:       make(map[string]hamiltonian.Operator),
	}
	sr.Observables.Add("Energy")
	sr.Observables.Add("EnergyVariance")
	return sr
}

// AddObservable registers an extra operator sampled alongside the energy at
// every retained configuration.
func (sr *Sr) AddObservable(name string, op hamiltonian.Operator) {
	sr.extra[name] = op
	sr.Observables.Add(name)
}

// Sample resets the chain and discards NDiscard sweeps of thermalization.
func (sr *Sr) Sample() error {
	sr.Sampler.Reset()
	for i := 0; i < sr.Params.NDiscard; i++ {
		if err := sr.Sampler.Sweep(); err != nil {
			return errors.Wrap(err, "thermalize")
		}
	}
	return nil
}

// eloc is the local energy <v|H|psi> / psi(v) = sum_conn mel * exp(logValDiff).
func eloc(op hamiltonian.Operator, m *machine.RbmSpinSymm, v []float64, lt machine.LookupTable) complex128 {
	conns := op.FindConn(v)
	var e complex128
	for _, c := range conns {
		if len(c.Sites) == 0 {
			e += c.Mel
			continue
		}
		e += c.Mel * cmplx.Exp(m.LogValDiff(v, c.Sites, c.NewVals, lt))
	}
	return e
}

// Gradient draws NSamples retained configurations (one sweep apart), pushes
// the energy and any registered observables, and all-reduces the energy
// gradient grad = 2*(Ok^H . (eloc - mean(eloc)))/n across ranks, n being the
// global sample count.
func (sr *Sr) Gradient(ctx context.Context) error {
	n := sr.Params.NSamples
	npar := sr.Machine.Npar()

	sr.elocs = make([]complex128, n)
	sr.ders = make([][]complex128, n)

	sr.Observables.Reset()

	for i := 0; i < n; i++ {
		if err := sr.Sampler.Sweep(); err != nil {
			return errors.Wrap(err, "sweep")
		}
		v := sr.Sampler.Visible()
		vCopy := make([]float64, len(v))
		copy(vCopy, v)

		lt := sr.Machine.InitLookup(vCopy)
		e := eloc(sr.Hamiltonian, sr.Machine, vCopy, lt)
		sr.elocs[i] = e
		sr.ders[i] = sr.Machine.DerLog(vCopy)

		if err := sr.Observables.Push("Energy", e); err != nil {
			return err
		}
		for name, op := range sr.extra {
			if err := sr.Observables.Push(name, eloc(op, sr.Machine, vCopy, lt)); err != nil {
				return err
			}
		}
	}

	// All-reduce the local sums needed for the global mean energy and mean
	// derivative; each rank then divides by the global sample count.
	var localSumE complex128
	localSumDer := make([]complex128, npar)
	for i := 0; i < n; i++ {
		localSumE += sr.elocs[i]
		for k := 0; k < npar; k++ {
			localSumDer[k] += sr.ders[i][k]
		}
	}

	totals := append([]complex128{localSumE}, localSumDer...)
	localCount := []int{n}
	if err := sr.Transport.SumComplex(ctx, totals); err != nil {
		return errors.Wrap(err, "all-reduce energy and derivative sums")
	}
	if err := sr.Transport.SumInt(ctx, localCount); err != nil {
		return errors.Wrap(err, "all-reduce sample count")
	}
	globalN := float64(localCount[0])

	meanE := totals[0] / complex(globalN, 0)
	sr.meanDer = make([]complex128, npar)
	for k := 0; k < npar; k++ {
		sr.meanDer[k] = totals[1+k] / complex(globalN, 0)
	}

	var localVar float64
	for i := 0; i < n; i++ {
		d := sr.elocs[i] - meanE
		localVar += real(d) * real(d)
	}
	varBuf := []float64{localVar}
	if err := sr.Transport.SumFloat(ctx, varBuf); err != nil {
		return errors.Wrap(err, "all-reduce energy variance")
	}
	variance := varBuf[0] / globalN
	if err := sr.Observables.Push("EnergyVariance", complex(variance, 0)); err != nil {
		return err
	}
	// Optimizers that anneal their rate off the trailing energy variance
	// (e.g. optimizer.AnnealedSgd) opt into this by implementing Observe;
	// every other Optimizer is left untouched.
	if obs, ok := sr.Optimizer.(interface{ Observe(variance float64) }); ok {
		obs.Observe(variance)
	}

	// b_k = sum_i conj(Ok_i,k - meanDer_k) * (eloc_i - meanE), summed across
	// ranks then divided by the global sample count: the unscaled SR
	// right-hand side Ok^H . (eloc - meanE) / n. grad_k = 2*b_k is the plain
	// energy gradient, used only by the GradientOnly path.
	localB := make([]complex128, npar)
	for i := 0; i < n; i++ {
		de := sr.elocs[i] - meanE
		for k := 0; k < npar; k++ {
			dok := sr.ders[i][k] - sr.meanDer[k]
			localB[k] += cmplx.Conj(dok) * de
		}
	}
	if err := sr.Transport.SumComplex(ctx, localB); err != nil {
		return errors.Wrap(err, "all-reduce gradient")
	}
	sr.b = make([]complex128, npar)
	sr.grad = make([]complex128, npar)
	for k := 0; k < npar; k++ {
		sr.b[k] = localB[k] / complex(globalN, 0)
		sr.grad[k] = 2 * sr.b[k]
	}

	return nil
}

// UpdateParameters solves (S + diagshift*I) dp = b for the natural-gradient
// direction dp and applies -dp through the optimizer. S = Ok^H . Ok / n
// (covariance of the log-derivatives, all-reduced across every rank and
// scaled by the global sample count) and b is the unscaled SR right-hand
// side computed in Gradient, both all-reduced identically so that every
// rank solves the same linear system and ends up with the same dp.
func (sr *Sr) UpdateParameters(ctx context.Context) error {
	npar := sr.Machine.Npar()
	n := len(sr.ders)

	if sr.Params.GradientOnly {
		pars := sr.Machine.GetParameters()
		if err := sr.Optimizer.Update(pars, sr.grad); err != nil {
			return errors.Wrap(err, "apply optimizer step")
		}
		return sr.Machine.SetParameters(pars)
	}

	ok := mat.NewCDense(n, npar, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < npar; k++ {
			ok.Set(i, k, sr.ders[i][k]-sr.meanDer[k])
		}
	}

	var dp []complex128
	var err error
	switch sr.Params.Solver {
	case SolverCG:
		dp, err = sr.solveCG(ctx, ok, sr.b)
	default:
		dp, err = sr.solveQR(ctx, ok, sr.b)
	}
	if errors.Is(err, ErrCGNotConverged) {
		return err
	}
	if err != nil {
		return errors.Wrap(err, "solve SR linear system")
	}

	if sr.Params.Rescale {
		norm := quadraticForm(ok, dp, sr.Params.Diagshift)
		if norm > 0 {
			scale := complex(1/math.Sqrt(norm), 0)
			for i := range dp {
				dp[i] *= scale
			}
		}
	}

	pars := sr.Machine.GetParameters()
	if err := sr.Optimizer.Update(pars, dp); err != nil {
		return errors.Wrap(err, "apply optimizer step")
	}
	return sr.Machine.SetParameters(pars)
}

// quadraticForm computes Re(dp^H (Ok^H Ok / n + lambda I) dp), the squared
// norm of the proposed step in the (regularized) quantum Fisher metric.
func quadraticForm(ok *mat.CDense, dp []complex128, lambda float64) float64 {
	n, npar := ok.Dims()
	sdp := make([]complex128, npar)
	for k := 0; k < npar; k++ {
		var s complex128
		for i := 0; i < n; i++ {
			s += cmplx.Conj(ok.At(i, k)) * okDotDp(ok, i, dp)
		}
		sdp[k] = s/complex(float64(n), 0) + complex(lambda, 0)*dp[k]
	}
	var q complex128
	for k := 0; k < npar; k++ {
		q += cmplx.Conj(dp[k]) * sdp[k]
	}
	return real(q)
}

func okDotDp(ok *mat.CDense, row int, dp []complex128) complex128 {
	_, npar := ok.Dims()
	var s complex128
	for k := 0; k < npar; k++ {
		s += ok.At(row, k) * dp[k]
	}
	return s
}

// solveQR forms S = Ok^H Ok / n + diagshift*I explicitly and solves via
// gonum's QR factorization. The local contribution to S is all-reduced
// across ranks, and the global sample count all-reduced alongside it,
// before scaling, the same way solveCG's implicit operator is all-reduced
// one matrix-vector product at a time.
//
// The machine is holomorphic in its complex parameters, so Ok and therefore
// S = Ok^H Ok are genuinely complex: Im(S) is generally nonzero, even though
// S is Hermitian (Re(S) symmetric, Im(S) antisymmetric). Dropping Im(S) and
// solving Re(b)/Im(b) independently against Re(S) alone is only valid when
// Im(S)=0, which does not hold here. Instead the complex system S dp = b is
// embedded as the real 2*npar x 2*npar block system
//
//	[ Re(S)  -Im(S) ] [ Re(dp) ]   [ Re(b) ]
//	[ Im(S)   Re(S) ] [ Im(dp) ] = [ Im(b) ]
//
// which is exact for any Hermitian S, and solved with a single real QR
// factorization.
func (sr *Sr) solveQR(ctx context.Context, ok *mat.CDense, b []complex128) ([]complex128, error) {
	n, npar := ok.Dims()

	localSRe := make([]float64, npar*npar)
	localSIm := make([]float64, npar*npar)
	for a := 0; a < npar; a++ {
		for c := 0; c < npar; c++ {
			var acc complex128
			for i := 0; i < n; i++ {
				acc += cmplx.Conj(ok.At(i, a)) * ok.At(i, c)
			}
			localSRe[a*npar+c] = real(acc)
			localSIm[a*npar+c] = imag(acc)
		}
	}
	count := []int{n}
	if err := sr.Transport.SumFloat(ctx, localSRe); err != nil {
		return nil, errors.Wrap(err, "all-reduce Re(S)")
	}
	if err := sr.Transport.SumFloat(ctx, localSIm); err != nil {
		return nil, errors.Wrap(err, "all-reduce Im(S)")
	}
	if err := sr.Transport.SumInt(ctx, count); err != nil {
		return nil, errors.Wrap(err, "all-reduce local sample count")
	}
	globalN := float64(count[0])

	sRe := mat.NewDense(npar, npar, nil)
	sIm := mat.NewDense(npar, npar, nil)
	for a := 0; a < npar; a++ {
		for c := 0; c < npar; c++ {
			re := localSRe[a*npar+c] / globalN
			if a == c {
				re += sr.Params.Diagshift
			}
			sRe.Set(a, c, re)
			sIm.Set(a, c, localSIm[a*npar+c]/globalN)
		}
	}

	block := mat.NewDense(2*npar, 2*npar, nil)
	for a := 0; a < npar; a++ {
		for c := 0; c < npar; c++ {
			block.Set(a, c, sRe.At(a, c))
			block.Set(a, npar+c, -sIm.At(a, c))
			block.Set(npar+a, c, sIm.At(a, c))
			block.Set(npar+a, npar+c, sRe.At(a, c))
		}
	}

	rhs := make([]float64, 2*npar)
	for k := 0; k < npar; k++ {
		rhs[k] = real(b[k])
		rhs[npar+k] = imag(b[k])
	}

	var qr mat.QR
	qr.Factorize(block)

	x := mat.NewVecDense(2*npar, nil)
	if err := qr.SolveVecTo(x, false, mat.NewVecDense(2*npar, rhs)); err != nil {
		return nil, errors.Wrap(err, "QR solve")
	}

	dp := make([]complex128, npar)
	for k := 0; k < npar; k++ {
		dp[k] = complex(x.AtVec(k), x.AtVec(npar+k))
	}
	return dp, nil
}

// PrintOutput appends one JSON line with the current iteration's observable
// snapshots to path, creating it if necessary. Matches the simple streaming
// append a long-running optimization log needs. The observable snapshot is
// all-reduced across every rank of sr.Transport, so every rank must call
// PrintOutput in lockstep even though only rank 0 writes the file.
func (sr *Sr) PrintOutput(ctx context.Context, path string, iteration int) error {
	stats, err := sr.Observables.SnapshotAllGlobal(ctx, sr.Transport)
	if err != nil {
		return errors.Wrap(err, "snapshot observables")
	}
	if sr.Transport.Rank() != 0 || path == "" {
		return nil
	}

	// encoding/json cannot encode complex128, so each observable's mean is
	// written as its real part and its imaginary part.
	type statRecord struct {
		Name     string  `json:"Name"`
		Mean     float64 `json:"Mean"`
		MeanImag float64 `json:"MeanImag"`
		Sigma    float64 `json:"Sigma"`
		N        int     `json:"N"`
	}
	out := make([]statRecord, len(stats))
	for i, s := range stats {
		out[i] = statRecord{Name: s.Name, Mean: real(s.Mean), MeanImag: imag(s.Mean), Sigma: s.Sigma, N: s.N}
	}

	record := struct {
		Iteration int          `json:"Iteration"`
		Accept    float64      `json:"Acceptance"`
		Output    []statRecord `json:"Output"`
	}{Iteration: iteration, Accept: sr.Sampler.Acceptance(), Output: out}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open log")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(record); err != nil {
		return errors.Wrap(err, "write log record")
	}
	return nil
}

// Run executes niter Sample/Gradient/UpdateParameters/PrintOutput cycles,
// logging to logPath. checkpoint, if non-nil, is called after every
// iteration with the iteration index, e.g. to periodically save the
// wavefunction; a nil checkpoint skips this entirely.
//
// A CG solve that fails to converge within CGMaxIter, or a direct solve
// whose S is too ill-conditioned for gonum's QR (a mat.Condition error), is
// a numerics event, not a fatal error: that iteration's parameter update is
// skipped (the machine keeps its previous parameters) but the observable
// snapshot is still logged and the run continues.
func (sr *Sr) Run(ctx context.Context, niter int, logPath string, checkpoint func(iteration int) error) error {
	for it := 0; it < niter; it++ {
		if err := sr.Sample(); err != nil {
			return errors.Wrapf(err, "sample at iteration %d", it)
		}
		if err := sr.Gradient(ctx); err != nil {
			return errors.Wrapf(err, "gradient at iteration %d", it)
		}
		if err := sr.UpdateParameters(ctx); err != nil {
			var cond mat.Condition
			if !errors.Is(err, ErrCGNotConverged) && !errors.As(err, &cond) {
				return errors.Wrapf(err, "update at iteration %d", it)
			}
			log.Printf("iteration %d: %v, skipping parameter update", it, err)
		}
		if err := sr.PrintOutput(ctx, logPath, it); err != nil {
			return errors.Wrapf(err, "log at iteration %d", it)
		}
		if checkpoint != nil {
			if err := checkpoint(it); err != nil {
				return errors.Wrapf(err, "checkpoint at iteration %d", it)
			}
		}
		if err := sr.Transport.Barrier(ctx); err != nil {
			return errors.Wrapf(err, "barrier at iteration %d", it)
		}
	}
	return nil
}
