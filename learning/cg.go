package learning

import (
	"context"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"github.com/pkg/errors"
)

// ErrCGNotConverged is returned by solveCG when the residual never drops
// below CGTol within CGMaxIter iterations. Callers must not apply the
// returned dp as a natural-gradient step when they see this error.
var ErrCGNotConverged = errors.New("cg: residual did not converge within max iterations")

// solveCG solves (S + diagshift*I) dp = b iteratively, applying S only as a
// matrix-vector product S.x = (Ok^H . (Ok . x))/n + diagshift*x so that the
// npar x npar matrix is never formed explicitly. Each matrix-vector product
// is all-reduced across ranks before accumulating, since every rank only
// holds its own share of the sampled derivatives.
func (sr *Sr) solveCG(ctx context.Context, ok *mat.CDense, b []complex128) ([]complex128, error) {
	npar := len(b)
	tol := sr.Params.CGTol
	if tol == 0 {
		tol = 1e-3
	}
	maxIter := sr.Params.CGMaxIter
	if maxIter == 0 {
		maxIter = 10000
	}

	apply := func(x []complex128) ([]complex128, error) {
		y, err := srApply(ok, x, sr.Params.Diagshift)
		if err != nil {
			return nil, err
		}
		localN, _ := ok.Dims()
		count := []int{localN}
		if err := sr.Transport.SumComplex(ctx, y); err != nil {
			return nil, errors.Wrap(err, "all-reduce S.x")
		}
		if err := sr.Transport.SumInt(ctx, count); err != nil {
			return nil, errors.Wrap(err, "all-reduce local sample count")
		}
		globalN := complex(float64(count[0]), 0)
		for i := range y {
			y[i] = y[i]/globalN + complex(sr.Params.Diagshift, 0)*x[i]
		}
		return y, nil
	}

	x := make([]complex128, npar) // x0 = 0
	r := make([]complex128, npar)
	copy(r, b)
	p := make([]complex128, npar)
	copy(p, r)

	rsOld := dotConj(r, r)
	bNorm := cmplxNorm(b)
	if bNorm == 0 {
		return x, nil
	}

	converged := false
	for iter := 0; iter < maxIter; iter++ {
		ap, err := apply(p)
		if err != nil {
			return nil, err
		}
		pAp := dotConj(p, ap)
		if pAp == 0 {
			converged = cmplxNorm(r)/bNorm < tol
			break
		}
		alpha := rsOld / pAp
		for i := range x {
			x[i] += alpha * p[i]
			r[i] -= alpha * ap[i]
		}

		if cmplxNorm(r)/bNorm < tol {
			converged = true
			break
		}

		rsNew := dotConj(r, r)
		beta := rsNew / rsOld
		for i := range p {
			p[i] = r[i] + beta*p[i]
		}
		rsOld = rsNew
	}

	if !converged {
		return x, ErrCGNotConverged
	}
	return x, nil
}

// srApply computes the local (unreduced, unregularized) contribution to
// S.x: (Ok^H . (Ok . x)) / 1, leaving the 1/n scaling and diagshift to the
// caller, which only knows the global sample count after an all-reduce.
func srApply(ok *mat.CDense, x []complex128, _ float64) ([]complex128, error) {
	n, npar := ok.Dims()
	if len(x) != npar {
		return nil, errors.Errorf("direction has length %d, expected %d", len(x), npar)
	}

	okx := make([]complex128, n)
	for i := 0; i < n; i++ {
		var s complex128
		for k := 0; k < npar; k++ {
			s += ok.At(i, k) * x[k]
		}
		okx[i] = s
	}

	out := make([]complex128, npar)
	for k := 0; k < npar; k++ {
		var s complex128
		for i := 0; i < n; i++ {
			s += cmplx.Conj(ok.At(i, k)) * okx[i]
		}
		out[k] = s
	}
	return out, nil
}

func dotConj(a, b []complex128) complex128 {
	var s complex128
	for i := range a {
		s += cmplx.Conj(a[i]) * b[i]
	}
	return s
}

func cmplxNorm(v []complex128) float64 {
	var s float64
	for _, x := range v {
		s += real(x)*real(x) + imag(x)*imag(x)
	}
	return math.Sqrt(s)
}
