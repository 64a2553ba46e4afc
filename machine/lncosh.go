package machine

import "math/cmplx"

var log2 = cmplx.Log(complex(2, 0))

// lncosh computes log(cosh(x)) for a complex argument without overflowing
// for |Re(x)| of a few hundred, by always exponentiating a value with
// nonpositive real part:
//
//	log(cosh(x)) = s*x - log(2) + log(1 + exp(-2*s*x)),  s = sign(Re(x))
func lncosh(x complex128) complex128 {
	s := complex(1, 0)
	if real(x) < 0 {
		s = complex(-1, 0)
	}
	sx := s * x
	return sx - log2 + cmplx.Log(1+cmplx.Exp(-2*sx))
}
