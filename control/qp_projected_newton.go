package control

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultMaxIterations = 500
	defaultTolerance     = 1e-10

	// armijo is the sufficient decrease fraction of the projected line search.
	armijo          = 1e-4
	maxBacktracks   = 60
	maxRegularizing = 30
)

// projectedNewtonQP solves box QPs with a projected Newton method. Each iteration fixes the
// variables held at a bound by the gradient, takes the Newton step on the remaining ones using a
// Cholesky factorization of their block of P, and searches along the projection of that step.
// It stops when the projected gradient is below tolerance relative to the problem scale.
type projectedNewtonQP struct {
	maxIterations int
	tolerance     float64
}

func newProjectedNewtonQP(maxIterations int, tolerance float64) *projectedNewtonQP {
	if maxIterations < 1 {
		maxIterations = defaultMaxIterations
	}
	if !(tolerance > 0) {
		tolerance = defaultTolerance
	}
	return &projectedNewtonQP{maxIterations: maxIterations, tolerance: tolerance}
}

// Solve returns the minimizer. When the iteration budget runs out, or the line search stalls on
// roundoff, the last iterate is returned as long as it improved on the projected origin.
func (s *projectedNewtonQP) Solve(ctx context.Context, p *Problem) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := p.Dim()

	var eig mat.EigenSym
	if ok := eig.Factorize(p.P, false); !ok {
		return nil, errors.New("eigen decomposition of qp hessian failed")
	}
	// Eigenvalues are ascending.
	values := eig.Values(nil)
	if values[0] < -psdTolerance*math.Max(1, values[n-1]) {
		return nil, errors.Errorf("qp hessian is not positive semidefinite: smallest eigenvalue %v", values[0])
	}
	maxDiag := 0.
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, p.P.At(i, i))
	}
	qNorm := floats.Norm(p.Q.RawVector().Data, math.Inf(1))

	x := make([]float64, n)
	p.Project(x)
	grad := make([]float64, n)
	dir := make([]float64, n)
	trial := make([]float64, n)
	delta := make([]float64, n)
	improvement := 0.

	iter := 0
	for ; iter < s.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.Gradient(grad, x)
		scale := math.Max(1, math.Max(qNorm, maxDiag*floats.Norm(x, 1)))
		if projectedGradientNorm(p, x, grad) <= s.tolerance*scale {
			return s.finish(x)
		}

		free := freeVariables(p, x, grad)
		if err := newtonDirection(dir, p.P, free, grad, maxDiag); err != nil {
			return nil, err
		}

		// Backtrack along the projection arc. The change in objective is computed from the step
		// rather than by differencing objectives, which loses everything to cancellation when P
		// is badly scaled.
		accepted := false
		for alpha, k := 1., 0; k < maxBacktracks; alpha, k = alpha/2, k+1 {
			for i := range trial {
				trial[i] = x[i] + alpha*dir[i]
			}
			p.Project(trial)
			floats.SubTo(delta, trial, x)
			slope := floats.Dot(grad, delta)
			if !(slope < 0) {
				continue
			}
			change := slope + 0.5*mat.Inner(mat.NewVecDense(n, delta), p.P, mat.NewVecDense(n, delta))
			if change <= armijo*slope {
				improvement -= change
				copy(x, trial)
				accepted = true
				break
			}
		}
		if !accepted {
			break
		}
	}

	if improvement > 0 {
		return s.finish(x)
	}
	return nil, errors.Wrapf(ErrNotConverged, "after %d iterations", iter)
}

func (s *projectedNewtonQP) finish(x []float64) ([]float64, error) {
	if !allFinite(x) {
		return nil, ErrNonFinite
	}
	return x, nil
}

// projectedGradientNorm is the infinity norm of x - Project(x - grad), which vanishes exactly at
// the constrained minimum.
func projectedGradientNorm(p *Problem, x, grad []float64) float64 {
	norm := 0.
	for i := range x {
		moved := math.Max(p.Lower[i], math.Min(p.Upper[i], x[i]-grad[i]))
		norm = math.Max(norm, math.Abs(x[i]-moved))
	}
	return norm
}

// freeVariables lists the variables not held at a bound by the gradient.
func freeVariables(p *Problem, x, grad []float64) []int {
	free := make([]int, 0, len(x))
	for i := range x {
		atLower := x[i] <= p.Lower[i] && grad[i] > 0
		atUpper := x[i] >= p.Upper[i] && grad[i] < 0
		if !atLower && !atUpper {
			free = append(free, i)
		}
	}
	return free
}

// newtonDirection writes the Newton step on the free variables into dir and zeroes the rest.
// A singular block is shifted by a growing multiple of the identity until it factorizes; the
// shift only damps the step, so the minimizer is unchanged.
func newtonDirection(dir []float64, p mat.Symmetric, free []int, grad []float64, maxDiag float64) error {
	for i := range dir {
		dir[i] = 0
	}
	m := len(free)
	if m == 0 {
		return nil
	}

	block := mat.NewSymDense(m, nil)
	rhs := mat.NewVecDense(m, nil)
	for a, i := range free {
		rhs.SetVec(a, -grad[i])
		for b := a; b < m; b++ {
			block.SetSym(a, b, p.At(i, free[b]))
		}
	}

	var chol mat.Cholesky
	shift := 1e-14 * math.Max(1, maxDiag)
	shifted := mat.NewSymDense(m, nil)
	factorized := chol.Factorize(block)
	for k := 0; !factorized && k < maxRegularizing; k++ {
		shifted.CopySym(block)
		for a := 0; a < m; a++ {
			shifted.SetSym(a, a, block.At(a, a)+shift)
		}
		factorized = chol.Factorize(shifted)
		shift *= 100
	}
	if !factorized {
		return errors.New("cholesky factorization of qp hessian failed")
	}

	var step mat.VecDense
	if err := chol.SolveVecTo(&step, rhs); err != nil {
		// A badly conditioned block still yields a usable descent direction.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return errors.Wrap(err, "solving newton step")
		}
	}
	for a, i := range free {
		dir[i] = step.AtVec(a)
	}
	return nil
}
