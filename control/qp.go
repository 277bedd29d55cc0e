package control

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/mpc/utils/matrix"
)

var (
	// ErrNotConverged is returned when a QP solver stops without improving on its starting point.
	ErrNotConverged = errors.New("qp solver did not converge")
	// ErrNonFinite is returned when a QP has, or a solver produces, NaN or infinite values.
	ErrNonFinite = errors.New("qp has non-finite values")
	// ErrInfeasible is returned when the bounds of a QP admit no solution.
	ErrInfeasible = errors.New("qp bounds are infeasible")
)

// Problem is a box-constrained convex quadratic program
//
//	minimize   ½·uᵀ·P·u + qᵀ·u
//	subject to Lower ≤ u ≤ Upper
type Problem struct {
	// P is symmetric and stored upper-triangular.
	P *mat.SymDense
	// PSparse holds the upper triangle of P in compressed sparse column form.
	PSparse *matrix.CSC
	Q       *mat.VecDense
	Lower   []float64
	Upper   []float64
}

// NewProblem builds a Problem, deriving the sparse Hessian from p.
func NewProblem(p *mat.SymDense, q *mat.VecDense, lower, upper []float64) *Problem {
	return &Problem{
		P:       p,
		PSparse: matrix.ToUpperCSC(p),
		Q:       q,
		Lower:   lower,
		Upper:   upper,
	}
}

// Dim returns the number of decision variables.
func (p *Problem) Dim() int {
	return p.Q.Len()
}

// Objective evaluates ½·uᵀ·P·u + qᵀ·u.
func (p *Problem) Objective(u []float64) float64 {
	pu := make([]float64, len(u))
	p.PSparse.MulVecTo(pu, u)
	return 0.5*floats.Dot(u, pu) + floats.Dot(p.Q.RawVector().Data, u)
}

// Gradient writes P·u + q into dst.
func (p *Problem) Gradient(dst, u []float64) {
	p.PSparse.MulVecTo(dst, u)
	floats.Add(dst, p.Q.RawVector().Data)
}

// Project clamps u into the box in place.
func (p *Problem) Project(u []float64) {
	for i := range u {
		u[i] = math.Max(p.Lower[i], math.Min(p.Upper[i], u[i]))
	}
}

// Validate checks dimensions, finiteness and bound feasibility.
func (p *Problem) Validate() error {
	n := p.Dim()
	if p.P.SymmetricDim() != n || len(p.Lower) != n || len(p.Upper) != n {
		return errors.Errorf("qp dimension mismatch: P is %d, q is %d, bounds are %d and %d",
			p.P.SymmetricDim(), n, len(p.Lower), len(p.Upper))
	}
	if !allFinite(p.PSparse.Values) || !allFinite(p.Q.RawVector().Data) {
		return ErrNonFinite
	}
	for i := range p.Lower {
		if math.IsNaN(p.Lower[i]) || math.IsNaN(p.Upper[i]) {
			return ErrNonFinite
		}
		if p.Lower[i] > p.Upper[i] {
			return errors.Wrapf(ErrInfeasible, "variable %d: %v > %v", i, p.Lower[i], p.Upper[i])
		}
	}
	return nil
}

// QPSolver solves box-constrained quadratic programs. Solve returns the minimizer or an error;
// it must return promptly once ctx is done.
type QPSolver interface {
	Solve(ctx context.Context, p *Problem) ([]float64, error)
}

// SolverType names a QPSolver implementation in configuration.
type SolverType string

const (
	// SolverNlopt is the SLSQP solver from nlopt. It needs a cgo build.
	SolverNlopt SolverType = "nlopt"
	// SolverProjectedNewton is the projected Newton solver. It is pure Go.
	SolverProjectedNewton SolverType = "projected_newton"
)

func allFinite(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
