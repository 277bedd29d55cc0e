package control

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/mpc/kinematics"
	"go.viam.com/mpc/logging"
	"go.viam.com/mpc/motionplan/trajectory"
	"go.viam.com/mpc/utils/matrix"
)

// Status reports how a command returned by MPC.Control was produced.
type Status struct {
	// FailSafe is true when the QP could not be solved and the command came from the failure
	// policy instead of the optimizer.
	FailSafe bool
	// Err is the cause of a fail-safe command.
	Err error
}

func (s Status) String() string {
	if !s.FailSafe {
		return "solved"
	}
	return fmt.Sprintf("fail-safe: %v", s.Err)
}

// Stats counts control cycles. It is safe to read from another goroutine while the controller
// runs.
type Stats struct {
	Cycles    int64
	FailSafes int64
}

// Option customizes an MPC controller.
type Option func(*MPC)

// WithSolver replaces the configured QP solver.
func WithSolver(solver QPSolver) Option {
	return func(m *MPC) {
		m.solver = solver
	}
}

// MPC is a linear model predictive controller for a unicycle. Each call to Control linearizes the
// vehicle about its current state and the previously applied command, solves a box-constrained QP
// over the horizon and returns only the first command of the optimal sequence.
//
// An MPC is not safe for concurrent use. Give every vehicle its own controller.
type MPC struct {
	cfg          MPCConfig
	horizonCount int
	logger       logging.Logger
	solver       QPSolver

	// Built once at construction.
	weights *mat.Dense
	lower   []float64
	upper   []float64

	previousInput kinematics.InputVec
	lastSolved    kinematics.InputVec

	cycles    atomic.Int64
	failSafes atomic.Int64
}

// NewMPC validates cfg and builds a controller with its horizon-stacked weight matrix and input
// bounds.
func NewMPC(cfg MPCConfig, logger logging.Logger, opts ...Option) (*MPC, error) {
	if err := cfg.Validate("mpc"); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	n := cfg.HorizonCount()

	m := &MPC{
		cfg:          cfg,
		horizonCount: n,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.solver == nil {
		solver, err := newSolver(cfg, logger)
		if err != nil {
			return nil, err
		}
		m.solver = solver
	}

	q := cfg.WeightMatrix()
	blocks := make([]mat.Matrix, n)
	scale := 1.0
	for i := range blocks {
		var scaled mat.Dense
		scaled.Scale(scale, q)
		blocks[i] = &scaled
		scale *= cfg.GrowthFactor
	}
	m.weights = matrix.BlockDiagonal(blocks...)
	m.lower = tileInput(cfg.MinInput, n)
	m.upper = tileInput(cfg.MaxInput, n)

	logger.Debugw("mpc controller created",
		"horizon_count", n, "dt", cfg.DtSec, "solver", cfg.Solver, "failure_policy", cfg.FailurePolicy)
	return m, nil
}

func newSolver(cfg MPCConfig, logger logging.Logger) (QPSolver, error) {
	switch cfg.Solver {
	case SolverNlopt:
		return newNloptQP(cfg.MaxIterations, cfg.Tolerance, logger.Sublogger("nlopt"))
	case SolverProjectedNewton:
		return newProjectedNewtonQP(cfg.MaxIterations, cfg.Tolerance), nil
	}
	return nil, errors.Errorf("unsupported solver %q", cfg.Solver)
}

func tileInput(u kinematics.InputVec, n int) []float64 {
	return matrix.Tile(u.Vec(), n, 1).RawMatrix().Data
}

// HorizonCount returns the number of steps in the prediction horizon.
func (m *MPC) HorizonCount() int {
	return m.horizonCount
}

// Config returns the controller configuration with defaults applied.
func (m *MPC) Config() MPCConfig {
	return m.cfg
}

// PreviousInput returns the command returned by the last call to Control.
func (m *MPC) PreviousInput() kinematics.InputVec {
	return m.previousInput
}

// Stats returns the cycle counters.
func (m *MPC) Stats() Stats {
	return Stats{Cycles: m.cycles.Load(), FailSafes: m.failSafes.Load()}
}

// Reset forgets the previously applied command, as if the controller were new.
func (m *MPC) Reset() {
	m.previousInput = kinematics.InputVec{}
	m.lastSolved = kinematics.InputVec{}
}

// Control returns the command to apply at time t from state x to follow traj.
//
// Solver failures never surface as errors: the configured failure policy supplies the command and
// the returned Status carries the cause. The command is always within the configured bounds.
func (m *MPC) Control(
	ctx context.Context,
	traj *trajectory.Trajectory,
	x kinematics.StateVec,
	t float64,
) (kinematics.InputVec, Status) {
	if traj == nil {
		panic(errors.New("mpc: nil trajectory"))
	}
	m.cycles.Inc()

	u, err := m.solve(ctx, traj, x, t)
	status := Status{}
	if err != nil {
		u = m.failSafeInput()
		status = Status{FailSafe: true, Err: err}
		m.failSafes.Inc()
		m.logger.Warnw("mpc solve failed, applying fail-safe command",
			"policy", m.cfg.FailurePolicy, "input", u, "state", x, "time", t, "error", err)
	} else {
		m.lastSolved = u
		m.logger.Debugw("mpc command", "input", u, "state", x, "time", t)
	}
	m.previousInput = u
	return u, status
}

func (m *MPC) solve(
	ctx context.Context,
	traj *trajectory.Trajectory,
	x kinematics.StateVec,
	t float64,
) (kinematics.InputVec, error) {
	ctx, span := trace.StartSpan(ctx, "mpc::solve")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return kinematics.InputVec{}, err
	}
	if !x.IsFinite() || math.IsNaN(t) || math.IsInf(t, 0) {
		return kinematics.InputVec{}, errors.Wrapf(ErrNonFinite, "state %v at t=%v", x, t)
	}

	problem := m.BuildProblem(traj.HorizonStates(t, m.horizonCount), kinematics.Linearize(x, m.previousInput, m.cfg.DtSec))
	sol, err := m.solver.Solve(ctx, problem)
	if err != nil {
		return kinematics.InputVec{}, err
	}
	if len(sol) != problem.Dim() {
		return kinematics.InputVec{}, errors.Errorf("solver returned %d values, want %d", len(sol), problem.Dim())
	}
	u := kinematics.NewInputVec(sol[0], sol[1])
	if !u.IsFinite() {
		return kinematics.InputVec{}, ErrNonFinite
	}
	// Solvers meet the bounds to within their tolerance.
	return u.Clamp(m.cfg.MinInput, m.cfg.MaxInput), nil
}

func (m *MPC) failSafeInput() kinematics.InputVec {
	if m.cfg.FailurePolicy == FailureHold {
		return m.lastSolved.Clamp(m.cfg.MinInput, m.cfg.MaxInput)
	}
	return kinematics.InputVec{}
}

// BuildProblem assembles the horizon QP for the given reference states and linearized model.
//
// With the stacked inputs u, the predicted states are free + R·u, where free[i] = A^(i+1)·x0 and
// R is block lower-triangular with R[i][j] = A^(i-j)·B for j ≤ i. The tracking cost
// (free + R·u - targets)ᵀ·Qh·(free + R·u - targets), halved and without its constant part, is
// ½·uᵀ·P·u + qᵀ·u with P = Rᵀ·Qh·R and q = Rᵀ·Qh·(free - targets).
func (m *MPC) BuildProblem(targets []kinematics.StateVec, lin *kinematics.LinearUnicycle) *Problem {
	n := m.horizonCount
	if len(targets) != n {
		panic(errors.Errorf("mpc: got %d target states for a horizon of %d", len(targets), n))
	}

	// powers[k] = A^k for k = 0..n.
	powers := matrix.Powers(lin.A(), n+1)
	b := lin.B()

	influence := make([]*mat.Dense, n)
	for k := range influence {
		var akb mat.Dense
		akb.Mul(powers[k], b)
		influence[k] = &akb
	}
	zero := mat.NewDense(kinematics.StateDim, kinematics.InputDim, nil)
	rows := make([]mat.Matrix, n)
	for i := range rows {
		blocks := make([]mat.Matrix, n)
		for j := range blocks {
			if j <= i {
				blocks[j] = influence[i-j]
			} else {
				blocks[j] = zero
			}
		}
		rows[i] = matrix.HStack(blocks...)
	}
	r := matrix.VStack(rows...)

	x0 := lin.State().Vec()
	var offset *mat.VecDense
	if m.cfg.AffineOffset {
		var ax0 mat.VecDense
		ax0.MulVec(lin.A(), x0)
		offset = mat.NewVecDense(kinematics.StateDim, nil)
		offset.SubVec(x0, &ax0)
	}

	errs := make([]mat.Vector, n)
	var accumulated *mat.VecDense
	for i := range errs {
		var free mat.VecDense
		free.MulVec(powers[i+1], x0)
		if offset != nil {
			// Constant term propagated through the dynamics: Σ_{k=0..i} A^k·c.
			var term mat.VecDense
			term.MulVec(powers[i], offset)
			if accumulated == nil {
				accumulated = mat.NewVecDense(kinematics.StateDim, nil)
			}
			accumulated.AddVec(accumulated, &term)
			free.AddVec(&free, accumulated)
		}
		free.SubVec(&free, targets[i].Vec())
		if m.cfg.WrapHeading {
			free.SetVec(2, kinematics.NormalizeAngle(free.AtVec(2)))
		}
		errs[i] = &free
	}
	trackingErr := matrix.StackVecs(errs...)

	var weighted mat.Dense
	weighted.Mul(m.weights, r)
	var hessian mat.Dense
	hessian.Mul(r.T(), &weighted)
	var linear mat.VecDense
	linear.MulVec(weighted.T(), trackingErr)

	return NewProblem(
		matrix.UpperTriangular(&hessian),
		&linear,
		append([]float64(nil), m.lower...),
		append([]float64(nil), m.upper...),
	)
}
