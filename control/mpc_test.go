package control

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/mpc/kinematics"
	"go.viam.com/mpc/logging"
	"go.viam.com/mpc/motionplan/trajectory"
	"go.viam.com/mpc/utils/matrix"
)

func straightLineConfig() MPCConfig {
	return MPCConfig{
		HorizonSec: 0.2,
		DtSec:      0.05,
		MinInput:   kinematics.NewInputVec(-1, -0.3),
		MaxInput:   kinematics.NewInputVec(1, 0.3),
		Weights:    DiagonalWeights(1, 1, 1),
		Solver:     SolverProjectedNewton,
	}
}

func straightLine(t *testing.T) *trajectory.Trajectory {
	t.Helper()
	traj, err := trajectory.New([]trajectory.Waypoint{
		{Pose: kinematics.NewStateVec(0, 0, 0), Time: 0},
		{Pose: kinematics.NewStateVec(10, 0, 0), Time: 10},
	}, 0.05)
	test.That(t, err, test.ShouldBeNil)
	return traj
}

type failingSolver struct {
	err   error
	calls int
}

func (s *failingSolver) Solve(ctx context.Context, p *Problem) ([]float64, error) {
	s.calls++
	return nil, s.err
}

type constantSolver struct {
	out []float64
}

func (s *constantSolver) Solve(ctx context.Context, p *Problem) ([]float64, error) {
	return append([]float64(nil), s.out...), nil
}

// switchSolver delegates to inner until failing is set.
type switchSolver struct {
	inner   QPSolver
	failing bool
}

func (s *switchSolver) Solve(ctx context.Context, p *Problem) ([]float64, error) {
	if s.failing {
		return nil, errors.New("solver unavailable")
	}
	return s.inner.Solve(ctx, p)
}

func TestNewMPC(t *testing.T) {
	logger := logging.NewTestLogger(t)

	m, err := NewMPC(straightLineConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.HorizonCount(), test.ShouldEqual, 4)
	test.That(t, m.PreviousInput(), test.ShouldResemble, kinematics.InputVec{})
	test.That(t, m.Config().GrowthFactor, test.ShouldEqual, DefaultGrowthFactor)
	test.That(t, m.Config().FailurePolicy, test.ShouldEqual, FailureZero)

	rows, cols := m.weights.Dims()
	test.That(t, rows, test.ShouldEqual, 12)
	test.That(t, cols, test.ShouldEqual, 12)
	for i := 0; i < 4; i++ {
		block := matrix.Block(m.weights, i, i, 3, 3)
		expected := math.Pow(2, float64(i))
		test.That(t, mat.Equal(block, mat.NewDiagDense(3, []float64{expected, expected, expected})), test.ShouldBeTrue)
	}
	test.That(t, m.lower, test.ShouldResemble, []float64{-1, -0.3, -1, -0.3, -1, -0.3, -1, -0.3})
	test.That(t, m.upper, test.ShouldResemble, []float64{1, 0.3, 1, 0.3, 1, 0.3, 1, 0.3})

	cfg := straightLineConfig()
	cfg.HorizonSec = 0.01
	_, err = NewMPC(cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "shorter than one dt_sec step")
}

func TestNewMPCGrowthFactor(t *testing.T) {
	cfg := straightLineConfig()
	cfg.GrowthFactor = 1.5
	m, err := NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.weights.At(9, 9), test.ShouldAlmostEqual, 1.5*1.5*1.5, 1e-12)
	test.That(t, m.weights.At(0, 3), test.ShouldEqual, 0.)
}

func TestBuildProblem(t *testing.T) {
	cfg := straightLineConfig()
	cfg.Weights = DiagonalWeights(1, 2, 3)
	m, err := NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	x := kinematics.NewStateVec(1, -2, math.Pi/5)
	lin := kinematics.Linearize(x, kinematics.NewInputVec(0.7, -0.1), cfg.DtSec)
	targets := []kinematics.StateVec{
		kinematics.NewStateVec(1.1, -2, 0.6),
		kinematics.NewStateVec(1.2, -1.9, 0.6),
		kinematics.NewStateVec(1.3, -1.8, 0.7),
		kinematics.NewStateVec(1.4, -1.7, 0.7),
	}
	p := m.BuildProblem(targets, lin)
	test.That(t, p.Dim(), test.ShouldEqual, 8)
	test.That(t, p.Validate(), test.ShouldBeNil)

	// Build R explicitly from its definition.
	r := mat.NewDense(12, 8, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j <= i; j++ {
			var blk mat.Dense
			blk.Mul(power(lin.A(), i-j), lin.B())
			for a := 0; a < 3; a++ {
				for b := 0; b < 2; b++ {
					r.Set(3*i+a, 2*j+b, blk.At(a, b))
				}
			}
		}
	}
	qh := mat.NewDense(12, 12, nil)
	for i := 0; i < 12; i++ {
		qh.Set(i, i, math.Pow(2, float64(i/3))*float64(i%3+1))
	}
	var qr mat.Dense
	qr.Mul(qh, r)
	var expectedP mat.Dense
	expectedP.Mul(r.T(), &qr)

	trackingErr := mat.NewVecDense(12, nil)
	for i := 0; i < 4; i++ {
		var free mat.VecDense
		free.MulVec(power(lin.A(), i+1), x.Vec())
		for a := 0; a < 3; a++ {
			trackingErr.SetVec(3*i+a, free.AtVec(a)-targets[i][a])
		}
	}
	var expectedQ mat.VecDense
	expectedQ.MulVec(qr.T(), trackingErr)

	for i := 0; i < 8; i++ {
		test.That(t, p.Q.AtVec(i), test.ShouldAlmostEqual, expectedQ.AtVec(i), 1e-9)
		for j := 0; j < 8; j++ {
			test.That(t, p.P.At(i, j), test.ShouldAlmostEqual, expectedP.At(i, j), 1e-9)
			test.That(t, p.P.At(i, j), test.ShouldEqual, p.P.At(j, i))
		}
	}

	for i := 0; i < 8; i++ {
		test.That(t, p.PSparse.At(i, i), test.ShouldAlmostEqual, expectedP.At(i, i), 1e-9)
	}
	test.That(t, p.PSparse.Upper(), test.ShouldBeTrue)

	test.That(t, func() { m.BuildProblem(targets[:3], lin) }, test.ShouldPanic)
}

func TestBuildProblemAffineOffset(t *testing.T) {
	cfg := straightLineConfig()
	cfg.AffineOffset = true
	m, err := NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// With the offset, the zero-input prediction of a moving, turned vehicle stays put.
	x := kinematics.NewStateVec(2, 3, math.Pi/3)
	lin := kinematics.Linearize(x, kinematics.NewInputVec(1, 0), cfg.DtSec)
	targets := []kinematics.StateVec{x, x, x, x}
	p := m.BuildProblem(targets, lin)
	for i := 0; i < p.Dim(); i++ {
		test.That(t, p.Q.AtVec(i), test.ShouldAlmostEqual, 0, 1e-12)
	}

	cfg.AffineOffset = false
	m, err = NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	p = m.BuildProblem(targets, lin)
	test.That(t, mat.Norm(p.Q, 2), test.ShouldBeGreaterThan, 1e-6)
}

func TestBuildProblemWrapHeading(t *testing.T) {
	// A target heading one full turn ahead is the same heading.
	x := kinematics.NewStateVec(0, 0, 0.1)
	lin := kinematics.Linearize(x, kinematics.InputVec{}, 0.05)
	turned := kinematics.NewStateVec(0, 0, 0.1+2*math.Pi)
	targets := []kinematics.StateVec{turned, turned, turned, turned}

	cfg := straightLineConfig()
	cfg.WrapHeading = true
	m, err := NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	p := m.BuildProblem(targets, lin)
	for i := 0; i < p.Dim(); i++ {
		test.That(t, p.Q.AtVec(i), test.ShouldAlmostEqual, 0, 1e-9)
	}

	u, status := m.Control(context.Background(), constantTrajectory(t, turned), x, 0)
	test.That(t, status.FailSafe, test.ShouldBeFalse)
	test.That(t, u.Omega(), test.ShouldAlmostEqual, 0, 1e-9)

	cfg.WrapHeading = false
	m, err = NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	u, status = m.Control(context.Background(), constantTrajectory(t, turned), x, 0)
	test.That(t, status.FailSafe, test.ShouldBeFalse)
	test.That(t, u.Omega(), test.ShouldAlmostEqual, 0.3, 1e-9)
}

func constantTrajectory(t *testing.T, pose kinematics.StateVec) *trajectory.Trajectory {
	t.Helper()
	traj, err := trajectory.New([]trajectory.Waypoint{{Pose: pose, Time: 0}}, 0.05)
	test.That(t, err, test.ShouldBeNil)
	return traj
}

func power(a mat.Matrix, k int) *mat.Dense {
	out := matrix.Identity(kinematics.StateDim)
	for i := 0; i < k; i++ {
		var next mat.Dense
		next.Mul(out, a)
		out = &next
	}
	return out
}

func TestControlStraightLine(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	traj := straightLine(t)
	goal := kinematics.NewStateVec(10, 0, 0)

	m, err := NewMPC(straightLineConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	x := kinematics.NewStateVec(0, 0, 0)
	u, status := m.Control(ctx, traj, x, 0)
	test.That(t, status.FailSafe, test.ShouldBeFalse)
	test.That(t, u.V(), test.ShouldBeGreaterThanOrEqualTo, -1e-9)
	test.That(t, u.Omega(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, m.PreviousInput(), test.ShouldResemble, u)

	vehicle := kinematics.NewUnicycle(x)
	x = vehicle.Step(u, 0.05)
	dist := x.Distance(goal)
	for step := 1; step < 260; step++ {
		u, status = m.Control(ctx, traj, x, float64(step)*0.05)
		test.That(t, status.FailSafe, test.ShouldBeFalse)
		test.That(t, u.Within(m.Config().MinInput, m.Config().MaxInput), test.ShouldBeTrue)
		x = vehicle.Step(u, 0.05)
		next := x.Distance(goal)
		test.That(t, next, test.ShouldBeLessThanOrEqualTo, dist+1e-9)
		dist = next
	}
	test.That(t, dist, test.ShouldBeLessThanOrEqualTo, 0.05)
	test.That(t, math.Abs(x.Y()), test.ShouldBeLessThan, 1e-6)
	test.That(t, m.Stats(), test.ShouldResemble, Stats{Cycles: 260})
}

func TestControlLongHorizon(t *testing.T) {
	// Weights grow by 2^N across long horizons, which makes the QP badly conditioned.
	for _, horizon := range []float64{1, 2} {
		cfg := straightLineConfig()
		cfg.HorizonSec = horizon
		m, err := NewMPC(cfg, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.HorizonCount(), test.ShouldEqual, int(horizon/0.05+0.5))

		traj := straightLine(t)
		vehicle := kinematics.NewUnicycle(kinematics.NewStateVec(0, 0.5, 0.3))
		for step := 0; step < 250; step++ {
			u, status := m.Control(context.Background(), traj, vehicle.State, float64(step)*0.05)
			test.That(t, status.Err, test.ShouldBeNil)
			test.That(t, u.Within(cfg.MinInput, cfg.MaxInput), test.ShouldBeTrue)
			vehicle.Step(u, 0.05)
		}
		test.That(t, m.Stats(), test.ShouldResemble, Stats{Cycles: 250})
		test.That(t, vehicle.State.X(), test.ShouldBeGreaterThan, 5)
	}
}

func TestControlBounds(t *testing.T) {
	ctx := context.Background()
	cfg := straightLineConfig()
	cfg.Weights = DiagonalWeights(10, 10, 1)
	m, err := NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// Far off the path and facing the wrong way, so the unconstrained optimum is out of bounds.
	traj, err := trajectory.New([]trajectory.Waypoint{
		{Pose: kinematics.NewStateVec(0, 0, 0), Time: 0},
		{Pose: kinematics.NewStateVec(10, 10, math.Pi/2), Time: 5},
	}, cfg.DtSec)
	test.That(t, err, test.ShouldBeNil)

	vehicle := kinematics.NewUnicycle(kinematics.NewStateVec(-3, 4, math.Pi))
	for step := 0; step < 100; step++ {
		u, status := m.Control(ctx, traj, vehicle.State, float64(step)*cfg.DtSec)
		if status.FailSafe {
			test.That(t, u.IsZero(), test.ShouldBeTrue)
		} else {
			test.That(t, u.Within(cfg.MinInput, cfg.MaxInput), test.ShouldBeTrue)
		}
		vehicle.Step(u, cfg.DtSec)
	}
}

func TestControlClampsSolverOutput(t *testing.T) {
	m, err := NewMPC(straightLineConfig(), logging.NewTestLogger(t),
		WithSolver(&constantSolver{out: []float64{1 + 1e-7, -0.3 - 1e-7, 0, 0, 0, 0, 0, 0}}))
	test.That(t, err, test.ShouldBeNil)
	u, status := m.Control(context.Background(), straightLine(t), kinematics.StateVec{}, 0)
	test.That(t, status.FailSafe, test.ShouldBeFalse)
	test.That(t, u, test.ShouldResemble, kinematics.NewInputVec(1, -0.3))
}

func TestControlDeterminism(t *testing.T) {
	ctx := context.Background()
	traj := straightLine(t)
	cfg := straightLineConfig()
	a, err := NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	b, err := NewMPC(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	states := []kinematics.StateVec{
		kinematics.NewStateVec(0, 0, 0),
		kinematics.NewStateVec(0.1, 0.2, 0.1),
		kinematics.NewStateVec(0.5, -0.3, -0.4),
		kinematics.NewStateVec(2, 1, 1),
		kinematics.NewStateVec(9, 0, 0),
	}
	for i, x := range states {
		ua, sa := a.Control(ctx, traj, x, float64(i)*0.3)
		ub, sb := b.Control(ctx, traj, x, float64(i)*0.3)
		test.That(t, ua, test.ShouldResemble, ub)
		test.That(t, sa.FailSafe, test.ShouldEqual, sb.FailSafe)
	}
}

func TestControlFailSafeZero(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	solver := &failingSolver{err: ErrNotConverged}
	m, err := NewMPC(straightLineConfig(), logger, WithSolver(solver))
	test.That(t, err, test.ShouldBeNil)

	u, status := m.Control(context.Background(), straightLine(t), kinematics.StateVec{}, 0)
	test.That(t, u.IsZero(), test.ShouldBeTrue)
	test.That(t, status.FailSafe, test.ShouldBeTrue)
	test.That(t, errors.Is(status.Err, ErrNotConverged), test.ShouldBeTrue)
	test.That(t, status.String(), test.ShouldContainSubstring, "fail-safe")
	test.That(t, solver.calls, test.ShouldEqual, 1)
	test.That(t, m.Stats(), test.ShouldResemble, Stats{Cycles: 1, FailSafes: 1})
	test.That(t, m.PreviousInput().IsZero(), test.ShouldBeTrue)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("fail-safe").All()
	test.That(t, warnings, test.ShouldHaveLength, 1)
}

func TestControlFailSafeHold(t *testing.T) {
	ctx := context.Background()
	traj := straightLine(t)
	cfg := straightLineConfig()
	cfg.FailurePolicy = FailureHold
	solver := &switchSolver{inner: newProjectedNewtonQP(0, 0)}
	m, err := NewMPC(cfg, logging.NewTestLogger(t), WithSolver(solver))
	test.That(t, err, test.ShouldBeNil)

	// Nothing solved yet, so holding means stopping.
	solver.failing = true
	u, status := m.Control(ctx, traj, kinematics.StateVec{}, 0)
	test.That(t, status.FailSafe, test.ShouldBeTrue)
	test.That(t, u.IsZero(), test.ShouldBeTrue)

	solver.failing = false
	good, status := m.Control(ctx, traj, kinematics.NewStateVec(0, 0, 0), 1)
	test.That(t, status.FailSafe, test.ShouldBeFalse)
	test.That(t, good.V(), test.ShouldBeGreaterThan, 0.5)

	solver.failing = true
	held, status := m.Control(ctx, traj, kinematics.NewStateVec(0.05, 0, 0), 1.05)
	test.That(t, status.FailSafe, test.ShouldBeTrue)
	test.That(t, held, test.ShouldResemble, good)
	test.That(t, m.PreviousInput(), test.ShouldResemble, good)

	m.Reset()
	test.That(t, m.PreviousInput().IsZero(), test.ShouldBeTrue)
	held, _ = m.Control(ctx, traj, kinematics.NewStateVec(0.1, 0, 0), 1.1)
	test.That(t, held.IsZero(), test.ShouldBeTrue)
}

func TestControlNonFiniteState(t *testing.T) {
	m, err := NewMPC(straightLineConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	u, status := m.Control(context.Background(), straightLine(t), kinematics.NewStateVec(math.NaN(), 0, 0), 0)
	test.That(t, status.FailSafe, test.ShouldBeTrue)
	test.That(t, errors.Is(status.Err, ErrNonFinite), test.ShouldBeTrue)
	test.That(t, u.IsZero(), test.ShouldBeTrue)

	_, status = m.Control(context.Background(), straightLine(t), kinematics.StateVec{}, math.Inf(1))
	test.That(t, status.FailSafe, test.ShouldBeTrue)
}

func TestControlNonFiniteSolution(t *testing.T) {
	out := make([]float64, 8)
	out[0] = math.NaN()
	m, err := NewMPC(straightLineConfig(), logging.NewTestLogger(t), WithSolver(&constantSolver{out: out}))
	test.That(t, err, test.ShouldBeNil)
	u, status := m.Control(context.Background(), straightLine(t), kinematics.StateVec{}, 0)
	test.That(t, status.FailSafe, test.ShouldBeTrue)
	test.That(t, u.IsZero(), test.ShouldBeTrue)

	m, err = NewMPC(straightLineConfig(), logging.NewTestLogger(t), WithSolver(&constantSolver{out: []float64{1}}))
	test.That(t, err, test.ShouldBeNil)
	_, status = m.Control(context.Background(), straightLine(t), kinematics.StateVec{}, 0)
	test.That(t, status.FailSafe, test.ShouldBeTrue)
	test.That(t, status.Err.Error(), test.ShouldContainSubstring, "solver returned 1 values")
}

func TestControlCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := NewMPC(straightLineConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	u, status := m.Control(ctx, straightLine(t), kinematics.StateVec{}, 0)
	test.That(t, status.FailSafe, test.ShouldBeTrue)
	test.That(t, errors.Is(status.Err, context.Canceled), test.ShouldBeTrue)
	test.That(t, u.IsZero(), test.ShouldBeTrue)
}

func TestControlNilTrajectory(t *testing.T) {
	m, err := NewMPC(straightLineConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, func() { m.Control(context.Background(), nil, kinematics.StateVec{}, 0) }, test.ShouldPanic)
}
