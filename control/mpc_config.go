package control

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/mpc/kinematics"
	"go.viam.com/mpc/utils/matrix"
)

const (
	// horizonEpsilon absorbs floating point error in horizon/dt, so 0.2/0.05 yields 4 steps.
	horizonEpsilon = 1e-9
	psdTolerance   = 1e-9
)

// MaxHorizonCount bounds the horizon step count. The QP has 2 variables per step and its
// assembly is dense.
const MaxHorizonCount = 200

// DefaultGrowthFactor is the per-step multiplier applied to the tracking weight across the
// horizon, favoring convergence at the end of the horizon over hugging the path early.
const DefaultGrowthFactor = 2.0

// FailurePolicy selects the command issued when the QP cannot be solved.
type FailurePolicy string

const (
	// FailureZero commands a stop.
	FailureZero FailurePolicy = "zero"
	// FailureHold repeats the last successfully solved command.
	FailureHold FailurePolicy = "hold"
)

// MPCConfig configures an MPC controller.
type MPCConfig struct {
	// HorizonSec is the prediction horizon; the step count is floor(HorizonSec/DtSec).
	HorizonSec float64             `json:"horizon_sec"`
	DtSec      float64             `json:"dt_sec"`
	MinInput   kinematics.InputVec `json:"min_input"`
	MaxInput   kinematics.InputVec `json:"max_input"`
	// Weights is the 3x3 per-step tracking weight on [x, y, θ] error.
	Weights [][]float64 `json:"weights"`

	GrowthFactor  float64       `json:"growth_factor,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	Solver        SolverType    `json:"solver,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty"`
	Tolerance     float64       `json:"tolerance,omitempty"`
	// AffineOffset adds the constant term of the Taylor expansion, x0 - A·x0, to every predicted
	// step. Without it the free response is A^(i+1)·x, which drifts when the vehicle turns while
	// moving.
	AffineOffset bool `json:"affine_offset,omitempty"`
	// WrapHeading wraps each predicted heading error to (-π, π], so a target heading a full turn
	// away is not chased around the circle.
	WrapHeading bool `json:"wrap_heading,omitempty"`
}

// DiagonalWeights returns a 3x3 weight matrix with the given diagonal.
func DiagonalWeights(wx, wy, wTheta float64) [][]float64 {
	return [][]float64{
		{wx, 0, 0},
		{0, wy, 0},
		{0, 0, wTheta},
	}
}

// ApplyDefaults fills optional fields that were left empty.
func (cfg *MPCConfig) ApplyDefaults() {
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailureZero
	}
	if cfg.Solver == "" {
		cfg.Solver = defaultSolver
	}
}

// HorizonCount returns floor(HorizonSec/DtSec).
func (cfg *MPCConfig) HorizonCount() int {
	return int(math.Floor(cfg.HorizonSec/cfg.DtSec + horizonEpsilon))
}

// WeightMatrix returns Weights as a dense matrix. Call Validate first.
func (cfg *MPCConfig) WeightMatrix() *mat.Dense {
	out := mat.NewDense(kinematics.StateDim, kinematics.StateDim, nil)
	for i, row := range cfg.Weights {
		out.SetRow(i, row)
	}
	return out
}

// Validate ensures all parts of the config are valid. Optional fields may be empty.
func (cfg *MPCConfig) Validate(path string) error {
	if cfg.DtSec == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "dt_sec")
	}
	if !isPositiveFinite(cfg.DtSec) {
		return goutils.NewConfigValidationError(path, errors.Errorf("dt_sec must be positive, got %v", cfg.DtSec))
	}
	if cfg.HorizonSec == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "horizon_sec")
	}
	if !isPositiveFinite(cfg.HorizonSec) {
		return goutils.NewConfigValidationError(path, errors.Errorf("horizon_sec must be positive, got %v", cfg.HorizonSec))
	}
	// Compared as a float so huge ratios are rejected before HorizonCount converts them to int.
	if steps := math.Floor(cfg.HorizonSec/cfg.DtSec + horizonEpsilon); steps > MaxHorizonCount {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("horizon_sec %v spans %v dt_sec steps, more than the maximum of %d",
				cfg.HorizonSec, steps, MaxHorizonCount))
	}
	if n := cfg.HorizonCount(); n < 1 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("horizon_sec %v is shorter than one dt_sec step of %v", cfg.HorizonSec, cfg.DtSec))
	}

	if !cfg.MinInput.IsFinite() || !cfg.MaxInput.IsFinite() {
		return goutils.NewConfigValidationError(path, errors.New("input bounds must be finite"))
	}
	for i := range cfg.MinInput {
		if cfg.MinInput[i] > cfg.MaxInput[i] {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("min_input[%d] %v is greater than max_input[%d] %v", i, cfg.MinInput[i], i, cfg.MaxInput[i]))
		}
	}

	if len(cfg.Weights) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "weights")
	}
	if len(cfg.Weights) != kinematics.StateDim {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("weights must be %dx%d, got %d rows", kinematics.StateDim, kinematics.StateDim, len(cfg.Weights)))
	}
	for i, row := range cfg.Weights {
		if len(row) != kinematics.StateDim {
			return goutils.NewConfigValidationError(fmt.Sprintf("%s.weights.%d", path, i),
				errors.Errorf("weights row must have %d entries, got %d", kinematics.StateDim, len(row)))
		}
		if !allFinite(row) {
			return goutils.NewConfigValidationError(fmt.Sprintf("%s.weights.%d", path, i), ErrNonFinite)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(matrix.UpperTriangular(cfg.WeightMatrix()), false); !ok || eig.Values(nil)[0] < -psdTolerance {
		return goutils.NewConfigValidationError(path, errors.New("weights must be positive semidefinite"))
	}

	if cfg.GrowthFactor != 0 && !isPositiveFinite(cfg.GrowthFactor) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("growth_factor must be positive, got %v", cfg.GrowthFactor))
	}
	switch cfg.FailurePolicy {
	case "", FailureZero, FailureHold:
	default:
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown failure_policy %q", cfg.FailurePolicy))
	}
	switch cfg.Solver {
	case "", SolverNlopt, SolverProjectedNewton:
	default:
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown solver %q", cfg.Solver))
	}
	if cfg.MaxIterations < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_iterations cannot be negative"))
	}
	if cfg.Tolerance < 0 || math.IsNaN(cfg.Tolerance) {
		return goutils.NewConfigValidationError(path, errors.New("tolerance cannot be negative"))
	}
	return nil
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
