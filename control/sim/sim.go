// Package sim drives a controller in closed loop against the nonlinear unicycle model.
package sim

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"

	"go.viam.com/mpc/control"
	"go.viam.com/mpc/kinematics"
	"go.viam.com/mpc/logging"
	"go.viam.com/mpc/motionplan/trajectory"
)

// DefaultSettleSec is how long a run continues past the end of the trajectory when Steps is unset.
const DefaultSettleSec = 2.0

// Controller computes the command for a vehicle at state x and time t along traj.
type Controller interface {
	Control(ctx context.Context, traj *trajectory.Trajectory, x kinematics.StateVec, t float64) (kinematics.InputVec, control.Status)
}

// RunConfig configures a closed-loop run.
type RunConfig struct {
	Start kinematics.StateVec `json:"start"`
	// Steps is the number of control cycles. When zero the run covers the trajectory plus SettleSec.
	Steps     int     `json:"steps,omitempty"`
	SettleSec float64 `json:"settle_sec,omitempty"`
	// Realtime paces cycles one dt apart on the wall clock.
	Realtime bool `json:"realtime,omitempty"`
	// DeadlineSec bounds each controller call. A call that overruns yields the controller's
	// fail-safe command.
	DeadlineSec float64 `json:"deadline_sec,omitempty"`
	// StopDistance ends the run once the vehicle is this close to the final waypoint and the
	// trajectory is over. Zero disables it.
	StopDistance float64 `json:"stop_distance,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *RunConfig) Validate(path string) error {
	if !cfg.Start.IsFinite() {
		return goutils.NewConfigValidationError(path, errors.New("start state must be finite"))
	}
	if cfg.Steps < 0 {
		return goutils.NewConfigValidationError(path, errors.New("steps cannot be negative"))
	}
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"settle_sec", cfg.SettleSec},
		{"deadline_sec", cfg.DeadlineSec},
		{"stop_distance", cfg.StopDistance},
	} {
		if field.value < 0 || math.IsNaN(field.value) || math.IsInf(field.value, 0) {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("%s must be a non-negative number, got %v", field.name, field.value))
		}
	}
	return nil
}

// Runner runs closed-loop simulations with one controller.
type Runner struct {
	cfg    RunConfig
	dt     float64
	ctrl   Controller
	clock  clock.Clock
	logger logging.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock sets the clock used for real-time pacing.
func WithClock(clk clock.Clock) Option {
	return func(r *Runner) {
		r.clock = clk
	}
}

// NewRunner returns a Runner that steps the vehicle dt seconds per cycle.
func NewRunner(cfg RunConfig, dt float64, ctrl Controller, logger logging.Logger, opts ...Option) (*Runner, error) {
	if err := cfg.Validate("sim"); err != nil {
		return nil, err
	}
	if !(dt > 0) || math.IsInf(dt, 0) {
		return nil, errors.Errorf("dt must be positive, got %v", dt)
	}
	if ctrl == nil {
		return nil, errors.New("no controller")
	}
	if cfg.SettleSec == 0 {
		cfg.SettleSec = DefaultSettleSec
	}
	r := &Runner{
		cfg:    cfg,
		dt:     dt,
		ctrl:   ctrl,
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// StepCount returns the number of cycles a run over traj performs unless stopped early.
func (r *Runner) StepCount(traj *trajectory.Trajectory) int {
	if r.cfg.Steps > 0 {
		return r.cfg.Steps
	}
	return int(math.Ceil((traj.Duration()+r.cfg.SettleSec)/r.dt - 1e-9))
}

// Run simulates the vehicle following traj from the trajectory start time. When ctx ends the
// records gathered so far are returned together with the context error.
func (r *Runner) Run(ctx context.Context, traj *trajectory.Trajectory) (*Result, error) {
	if traj == nil {
		return nil, errors.New("no trajectory")
	}
	ctx, span := trace.StartSpan(ctx, "sim::Run")
	defer span.End()

	steps := r.StepCount(traj)
	vehicle := kinematics.NewUnicycle(r.cfg.Start)
	goal := traj.End().Pose
	t0 := traj.Start().Time

	var ticker *clock.Ticker
	if r.cfg.Realtime {
		ticker = r.clock.Ticker(time.Duration(r.dt * float64(time.Second)))
		defer ticker.Stop()
	}

	r.logger.Infow("starting simulation", "steps", steps, "dt", r.dt, "start", r.cfg.Start, "goal", goal)
	result := &Result{Goal: goal, Records: make([]Record, 0, steps)}
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			result.finish(vehicle.State)
			return result, err
		}
		if ticker != nil && step > 0 {
			select {
			case <-ctx.Done():
				result.finish(vehicle.State)
				return result, ctx.Err()
			case <-ticker.C:
			}
		}

		t := t0 + float64(step)*r.dt
		x := vehicle.State
		u, status := r.control(ctx, traj, x, t)
		result.Records = append(result.Records, Record{
			Step:     step,
			Time:     t,
			State:    x,
			Target:   traj.At(t),
			Input:    u,
			FailSafe: status.FailSafe,
		})
		if status.FailSafe {
			result.FailSafes++
		}
		vehicle.Step(u, r.dt)

		if r.cfg.StopDistance > 0 && t >= traj.End().Time && vehicle.State.Distance(goal) <= r.cfg.StopDistance {
			r.logger.Debugw("reached goal", "step", step, "state", vehicle.State)
			break
		}
	}
	result.finish(vehicle.State)
	r.logger.Infow("simulation finished",
		"steps", len(result.Records), "final_distance", result.FinalDistance, "fail_safes", result.FailSafes)
	return result, nil
}

func (r *Runner) control(
	ctx context.Context,
	traj *trajectory.Trajectory,
	x kinematics.StateVec,
	t float64,
) (kinematics.InputVec, control.Status) {
	if r.cfg.DeadlineSec <= 0 {
		return r.ctrl.Control(ctx, traj, x, t)
	}
	tickCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.DeadlineSec*float64(time.Second)))
	defer cancel()
	return r.ctrl.Control(tickCtx, traj, x, t)
}
