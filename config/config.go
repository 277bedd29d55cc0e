// Package config defines the structures to configure a tracking run: the controller, the reference
// trajectory and the closed-loop simulation.
package config

import (
	"fmt"
	"math"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"go.viam.com/mpc/control"
	"go.viam.com/mpc/control/sim"
	"go.viam.com/mpc/kinematics"
	"go.viam.com/mpc/logging"
	"go.viam.com/mpc/motionplan/trajectory"
)

// Config is the top-level document read from a config file.
type Config struct {
	ConfigFilePath string `json:"-"`

	Controller control.MPCConfig `json:"controller"`
	Trajectory TrajectoryConfig  `json:"trajectory"`
	Sim        sim.RunConfig     `json:"sim"`
	// LogLevel is one of debug, info, warn or error. Empty means info.
	LogLevel string `json:"log_level,omitempty"`
}

// TrajectoryConfig describes the reference either as timed waypoints or as an untimed path that
// is traversed with a trapezoidal velocity profile. Either way it is sampled at the controller's dt_sec.
type TrajectoryConfig struct {
	Waypoints []trajectory.Waypoint `json:"waypoints,omitempty"`

	Path            []kinematics.StateVec `json:"path,omitempty"`
	MaxVelocity     float64               `json:"max_velocity,omitempty"`
	MaxAcceleration float64               `json:"max_acceleration,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if err := cfg.Controller.Validate("controller"); err != nil {
		return err
	}
	if err := cfg.Trajectory.Validate("trajectory"); err != nil {
		return err
	}
	if err := cfg.Sim.Validate("sim"); err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		if _, err := logging.LevelFromString(cfg.LogLevel); err != nil {
			return utils.NewConfigValidationError("log_level", err)
		}
	}
	return nil
}

// Validate ensures exactly one of waypoints or path is set, and that waypoints are finite and in
// time order.
func (cfg *TrajectoryConfig) Validate(path string) error {
	switch {
	case len(cfg.Waypoints) == 0 && len(cfg.Path) == 0:
		return utils.NewConfigValidationFieldRequiredError(path, "waypoints")
	case len(cfg.Waypoints) > 0 && len(cfg.Path) > 0:
		return utils.NewConfigValidationError(path, errors.New("only one of waypoints or path may be set"))
	case len(cfg.Path) > 0:
		return cfg.validatePath(path)
	}
	for i, wp := range cfg.Waypoints {
		if !wp.Pose.IsFinite() {
			return utils.NewConfigValidationError(fmt.Sprintf("%s.waypoints.%d", path, i),
				errors.Errorf("pose %v must be finite", wp.Pose))
		}
	}
	_, unsorted, found := lo.FindIndexOf(lo.Range(len(cfg.Waypoints)), func(i int) bool {
		return i > 0 && cfg.Waypoints[i].Time < cfg.Waypoints[i-1].Time
	})
	if found {
		return utils.NewConfigValidationError(fmt.Sprintf("%s.waypoints.%d", path, unsorted),
			errors.New("waypoints must be sorted by time"))
	}
	return nil
}

func (cfg *TrajectoryConfig) validatePath(path string) error {
	for i, pose := range cfg.Path {
		if !pose.IsFinite() {
			return utils.NewConfigValidationError(fmt.Sprintf("%s.path.%d", path, i),
				errors.Errorf("pose %v must be finite", pose))
		}
	}
	if cfg.MaxVelocity == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_velocity")
	}
	if cfg.MaxAcceleration == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_acceleration")
	}
	if !(cfg.MaxVelocity > 0) || math.IsInf(cfg.MaxVelocity, 0) {
		return utils.NewConfigValidationError(path, errors.Errorf("max_velocity must be positive, got %v", cfg.MaxVelocity))
	}
	if !(cfg.MaxAcceleration > 0) || math.IsInf(cfg.MaxAcceleration, 0) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("max_acceleration must be positive, got %v", cfg.MaxAcceleration))
	}
	return nil
}

// Schema returns the JSON schema of a config file.
func Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}

// Level returns the configured log level.
func (cfg *Config) Level() logging.Level {
	if cfg.LogLevel == "" {
		return logging.INFO
	}
	level, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// BuildTrajectory returns the reference trajectory sampled at the controller's step.
func (cfg *Config) BuildTrajectory() (*trajectory.Trajectory, error) {
	waypoints := cfg.Trajectory.Waypoints
	if len(cfg.Trajectory.Path) > 0 {
		var err error
		waypoints, err = trajectory.TrapezoidProfile(cfg.Trajectory.Path,
			cfg.Trajectory.MaxVelocity, cfg.Trajectory.MaxAcceleration, cfg.Controller.DtSec)
		if err != nil {
			return nil, errors.Wrap(err, "profiling trajectory path")
		}
	}
	return trajectory.New(waypoints, cfg.Controller.DtSec)
}

// BuildController returns an MPC controller for the configured parameters.
func (cfg *Config) BuildController(logger logging.Logger, opts ...control.Option) (*control.MPC, error) {
	return control.NewMPC(cfg.Controller, logger, opts...)
}

// BuildRunner returns a closed-loop simulation runner around ctrl.
func (cfg *Config) BuildRunner(ctrl sim.Controller, logger logging.Logger, opts ...sim.Option) (*sim.Runner, error) {
	return sim.NewRunner(cfg.Sim, cfg.Controller.DtSec, ctrl, logger, opts...)
}
