// Package cli implements the mpcsim command line: closed-loop tracking runs and config checks.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/mpc/config"
	"go.viam.com/mpc/logging"
)

const (
	// Flags.
	flagConfig   = "config"
	flagDebug    = "debug"
	flagSteps    = "steps"
	flagRealtime = "realtime"
	flagCSV      = "csv"
	flagTable    = "table"
)

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	configFlag := &cli.StringFlag{
		Name:     flagConfig,
		Aliases:  []string{"c"},
		Required: true,
		Usage:    "load configuration from `FILE`",
	}
	return &cli.App{
		Name:            "mpcsim",
		Usage:           "track reference trajectories with a model predictive controller",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "simulate a vehicle following the configured trajectory",
				Flags: []cli.Flag{
					configFlag,
					&cli.IntFlag{
						Name:  flagSteps,
						Usage: "number of control cycles, overriding the config",
					},
					&cli.BoolFlag{
						Name:  flagRealtime,
						Usage: "pace control cycles on the wall clock",
					},
					&cli.StringFlag{
						Name:  flagCSV,
						Usage: "write every control cycle to `FILE` as CSV",
					},
					&cli.BoolFlag{
						Name:  flagTable,
						Usage: "print every control cycle",
					},
				},
				Action: RunAction,
			},
			{
				Name:   "validate",
				Usage:  "check a config file without running it",
				Flags:  []cli.Flag{configFlag},
				Action: ValidateAction,
			},
			{
				Name:   "schema",
				Usage:  "print the JSON schema of config files",
				Action: SchemaAction,
			},
		},
	}
}

func newLogger(c *cli.Context, cfg *config.Config) logging.Logger {
	logger := logging.NewLogger("mpcsim")
	switch {
	case c.Bool(flagDebug):
		logger.SetLevel(logging.DEBUG)
	case cfg != nil:
		logger.SetLevel(cfg.Level())
	}
	return logger
}

// RunAction runs the closed-loop simulation described by the config file.
func RunAction(c *cli.Context) error {
	cfg, err := config.Read(c.String(flagConfig), newLogger(c, nil))
	if err != nil {
		return err
	}
	if c.IsSet(flagSteps) {
		cfg.Sim.Steps = c.Int(flagSteps)
	}
	if c.Bool(flagRealtime) {
		cfg.Sim.Realtime = true
	}
	logger := newLogger(c, cfg)
	//nolint:errcheck
	defer logger.Sync()

	traj, err := cfg.BuildTrajectory()
	if err != nil {
		return err
	}
	ctrl, err := cfg.BuildController(logger.Sublogger("mpc"))
	if err != nil {
		return err
	}
	runner, err := cfg.BuildRunner(ctrl, logger.Sublogger("sim"))
	if err != nil {
		return err
	}

	res, err := runner.Run(c.Context, traj)
	if err != nil {
		return err
	}

	if c.Bool(flagTable) {
		printf(c.App.Writer, "%s", res.Table())
	}
	printf(c.App.Writer, "%s", res.Summary())
	if res.FailSafes > 0 {
		warningf(c.App.ErrWriter, "%d of %d control cycles fell back to the fail-safe command",
			res.FailSafes, len(res.Records))
	}

	if path := c.String(flagCSV); path != "" {
		//nolint:gosec
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "creating csv file")
		}
		if err := res.WriteCSV(f); err != nil {
			//nolint:errcheck
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "closing csv file")
		}
		printf(c.App.Writer, "wrote %d rows to %s", len(res.Records), path)
	}
	return nil
}

// ValidateAction reads and checks the config file.
func ValidateAction(c *cli.Context) error {
	cfg, err := config.Read(c.String(flagConfig), newLogger(c, nil))
	if err != nil {
		return err
	}
	traj, err := cfg.BuildTrajectory()
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s is valid: %d horizon steps of %vs, %d waypoints over %vs",
		cfg.ConfigFilePath, cfg.Controller.HorizonCount(), cfg.Controller.DtSec,
		len(traj.Waypoints()), traj.Duration())
	return nil
}

// SchemaAction prints the config file JSON schema.
func SchemaAction(c *cli.Context) error {
	out, err := json.MarshalIndent(config.Schema(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling config schema")
	}
	printf(c.App.Writer, "%s", out)
	return nil
}

// printf prints a message with no decoration.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a message prefixed with "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, "Warning: "+format+"\n", a...)
}
