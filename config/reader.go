package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"go.viam.com/mpc/logging"
)

// Read reads a config from the given file. ${VAR} references are replaced from the environment
// before decoding.
func Read(filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	cfg := Config{
		ConfigFilePath: originalPath,
	}
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode Config from json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Controller.ApplyDefaults()

	logger.Debugw("read config",
		"path", originalPath,
		"waypoints", len(cfg.Trajectory.Waypoints),
		"path_vertices", len(cfg.Trajectory.Path),
		"horizon_count", cfg.Controller.HorizonCount(),
		"solver", cfg.Controller.Solver)
	return &cfg, nil
}
