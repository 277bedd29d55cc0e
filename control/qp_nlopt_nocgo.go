//go:build windows || no_cgo

package control

import (
	"github.com/pkg/errors"

	"go.viam.com/mpc/logging"
)

const defaultSolver = SolverProjectedNewton

// newNloptQP is not supported on no_cgo builds.
func newNloptQP(maxEval int, tolerance float64, logger logging.Logger) (QPSolver, error) {
	return nil, errors.New("nlopt is not supported on this build")
}
