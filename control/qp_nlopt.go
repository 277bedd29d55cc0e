//go:build !windows && !no_cgo

package control

import (
	"context"

	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/mpc/logging"
)

const (
	defaultSolver   = SolverNlopt
	nloptMaxEval    = 4001
	nloptDefaultTol = 1e-12
)

// nloptQP solves box QPs with nlopt's SLSQP using the analytic gradient P·u + q.
type nloptQP struct {
	maxEval   int
	tolerance float64
	logger    logging.Logger
}

type optimizeReturn struct {
	solution []float64
	score    float64
	err      error
}

func newNloptQP(maxEval int, tolerance float64, logger logging.Logger) (QPSolver, error) {
	if maxEval < 1 {
		maxEval = nloptMaxEval
	}
	if !(tolerance > 0) {
		tolerance = nloptDefaultTol
	}
	return &nloptQP{maxEval: maxEval, tolerance: tolerance, logger: logger}, nil
}

// Solve runs SLSQP on a helper goroutine so a done context can force-stop it.
func (s *nloptQP) Solve(ctx context.Context, p *Problem) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := p.Dim()

	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(n))
	if err != nil {
		return nil, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	// Gradient is, under the hood, an unsafe C structure that we are meant to mutate in place.
	nloptMinFunc := func(x, gradient []float64) float64 {
		if len(gradient) > 0 {
			p.Gradient(gradient, x)
		}
		return p.Objective(x)
	}

	err = multierr.Combine(
		opt.SetLowerBounds(p.Lower),
		opt.SetUpperBounds(p.Upper),
		opt.SetFtolRel(s.tolerance),
		opt.SetFtolAbs(s.tolerance),
		opt.SetXtolRel(s.tolerance),
		opt.SetMinObjective(nloptMinFunc),
		opt.SetMaxEval(s.maxEval),
	)
	if err != nil {
		return nil, errors.Wrap(err, "configuring nlopt")
	}

	start := make([]float64, n)
	p.Project(start)
	startScore := p.Objective(start)

	solveChan := make(chan *optimizeReturn, 1)
	utils.PanicCapturingGo(func() {
		solution, score, nloptErr := opt.Optimize(start)
		solveChan <- &optimizeReturn{solution, score, nloptErr}
	})

	var res *optimizeReturn
	select {
	case <-ctx.Done():
		stopErr := opt.ForceStop()
		// Optimize must return before Destroy runs.
		<-solveChan
		return nil, multierr.Combine(ctx.Err(), stopErr)
	case res = <-solveChan:
	}

	if res.solution == nil || !allFinite(res.solution) {
		return nil, multierr.Combine(ErrNonFinite, res.err)
	}
	if res.err != nil {
		// SLSQP reports roundoff-limited stops near the optimum of well scaled problems. Keep the
		// point when it improved on the start; anything else is a failure.
		if res.score > startScore {
			return nil, errors.Wrap(res.err, "nlopt failed")
		}
		s.logger.Debugw("accepting nlopt solution despite error", "error", res.err, "score", res.score)
	}
	p.Project(res.solution)
	return res.solution, nil
}
