// Package trajectory implements a timed reference path: a sequence of timestamped poses read as a
// continuous, piecewise-linear function of time.
package trajectory

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/interp"

	"go.viam.com/mpc/kinematics"
)

// ErrNoWaypoints is returned when a trajectory is built from an empty waypoint list.
var ErrNoWaypoints = errors.New("trajectory needs at least one waypoint")

// Waypoint is a pose the vehicle should occupy at a given time, in seconds.
type Waypoint struct {
	Pose kinematics.StateVec `json:"pose"`
	Time float64             `json:"time"`
}

// Trajectory is an immutable timed path. Between waypoints each pose component is linearly
// interpolated; before the first or after the last waypoint the path is held at that endpoint.
type Trajectory struct {
	waypoints []Waypoint
	knots     []Waypoint
	dt        float64

	// components is nil when every waypoint shares one timestamp; the path is then constant.
	components []interp.PiecewiseLinear
}

// New builds a trajectory sampled every dt seconds by HorizonStates.
//
// Waypoints must be sorted by non-decreasing time; an out of order waypoint is rejected.
// Waypoints sharing a timestamp collapse to the last of them, so the path steps to that pose.
func New(waypoints []Waypoint, dt float64) (*Trajectory, error) {
	if len(waypoints) == 0 {
		return nil, ErrNoWaypoints
	}
	if !(dt > 0) || math.IsInf(dt, 0) {
		return nil, errors.Errorf("trajectory sample step must be positive and finite, got %v", dt)
	}
	for i, wp := range waypoints {
		if math.IsNaN(wp.Time) || math.IsInf(wp.Time, 0) || !wp.Pose.IsFinite() {
			return nil, errors.Errorf("waypoint %d is not finite: pose %v at t=%v", i, wp.Pose, wp.Time)
		}
		if i > 0 && wp.Time < waypoints[i-1].Time {
			return nil, errors.Errorf(
				"waypoints must be sorted by time: waypoint %d at t=%v precedes waypoint %d at t=%v",
				i, wp.Time, i-1, waypoints[i-1].Time,
			)
		}
	}

	knots := collapseTimes(waypoints)
	tr := &Trajectory{
		waypoints: append([]Waypoint(nil), waypoints...),
		knots:     knots,
		dt:        dt,
	}
	if len(knots) < 2 {
		return tr, nil
	}
	times := lo.Map(knots, func(wp Waypoint, _ int) float64 { return wp.Time })
	tr.components = make([]interp.PiecewiseLinear, kinematics.StateDim)
	for c := range tr.components {
		values := lo.Map(knots, func(wp Waypoint, _ int) float64 { return wp.Pose[c] })
		if err := tr.components[c].Fit(times, values); err != nil {
			return nil, errors.Wrapf(err, "fitting trajectory component %d", c)
		}
	}
	return tr, nil
}

// collapseTimes keeps the last waypoint of every run of equal timestamps.
func collapseTimes(waypoints []Waypoint) []Waypoint {
	out := make([]Waypoint, 0, len(waypoints))
	for _, wp := range waypoints {
		if n := len(out); n > 0 && out[n-1].Time == wp.Time {
			out[n-1] = wp
			continue
		}
		out = append(out, wp)
	}
	return out
}

// At returns the reference pose at time t. Times outside the path, and NaN, are clamped to the
// nearest endpoint.
func (tr *Trajectory) At(t float64) kinematics.StateVec {
	switch {
	case math.IsNaN(t) || t <= tr.Start().Time:
		return tr.Start().Pose
	case t >= tr.End().Time:
		return tr.End().Pose
	}
	var out kinematics.StateVec
	for c := range tr.components {
		out[c] = tr.components[c].Predict(t)
	}
	return out
}

// HorizonStates returns n poses sampled at t, t+dt, ..., t+(n-1)·dt. It never fails: samples
// outside the path are clamped to its endpoints. n < 1 yields an empty slice.
func (tr *Trajectory) HorizonStates(t float64, n int) []kinematics.StateVec {
	if n < 1 {
		return []kinematics.StateVec{}
	}
	return lo.Times(n, func(i int) kinematics.StateVec {
		return tr.At(t + float64(i)*tr.dt)
	})
}

// Step returns the sample step used by HorizonStates.
func (tr *Trajectory) Step() float64 {
	return tr.dt
}

// Start returns the first waypoint. When several waypoints share the first timestamp it is the
// last of them.
func (tr *Trajectory) Start() Waypoint {
	return tr.knots[0]
}

// End returns the last waypoint.
func (tr *Trajectory) End() Waypoint {
	return tr.knots[len(tr.knots)-1]
}

// Duration returns the time spanned by the waypoints.
func (tr *Trajectory) Duration() float64 {
	return tr.End().Time - tr.Start().Time
}

// Waypoints returns a copy of the waypoints the trajectory was built from.
func (tr *Trajectory) Waypoints() []Waypoint {
	return append([]Waypoint(nil), tr.waypoints...)
}
