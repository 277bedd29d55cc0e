package trajectory

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/mpc/kinematics"
)

// profile is a rest-to-rest trapezoidal velocity profile over a path of the given length:
// constant acceleration up to peak, cruise, then constant deceleration.
type profile struct {
	length   float64
	maxAcc   float64
	peak     float64
	accTime  float64
	accDist  float64
	duration float64
}

func newProfile(length, maxVel, maxAcc float64) profile {
	// Short paths never reach maxVel and the profile becomes a triangle.
	peak := math.Min(math.Sqrt(length*maxAcc), maxVel)
	if peak == 0 {
		return profile{maxAcc: maxAcc}
	}
	accTime := peak / maxAcc
	accDist := peak * peak / (2 * maxAcc)
	cruise := (length - 2*accDist) / peak
	return profile{
		length:   length,
		maxAcc:   maxAcc,
		peak:     peak,
		accTime:  accTime,
		accDist:  accDist,
		duration: 2*accTime + cruise,
	}
}

// distance returns how far along the path the profile is at time t.
func (p profile) distance(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= p.duration:
		return p.length
	case t <= p.accTime:
		return 0.5 * p.maxAcc * t * t
	case t <= p.duration-p.accTime:
		return p.accDist + p.peak*(t-p.accTime)
	default:
		remaining := p.duration - t
		return p.length - 0.5*p.maxAcc*remaining*remaining
	}
}

// TrapezoidProfile time-parameterizes a polyline. The vehicle starts at rest on the first vertex,
// accelerates at maxAcc up to at most maxVel, and comes to rest on the last vertex. The result
// samples the motion every dt seconds so that linear interpolation between waypoints follows the
// profile. Headings are interpolated between the headings of neighbouring vertices.
func TrapezoidProfile(path []kinematics.StateVec, maxVel, maxAcc, dt float64) ([]Waypoint, error) {
	if len(path) == 0 {
		return nil, ErrNoWaypoints
	}
	for _, param := range []struct {
		name  string
		value float64
	}{{"max velocity", maxVel}, {"max acceleration", maxAcc}, {"dt", dt}} {
		if !(param.value > 0) || math.IsInf(param.value, 0) {
			return nil, errors.Errorf("%s must be positive, got %v", param.name, param.value)
		}
	}
	if _, ok := lo.Find(path, func(s kinematics.StateVec) bool { return !s.IsFinite() }); ok {
		return nil, errors.New("path vertices must be finite")
	}

	// cumulative[i] is the arc length from the first vertex to vertex i.
	cumulative := make([]float64, len(path))
	for i := 1; i < len(path); i++ {
		cumulative[i] = cumulative[i-1] + path[i].Distance(path[i-1])
	}
	prof := newProfile(cumulative[len(cumulative)-1], maxVel, maxAcc)
	if prof.duration == 0 {
		return []Waypoint{{Pose: path[len(path)-1], Time: 0}}, nil
	}

	steps := int(math.Ceil(prof.duration/dt - 1e-9))
	waypoints := make([]Waypoint, 0, steps+1)
	for k := 0; k < steps; k++ {
		t := float64(k) * dt
		waypoints = append(waypoints, Waypoint{Pose: poseAt(path, cumulative, prof.distance(t)), Time: t})
	}
	return append(waypoints, Waypoint{Pose: path[len(path)-1], Time: prof.duration}), nil
}

// poseAt returns the point at arc length s along the path.
func poseAt(path []kinematics.StateVec, cumulative []float64, s float64) kinematics.StateVec {
	// First vertex at or beyond s.
	j := sort.SearchFloat64s(cumulative, s)
	if j == 0 {
		return path[0]
	}
	if j >= len(path) {
		return path[len(path)-1]
	}
	segment := cumulative[j] - cumulative[j-1]
	if segment == 0 {
		return path[j]
	}
	frac := (s - cumulative[j-1]) / segment
	a, b := path[j-1], path[j]
	return kinematics.NewStateVec(
		a.X()+frac*(b.X()-a.X()),
		a.Y()+frac*(b.Y()-a.Y()),
		a.Theta()+frac*(b.Theta()-a.Theta()),
	)
}
