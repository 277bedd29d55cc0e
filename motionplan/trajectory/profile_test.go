package trajectory

import (
	"math"
	"testing"

	"go.viam.com/test"

	"go.viam.com/mpc/kinematics"
)

func TestProfileDistance(t *testing.T) {
	// Reaches 1 m/s after 2 s and 1 m, cruises 8 m, and stops 2 s later.
	p := newProfile(10, 1, 0.5)
	test.That(t, p.peak, test.ShouldEqual, 1.)
	test.That(t, p.duration, test.ShouldAlmostEqual, 12, 1e-12)
	for _, tc := range []struct{ t, s float64 }{
		{-1, 0}, {0, 0}, {1, 0.25}, {2, 1}, {6, 5}, {10, 9}, {11, 9.75}, {12, 10}, {20, 10},
	} {
		test.That(t, p.distance(tc.t), test.ShouldAlmostEqual, tc.s, 1e-12)
	}

	// Too short to reach max velocity: a triangle peaking halfway.
	p = newProfile(1, 5, 1)
	test.That(t, p.peak, test.ShouldEqual, 1.)
	test.That(t, p.duration, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, p.distance(1), test.ShouldAlmostEqual, 0.5, 1e-12)
	test.That(t, p.distance(1.5), test.ShouldAlmostEqual, 0.875, 1e-12)
}

func TestTrapezoidProfile(t *testing.T) {
	path := []kinematics.StateVec{
		kinematics.NewStateVec(0, 0, 0),
		kinematics.NewStateVec(6, 0, 0),
		kinematics.NewStateVec(6, 4, math.Pi/2),
	}
	wps, err := TrapezoidProfile(path, 1, 0.5, 0.1)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, wps[0], test.ShouldResemble, Waypoint{Pose: path[0], Time: 0})
	last := wps[len(wps)-1]
	test.That(t, last.Pose, test.ShouldResemble, path[2])
	test.That(t, last.Time, test.ShouldAlmostEqual, 12, 1e-9)
	test.That(t, len(wps), test.ShouldEqual, 121)

	for i := 1; i < len(wps); i++ {
		dt := wps[i].Time - wps[i-1].Time
		test.That(t, dt, test.ShouldBeGreaterThan, 0)
		// Corners cut the chord short, so chord speed never exceeds the path speed.
		test.That(t, wps[i].Pose.Distance(wps[i-1].Pose)/dt, test.ShouldBeLessThanOrEqualTo, 1+1e-9)
	}

	// 1 m along at t = 2 s, turning the corner at 6 m (t = 7 s) with heading blended in the second leg.
	test.That(t, wps[20].Pose.X(), test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, wps[70].Pose.X(), test.ShouldAlmostEqual, 6, 1e-9)
	test.That(t, wps[70].Pose.Y(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, wps[90].Pose.X(), test.ShouldAlmostEqual, 6, 1e-9)
	test.That(t, wps[90].Pose.Y(), test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, wps[90].Pose.Theta(), test.ShouldAlmostEqual, math.Pi/4, 1e-9)

	tr, err := New(wps, 0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.End().Pose, test.ShouldResemble, path[2])
}

func TestTrapezoidProfileDegenerate(t *testing.T) {
	p := kinematics.NewStateVec(1, 2, 3)
	wps, err := TrapezoidProfile([]kinematics.StateVec{p}, 1, 1, 0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wps, test.ShouldResemble, []Waypoint{{Pose: p, Time: 0}})

	wps, err = TrapezoidProfile([]kinematics.StateVec{p, p}, 1, 1, 0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wps, test.ShouldHaveLength, 1)
}

func TestTrapezoidProfileErrors(t *testing.T) {
	path := []kinematics.StateVec{{}, kinematics.NewStateVec(1, 0, 0)}

	_, err := TrapezoidProfile(nil, 1, 1, 0.1)
	test.That(t, err, test.ShouldBeError, ErrNoWaypoints)

	_, err = TrapezoidProfile(path, 0, 1, 0.1)
	test.That(t, err.Error(), test.ShouldContainSubstring, "max velocity")
	_, err = TrapezoidProfile(path, 1, math.NaN(), 0.1)
	test.That(t, err.Error(), test.ShouldContainSubstring, "max acceleration")
	_, err = TrapezoidProfile(path, 1, 1, math.Inf(1))
	test.That(t, err.Error(), test.ShouldContainSubstring, "dt")

	_, err = TrapezoidProfile([]kinematics.StateVec{kinematics.NewStateVec(0, math.NaN(), 0)}, 1, 1, 0.1)
	test.That(t, err, test.ShouldNotBeNil)
}
