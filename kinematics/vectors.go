// Package kinematics models a unicycle vehicle: an exact forward-Euler integrator and its
// first-order linearization about an operating point.
package kinematics

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// StateDim is the number of components of a StateVec.
	StateDim = 3
	// InputDim is the number of components of an InputVec.
	InputDim = 2
)

// StateVec is a planar pose [x, y, θ], θ in radians.
type StateVec [StateDim]float64

// NewStateVec returns the pose (x, y, theta).
func NewStateVec(x, y, theta float64) StateVec {
	return StateVec{x, y, theta}
}

// StateFromVec reads a StateVec from the first three entries of v.
func StateFromVec(v mat.Vector) StateVec {
	if v.Len() < StateDim {
		panic(errors.Errorf("kinematics: state vector needs %d entries, got %d", StateDim, v.Len()))
	}
	return StateVec{v.AtVec(0), v.AtVec(1), v.AtVec(2)}
}

// X returns the x position.
func (s StateVec) X() float64 { return s[0] }

// Y returns the y position.
func (s StateVec) Y() float64 { return s[1] }

// Theta returns the heading.
func (s StateVec) Theta() float64 { return s[2] }

// Vec returns s as a new gonum column vector.
func (s StateVec) Vec() *mat.VecDense {
	return mat.NewVecDense(StateDim, []float64{s[0], s[1], s[2]})
}

// Sub returns the component-wise difference s - o.
func (s StateVec) Sub(o StateVec) StateVec {
	return StateVec{s[0] - o[0], s[1] - o[1], s[2] - o[2]}
}

// Distance returns the planar euclidean distance between two poses, ignoring heading.
func (s StateVec) Distance(o StateVec) float64 {
	return math.Hypot(s[0]-o[0], s[1]-o[1])
}

// IsFinite reports whether no component is NaN or infinite.
func (s StateVec) IsFinite() bool {
	return isFinite(s[:])
}

func (s StateVec) String() string {
	return fmt.Sprintf("(x: %.4f, y: %.4f, θ: %.4f)", s[0], s[1], s[2])
}

// InputVec is a velocity command [v, ω]: linear velocity and angular velocity.
type InputVec [InputDim]float64

// NewInputVec returns the command (v, omega).
func NewInputVec(v, omega float64) InputVec {
	return InputVec{v, omega}
}

// V returns the linear velocity.
func (u InputVec) V() float64 { return u[0] }

// Omega returns the angular velocity.
func (u InputVec) Omega() float64 { return u[1] }

// Vec returns u as a new gonum column vector.
func (u InputVec) Vec() *mat.VecDense {
	return mat.NewVecDense(InputDim, []float64{u[0], u[1]})
}

// IsZero reports whether both components are exactly zero.
func (u InputVec) IsZero() bool {
	return u == InputVec{}
}

// IsFinite reports whether no component is NaN or infinite.
func (u InputVec) IsFinite() bool {
	return isFinite(u[:])
}

// Within reports whether lower <= u <= upper component-wise.
func (u InputVec) Within(lower, upper InputVec) bool {
	for i := range u {
		if u[i] < lower[i] || u[i] > upper[i] {
			return false
		}
	}
	return true
}

// Clamp returns u limited to [lower, upper] component-wise.
func (u InputVec) Clamp(lower, upper InputVec) InputVec {
	var out InputVec
	for i := range u {
		out[i] = math.Max(lower[i], math.Min(upper[i], u[i]))
	}
	return out
}

func (u InputVec) String() string {
	return fmt.Sprintf("(v: %.4f, ω: %.4f)", u[0], u[1])
}

// NormalizeAngle wraps an angle to (-π, π].
func NormalizeAngle(theta float64) float64 {
	theta = math.Mod(theta, 2*math.Pi)
	switch {
	case theta > math.Pi:
		theta -= 2 * math.Pi
	case theta <= -math.Pi:
		theta += 2 * math.Pi
	}
	return theta
}

func isFinite(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
