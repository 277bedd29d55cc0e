package kinematics

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Model is a discrete-time motion model of the vehicle.
type Model interface {
	// Tick returns the state reached by applying u for dt seconds. The model itself is not
	// modified.
	Tick(u InputVec, dt float64) StateVec
}

// Linearized is a Model given by next = A·x + B·u about a fixed operating point.
type Linearized interface {
	Model
	// A returns the 3x3 state transition matrix. Callers must not modify it.
	A() mat.Matrix
	// B returns the 3x2 input matrix. Callers must not modify it.
	B() mat.Matrix
}

var (
	_ Model      = (*Unicycle)(nil)
	_ Linearized = (*LinearUnicycle)(nil)
)

// Unicycle integrates unicycle kinematics exactly with a forward-Euler step:
//
//	x' = x + v·cos(θ)·dt
//	y' = y + v·sin(θ)·dt
//	θ' = θ + ω·dt
type Unicycle struct {
	State StateVec
}

// NewUnicycle returns a nonlinear model starting at x.
func NewUnicycle(x StateVec) *Unicycle {
	return &Unicycle{State: x}
}

// Tick implements Model.
func (m *Unicycle) Tick(u InputVec, dt float64) StateVec {
	x := m.State
	sin, cos := math.Sincos(x.Theta())
	return StateVec{
		x[0] + u.V()*cos*dt,
		x[1] + u.V()*sin*dt,
		x[2] + u.Omega()*dt,
	}
}

// Step applies u for dt seconds and keeps the result as the new state.
func (m *Unicycle) Step(u InputVec, dt float64) StateVec {
	m.State = m.Tick(u, dt)
	return m.State
}

// LinearUnicycle is the first-order Taylor linearization of Unicycle about (x0, u0, dt).
// It is never mutated after construction.
type LinearUnicycle struct {
	x0 StateVec
	u0 InputVec
	dt float64
	a  *mat.Dense
	b  *mat.Dense
}

// Linearize returns the linear model pinned at state x0, input u0 and step dt:
//
//	A = [[1, 0, -v0·sin(θ0)·dt],      B = [[cos(θ0)·dt, 0 ],
//	     [0, 1,  v0·cos(θ0)·dt],           [sin(θ0)·dt, 0 ],
//	     [0, 0,  1            ]]           [0,          dt]]
func Linearize(x0 StateVec, u0 InputVec, dt float64) *LinearUnicycle {
	sin, cos := math.Sincos(x0.Theta())
	return &LinearUnicycle{
		x0: x0,
		u0: u0,
		dt: dt,
		a: mat.NewDense(StateDim, StateDim, []float64{
			1, 0, -u0.V() * sin * dt,
			0, 1, u0.V() * cos * dt,
			0, 0, 1,
		}),
		b: mat.NewDense(StateDim, InputDim, []float64{
			cos * dt, 0,
			sin * dt, 0,
			0, dt,
		}),
	}
}

// A implements Linearized.
func (m *LinearUnicycle) A() mat.Matrix { return m.a }

// B implements Linearized.
func (m *LinearUnicycle) B() mat.Matrix { return m.b }

// State returns the state the model was linearized about.
func (m *LinearUnicycle) State() StateVec { return m.x0 }

// Input returns the input the model was linearized about.
func (m *LinearUnicycle) Input() InputVec { return m.u0 }

// Dt returns the step the model was linearized with.
func (m *LinearUnicycle) Dt() float64 { return m.dt }

// Tick implements Model as A·x0 + B·u. A step other than the pinned one is linearized
// afresh about the same operating point.
func (m *LinearUnicycle) Tick(u InputVec, dt float64) StateVec {
	lin := m
	if dt != m.dt {
		lin = Linearize(m.x0, m.u0, dt)
	}
	var next mat.VecDense
	next.MulVec(lin.a, m.x0.Vec())
	var bu mat.VecDense
	bu.MulVec(lin.b, u.Vec())
	next.AddVec(&next, &bu)
	return StateFromVec(&next)
}
