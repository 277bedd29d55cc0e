package matrix

import (
	"math/rand"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

func TestBlockDiagonal(t *testing.T) {
	//nolint:gosec
	rng := rand.New(rand.NewSource(7))
	sizes := [][2]int{{1, 1}, {3, 2}, {2, 3}, {4, 4}, {1, 5}}
	ms := make([]mat.Matrix, 0, len(sizes))
	for _, sz := range sizes {
		ms = append(ms, randomDense(rng, sz[0], sz[1]))
	}

	out := BlockDiagonal(ms...)
	rows, cols := out.Dims()
	test.That(t, rows, test.ShouldEqual, 11)
	test.That(t, cols, test.ShouldEqual, 15)

	var r0, c0 int
	for _, m := range ms {
		mr, mc := m.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				inRows := i >= r0 && i < r0+mr
				inCols := j >= c0 && j < c0+mc
				switch {
				case inRows && inCols:
					test.That(t, out.At(i, j), test.ShouldEqual, m.At(i-r0, j-c0))
				case inRows || inCols:
					// Same rows or columns as the block, outside it.
					test.That(t, out.At(i, j), test.ShouldEqual, 0.)
				}
			}
		}
		r0 += mr
		c0 += mc
	}
}

func TestBlockDiagonalEmpty(t *testing.T) {
	test.That(t, func() { BlockDiagonal() }, test.ShouldPanic)
}

func TestTileRoundTrip(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	out := Tile(m, 3, 2)
	rows, cols := out.Dims()
	test.That(t, rows, test.ShouldEqual, 6)
	test.That(t, cols, test.ShouldEqual, 6)
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			test.That(t, mat.Equal(Block(out, i, j, 2, 3), m), test.ShouldBeTrue)
		}
	}

	test.That(t, func() { Tile(m, 0, 1) }, test.ShouldPanic)
	test.That(t, func() { Tile(m, 1, -1) }, test.ShouldPanic)
}

func TestStack(t *testing.T) {
	a := mat.NewDense(2, 1, []float64{1, 2})
	b := mat.NewDense(2, 2, []float64{3, 4, 5, 6})
	h := HStack(a, b)
	test.That(t, mat.Equal(h, mat.NewDense(2, 3, []float64{1, 3, 4, 2, 5, 6})), test.ShouldBeTrue)

	c := mat.NewDense(1, 2, []float64{7, 8})
	v := VStack(b, c)
	test.That(t, mat.Equal(v, mat.NewDense(3, 2, []float64{3, 4, 5, 6, 7, 8})), test.ShouldBeTrue)

	test.That(t, func() { HStack(a, c) }, test.ShouldPanic)
	test.That(t, func() { VStack(a, c) }, test.ShouldPanic)
	test.That(t, func() { HStack() }, test.ShouldPanic)
	test.That(t, func() { VStack() }, test.ShouldPanic)
}

func TestPowers(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	ps := Powers(a, 4)
	test.That(t, ps, test.ShouldHaveLength, 4)
	test.That(t, mat.Equal(ps[0], Identity(2)), test.ShouldBeTrue)
	test.That(t, mat.Equal(ps[1], a), test.ShouldBeTrue)
	test.That(t, mat.Equal(ps[3], mat.NewDense(2, 2, []float64{1, 3, 0, 1})), test.ShouldBeTrue)

	test.That(t, func() { Powers(mat.NewDense(2, 3, nil), 2) }, test.ShouldPanic)
	test.That(t, func() { Powers(a, 0) }, test.ShouldPanic)
}

func TestUpperTriangular(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 2, 4, 3})
	s := UpperTriangular(m)
	test.That(t, s.At(0, 1), test.ShouldEqual, 3.)
	test.That(t, s.At(1, 0), test.ShouldEqual, 3.)
	test.That(t, s.At(1, 1), test.ShouldEqual, 3.)
	test.That(t, func() { UpperTriangular(mat.NewDense(1, 2, nil)) }, test.ShouldPanic)
}

func TestStackVecs(t *testing.T) {
	v := StackVecs(mat.NewVecDense(2, []float64{1, 2}), mat.NewVecDense(1, []float64{3}))
	test.That(t, v.RawVector().Data, test.ShouldResemble, []float64{1, 2, 3})
}
