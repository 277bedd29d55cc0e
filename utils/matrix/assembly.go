// Package matrix contains dense matrix assembly helpers built on gonum and a compressed sparse
// column representation for quadratic program backends.
//
// Every function in this package is pure. Shape violations are programmer errors and panic.
package matrix

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrEmpty is the panic value used when an assembly function receives no matrices.
var ErrEmpty = errors.New("matrix: no matrices to assemble")

// BlockDiagonal places each matrix on the diagonal of a new matrix whose row count is the sum of
// the input row counts and whose column count is the sum of the input column counts. Every entry
// outside the diagonal blocks is zero.
func BlockDiagonal(ms ...mat.Matrix) *mat.Dense {
	if len(ms) == 0 {
		panic(ErrEmpty)
	}
	var rows, cols int
	for _, m := range ms {
		r, c := m.Dims()
		rows += r
		cols += c
	}
	out := mat.NewDense(rows, cols, nil)
	var r, c int
	for _, m := range ms {
		mr, mc := m.Dims()
		setBlock(out, r, c, m)
		r += mr
		c += mc
	}
	return out
}

// Tile replicates m into a vertical x horizontal grid of blocks.
func Tile(m mat.Matrix, vertical, horizontal int) *mat.Dense {
	if vertical < 1 || horizontal < 1 {
		panic(errors.Errorf("matrix: tile counts must be positive, got %dx%d", vertical, horizontal))
	}
	mr, mc := m.Dims()
	out := mat.NewDense(mr*vertical, mc*horizontal, nil)
	for i := 0; i < vertical; i++ {
		for j := 0; j < horizontal; j++ {
			setBlock(out, i*mr, j*mc, m)
		}
	}
	return out
}

// HStack concatenates matrices left to right. All matrices must have the same row count.
func HStack(ms ...mat.Matrix) *mat.Dense {
	if len(ms) == 0 {
		panic(ErrEmpty)
	}
	rows, _ := ms[0].Dims()
	var cols int
	for i, m := range ms {
		r, c := m.Dims()
		if r != rows {
			panic(errors.Errorf("matrix: hstack row mismatch at %d: %d != %d", i, r, rows))
		}
		cols += c
	}
	out := mat.NewDense(rows, cols, nil)
	var c int
	for _, m := range ms {
		_, mc := m.Dims()
		setBlock(out, 0, c, m)
		c += mc
	}
	return out
}

// VStack concatenates matrices top to bottom. All matrices must have the same column count.
func VStack(ms ...mat.Matrix) *mat.Dense {
	if len(ms) == 0 {
		panic(ErrEmpty)
	}
	_, cols := ms[0].Dims()
	var rows int
	for i, m := range ms {
		r, c := m.Dims()
		if c != cols {
			panic(errors.Errorf("matrix: vstack column mismatch at %d: %d != %d", i, c, cols))
		}
		rows += r
	}
	out := mat.NewDense(rows, cols, nil)
	var r int
	for _, m := range ms {
		mr, _ := m.Dims()
		setBlock(out, r, 0, m)
		r += mr
	}
	return out
}

// Block returns a copy of the (i, j) block of m when m is viewed as a grid of rows x cols blocks.
func Block(m mat.Matrix, i, j, rows, cols int) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, m.At(i*rows+r, j*cols+c))
		}
	}
	return out
}

// Powers returns [a^0, a^1, ..., a^(n-1)]. a must be square and n positive.
func Powers(a mat.Matrix, n int) []*mat.Dense {
	r, c := a.Dims()
	if r != c {
		panic(errors.Wrapf(mat.ErrSquare, "matrix: powers of %dx%d", r, c))
	}
	if n < 1 {
		panic(errors.Errorf("matrix: power count must be positive, got %d", n))
	}
	out := make([]*mat.Dense, n)
	out[0] = Identity(r)
	for k := 1; k < n; k++ {
		next := mat.NewDense(r, r, nil)
		next.Mul(out[k-1], a)
		out[k] = next
	}
	return out
}

// Identity returns the n x n identity matrix.
func Identity(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

// UpperTriangular returns the symmetric part (m + mᵀ)/2 of a square matrix in gonum's
// upper-triangular symmetric storage.
func UpperTriangular(m mat.Matrix) *mat.SymDense {
	r, c := m.Dims()
	if r != c {
		panic(errors.Wrapf(mat.ErrSquare, "matrix: symmetrize %dx%d", r, c))
	}
	out := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			out.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return out
}

// StackVecs concatenates vectors into one column vector.
func StackVecs(vs ...mat.Vector) *mat.VecDense {
	if len(vs) == 0 {
		panic(ErrEmpty)
	}
	var n int
	for _, v := range vs {
		n += v.Len()
	}
	data := make([]float64, 0, n)
	for _, v := range vs {
		for i := 0; i < v.Len(); i++ {
			data = append(data, v.AtVec(i))
		}
	}
	return mat.NewVecDense(n, data)
}

func setBlock(dst *mat.Dense, r, c int, m mat.Matrix) {
	mr, mc := m.Dims()
	dst.Slice(r, r+mr, c, c+mc).(*mat.Dense).Copy(m)
}
