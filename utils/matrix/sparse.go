package matrix

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CSC is a matrix in compressed sparse column form, the layout most QP backends consume.
// Column j holds the entries Values[ColPtr[j]:ColPtr[j+1]] at rows RowIdx[ColPtr[j]:ColPtr[j+1]],
// with row indices ascending inside a column.
//
// A CSC built by ToUpperCSC stores only the upper triangle of a symmetric matrix; At and MulVecTo
// mirror it, so it still behaves as the full symmetric matrix.
type CSC struct {
	rows, cols int
	upper      bool

	ColPtr []int
	RowIdx []int
	Values []float64
}

// ToCSC converts m to compressed sparse column form, storing only non-zero entries.
func ToCSC(m mat.Matrix) *CSC {
	rows, cols := m.Dims()
	out := &CSC{rows: rows, cols: cols, ColPtr: make([]int, cols+1)}
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			if v := m.At(i, j); v != 0 {
				out.RowIdx = append(out.RowIdx, i)
				out.Values = append(out.Values, v)
			}
		}
		out.ColPtr[j+1] = len(out.Values)
	}
	return out
}

// ToUpperCSC converts the upper triangle of s to compressed sparse column form. Diagonal entries
// are always stored, even when zero, since QP backends update the Hessian in place on its
// sparsity pattern.
func ToUpperCSC(s mat.Symmetric) *CSC {
	n := s.SymmetricDim()
	out := &CSC{rows: n, cols: n, upper: true, ColPtr: make([]int, n+1)}
	for j := 0; j < n; j++ {
		for i := 0; i <= j; i++ {
			if v := s.At(i, j); v != 0 || i == j {
				out.RowIdx = append(out.RowIdx, i)
				out.Values = append(out.Values, v)
			}
		}
		out.ColPtr[j+1] = len(out.Values)
	}
	return out
}

// Dims returns the dimensions of the matrix.
func (c *CSC) Dims() (int, int) {
	return c.rows, c.cols
}

// At returns the element at row i, column j.
func (c *CSC) At(i, j int) float64 {
	if i < 0 || i >= c.rows || j < 0 || j >= c.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	if c.upper && i > j {
		i, j = j, i
	}
	for k := c.ColPtr[j]; k < c.ColPtr[j+1]; k++ {
		switch {
		case c.RowIdx[k] == i:
			return c.Values[k]
		case c.RowIdx[k] > i:
			return 0
		}
	}
	return 0
}

// T returns the transpose of the matrix.
func (c *CSC) T() mat.Matrix {
	return mat.Transpose{Matrix: c}
}

// NNZ returns the number of stored entries.
func (c *CSC) NNZ() int {
	return len(c.Values)
}

// Upper reports whether only the upper triangle of a symmetric matrix is stored.
func (c *CSC) Upper() bool {
	return c.upper
}

// ToDense expands the matrix back to dense form.
func (c *CSC) ToDense() *mat.Dense {
	out := mat.NewDense(c.rows, c.cols, nil)
	for j := 0; j < c.cols; j++ {
		for k := c.ColPtr[j]; k < c.ColPtr[j+1]; k++ {
			i := c.RowIdx[k]
			out.Set(i, j, c.Values[k])
			if c.upper {
				out.Set(j, i, c.Values[k])
			}
		}
	}
	return out
}

// MulVecTo computes dst = c * x. dst must have c's row count and x its column count.
func (c *CSC) MulVecTo(dst, x []float64) {
	if len(dst) != c.rows || len(x) != c.cols {
		panic(errors.Wrapf(mat.ErrShape, "matrix: csc %dx%d times %d into %d", c.rows, c.cols, len(x), len(dst)))
	}
	for i := range dst {
		dst[i] = 0
	}
	for j := 0; j < c.cols; j++ {
		for k := c.ColPtr[j]; k < c.ColPtr[j+1]; k++ {
			i := c.RowIdx[k]
			dst[i] += c.Values[k] * x[j]
			if c.upper && i != j {
				dst[j] += c.Values[k] * x[i]
			}
		}
	}
}
