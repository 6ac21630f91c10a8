// Package correlation turns independent standard-normal draws into draws that
// follow a fixed correlation structure between assets.
//
// The engine factors the correlation matrix once with a Cholesky decomposition
// (A = L·Lᵀ) and then maps every independent vector z to L·z. Matrices that
// are estimated from data are often only near positive semi-definite; instead
// of failing, the diagonal term is clamped at zero so a usable (if imperfect)
// factor is always produced.
package correlation

import (
	"errors"
	"math"

	"github.com/econlab/odyssey/internal/rng"
)

var (
	// ErrNotSquare is returned when the matrix has ragged or missing rows.
	ErrNotSquare = errors.New("correlation: matrix must be square and non-empty")

	// ErrNotSymmetric is returned when A[i][j] != A[j][i].
	ErrNotSymmetric = errors.New("correlation: matrix must be symmetric")

	// ErrBadDiagonal is returned when a diagonal entry is not 1.
	ErrBadDiagonal = errors.New("correlation: diagonal entries must be 1")

	// ErrOutOfRange is returned when an entry falls outside [-1, 1].
	ErrOutOfRange = errors.New("correlation: entries must lie in [-1, 1]")

	// ErrDimension is returned when a vector does not match the matrix size.
	ErrDimension = errors.New("correlation: vector length does not match matrix")
)

// symmetryTolerance absorbs rounding in matrices typed in from published tables.
const symmetryTolerance = 1e-9

// Matrix is a dense row-major square matrix.
type Matrix [][]float64

// DefaultMatrix returns the shipped six-asset matrix in the order
// S&P 500, Bonds, Real Estate, Gold, Commodities, Bitcoin.
func DefaultMatrix() Matrix {
	return Matrix{
		{1.0000, -0.5169, 0.3425, 0.0199, 0.1243, 0.4057},
		{-0.5169, 1.0000, 0.0176, 0.0289, -0.0235, -0.2259},
		{0.3425, 0.0176, 1.0000, -0.4967, -0.0334, 0.1559},
		{0.0199, 0.0289, -0.4967, 1.0000, 0.0995, -0.5343},
		{0.1243, -0.0235, -0.0334, 0.0995, 1.0000, 0.0436},
		{0.4057, -0.2259, 0.1559, -0.5343, 0.0436, 1.0000},
	}
}

// Validate checks shape, symmetry, unit diagonal and entry range.
func Validate(a Matrix) error {
	n := len(a)
	if n == 0 {
		return ErrNotSquare
	}
	for i := range a {
		if len(a[i]) != n {
			return ErrNotSquare
		}
	}
	for i := 0; i < n; i++ {
		if math.Abs(a[i][i]-1) > symmetryTolerance {
			return ErrBadDiagonal
		}
		for j := 0; j < n; j++ {
			if a[i][j] < -1 || a[i][j] > 1 {
				return ErrOutOfRange
			}
			if math.Abs(a[i][j]-a[j][i]) > symmetryTolerance {
				return ErrNotSymmetric
			}
		}
	}
	return nil
}

// Cholesky returns the lower-triangular factor L of a, clamping negative
// diagonal residuals to zero. Off-diagonal entries whose pivot collapsed to
// zero are left at zero.
func Cholesky(a Matrix) Matrix {
	n := len(a)
	l := make(Matrix, n)
	for i := range l {
		l[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			var sum float64
			for k := 0; k < j; k++ {
				sum += l[i][k] * l[j][k]
			}
			if i == j {
				l[i][i] = math.Sqrt(math.Max(0, a[i][i]-sum))
				continue
			}
			if l[j][j] == 0 {
				continue
			}
			l[i][j] = (a[i][j] - sum) / l[j][j]
		}
	}
	return l
}

// Engine holds a precomputed factor. It is immutable and safe for concurrent use.
type Engine struct {
	factor Matrix
}

// NewEngine validates a and precomputes its Cholesky factor.
func NewEngine(a Matrix) (*Engine, error) {
	if err := Validate(a); err != nil {
		return nil, err
	}
	return &Engine{factor: Cholesky(a)}, nil
}

// Size returns the number of assets the engine correlates.
func (e *Engine) Size() int {
	return len(e.factor)
}

// Factor returns a copy of the lower-triangular factor.
func (e *Engine) Factor() Matrix {
	out := make(Matrix, len(e.factor))
	for i, row := range e.factor {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Correlate maps independent standard-normal draws z to c = L·z.
func (e *Engine) Correlate(z []float64) ([]float64, error) {
	n := len(e.factor)
	if len(z) != n {
		return nil, ErrDimension
	}
	c := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			c[i] += e.factor[i][j] * z[j]
		}
	}
	return c, nil
}

// Draw samples one correlated vector scaled to the given per-asset means and
// standard deviations: means[i] + stdDevs[i]·(L·z)[i].
func (e *Engine) Draw(src rng.Source, means, stdDevs []float64) ([]float64, error) {
	n := len(e.factor)
	if len(means) != n || len(stdDevs) != n {
		return nil, ErrDimension
	}
	z := make([]float64, n)
	for i := range z {
		z[i] = src.NormFloat64()
	}
	c, err := e.Correlate(z)
	if err != nil {
		return nil, err
	}
	for i := range c {
		c[i] = means[i] + stdDevs[i]*c[i]
	}
	return c, nil
}

// Multiply returns L·Lᵀ for a lower-triangular l. Used to check a factor
// against the matrix it was derived from.
func Multiply(l Matrix) Matrix {
	n := len(l)
	out := make(Matrix, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				out[i][j] += l[i][k] * l[j][k]
			}
		}
	}
	return out
}
