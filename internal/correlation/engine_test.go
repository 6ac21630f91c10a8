package correlation

import (
	"math"
	"testing"

	"github.com/econlab/odyssey/internal/rng"
)

var assetMatrix = DefaultMatrix()

func identity(n int) Matrix {
	m := make(Matrix, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func assertClose(t *testing.T, got, want Matrix, tol float64) {
	t.Helper()
	for i := range want {
		for j := range want[i] {
			if math.Abs(got[i][j]-want[i][j]) > tol {
				t.Fatalf("entry [%d][%d]: expected %v, got %v", i, j, want[i][j], got[i][j])
			}
		}
	}
}

// --- Validation ---

func TestValidate_AssetMatrix(t *testing.T) {
	if err := Validate(assetMatrix); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		m    Matrix
		want error
	}{
		{"empty", Matrix{}, ErrNotSquare},
		{"ragged", Matrix{{1, 0}, {0}}, ErrNotSquare},
		{"asymmetric", Matrix{{1, 0.2}, {0.3, 1}}, ErrNotSymmetric},
		{"diagonal", Matrix{{2, 0}, {0, 1}}, ErrBadDiagonal},
		{"range", Matrix{{1, 1.5}, {1.5, 1}}, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.m); err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// --- Factorisation ---

func TestCholesky_Identity(t *testing.T) {
	l := Cholesky(identity(6))
	assertClose(t, l, identity(6), 0)
}

func TestCholesky_ReconstructsAssetMatrix(t *testing.T) {
	l := Cholesky(assetMatrix)
	assertClose(t, Multiply(l), assetMatrix, 1e-9)
}

func TestCholesky_LowerTriangular(t *testing.T) {
	l := Cholesky(assetMatrix)
	for i := range l {
		for j := i + 1; j < len(l); j++ {
			if l[i][j] != 0 {
				t.Errorf("expected zero above diagonal at [%d][%d], got %v", i, j, l[i][j])
			}
		}
	}
}

func TestCholesky_TwoByTwoReference(t *testing.T) {
	rho := 0.6
	l := Cholesky(Matrix{{1, rho}, {rho, 1}})
	want := Matrix{{1, 0}, {rho, math.Sqrt(1 - rho*rho)}}
	assertClose(t, l, want, 1e-12)
}

func TestCholesky_PerfectCorrelationClamps(t *testing.T) {
	// Singular (PSD but not PD): the second pivot is exactly zero.
	a := Matrix{{1, 1}, {1, 1}}
	l := Cholesky(a)
	if l[1][1] != 0 {
		t.Errorf("expected clamped pivot 0, got %v", l[1][1])
	}
	assertClose(t, Multiply(l), a, 1e-12)
}

func TestCholesky_IndefiniteDegradesGracefully(t *testing.T) {
	// Pairwise-valid but jointly impossible correlations.
	a := Matrix{
		{1, 0.9, -0.9},
		{0.9, 1, 0.9},
		{-0.9, 0.9, 1},
	}
	l := Cholesky(a)
	for i := range l {
		for j := range l[i] {
			if math.IsNaN(l[i][j]) || math.IsInf(l[i][j], 0) {
				t.Fatalf("factor entry [%d][%d] is not finite: %v", i, j, l[i][j])
			}
		}
		if l[i][i] < 0 {
			t.Errorf("diagonal [%d] negative: %v", i, l[i][i])
		}
	}
}

// --- Engine ---

func TestNewEngine_RejectsInvalid(t *testing.T) {
	if _, err := NewEngine(Matrix{{1, 0.2}, {0.3, 1}}); err != ErrNotSymmetric {
		t.Errorf("expected ErrNotSymmetric, got %v", err)
	}
}

func TestCorrelate_IdentityPassesThrough(t *testing.T) {
	e, err := NewEngine(identity(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := e.Correlate([]float64{0.5, -1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{0.5, -1, 2}
	for i := range want {
		if c[i] != want[i] {
			t.Errorf("c[%d]: expected %v, got %v", i, want[i], c[i])
		}
	}
}

func TestCorrelate_DimensionMismatch(t *testing.T) {
	e, _ := NewEngine(identity(3))
	if _, err := e.Correlate([]float64{1}); err != ErrDimension {
		t.Errorf("expected ErrDimension, got %v", err)
	}
}

func TestDraw_ZeroParametersIsZero(t *testing.T) {
	e, _ := NewEngine(identity(6))
	zeros := make([]float64, 6)
	src := rng.New(7, 7)
	for round := 0; round < 20; round++ {
		c, err := e.Draw(src, zeros, zeros)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, v := range c {
			if v != 0 {
				t.Fatalf("round %d asset %d: expected 0, got %v", round, i, v)
			}
		}
	}
}

func TestDraw_ScalesByMeanAndStdDev(t *testing.T) {
	e, _ := NewEngine(identity(2))
	src := &rng.Scripted{Normals: []float64{1, -2}}
	c, err := e.Draw(src, []float64{0.1, 0.05}, []float64{0.2, 0.01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(c[0]-0.3) > 1e-12 || math.Abs(c[1]-0.03) > 1e-12 {
		t.Errorf("unexpected draw: %v", c)
	}
}

func TestDraw_EmpiricalCorrelation(t *testing.T) {
	e, _ := NewEngine(assetMatrix)
	src := rng.New(2024, 1)
	zeros := make([]float64, 6)
	ones := []float64{1, 1, 1, 1, 1, 1}

	const samples = 20000
	var sx, sy, sxx, syy, sxy float64
	for i := 0; i < samples; i++ {
		c, _ := e.Draw(src, zeros, ones)
		x, y := c[0], c[1]
		sx += x
		sy += y
		sxx += x * x
		syy += y * y
		sxy += x * y
	}
	n := float64(samples)
	cov := sxy/n - (sx/n)*(sy/n)
	vx := sxx/n - (sx/n)*(sx/n)
	vy := syy/n - (sy/n)*(sy/n)
	rho := cov / math.Sqrt(vx*vy)
	if math.Abs(rho-assetMatrix[0][1]) > 0.03 {
		t.Errorf("empirical correlation %v too far from %v", rho, assetMatrix[0][1])
	}
}
