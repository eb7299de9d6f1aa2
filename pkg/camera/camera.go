// Package camera implements the pinhole camera model with radial and
// tangential lens distortion used to project voxel grids into video frames.
//
// Parameters use the column-vector convention:
//
//	x' = R·X + t
//	(x, y) = (x'₀/x'₂, x'₁/x'₂)
//	(xd, yd) = distort(x, y)
//	u = fx·xd + s·yd + cx
//	v = fy·yd + cy
//
// Calibration files produced by MATLAB-style toolboxes store K and R transposed
// (row-vector math); FromRowConvention converts them.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

const (
	// MaxRadialCoefficients is the highest radial polynomial order supported (k1, k2, k3)
	MaxRadialCoefficients = 3

	rotationTolerance = 1e-3
)

// Parameters holds the immutable calibration of one camera. A *Parameters is
// shared by reference across every sample of its experiment.
type Parameters struct {
	k          [3][3]float64
	r          [3][3]float64
	t          [3]float64
	radial     []float64
	tangential []float64
}

// NewParameters validates and copies a calibration given in the column-vector
// convention. radial may hold 0..3 coefficients, tangential 0 or 2.
func NewParameters(K, R mat.Matrix, t r3.Vector, radial, tangential []float64) (*Parameters, error) {
	if err := checkSquare3("K", K); err != nil {
		return nil, err
	}
	if err := checkSquare3("R", R); err != nil {
		return nil, err
	}
	if len(radial) > MaxRadialCoefficients {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"at most %d radial distortion coefficients supported, got %d", MaxRadialCoefficients, len(radial))
	}
	if len(tangential) != 0 && len(tangential) != 2 {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"tangential distortion needs 0 or 2 coefficients, got %d", len(tangential))
	}

	p := &Parameters{
		t:          [3]float64{t.X, t.Y, t.Z},
		radial:     append([]float64(nil), radial...),
		tangential: append([]float64(nil), tangential...),
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.k[i][j] = K.At(i, j)
			p.r[i][j] = R.At(i, j)
		}
	}

	if p.k[0][0] <= 0 || p.k[1][1] <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "focal lengths must be positive")
	}
	if p.k[1][0] != 0 || p.k[2][0] != 0 || p.k[2][1] != 0 || math.Abs(p.k[2][2]-1) > 1e-9 {
		return nil, errors.New(errors.ErrorTypeValidation,
			"intrinsic matrix must be upper triangular with K[2][2] = 1; use FromRowConvention for transposed calibrations")
	}
	if err := checkRotation(R); err != nil {
		return nil, err
	}
	return p, nil
}

// FromRowConvention builds Parameters from a calibration where points are row
// vectors (p·R + t, then ·K), i.e. K and R stored transposed.
func FromRowConvention(K, R mat.Matrix, t r3.Vector, radial, tangential []float64) (*Parameters, error) {
	return NewParameters(K.T(), R.T(), t, radial, tangential)
}

// K returns a copy of the intrinsic matrix
func (p *Parameters) K() *mat.Dense {
	return denseFrom(p.k)
}

// R returns a copy of the rotation matrix
func (p *Parameters) R() *mat.Dense {
	return denseFrom(p.r)
}

// T returns the translation vector
func (p *Parameters) T() r3.Vector {
	return r3.Vector{X: p.t[0], Y: p.t[1], Z: p.t[2]}
}

// Radial returns a copy of the radial distortion coefficients
func (p *Parameters) Radial() []float64 {
	return append([]float64(nil), p.radial...)
}

// Tangential returns a copy of the tangential distortion coefficients
func (p *Parameters) Tangential() []float64 {
	return append([]float64(nil), p.tangential...)
}

// Center returns the camera center in world coordinates (-Rᵀ·t)
func (p *Parameters) Center() r3.Vector {
	var c mat.VecDense
	c.MulVec(p.R().T(), mat.NewVecDense(3, p.t[:]))
	return r3.Vector{X: -c.AtVec(0), Y: -c.AtVec(1), Z: -c.AtVec(2)}
}

// ToCamera applies the extrinsic transform R·X + t
func (p *Parameters) ToCamera(x r3.Vector) r3.Vector {
	r := &p.r
	return r3.Vector{
		X: r[0][0]*x.X + r[0][1]*x.Y + r[0][2]*x.Z + p.t[0],
		Y: r[1][0]*x.X + r[1][1]*x.Y + r[1][2]*x.Z + p.t[1],
		Z: r[2][0]*x.X + r[2][1]*x.Y + r[2][2]*x.Z + p.t[2],
	}
}

// Project maps a world point to distorted pixel coordinates. Points at or
// behind the camera plane return an ErrorTypeDegenerateCamera error; the
// caller decides whether to clip or drop them.
func (p *Parameters) Project(x r3.Vector) (r2.Point, error) {
	xc := p.ToCamera(x)
	if xc.Z <= 0 {
		return r2.Point{}, errors.New(errors.ErrorTypeDegenerateCamera, "point is behind the camera").
			WithDetail("depth", xc.Z)
	}
	xn, yn := p.distort(xc.X/xc.Z, xc.Y/xc.Z)
	k := &p.k
	return r2.Point{
		X: k[0][0]*xn + k[0][1]*yn + k[0][2],
		Y: k[1][1]*yn + k[1][2],
	}, nil
}

// Project is the free-function form of (*Parameters).Project
func Project(x r3.Vector, cam *Parameters) (r2.Point, error) {
	return cam.Project(x)
}

// ProjectAll projects every point. ok[i] is false where the point was behind
// the camera; degenerate counts those points.
func (p *Parameters) ProjectAll(points []r3.Vector) (pix []r2.Point, ok []bool, degenerate int) {
	pix = make([]r2.Point, len(points))
	ok = make([]bool, len(points))
	for i, x := range points {
		pt, err := p.Project(x)
		if err != nil {
			degenerate++
			continue
		}
		pix[i] = pt
		ok[i] = true
	}
	return pix, ok, degenerate
}

// distort applies the radial polynomial (as many terms as calibrated) and the
// tangential terms to normalized image coordinates.
func (p *Parameters) distort(x, y float64) (float64, float64) {
	rr := x*x + y*y
	alpha := 0.0
	rpow := rr
	for _, k := range p.radial {
		alpha += k * rpow
		rpow *= rr
	}

	xd := x + x*alpha
	yd := y + y*alpha
	if len(p.tangential) == 2 {
		p1, p2 := p.tangential[0], p.tangential[1]
		xy := 2 * x * y
		xd += p1*xy + p2*(rr+2*x*x)
		yd += p1*(rr+2*y*y) + p2*xy
	}
	return xd, yd
}

// LookAt builds a distortion-free camera at position looking at target, with
// image y pointing along -up. Used for synthetic rigs.
func LookAt(position, target, up r3.Vector, focal, cx, cy float64) (*Parameters, error) {
	forward := target.Sub(position)
	if forward.Norm() == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "camera position equals target")
	}
	forward = forward.Normalize()
	right := forward.Cross(up)
	if right.Norm() == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "up vector is parallel to the viewing direction")
	}
	right = right.Normalize()
	down := forward.Cross(right)

	R := mat.NewDense(3, 3, []float64{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		forward.X, forward.Y, forward.Z,
	})
	t := r3.Vector{X: -right.Dot(position), Y: -down.Dot(position), Z: -forward.Dot(position)}
	K := mat.NewDense(3, 3, []float64{
		focal, 0, cx,
		0, focal, cy,
		0, 0, 1,
	})
	return NewParameters(K, R, t, nil, nil)
}

func checkSquare3(name string, m mat.Matrix) error {
	if m == nil {
		return errors.Newf(errors.ErrorTypeValidation, "%s is nil", name)
	}
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return errors.Newf(errors.ErrorTypeValidation, "%s must be 3x3, got %dx%d", name, r, c)
	}
	return nil
}

// checkRotation requires RᵀR ≈ I and det(R) > 0
func checkRotation(R mat.Matrix) error {
	var rtr mat.Dense
	rtr.Mul(R.T(), R)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rtr.At(i, j)-want) > rotationTolerance {
				return errors.New(errors.ErrorTypeValidation, "rotation matrix is not orthonormal")
			}
		}
	}
	if mat.Det(R) <= 0 {
		return errors.New(errors.ErrorTypeValidation, "rotation matrix must have positive determinant")
	}
	return nil
}

func denseFrom(a [3][3]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
}
