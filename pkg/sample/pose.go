package sample

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Pose3D is either a full set of 3D keypoints or explicitly unlabeled.
// The zero value is unlabeled.
type Pose3D struct {
	points []r3.Vector
}

// Labeled builds a pose from a complete keypoint list
func Labeled(points []r3.Vector) (Pose3D, error) {
	if len(points) == 0 {
		return Pose3D{}, errors.New(errors.ErrorTypeValidation, "labeled pose needs at least one keypoint")
	}
	for i, p := range points {
		if !finite(p) {
			return Pose3D{}, errors.Newf(errors.ErrorTypeValidation, "keypoint %d is not finite", i)
		}
	}
	return Pose3D{points: append([]r3.Vector(nil), points...)}, nil
}

// Unlabeled returns the pose of a sample without 3D annotation
func Unlabeled() Pose3D {
	return Pose3D{}
}

// FromOptional accepts keypoints as they appear in annotation files, where a
// nil entry is an unset keypoint. All-nil is unlabeled; a mix is rejected.
func FromOptional(points []*r3.Vector) (Pose3D, error) {
	set := 0
	for _, p := range points {
		if p != nil {
			set++
		}
	}
	switch set {
	case 0:
		return Unlabeled(), nil
	case len(points):
		full := make([]r3.Vector, len(points))
		for i, p := range points {
			full[i] = *p
		}
		return Labeled(full)
	default:
		return Pose3D{}, errors.Newf(errors.ErrorTypeValidation,
			"pose is partially set: %d of %d keypoints present", set, len(points)).
			WithDetail("present", set)
	}
}

// IsLabeled reports whether the pose carries keypoints
func (p Pose3D) IsLabeled() bool {
	return len(p.points) > 0
}

// NumKeypoints returns 0 for unlabeled poses
func (p Pose3D) NumKeypoints() int {
	return len(p.points)
}

// Points returns a copy of the keypoints, nil when unlabeled
func (p Pose3D) Points() []r3.Vector {
	if !p.IsLabeled() {
		return nil
	}
	return append([]r3.Vector(nil), p.points...)
}

// Label expands the pose into k keypoints with a validity mask. An unlabeled
// pose yields k zero keypoints, all invalid.
func (p Pose3D) Label(k int) Label {
	l := Label{Points: make([]r3.Vector, k), Valid: make([]bool, k)}
	if p.IsLabeled() {
		copy(l.Points, p.points)
		for i := 0; i < k && i < len(p.points); i++ {
			l.Valid[i] = true
		}
	}
	return l
}

// Label is a keypoint target with a per-keypoint validity mask. Masking only
// arises from social policies that drop keypoints outside a volume.
type Label struct {
	Points []r3.Vector
	Valid  []bool
}

// Len returns the number of keypoint channels
func (l Label) Len() int {
	return len(l.Points)
}

// AnyValid reports whether at least one keypoint is usable
func (l Label) AnyValid() bool {
	for _, v := range l.Valid {
		if v {
			return true
		}
	}
	return false
}

// Concat appends other's channels after l's
func (l Label) Concat(other Label) Label {
	out := Label{
		Points: make([]r3.Vector, 0, l.Len()+other.Len()),
		Valid:  make([]bool, 0, l.Len()+other.Len()),
	}
	out.Points = append(append(out.Points, l.Points...), other.Points...)
	out.Valid = append(append(out.Valid, l.Valid...), other.Valid...)
	return out
}

// MaskOutside invalidates keypoints lying outside the axis-aligned box [lo, hi]
func (l Label) MaskOutside(lo, hi r3.Vector) Label {
	out := Label{
		Points: append([]r3.Vector(nil), l.Points...),
		Valid:  append([]bool(nil), l.Valid...),
	}
	for i, p := range out.Points {
		if p.X < lo.X || p.X > hi.X || p.Y < lo.Y || p.Y > hi.Y || p.Z < lo.Z || p.Z > hi.Z {
			out.Valid[i] = false
		}
	}
	return out
}

// Masked returns a label of k invalid channels
func Masked(k int) Label {
	return Label{Points: make([]r3.Vector, k), Valid: make([]bool, k)}
}

func finite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
