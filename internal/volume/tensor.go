package volume

import (
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Tensor is a dense float32 array in row-major order
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, Elements(shape))}
}

// Elements is the product of shape
func Elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the element count
func (t Tensor) Len() int {
	return len(t.Data)
}

// Check verifies that Data matches Shape
func (t Tensor) Check() error {
	if Elements(t.Shape) != len(t.Data) {
		return errors.Newf(errors.ErrorTypeData, "tensor shape %v holds %d values, have %d",
			t.Shape, Elements(t.Shape), len(t.Data))
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Volume is one built sample
type Volume struct {
	ID sample.ID
	// Image is [n, n, n, channels], camera-major on the channel axis
	Image Tensor
	// Grid is [n, n, n, 3] world coordinates of the voxel centers
	Grid Tensor
	// Target is [K, 3] keypoint coordinates, or [n, n, n, K] heatmaps
	Target Tensor
	// Mask is [K], 1 where the keypoint is valid
	Mask Tensor
	// Aux is [n, n, n, ncams] silhouettes, or nil
	Aux *Tensor
}

// Arrays are volumes stacked along a leading sample axis
type Arrays struct {
	IDs     []sample.ID
	Images  Tensor
	Grids   Tensor
	Targets Tensor
	Masks   Tensor
	Aux     *Tensor
}

// Len returns the number of stacked samples
func (a *Arrays) Len() int {
	return len(a.IDs)
}

// Index returns the position of id, or -1
func (a *Arrays) Index(id sample.ID) int {
	for i, x := range a.IDs {
		if x == id {
			return i
		}
	}
	return -1
}

// Stack concatenates volumes in order. All volumes must share shapes, and
// either all or none carry Aux.
func Stack(vols []*Volume) (*Arrays, error) {
	if len(vols) == 0 {
		return &Arrays{}, nil
	}
	first := vols[0]
	n := len(vols)
	a := &Arrays{
		IDs:     make([]sample.ID, 0, n),
		Images:  stacked(n, first.Image),
		Grids:   stacked(n, first.Grid),
		Targets: stacked(n, first.Target),
		Masks:   stacked(n, first.Mask),
	}
	if first.Aux != nil {
		aux := stacked(n, *first.Aux)
		a.Aux = &aux
	}

	for _, v := range vols {
		for _, pair := range [][2]Tensor{
			{first.Image, v.Image}, {first.Grid, v.Grid}, {first.Target, v.Target}, {first.Mask, v.Mask},
		} {
			if !sameShape(pair[0].Shape, pair[1].Shape) {
				return nil, errors.Newf(errors.ErrorTypeData, "sample %s has shape %v, expected %v",
					v.ID, pair[1].Shape, pair[0].Shape)
			}
		}
		if (v.Aux == nil) != (first.Aux == nil) {
			return nil, errors.Newf(errors.ErrorTypeData, "sample %s auxiliary target mismatch", v.ID)
		}

		a.IDs = append(a.IDs, v.ID)
		a.Images.Data = append(a.Images.Data, v.Image.Data...)
		a.Grids.Data = append(a.Grids.Data, v.Grid.Data...)
		a.Targets.Data = append(a.Targets.Data, v.Target.Data...)
		a.Masks.Data = append(a.Masks.Data, v.Mask.Data...)
		if a.Aux != nil {
			if !sameShape(first.Aux.Shape, v.Aux.Shape) {
				return nil, errors.Newf(errors.ErrorTypeData, "sample %s auxiliary shape %v, expected %v",
					v.ID, v.Aux.Shape, first.Aux.Shape)
			}
			a.Aux.Data = append(a.Aux.Data, v.Aux.Data...)
		}
	}
	return a, nil
}

func stacked(n int, like Tensor) Tensor {
	shape := append([]int{n}, like.Shape...)
	return Tensor{Shape: shape, Data: make([]float32, 0, Elements(shape))}
}

// Shapes are the per-sample tensor shapes a Builder produces
type Shapes struct {
	Image  []int
	Grid   []int
	Target []int
	Mask   []int
	Aux    []int
}

// Bytes is the size of Arrays stacking n samples of these shapes
func (s Shapes) Bytes(n int) uint64 {
	per := Elements(s.Image) + Elements(s.Grid) + Elements(s.Target) + Elements(s.Mask)
	if s.Aux != nil {
		per += Elements(s.Aux)
	}
	return uint64(n) * uint64(per) * 4
}

// Select returns the samples ids in the given order as new arrays
func (a *Arrays) Select(ids []sample.ID) (*Arrays, error) {
	pos := make(map[sample.ID]int, len(a.IDs))
	for i, id := range a.IDs {
		pos[id] = i
	}
	out := &Arrays{
		IDs:     make([]sample.ID, 0, len(ids)),
		Images:  selected(len(ids), a.Images),
		Grids:   selected(len(ids), a.Grids),
		Targets: selected(len(ids), a.Targets),
		Masks:   selected(len(ids), a.Masks),
	}
	if a.Aux != nil {
		aux := selected(len(ids), *a.Aux)
		out.Aux = &aux
	}
	for _, id := range ids {
		i, ok := pos[id]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "sample %s is not in the arrays", id)
		}
		out.IDs = append(out.IDs, id)
		out.Images.Data = append(out.Images.Data, row(a.Images, i, len(a.IDs))...)
		out.Grids.Data = append(out.Grids.Data, row(a.Grids, i, len(a.IDs))...)
		out.Targets.Data = append(out.Targets.Data, row(a.Targets, i, len(a.IDs))...)
		out.Masks.Data = append(out.Masks.Data, row(a.Masks, i, len(a.IDs))...)
		if a.Aux != nil {
			out.Aux.Data = append(out.Aux.Data, row(*a.Aux, i, len(a.IDs))...)
		}
	}
	return out, nil
}

func selected(n int, like Tensor) Tensor {
	if len(like.Shape) == 0 {
		return Tensor{}
	}
	return stacked(n, Tensor{Shape: like.Shape[1:]})
}

func row(t Tensor, i, n int) []float32 {
	if n == 0 {
		return nil
	}
	per := len(t.Data) / n
	return t.Data[i*per : (i+1)*per]
}
