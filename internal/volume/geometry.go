// Package volume turns samples into voxel volumes: a COM-centered grid, the
// camera images sampled at every grid point, and the training targets.
package volume

import (
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/ajitpratap0/posevol/pkg/config"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Geometry is a cubic grid of NVox voxels per axis spanning [VMin, VMax]
// around a center
type Geometry struct {
	NVox int
	VMin float64
	VMax float64
}

// Validate checks that the grid is non-empty
func (g Geometry) Validate() error {
	if g.NVox <= 0 {
		return errors.Newf(errors.ErrorTypeValidation, "nvox must be positive, got %d", g.NVox)
	}
	if g.VMax <= g.VMin {
		return errors.Newf(errors.ErrorTypeValidation, "vmax %v must exceed vmin %v", g.VMax, g.VMin)
	}
	return nil
}

// VSize is the voxel edge length
func (g Geometry) VSize() float64 {
	return (g.VMax - g.VMin) / float64(g.NVox)
}

// Voxels is the total voxel count
func (g Geometry) Voxels() int {
	return g.NVox * g.NVox * g.NVox
}

// Span is VMax - VMin
func (g Geometry) Span() float64 {
	return g.VMax - g.VMin
}

// Expand grows the extent by d on each side, keeping NVox
func (g Geometry) Expand(d float64) Geometry {
	return Geometry{NVox: g.NVox, VMin: g.VMin - d, VMax: g.VMax + d}
}

// Extent returns the world-space corners of the grid around center
func (g Geometry) Extent(center r3.Vector) (lo, hi r3.Vector) {
	lo = center.Add(r3.Vector{X: g.VMin, Y: g.VMin, Z: g.VMin})
	hi = center.Add(r3.Vector{X: g.VMax, Y: g.VMax, Z: g.VMax})
	return lo, hi
}

func (g Geometry) String() string {
	return fmt.Sprintf("nvox=%d vmin=%g vmax=%g", g.NVox, g.VMin, g.VMax)
}

// Grid holds the voxel-center points of a Geometry placed at Center.
// Point (i, j, k) is at index (i*n+j)*n+k, with i stepping along x.
type Grid struct {
	Center   r3.Vector
	Geometry Geometry
	Points   []r3.Vector
}

// NewGrid lays out the voxel centers of geom around center
func NewGrid(center r3.Vector, geom Geometry) Grid {
	n := geom.NVox
	size := geom.VSize()
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = geom.VMin + (float64(i)+0.5)*size
	}

	points := make([]r3.Vector, 0, geom.Voxels())
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				points = append(points, r3.Vector{
					X: center.X + axis[i],
					Y: center.Y + axis[j],
					Z: center.Z + axis[k],
				})
			}
		}
	}
	return Grid{Center: center, Geometry: geom, Points: points}
}

// Job is everything needed to build one sample's volume
type Job struct {
	ID       sample.ID
	Center   r3.Vector
	Geometry Geometry
	Label    sample.Label
}

// Plan maps each sample to its job
type Plan struct {
	jobs map[sample.ID]Job
}

// NewPlan creates a plan from jobs
func NewPlan(jobs []Job) *Plan {
	p := &Plan{jobs: make(map[sample.ID]Job, len(jobs))}
	for _, j := range jobs {
		p.jobs[j.ID] = j
	}
	return p
}

// DefaultPlan centers every sample of set on its COM with its own label
func DefaultPlan(set *sample.Set, geom Geometry) *Plan {
	jobs := make([]Job, 0, set.Len())
	for _, id := range set.IDs() {
		s, _ := set.Get(id)
		jobs = append(jobs, Job{ID: id, Center: s.COM, Geometry: geom, Label: s.Pose.Label(set.Keypoints())})
	}
	return NewPlan(jobs)
}

// Job returns the job of id
func (p *Plan) Job(id sample.ID) (Job, bool) {
	j, ok := p.jobs[id]
	return j, ok
}

// Jobs returns the jobs of ids in order; unknown ids are an error
func (p *Plan) Jobs(ids []sample.ID) ([]Job, error) {
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, ok := p.jobs[id]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "no volume job for sample %s", id)
		}
		out = append(out, j)
	}
	return out, nil
}

// Len returns the number of jobs
func (p *Plan) Len() int {
	return len(p.jobs)
}

// Extend adds a job for every synthetic sample of set whose base sample has
// one: the base job shifted by the difference of the two COMs
func (p *Plan) Extend(set *sample.Set) *Plan {
	out := &Plan{jobs: make(map[sample.ID]Job, set.Len())}
	for id, j := range p.jobs {
		out.jobs[id] = j
	}
	for _, id := range set.IDs() {
		if !id.IsSynthetic() {
			continue
		}
		if _, ok := out.jobs[id]; ok {
			continue
		}
		base, ok := p.jobs[id.Base()]
		if !ok {
			continue
		}
		s, _ := set.Get(id)
		b, _ := set.Get(id.Base())
		base.ID = id
		base.Center = base.Center.Add(s.COM.Sub(b.COM))
		out.jobs[id] = base
	}
	return out
}

// GeometryFromConfig returns the configured grid
func GeometryFromConfig(v config.VolumeConfig) Geometry {
	return Geometry{NVox: v.NVox, VMin: v.VMin, VMax: v.VMax}
}
