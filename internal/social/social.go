// Package social applies multi-subject policies to a paired partition: merging
// close companions into one larger volume, or asking every sample to predict
// its companion's keypoints as well as its own.
package social

import (
	"github.com/golang/geo/r3"

	"github.com/ajitpratap0/posevol/internal/partition"
	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/config"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Options select the policy and the base geometry
type Options struct {
	// Policy is one of config.SocialNone, SocialBigVolume, SocialJointVolume
	Policy   string
	Geometry volume.Geometry
	// ComparisonAxis is the COM coordinate (0=x, 1=y, 2=z) whose smaller
	// value makes an instance primary in a merged volume
	ComparisonAxis int
}

// Result is the aligned partition and the volume job of every kept sample
type Result struct {
	Partition partition.Partition
	Plan      *volume.Plan
	Geometry  volume.Geometry
	// Pairs is nil when the policy consumes them
	Pairs *partition.Pairs
	// Merged counts pairs combined into one volume
	Merged int
	// Absorbed lists secondaries whose pose now lives in a primary's label
	Absorbed []sample.ID
}

// Align applies opts.Policy to the resplit partition
func Align(set *sample.Set, split partition.SocialResult, opts Options) (Result, error) {
	if err := opts.Geometry.Validate(); err != nil {
		return Result{}, err
	}
	if opts.ComparisonAxis < 0 || opts.ComparisonAxis > 2 {
		return Result{}, errors.Newf(errors.ErrorTypeConfig, "comparison axis %d outside 0..2", opts.ComparisonAxis)
	}

	switch opts.Policy {
	case config.SocialNone, "":
		pairs := split.Pairs
		return Result{
			Partition: OrderPairs(split.Partition, pairs),
			Plan:      volume.DefaultPlan(set, opts.Geometry),
			Geometry:  opts.Geometry,
			Pairs:     &pairs,
		}, nil
	case config.SocialBigVolume:
		return bigVolume(set, split, opts)
	case config.SocialJointVolume:
		return jointVolume(set, split, opts)
	default:
		return Result{}, errors.Newf(errors.ErrorTypeConfig, "unknown social policy %q", opts.Policy)
	}
}

// MergeThreshold is the largest COM distance at which companions share one volume
func MergeThreshold(geom volume.Geometry) float64 {
	return geom.Span() / 2
}

func allPairs(p partition.Pairs) []partition.Pair {
	return append(append([]partition.Pair(nil), p.Train...), p.Valid...)
}

func bigVolume(set *sample.Set, split partition.SocialResult, opts Options) (Result, error) {
	k := set.Keypoints()
	threshold := MergeThreshold(opts.Geometry)
	geom := opts.Geometry.Expand(threshold / 2)

	jobs := make(map[sample.ID]volume.Job)
	var secondaries []sample.ID
	merged := 0
	for _, pair := range allPairs(split.Pairs) {
		a, okA := set.Get(pair.A)
		b, okB := set.Get(pair.B)
		if !okA || !okB {
			return Result{}, errors.Newf(errors.ErrorTypeNotFound, "pair %s/%s is not in the set", pair.A, pair.B)
		}

		if a.COM.Sub(b.COM).Norm() > threshold {
			jobs[a.ID] = volume.Job{ID: a.ID, Center: a.COM, Geometry: geom, Label: a.Pose.Label(k).Concat(sample.Masked(k))}
			jobs[b.ID] = volume.Job{ID: b.ID, Center: b.COM, Geometry: geom, Label: b.Pose.Label(k).Concat(sample.Masked(k))}
			continue
		}

		primary, secondary := a, b
		if axis(b.COM, opts.ComparisonAxis) < axis(a.COM, opts.ComparisonAxis) {
			primary, secondary = b, a
		}
		center := a.COM.Add(b.COM).Mul(0.5)
		lo, hi := geom.Extent(center)
		jobs[primary.ID] = volume.Job{
			ID:       primary.ID,
			Center:   center,
			Geometry: geom,
			Label:    primary.Pose.Label(k).Concat(secondary.Pose.Label(k)).MaskOutside(lo, hi),
		}
		secondaries = append(secondaries, secondary.ID)
		merged++
	}

	p := split.Partition.Without(secondaries)
	for _, id := range append(append([]sample.ID(nil), p.Train...), p.Valid...) {
		if _, ok := jobs[id]; ok {
			continue
		}
		s, _ := set.Get(id)
		jobs[id] = volume.Job{ID: id, Center: s.COM, Geometry: geom, Label: s.Pose.Label(k).Concat(sample.Masked(k))}
	}

	list := make([]volume.Job, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, j)
	}
	return Result{Partition: p, Plan: volume.NewPlan(list), Geometry: geom, Merged: merged, Absorbed: secondaries}, nil
}

func jointVolume(set *sample.Set, split partition.SocialResult, opts Options) (Result, error) {
	k := set.Keypoints()
	geom := opts.Geometry
	jobs := make([]volume.Job, 0, 2*len(split.Pairs.Train)+2*len(split.Pairs.Valid))

	for _, pair := range allPairs(split.Pairs) {
		a, okA := set.Get(pair.A)
		b, okB := set.Get(pair.B)
		if !okA || !okB {
			return Result{}, errors.Newf(errors.ErrorTypeNotFound, "pair %s/%s is not in the set", pair.A, pair.B)
		}
		for _, own := range [2][2]sample.Sample{{a, b}, {b, a}} {
			self, companion := own[0], own[1]
			lo, hi := geom.Extent(self.COM)
			jobs = append(jobs, volume.Job{
				ID:       self.ID,
				Center:   self.COM,
				Geometry: geom,
				Label:    self.Pose.Label(k).Concat(companion.Pose.Label(k)).MaskOutside(lo, hi),
			})
		}
	}

	pairs := split.Pairs
	return Result{Partition: split.Partition, Plan: volume.NewPlan(jobs), Geometry: geom, Pairs: &pairs}, nil
}

// OrderPairs reorders each split as A1, B1, A2, B2, ... so a consumer can
// reshape arrays to [N/2, 2, ...]. IDs not in a pair keep their order after
// the paired ones.
func OrderPairs(p partition.Partition, pairs partition.Pairs) partition.Partition {
	out := p
	out.Train = interleave(p.Train, pairs.Train)
	out.Valid = interleave(p.Valid, pairs.Valid)
	return out
}

func interleave(ids []sample.ID, pairs []partition.Pair) []sample.ID {
	member := make(map[sample.ID]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}
	used := make(map[sample.ID]bool, len(ids))
	out := make([]sample.ID, 0, len(ids))
	for _, pair := range pairs {
		if !member[pair.A] || !member[pair.B] || used[pair.A] || used[pair.B] {
			continue
		}
		out = append(out, pair.A, pair.B)
		used[pair.A], used[pair.B] = true, true
	}
	for _, id := range ids {
		if !used[id] {
			out = append(out, id)
		}
	}
	return out
}

func axis(v r3.Vector, i int) float64 {
	switch i {
	case 1:
		return v.Y
	case 2:
		return v.Z
	default:
		return v.X
	}
}
