// Package augment adds synthetic training samples by jittering the center of
// mass of labeled train samples.
package augment

import (
	"math/rand/v2"
	"strconv"

	"github.com/golang/geo/r3"

	"github.com/ajitpratap0/posevol/internal/partition"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// VariantPrefix names COM-augmented variants: comaug0, comaug1, ...
const VariantPrefix = "comaug"

// Options control COM augmentation
type Options struct {
	// Radius bounds the per-axis perturbation
	Radius float64
	// Iterations is the number of variants per eligible sample
	Iterations int
	Seed       uint64
}

// Variant returns the variant tag of iteration i
func Variant(i int) string {
	return VariantPrefix + strconv.Itoa(i)
}

// COM returns a set and partition extended with Iterations variants of every
// labeled, non-synthetic train sample. Each variant keeps the original pose
// and record; its COM moves by an independent uniform offset in
// [-Radius, Radius] per axis. Variants go to train only. With temporal
// chunks, iteration i of a chunk becomes a chunk of its own right after it,
// so no chunk holds a frame twice. The inputs are not modified.
func COM(set *sample.Set, p partition.Partition, opts Options) (*sample.Set, partition.Partition, error) {
	if opts.Radius < 0 {
		return nil, partition.Partition{}, errors.Newf(errors.ErrorTypeValidation, "radius %v is negative", opts.Radius)
	}
	if opts.Iterations <= 0 {
		return set, p, nil
	}

	rng := rand.New(rand.NewPCG(opts.Seed, 0x636f6d617567))
	jitter := func() float64 { return (2*rng.Float64() - 1) * opts.Radius }

	var added []sample.Sample
	variantsOf := make(map[sample.ID][]sample.ID)
	for _, id := range p.Train {
		if id.IsSynthetic() {
			continue
		}
		s, ok := set.Get(id)
		if !ok {
			return nil, partition.Partition{}, errors.Newf(errors.ErrorTypeNotFound, "train sample %s is not in the set", id)
		}
		if !s.Pose.IsLabeled() {
			continue
		}
		for i := 0; i < opts.Iterations; i++ {
			v := s
			v.ID = id.WithVariant(Variant(i))
			v.COM = s.COM.Add(r3.Vector{X: jitter(), Y: jitter(), Z: jitter()})
			added = append(added, v)
			variantsOf[id] = append(variantsOf[id], v.ID)
		}
	}
	if len(added) == 0 {
		return set, p, nil
	}

	out, err := set.With(added)
	if err != nil {
		return nil, partition.Partition{}, err
	}

	np := p
	np.Train = append([]sample.ID(nil), p.Train...)
	for _, s := range added {
		np.Train = append(np.Train, s.ID)
	}
	sample.SortIDs(np.Train)
	if p.TrainChunks != nil {
		np.TrainChunks = make([][]sample.ID, 0, len(p.TrainChunks)*(opts.Iterations+1))
		for _, chunk := range p.TrainChunks {
			np.TrainChunks = append(np.TrainChunks, append([]sample.ID(nil), chunk...))
			for i := 0; i < opts.Iterations; i++ {
				var vc []sample.ID
				for _, id := range chunk {
					if vs := variantsOf[id]; i < len(vs) {
						vc = append(vc, vs[i])
					}
				}
				if len(vc) > 0 {
					np.TrainChunks = append(np.TrainChunks, vc)
				}
			}
		}
	}
	return out, np, nil
}
