package partition

import (
	"math"
	"math/rand/v2"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// ReselectUnlabeled keeps floor(fraction*n) of the n unlabeled train groups,
// picked by a seeded shuffle, and returns the samples of the others as
// dropped. Groups are the train chunks when p is chunked and single samples
// otherwise; a group is unlabeled when none of its samples has a pose.
// Labeled groups and valid are left alone.
func ReselectUnlabeled(set *sample.Set, p Partition, fraction float64, seed uint64) (Partition, []sample.ID, error) {
	if fraction < 0 || fraction > 1 || math.IsNaN(fraction) {
		return Partition{}, nil, errors.Newf(errors.ErrorTypeValidation, "unlabeled fraction %v outside [0, 1]", fraction)
	}

	groups := p.TrainChunks
	if groups == nil {
		groups = make([][]sample.ID, len(p.Train))
		for i, id := range p.Train {
			groups[i] = []sample.ID{id}
		}
	}

	var unlabeled []int
	for g, group := range groups {
		if labeled, _ := set.CountLabeled(group); labeled == 0 {
			unlabeled = append(unlabeled, g)
		}
	}

	rng := rand.New(rand.NewPCG(seed, uint64(len(unlabeled))))
	rng.Shuffle(len(unlabeled), func(i, j int) { unlabeled[i], unlabeled[j] = unlabeled[j], unlabeled[i] })
	keep := int(math.Floor(float64(len(unlabeled)) * fraction))

	var dropped []sample.ID
	for _, g := range unlabeled[keep:] {
		dropped = append(dropped, groups[g]...)
	}
	sample.SortIDs(dropped)
	return p.Without(dropped), dropped, nil
}
