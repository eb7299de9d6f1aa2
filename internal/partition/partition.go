// Package partition splits a sample set into disjoint train and valid sets,
// groups samples into temporal chunks and pairs social companions.
package partition

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Partition holds disjoint train and valid IDs. Chunk lists are set only
// when temporal chunking is enabled.
type Partition struct {
	Train       []sample.ID
	Valid       []sample.ID
	TrainChunks [][]sample.ID
	ValidChunks [][]sample.ID
	ChunkSize   int
}

// Policy decides which groups of samples go to valid. Groups are temporal
// chunks, or single samples when chunking is off; a group never straddles
// the split.
type Policy interface {
	Name() string
	Assign(groups [][]sample.ID, seed uint64) (valid []bool, err error)
}

// Options control Split
type Options struct {
	Seed      uint64
	ChunkSize int
}

// Split partitions every sample of set. The result is deterministic for a
// fixed seed, policy and sample set.
func Split(set *sample.Set, policy Policy, opts Options) (Partition, error) {
	ids := set.IDs()
	for _, id := range ids {
		if id.IsSynthetic() {
			return Partition{}, errors.Newf(errors.ErrorTypeValidation,
				"sample %s is synthetic; split before augmenting", id)
		}
	}

	groups := TemporalChunks(ids, opts.ChunkSize)
	valid, err := policy.Assign(groups, opts.Seed)
	if err != nil {
		return Partition{}, errors.Wrap(err, errors.TypeOf(err), policy.Name()+" split failed")
	}
	if len(valid) != len(groups) {
		return Partition{}, errors.Newf(errors.ErrorTypeInternal,
			"%s policy assigned %d of %d groups", policy.Name(), len(valid), len(groups))
	}

	p := Partition{ChunkSize: opts.ChunkSize}
	for g, group := range groups {
		if valid[g] {
			p.Valid = append(p.Valid, group...)
			if opts.ChunkSize > 0 {
				p.ValidChunks = append(p.ValidChunks, group)
			}
		} else {
			p.Train = append(p.Train, group...)
			if opts.ChunkSize > 0 {
				p.TrainChunks = append(p.TrainChunks, group)
			}
		}
	}
	sample.SortIDs(p.Train)
	sample.SortIDs(p.Valid)
	return p, nil
}

// TemporalChunks groups ids into contiguous ordered runs of size per
// experiment; the last run of an experiment may be shorter. A size of 0 or
// less yields one group per ID.
func TemporalChunks(ids []sample.ID, size int) [][]sample.ID {
	if size <= 0 {
		size = 1
	}
	byExp := sample.ByExperiment(ids)
	exps := make([]int, 0, len(byExp))
	for e := range byExp {
		exps = append(exps, e)
	}
	sort.Ints(exps)

	var chunks [][]sample.ID
	for _, e := range exps {
		run := byExp[e]
		for start := 0; start < len(run); start += size {
			end := start + size
			if end > len(run) {
				end = len(run)
			}
			chunks = append(chunks, append([]sample.ID(nil), run[start:end]...))
		}
	}
	return chunks
}

// ByFraction sends round(n*(1-TrainFraction)) groups of each experiment to
// valid after a seeded shuffle
type ByFraction struct {
	TrainFraction float64
}

// Name implements Policy
func (ByFraction) Name() string { return "fraction" }

// Assign implements Policy
func (f ByFraction) Assign(groups [][]sample.ID, seed uint64) ([]bool, error) {
	if f.TrainFraction < 0 || f.TrainFraction > 1 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "train fraction %v outside [0, 1]", f.TrainFraction)
	}

	perExp := make(map[int][]int)
	for g, group := range groups {
		e := group[0].Experiment
		perExp[e] = append(perExp[e], g)
	}

	valid := make([]bool, len(groups))
	for e, members := range perExp {
		rng := rand.New(rand.NewPCG(seed, uint64(e)))
		order := append([]int(nil), members...)
		sort.Slice(order, func(i, j int) bool { return groups[order[i]][0].Less(groups[order[j]][0]) })
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		nTrain := int(math.Round(float64(len(order)) * f.TrainFraction))
		for _, g := range order[nTrain:] {
			valid[g] = true
		}
	}
	return valid, nil
}

// ByExperiment assigns whole experiments to valid
type ByExperiment struct {
	Valid []int
}

// Name implements Policy
func (ByExperiment) Name() string { return "experiment" }

// Assign implements Policy
func (b ByExperiment) Assign(groups [][]sample.ID, _ uint64) ([]bool, error) {
	want := make(map[int]bool, len(b.Valid))
	for _, e := range b.Valid {
		want[e] = false
	}
	valid := make([]bool, len(groups))
	for g, group := range groups {
		e := group[0].Experiment
		if _, ok := want[e]; ok {
			valid[g] = true
			want[e] = true
		}
	}
	for e, seen := range want {
		if !seen {
			return nil, errors.Newf(errors.ErrorTypeValidation, "valid experiment %d has no samples", e)
		}
	}
	return valid, nil
}

// ByManifest takes the valid list of an external manifest; every other
// sample is train
type ByManifest struct {
	Manifest Manifest
}

// Name implements Policy
func (ByManifest) Name() string { return "manifest" }

// Assign implements Policy
func (b ByManifest) Assign(groups [][]sample.ID, _ uint64) ([]bool, error) {
	known := make(map[sample.ID]int)
	for g, group := range groups {
		for _, id := range group {
			known[id] = g
		}
	}
	for _, id := range b.Manifest.Train {
		if _, ok := known[id]; !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "manifest train sample %s is unknown", id).
				WithDetail("id", id.String())
		}
	}

	validIDs := make(map[int]int)
	for _, id := range b.Manifest.Valid {
		g, ok := known[id]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "manifest valid sample %s is unknown", id).
				WithDetail("id", id.String())
		}
		validIDs[g]++
	}

	valid := make([]bool, len(groups))
	for g, n := range validIDs {
		if n != len(groups[g]) {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"manifest splits temporal chunk starting at %s", groups[g][0])
		}
		valid[g] = true
	}
	return valid, nil
}

// AllValid puts every sample in valid, for inference datasets
type AllValid struct{}

// Name implements Policy
func (AllValid) Name() string { return "predict" }

// Assign implements Policy
func (AllValid) Assign(groups [][]sample.ID, _ uint64) ([]bool, error) {
	valid := make([]bool, len(groups))
	for g := range valid {
		valid[g] = true
	}
	return valid, nil
}

// Check verifies that train and valid are disjoint and that their union,
// ignoring synthetic variants and removed samples, is exactly the set's base
// samples
func (p Partition) Check(set *sample.Set, removed ...sample.ID) error {
	seen := make(map[sample.ID]string, len(p.Train)+len(p.Valid))
	for _, side := range []struct {
		name string
		ids  []sample.ID
	}{{"train", p.Train}, {"valid", p.Valid}} {
		for _, id := range side.ids {
			if prev, dup := seen[id]; dup {
				return errors.Newf(errors.ErrorTypeValidation, "sample %s in both %s and %s", id, prev, side.name)
			}
			if !set.Has(id) {
				return errors.Newf(errors.ErrorTypeValidation, "%s sample %s is not in the set", side.name, id)
			}
			if id.IsSynthetic() && side.name == "valid" {
				return errors.Newf(errors.ErrorTypeValidation, "synthetic sample %s in valid", id)
			}
			seen[id] = side.name
		}
	}
	for _, id := range removed {
		if prev, ok := seen[id]; ok {
			return errors.Newf(errors.ErrorTypeValidation, "removed sample %s still in %s", id, prev)
		}
		seen[id] = "removed"
	}
	for _, id := range set.IDs() {
		if _, ok := seen[id]; !ok && !id.IsSynthetic() {
			return errors.Newf(errors.ErrorTypeValidation, "sample %s is in neither split", id)
		}
	}
	return nil
}

// Without returns p with ids removed from both splits and their chunks
func (p Partition) Without(ids []sample.ID) Partition {
	if len(ids) == 0 {
		return p
	}
	drop := make(map[sample.ID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	keep := func(in []sample.ID) []sample.ID {
		out := make([]sample.ID, 0, len(in))
		for _, id := range in {
			if _, gone := drop[id]; !gone {
				out = append(out, id)
			}
		}
		return out
	}
	keepChunks := func(in [][]sample.ID) [][]sample.ID {
		if in == nil {
			return nil
		}
		out := make([][]sample.ID, 0, len(in))
		for _, c := range in {
			if c = keep(c); len(c) > 0 {
				out = append(out, c)
			}
		}
		return out
	}
	return Partition{
		Train:       keep(p.Train),
		Valid:       keep(p.Valid),
		TrainChunks: keepChunks(p.TrainChunks),
		ValidChunks: keepChunks(p.ValidChunks),
		ChunkSize:   p.ChunkSize,
	}
}
