package partition

import (
	"sort"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Pair links the samples of two subject instances recorded at the same
// frame. A is the lower instance.
type Pair struct {
	A sample.ID `yaml:"a" json:"a"`
	B sample.ID `yaml:"b" json:"b"`
}

// Pairs are the companion links per split
type Pairs struct {
	Train []Pair `yaml:"train,omitempty" json:"train,omitempty"`
	Valid []Pair `yaml:"valid,omitempty" json:"valid,omitempty"`
}

// SocialResult is the outcome of ResplitSocial
type SocialResult struct {
	Partition Partition
	Pairs     Pairs
	// Dropped samples had no complete set of companions
	Dropped []sample.ID
	// Warnings holds one PairingMismatch error per incomplete group
	Warnings []error
}

type companionKey struct {
	recording string
	frame     int64
	variant   string
}

type member struct {
	id       sample.ID
	instance int
	valid    bool
}

// ResplitSocial forces companion samples (same recording and frame, different
// instance) into one split. When members disagree the majority wins; a tie
// goes to the split of the lowest instance. Groups with fewer than instances
// members are dropped with a PairingMismatch warning. Pairs link the lowest
// instance of each group to every other member.
func ResplitSocial(set *sample.Set, p Partition, instances int) (SocialResult, error) {
	if instances < 2 {
		return SocialResult{}, errors.Newf(errors.ErrorTypeValidation,
			"social resplit needs at least 2 instances, got %d", instances)
	}

	groups := make(map[companionKey][]member)
	add := func(ids []sample.ID, valid bool) {
		for _, id := range ids {
			exp := set.Experiment(id.Experiment)
			key := companionKey{recording: exp.RecordingKey(), frame: id.Frame, variant: id.Variant}
			groups[key] = append(groups[key], member{id: id, instance: exp.Instance, valid: valid})
		}
	}
	add(p.Train, false)
	add(p.Valid, true)

	keys := make([]companionKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.recording != b.recording {
			return a.recording < b.recording
		}
		if a.frame != b.frame {
			return a.frame < b.frame
		}
		return a.variant < b.variant
	})

	var (
		res          SocialResult
		train, valid []sample.ID
	)
	for _, k := range keys {
		members := groups[k]
		sort.Slice(members, func(i, j int) bool { return members[i].instance < members[j].instance })

		if err := checkGroup(k, members, instances); err != nil {
			for _, m := range members {
				res.Dropped = append(res.Dropped, m.id)
			}
			res.Warnings = append(res.Warnings, err)
			continue
		}

		toValid := majority(members)
		pairs := make([]Pair, 0, len(members)-1)
		for _, m := range members[1:] {
			pairs = append(pairs, Pair{A: members[0].id, B: m.id})
		}
		for _, m := range members {
			if toValid {
				valid = append(valid, m.id)
			} else {
				train = append(train, m.id)
			}
		}
		if toValid {
			res.Pairs.Valid = append(res.Pairs.Valid, pairs...)
		} else {
			res.Pairs.Train = append(res.Pairs.Train, pairs...)
		}
	}

	sample.SortIDs(train)
	sample.SortIDs(valid)
	res.Partition = Partition{Train: train, Valid: valid, ChunkSize: p.ChunkSize}
	if p.ChunkSize > 0 {
		res.Partition.TrainChunks = TemporalChunks(train, p.ChunkSize)
		res.Partition.ValidChunks = TemporalChunks(valid, p.ChunkSize)
	}
	sample.SortIDs(res.Dropped)
	return res, nil
}

func checkGroup(k companionKey, members []member, instances int) error {
	seen := make(map[int]bool, len(members))
	for _, m := range members {
		if seen[m.instance] {
			return errors.Newf(errors.ErrorTypePairingMismatch,
				"recording %s frame %d has instance %d twice", k.recording, k.frame, m.instance).
				WithDetail("id", m.id.String())
		}
		seen[m.instance] = true
	}
	if len(members) != instances {
		return errors.Newf(errors.ErrorTypePairingMismatch,
			"recording %s frame %d has %d of %d instances", k.recording, k.frame, len(members), instances).
			WithDetail("id", members[0].id.String())
	}
	return nil
}

// majority reports whether the group goes to valid; members are sorted by instance
func majority(members []member) bool {
	votes := 0
	for _, m := range members {
		if m.valid {
			votes++
		}
	}
	switch {
	case 2*votes > len(members):
		return true
	case 2*votes < len(members):
		return false
	default:
		return members[0].valid
	}
}
