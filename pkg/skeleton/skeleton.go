// Package skeleton holds the keypoint profiles of the supported animals and
// derives segment-length priors from labeled poses.
package skeleton

import (
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Limb connects two keypoint indices
type Limb [2]int

// Profile is a named keypoint layout
type Profile struct {
	Name   string
	Joints []string
	Limbs  []Limb
}

var profiles = map[string]Profile{
	"rat23": {
		Name: "rat23",
		Joints: []string{
			"Snout", "EarL", "EarR", "SpineF", "SpineM", "SpineL", "TailBase",
			"ShoulderL", "ElbowL", "WristL", "HandL",
			"ShoulderR", "ElbowR", "WristR", "HandR",
			"HipL", "KneeL", "AnkleL", "FootL",
			"HipR", "KneeR", "AnkleR", "FootR",
		},
		Limbs: []Limb{
			{0, 1}, {0, 2}, {0, 3}, {1, 2}, {3, 4}, {3, 7}, {3, 11}, {4, 5},
			{5, 6}, {5, 15}, {5, 19}, {7, 8}, {8, 9}, {9, 10}, {11, 12}, {12, 13},
			{13, 14}, {15, 16}, {16, 17}, {17, 18}, {19, 20}, {20, 21}, {21, 22},
		},
	},
	"rat16": {
		Name: "rat16",
		Joints: []string{
			"EarL", "EarR", "Snout", "SpineF", "SpineM",
			"Tail(base)", "Tail(mid)", "Tail(end)",
			"ForepawL", "ForelimbL", "ForepawR", "ForelimbR",
			"HindpawL", "HindlimbL", "HindpawR", "HindlimbR",
		},
		Limbs: []Limb{
			{0, 1}, {1, 2}, {0, 2}, {0, 3}, {3, 4}, {4, 5}, {5, 6}, {6, 7},
			{8, 9}, {3, 9}, {10, 11}, {11, 3}, {12, 13}, {13, 5}, {14, 15}, {15, 5},
		},
	},
	"rat7m": {
		Name: "rat7m",
		Joints: []string{
			"HeadF", "HeadB", "HeadL", "SpineF", "SpineM", "SpineL",
			"Offset1", "Offset2", "HipL", "HipR",
			"ElbowL", "ArmL", "ShoulderL", "ShoulderR", "ElbowR", "ArmR",
			"KneeR", "KneeL", "ShinL", "ShinR",
		},
		Limbs: []Limb{
			{0, 1}, {0, 2}, {1, 2}, {2, 3}, {3, 4}, {3, 6}, {3, 12}, {3, 13},
			{4, 5}, {5, 7}, {5, 8}, {5, 9}, {6, 7}, {8, 17}, {9, 16}, {17, 18},
			{16, 19}, {10, 11}, {12, 10}, {13, 14}, {14, 15},
		},
	},
	"mouse22": {
		Name: "mouse22",
		Joints: []string{
			"EarL", "EarR", "Snout", "SpineF", "SpineM",
			"Tail(base)", "Tail(mid)", "Tail(end)",
			"ForepawL", "WristL", "ElbowL", "ShoulderL",
			"ForepawR", "WristR", "ElbowR", "ShoulderR",
			"HindpawL", "AnkleL", "KneeL", "HindpawR", "AnkleR", "KneeR",
		},
		Limbs: []Limb{
			{0, 1}, {1, 2}, {0, 2}, {0, 3}, {1, 3}, {2, 3}, {3, 4}, {4, 5},
			{5, 6}, {6, 7}, {8, 9}, {9, 10}, {10, 11}, {11, 3}, {12, 13}, {13, 14},
			{14, 15}, {15, 3}, {16, 17}, {17, 18}, {18, 4}, {19, 20}, {20, 21}, {21, 4},
		},
	},
	"mouse14": {
		Name: "mouse14",
		Joints: []string{
			"Snout", "EarL", "EarR", "SpineF", "SpineM", "Tail(base)",
			"ForShdL", "ForepawL", "ForeShdR", "ForepawR",
			"HindShdL", "HindpawL", "HindShdR", "HindpawR",
		},
		Limbs: []Limb{
			{0, 1}, {0, 2}, {1, 2}, {0, 3}, {3, 4}, {4, 5}, {3, 6},
			{6, 7}, {3, 8}, {8, 9}, {4, 10}, {10, 11}, {4, 12}, {12, 13},
		},
	},
}

// Lookup returns the named profile
func Lookup(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, errors.Newf(errors.ErrorTypeNotFound, "%s not a valid skeleton profile", name)
	}
	return p, nil
}

// Names lists the known profiles, sorted
func Names() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Keypoints returns the number of joints
func (p Profile) Keypoints() int {
	return len(p.Joints)
}

// DefaultReferenceSegment is the limb that other lengths are normalized by (EarL-EarR on rat23)
const DefaultReferenceSegment = 3

// SegmentPrior is the mean and population standard deviation of one limb's
// length relative to the reference limb
type SegmentPrior struct {
	From int     `yaml:"from" json:"from"`
	To   int     `yaml:"to" json:"to"`
	Mean float64 `yaml:"mean" json:"mean"`
	Std  float64 `yaml:"std" json:"std"`
}

// Priors summarizes relative segment lengths over a pose collection
type Priors struct {
	Profile   string         `yaml:"profile" json:"profile"`
	Reference int            `yaml:"reference_segment" json:"reference_segment"`
	Samples   int            `yaml:"samples" json:"samples"`
	Segments  []SegmentPrior `yaml:"segments" json:"segments"`
}

// ComputePriors measures every limb of every pose, divides by the reference
// limb's length and reports per-limb mean and standard deviation. Poses with
// a zero-length reference limb are skipped.
func ComputePriors(p Profile, poses [][]r3.Vector, reference int) (Priors, error) {
	if reference < 0 || reference >= len(p.Limbs) {
		return Priors{}, errors.Newf(errors.ErrorTypeValidation,
			"reference segment %d out of range for %s", reference, p.Name)
	}

	lengths := make([][]float64, len(p.Limbs))
	used := 0
	for i, pose := range poses {
		if len(pose) != p.Keypoints() {
			return Priors{}, errors.Newf(errors.ErrorTypeValidation,
				"pose %d has %d keypoints, %s expects %d", i, len(pose), p.Name, p.Keypoints())
		}
		ref := limbLength(pose, p.Limbs[reference])
		if ref == 0 {
			continue
		}
		for l, limb := range p.Limbs {
			lengths[l] = append(lengths[l], limbLength(pose, limb)/ref)
		}
		used++
	}
	if used == 0 {
		return Priors{}, errors.New(errors.ErrorTypeData, "no labeled poses to compute segment priors from")
	}

	out := Priors{Profile: p.Name, Reference: reference, Samples: used, Segments: make([]SegmentPrior, len(p.Limbs))}
	for l, limb := range p.Limbs {
		mean, std := stat.PopMeanStdDev(lengths[l], nil)
		out.Segments[l] = SegmentPrior{From: limb[0], To: limb[1], Mean: mean, Std: std}
	}
	return out, nil
}

func limbLength(pose []r3.Vector, limb Limb) float64 {
	return pose[limb[0]].Sub(pose[limb[1]]).Norm()
}
