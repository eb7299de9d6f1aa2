package sample

import (
	"sort"

	"github.com/golang/geo/r3"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Sample is one (experiment, frame, instance) unit
type Sample struct {
	ID   ID
	COM  r3.Vector
	Pose Pose3D
	// Record is the annotation the sample was built from
	Record *Record
}

// Set is the authoritative, immutable sample collection of a run
type Set struct {
	experiments []Experiment
	samples     []Sample
	index       map[ID]int
	keypoints   int
	cameras     int
}

// Build merges the experiments' records into one set, prefixing each frame
// token with its experiment index. It fails with ErrorTypeMissingCalibration
// when an experiment has no usable cameras, ErrorTypeDuplicateSampleID when
// two records of one experiment share a frame token and ErrorTypeValidation
// for negative frames.
func Build(experiments []Experiment) (*Set, error) {
	if len(experiments) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "no experiments to build samples from")
	}

	s := &Set{
		experiments: make([]Experiment, len(experiments)),
		index:       make(map[ID]int),
	}
	for e, exp := range experiments {
		if len(exp.Cameras) == 0 {
			return nil, errors.Newf(errors.ErrorTypeMissingCalibration,
				"experiment %q has no cameras", exp.Name).WithDetail("experiment", e)
		}
		for _, cam := range exp.Cameras {
			if cam.Params == nil {
				return nil, errors.Newf(errors.ErrorTypeMissingCalibration,
					"experiment %q camera %q has no parameters", exp.Name, cam.Name).WithDetail("experiment", e)
			}
		}
		if s.cameras == 0 {
			s.cameras = len(exp.Cameras)
		} else if len(exp.Cameras) != s.cameras {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"experiment %q has %d cameras, expected %d", exp.Name, len(exp.Cameras), s.cameras)
		}

		exp.Cameras = append([]CameraView(nil), exp.Cameras...)
		exp.Records = append([]Record(nil), exp.Records...)
		s.experiments[e] = exp

		for r := range s.experiments[e].Records {
			rec := &s.experiments[e].Records[r]
			id := ID{Experiment: e, Frame: rec.Frame}
			if rec.Frame < 0 {
				return nil, errors.Newf(errors.ErrorTypeValidation,
					"experiment %q has negative frame %d", exp.Name, rec.Frame).WithDetail("experiment", e)
			}
			if _, dup := s.index[id]; dup {
				return nil, errors.Newf(errors.ErrorTypeDuplicateSampleID,
					"sample %s appears twice in experiment %q", id, exp.Name).WithDetail("id", id.String())
			}
			if err := s.checkKeypoints(rec.Pose); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeValidation, "sample "+id.String())
			}
			s.index[id] = len(s.samples)
			s.samples = append(s.samples, Sample{ID: id, COM: rec.COM, Pose: rec.Pose, Record: rec})
		}
	}

	sort.Slice(s.samples, func(i, j int) bool { return s.samples[i].ID.Less(s.samples[j].ID) })
	s.reindex()
	return s, nil
}

func (s *Set) checkKeypoints(p Pose3D) error {
	if !p.IsLabeled() {
		return nil
	}
	if s.keypoints == 0 {
		s.keypoints = p.NumKeypoints()
		return nil
	}
	if p.NumKeypoints() != s.keypoints {
		return errors.Newf(errors.ErrorTypeValidation,
			"pose has %d keypoints, expected %d", p.NumKeypoints(), s.keypoints)
	}
	return nil
}

func (s *Set) reindex() {
	s.index = make(map[ID]int, len(s.samples))
	for i, smp := range s.samples {
		s.index[smp.ID] = i
	}
}

// With returns a new set holding s's samples plus added. Added samples must
// reference existing experiments and carry fresh IDs.
func (s *Set) With(added []Sample) (*Set, error) {
	out := &Set{
		experiments: s.experiments,
		samples:     make([]Sample, 0, len(s.samples)+len(added)),
		keypoints:   s.keypoints,
		cameras:     s.cameras,
	}
	out.samples = append(out.samples, s.samples...)
	for _, a := range added {
		if a.ID.Experiment < 0 || a.ID.Experiment >= len(s.experiments) {
			return nil, errors.Newf(errors.ErrorTypeValidation, "sample %s references unknown experiment", a.ID)
		}
		if _, dup := s.index[a.ID]; dup {
			return nil, errors.Newf(errors.ErrorTypeDuplicateSampleID, "sample %s already exists", a.ID)
		}
		out.samples = append(out.samples, a)
	}
	sort.Slice(out.samples, func(i, j int) bool { return out.samples[i].ID.Less(out.samples[j].ID) })
	out.reindex()
	if len(out.index) != len(out.samples) {
		return nil, errors.New(errors.ErrorTypeDuplicateSampleID, "added samples contain duplicate ids")
	}
	return out, nil
}

// Len returns the number of samples
func (s *Set) Len() int {
	return len(s.samples)
}

// IDs returns every sample ID in sorted order
func (s *Set) IDs() []ID {
	ids := make([]ID, len(s.samples))
	for i, smp := range s.samples {
		ids[i] = smp.ID
	}
	return ids
}

// Get returns the sample with id
func (s *Set) Get(id ID) (Sample, bool) {
	i, ok := s.index[id]
	if !ok {
		return Sample{}, false
	}
	return s.samples[i], true
}

// Has reports whether id is in the set
func (s *Set) Has(id ID) bool {
	_, ok := s.index[id]
	return ok
}

// Experiments returns the experiment count
func (s *Set) Experiments() int {
	return len(s.experiments)
}

// Experiment returns experiment e
func (s *Set) Experiment(e int) Experiment {
	return s.experiments[e]
}

// Keypoints returns the keypoint count shared by all labeled poses, 0 if none
func (s *Set) Keypoints() int {
	return s.keypoints
}

// Cameras returns the camera count shared by all experiments
func (s *Set) Cameras() int {
	return s.cameras
}

// CountLabeled splits ids into labeled and unlabeled counts
func (s *Set) CountLabeled(ids []ID) (labeled, unlabeled int) {
	for _, id := range ids {
		smp, ok := s.Get(id)
		if !ok {
			continue
		}
		if smp.Pose.IsLabeled() {
			labeled++
		} else {
			unlabeled++
		}
	}
	return labeled, unlabeled
}

// ByExperiment groups ids by experiment index, each group sorted
func ByExperiment(ids []ID) map[int][]ID {
	groups := make(map[int][]ID)
	for _, id := range ids {
		groups[id.Experiment] = append(groups[id.Experiment], id)
	}
	for _, g := range groups {
		SortIDs(g)
	}
	return groups
}

// SortIDs sorts ids in place
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
