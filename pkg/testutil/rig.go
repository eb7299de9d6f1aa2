package testutil

import (
	"fmt"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/posevol/pkg/camera"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/video"
)

// RigOptions describes a synthetic capture setup: cameras on a ring around
// the origin, all looking at it, recording a subject that drifts along x
type RigOptions struct {
	Experiments int
	Frames      int
	Cameras     int
	Keypoints   int
	Width       int
	Height      int
	Channels    int
	// UnlabeledEvery leaves every n-th frame without a pose; 0 labels all
	UnlabeledEvery int
	// Social makes consecutive experiment pairs two instances of one recording,
	// with the second subject offset by Separation along x
	Social     bool
	Separation float64
}

// DefaultRigOptions returns a small rig: 2 experiments, 6 cameras, 50 frames
func DefaultRigOptions() RigOptions {
	return RigOptions{
		Experiments: 2,
		Frames:      50,
		Cameras:     6,
		Keypoints:   4,
		Width:       32,
		Height:      24,
		Channels:    3,
	}
}

// Rig is a set of synthetic experiments and the in-memory video behind them
type Rig struct {
	Options     RigOptions
	Experiments []sample.Experiment
	Source      *video.MemorySource
}

// NewRig builds experiments and frames for opts
func NewRig(t *testing.T, opts RigOptions) *Rig {
	t.Helper()

	rig := &Rig{Options: opts, Source: video.NewMemorySource()}
	cams := make([]*camera.Parameters, opts.Cameras)
	for c := range cams {
		angle := 2 * math.Pi * float64(c) / float64(opts.Cameras)
		pos := r3.Vector{X: 1000 * math.Cos(angle), Y: 1000 * math.Sin(angle), Z: 300}
		cam, err := camera.LookAt(pos, r3.Vector{}, r3.Vector{Z: 1},
			float64(opts.Width)*2, float64(opts.Width)/2, float64(opts.Height)/2)
		require.NoError(t, err)
		cams[c] = cam
	}

	for e := 0; e < opts.Experiments; e++ {
		exp := sample.Experiment{Name: fmt.Sprintf("exp%d", e)}
		offset := 0.0
		if opts.Social {
			exp.Recording = fmt.Sprintf("rec%d", e/2)
			exp.Instance = e % 2
			offset = float64(e%2) * opts.Separation
		}

		for c, cam := range cams {
			name := fmt.Sprintf("Camera%d", c+1)
			path := fmt.Sprintf("%s/%s/0", exp.Name, name)
			index, err := video.NewChunkIndex([]video.Chunk{{Path: path, Start: 0, End: int64(opts.Frames)}})
			require.NoError(t, err)

			frames := make([]*video.Frame, opts.Frames)
			for f := range frames {
				frames[f] = Pattern(opts.Width, opts.Height, opts.Channels, e*opts.Frames*opts.Cameras+f*opts.Cameras+c)
			}
			rig.Source.Add(path, frames)
			exp.Cameras = append(exp.Cameras, sample.CameraView{Name: name, Params: cam, Chunks: index})
		}

		for f := 0; f < opts.Frames; f++ {
			com := r3.Vector{X: float64(f%10)*2 + offset}
			rec := sample.Record{Frame: int64(f), COM: com, Pose: sample.Unlabeled()}
			if opts.UnlabeledEvery == 0 || f%opts.UnlabeledEvery != 0 {
				pts := make([]r3.Vector, opts.Keypoints)
				for k := range pts {
					pts[k] = com.Add(r3.Vector{X: float64(k) * 5, Z: float64(k)})
				}
				pose, err := sample.Labeled(pts)
				require.NoError(t, err)
				rec.Pose = pose
			}
			exp.Records = append(exp.Records, rec)
		}
		rig.Experiments = append(rig.Experiments, exp)
	}
	return rig
}

// Set builds the sample set of the rig
func (r *Rig) Set(t *testing.T) *sample.Set {
	t.Helper()
	set, err := sample.Build(r.Experiments)
	require.NoError(t, err)
	return set
}

// Pattern returns a frame with a deterministic gradient keyed by seed;
// every pixel is in [1, 255]
func Pattern(width, height, channels, seed int) *video.Frame {
	f := video.NewFrame(width, height, channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < channels; c++ {
				f.Set(x, y, c, float32(1+(x*7+y*3+c*11+seed)%255))
			}
		}
	}
	return f
}
