package sample

import (
	"strconv"

	"github.com/golang/geo/r3"

	"github.com/ajitpratap0/posevol/pkg/camera"
	"github.com/ajitpratap0/posevol/pkg/video"
)

// CameraView is one calibrated camera of an experiment and its video chunks
type CameraView struct {
	Name   string
	Params *camera.Parameters
	Chunks video.ChunkIndex
}

// Record is the annotation of one frame of one subject instance
type Record struct {
	// Frame is the annotation frame token, unique within an experiment
	Frame int64
	COM   r3.Vector
	Pose  Pose3D
	// VideoFrames maps camera name to the video frame index synchronized with
	// Frame. Cameras missing from the map use Frame itself.
	VideoFrames map[string]int64
}

// Experiment is one recording session of one subject instance. Experiments
// sharing a Recording with different Instance values are social companions.
type Experiment struct {
	Name      string
	Recording string
	Instance  int
	Cameras   []CameraView
	Records   []Record
}

// QualifiedCamera returns the run-wide camera name for camera name of
// experiment index exp
func QualifiedCamera(exp int, name string) string {
	return strconv.Itoa(exp) + "_" + name
}

// QualifyCameras returns copies of cams with run-wide names
func QualifyCameras(exp int, cams []CameraView) []CameraView {
	out := make([]CameraView, len(cams))
	for i, c := range cams {
		c.Name = QualifiedCamera(exp, c.Name)
		out[i] = c
	}
	return out
}

// VideoFrame returns the video frame index of record r for camera name
func (r Record) VideoFrame(name string) int64 {
	if f, ok := r.VideoFrames[name]; ok {
		return f
	}
	return r.Frame
}

// RecordingKey returns the key used to find social companions; experiments
// without a Recording are their own recording.
func (e Experiment) RecordingKey() string {
	if e.Recording != "" {
		return e.Recording
	}
	return e.Name
}
