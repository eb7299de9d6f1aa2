// Package annotation loads experiments (calibration, COMs, 3D poses and
// video locations) from annotation documents.
package annotation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/posevol/pkg/camera"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/video"
)

// Calibration conventions
const (
	// ColumnConvention stores K and R for column vectors (x' = R·X + t)
	ColumnConvention = "column"
	// RowConvention stores K and R transposed, as MATLAB calibration toolboxes do
	RowConvention = "row"
)

// Document is the on-disk form of one experiment
type Document struct {
	Name      string           `yaml:"name" json:"name"`
	Recording string           `yaml:"recording,omitempty" json:"recording,omitempty"`
	Instance  int              `yaml:"instance" json:"instance"`
	Cameras   []CameraDocument `yaml:"cameras" json:"cameras"`
	Frames    []FrameDocument  `yaml:"frames" json:"frames"`
}

// CameraDocument holds one camera's calibration and optional explicit chunks
type CameraDocument struct {
	Name       string        `yaml:"name" json:"name"`
	Convention string        `yaml:"convention,omitempty" json:"convention,omitempty"`
	K          [3][3]float64 `yaml:"K" json:"K"`
	R          [3][3]float64 `yaml:"R" json:"R"`
	T          [3]float64    `yaml:"t" json:"t"`
	Radial     []float64     `yaml:"radial,omitempty" json:"radial,omitempty"`
	Tangential []float64     `yaml:"tangential,omitempty" json:"tangential,omitempty"`
	Chunks     []video.Chunk `yaml:"chunks,omitempty" json:"chunks,omitempty"`
}

// FrameDocument is one annotated frame. A nil Pose entry is an unset keypoint;
// an absent Pose marks the frame unlabeled.
type FrameDocument struct {
	Frame       int64            `yaml:"frame" json:"frame"`
	COM         [3]float64       `yaml:"com" json:"com"`
	Pose        []*[3]float64    `yaml:"pose,omitempty" json:"pose,omitempty"`
	VideoFrames map[string]int64 `yaml:"video_frames,omitempty" json:"video_frames,omitempty"`
}

// ReadDocument decodes a .json, .yaml or .yml file
func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return Document{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to read annotation").
			WithDetail("path", path)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		return Document{}, errors.Newf(errors.ErrorTypeCapability, "unsupported annotation format %q", filepath.Ext(path))
	}
	if err != nil {
		return Document{}, errors.Wrap(err, errors.ErrorTypeData, "failed to parse annotation").
			WithDetail("path", path)
	}
	return doc, nil
}

// WriteDocument encodes doc by the extension of path
func WriteDocument(path string, doc Document) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(doc, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(doc)
	default:
		return errors.Newf(errors.ErrorTypeCapability, "unsupported annotation format %q", filepath.Ext(path))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode annotation")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write annotation").WithDetail("path", path)
	}
	return nil
}

// Parameters builds validated camera parameters from the document
func (c CameraDocument) Parameters() (*camera.Parameters, error) {
	K := dense(c.K)
	R := dense(c.R)
	t := r3.Vector{X: c.T[0], Y: c.T[1], Z: c.T[2]}

	switch c.Convention {
	case "", ColumnConvention:
		return camera.NewParameters(K, R, t, c.Radial, c.Tangential)
	case RowConvention:
		return camera.FromRowConvention(K, R, t, c.Radial, c.Tangential)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "camera %q: unknown convention %q", c.Name, c.Convention)
	}
}

// Record converts the frame into a sample record
func (f FrameDocument) Record() (sample.Record, error) {
	pose := sample.Unlabeled()
	if len(f.Pose) > 0 {
		pts := make([]*r3.Vector, len(f.Pose))
		for i, p := range f.Pose {
			if p != nil {
				pts[i] = &r3.Vector{X: p[0], Y: p[1], Z: p[2]}
			}
		}
		var err error
		if pose, err = sample.FromOptional(pts); err != nil {
			return sample.Record{}, errors.Wrap(err, errors.ErrorTypeData, "bad pose").WithDetail("frame", f.Frame)
		}
	}
	return sample.Record{
		Frame:       f.Frame,
		COM:         r3.Vector{X: f.COM[0], Y: f.COM[1], Z: f.COM[2]},
		Pose:        pose,
		VideoFrames: f.VideoFrames,
	}, nil
}

func dense(a [3][3]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
}
