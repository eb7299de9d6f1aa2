package annotation

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/logger"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/video"
)

// Store provides experiments in load order
type Store interface {
	Load(ctx context.Context) ([]sample.Experiment, error)
}

// Source locates one experiment document and its video
type Source struct {
	Name string
	Path string
	// VideoDir holds one chunk directory per camera name; cameras with
	// explicit chunks in the document ignore it
	VideoDir string
	// Recording and Instance override the document when set
	Recording string
	Instance  *int
}

// FileStore reads experiment documents from disk
type FileStore struct {
	sources     []Source
	chunkFrames int64
	logger      *zap.Logger
}

// NewFileStore creates a store over sources. chunkFrames is the nominal
// length of a video chunk when chunks are discovered by directory scan.
func NewFileStore(sources []Source, chunkFrames int64, logger *zap.Logger) *FileStore {
	return &FileStore{
		sources:     sources,
		chunkFrames: chunkFrames,
		logger:      logger.With(zap.String("component", "annotation_store")),
	}
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context) ([]sample.Experiment, error) {
	experiments := make([]sample.Experiment, 0, len(s.sources))
	for i, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exp, err := s.loadOne(src)
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "experiment "+src.Name).WithDetail("index", i)
		}

		labeled := 0
		for _, r := range exp.Records {
			if r.Pose.IsLabeled() {
				labeled++
			}
		}
		logger.FromContext(logger.WithExperiment(ctx, exp.Name), s.logger).Info("loaded experiment",
			zap.Int("index", i),
			zap.Int("cameras", len(exp.Cameras)),
			zap.Int("frames", len(exp.Records)),
			zap.Int("labeled", labeled))
		experiments = append(experiments, exp)
	}
	return experiments, nil
}

func (s *FileStore) loadOne(src Source) (sample.Experiment, error) {
	doc, err := ReadDocument(src.Path)
	if err != nil {
		return sample.Experiment{}, err
	}
	if len(doc.Cameras) == 0 {
		return sample.Experiment{}, errors.Newf(errors.ErrorTypeMissingCalibration, "%s has no cameras", src.Path)
	}

	exp := sample.Experiment{
		Name:      doc.Name,
		Recording: doc.Recording,
		Instance:  doc.Instance,
		Cameras:   make([]sample.CameraView, 0, len(doc.Cameras)),
		Records:   make([]sample.Record, 0, len(doc.Frames)),
	}
	if src.Name != "" {
		exp.Name = src.Name
	}
	if src.Recording != "" {
		exp.Recording = src.Recording
	}
	if src.Instance != nil {
		exp.Instance = *src.Instance
	}

	base := filepath.Dir(src.Path)
	for _, cd := range doc.Cameras {
		params, err := cd.Parameters()
		if err != nil {
			return sample.Experiment{}, errors.Wrap(err, errors.ErrorTypeMissingCalibration, "camera "+cd.Name)
		}
		chunks, err := s.chunks(base, src.VideoDir, cd)
		if err != nil {
			return sample.Experiment{}, err
		}
		exp.Cameras = append(exp.Cameras, sample.CameraView{Name: cd.Name, Params: params, Chunks: chunks})
	}

	for _, fd := range doc.Frames {
		rec, err := fd.Record()
		if err != nil {
			return sample.Experiment{}, err
		}
		exp.Records = append(exp.Records, rec)
	}
	return exp, nil
}

func (s *FileStore) chunks(base, videoDir string, cd CameraDocument) (video.ChunkIndex, error) {
	if len(cd.Chunks) > 0 {
		resolved := make([]video.Chunk, len(cd.Chunks))
		for i, c := range cd.Chunks {
			if !filepath.IsAbs(c.Path) {
				c.Path = filepath.Join(base, c.Path)
			}
			resolved[i] = c
		}
		return video.NewChunkIndex(resolved)
	}
	if videoDir == "" {
		// calibration-only experiment; frames fail per sample with MissingVideoChunk
		return video.ChunkIndex{}, nil
	}
	return video.ScanChunks(filepath.Join(videoDir, cd.Name), s.chunkFrames)
}

// MemoryStore serves fixed experiments
type MemoryStore []sample.Experiment

// Load implements Store
func (m MemoryStore) Load(ctx context.Context) ([]sample.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]sample.Experiment(nil), m...), nil
}
