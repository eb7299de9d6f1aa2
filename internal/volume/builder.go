package volume

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/posevol/pkg/config"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/metrics"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/segmentation"
	"github.com/ajitpratap0/posevol/pkg/video"
)

// Options control how volumes are built
type Options struct {
	Interp video.Interpolation
	// Channels per camera in the image volume
	Channels  int
	Sigma     float64
	ExpVal    bool
	Normalize bool
	// Segmenter enables silhouettes when set
	Segmenter segmentation.Segmenter
	// SilhouetteInVolume appends silhouettes to the image channels instead of
	// emitting them as Aux
	SilhouetteInVolume bool
	Workers            int
}

// OptionsFromConfig derives builder options; seg may be nil
func OptionsFromConfig(cfg config.Config, seg segmentation.Segmenter) Options {
	opts := Options{
		Interp:    video.Interpolation(cfg.Volume.Interp),
		Channels:  cfg.Dataset.Channels,
		Sigma:     cfg.Volume.Sigma,
		ExpVal:    cfg.Volume.ExpVal,
		Normalize: cfg.Volume.Normalize,
		Workers:   cfg.Performance.GetWorkers(),
	}
	if cfg.Silhouette.Enabled {
		opts.Segmenter = seg
		opts.SilhouetteInVolume = cfg.Silhouette.InVolume
	}
	return opts
}

// Exclusion records a sample dropped because its volume could not be built
type Exclusion struct {
	ID  sample.ID
	Err error
}

// Builder builds volumes for the samples of one set
type Builder struct {
	set    *sample.Set
	lib    *video.Library
	opts   Options
	logger *zap.Logger
}

// NewBuilder creates a builder reading frames through lib
func NewBuilder(set *sample.Set, lib *video.Library, opts Options, logger *zap.Logger) *Builder {
	if opts.Channels <= 0 {
		opts.Channels = 3
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Interp == "" {
		opts.Interp = video.Nearest
	}
	return &Builder{
		set:    set,
		lib:    lib,
		opts:   opts,
		logger: logger.With(zap.String("component", "volume_builder")),
	}
}

// Silhouettes reports whether the builder emits an Aux target
func (b *Builder) Silhouettes() bool {
	return b.opts.Segmenter != nil && !b.opts.SilhouetteInVolume
}

// Shapes returns the tensor shapes of a volume with geom and k keypoints
func (b *Builder) Shapes(geom Geometry, k int) Shapes {
	n := geom.NVox
	ncams := b.set.Cameras()
	channels := ncams * b.opts.Channels
	if b.opts.Segmenter != nil && b.opts.SilhouetteInVolume {
		channels += ncams
	}
	s := Shapes{
		Image: []int{n, n, n, channels},
		Grid:  []int{n, n, n, 3},
		Mask:  []int{k},
	}
	if b.opts.ExpVal {
		s.Target = []int{k, 3}
	} else {
		s.Target = []int{n, n, n, k}
	}
	if b.Silhouettes() {
		s.Aux = []int{n, n, n, ncams}
	}
	return s
}

// Build builds the volume of one job
func (b *Builder) Build(ctx context.Context, job Job) (*Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := job.Geometry.Validate(); err != nil {
		return nil, err
	}
	smp, ok := b.set.Get(job.ID)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "sample %s is not in the set", job.ID)
	}
	exp := b.set.Experiment(job.ID.Experiment)
	shapes := b.Shapes(job.Geometry, job.Label.Len())
	grid := NewGrid(job.Center, job.Geometry)

	timer := metrics.NewTimer("image")
	vol := &Volume{
		ID:    job.ID,
		Image: NewTensor(shapes.Image...),
		Grid:  gridTensor(grid),
	}
	var sil *Tensor
	if b.opts.Segmenter != nil {
		t := NewTensor(grid.Geometry.NVox, grid.Geometry.NVox, grid.Geometry.NVox, len(exp.Cameras))
		sil = &t
	}

	scope := strconv.Itoa(job.ID.Experiment)
	for c, cam := range exp.Cameras {
		frameIndex := smp.Record.VideoFrame(cam.Name)
		frame, err := b.lib.Frame(ctx, scope, cam.Chunks, frameIndex)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.IsType(err, errors.ErrorTypeMissingVideoChunk) {
				err = errors.Wrap(err, errors.ErrorTypeMissingVideoChunk, "failed to decode frame")
			}
			return nil, errors.Wrap(err, errors.TypeOf(err), "camera "+cam.Name).
				WithDetail("sample", job.ID.String()).
				WithDetail("frame", frameIndex)
		}

		pix, inside, degenerate := cam.Params.ProjectAll(grid.Points)
		if degenerate > 0 {
			qualified := sample.QualifiedCamera(job.ID.Experiment, cam.Name)
			metrics.DegenerateCameras.WithLabelValues(qualified).Inc()
			b.logger.Warn("grid behind camera, slice zero-filled",
				zap.String("sample", job.ID.String()),
				zap.String("camera", qualified),
				zap.Int("points", degenerate))
			continue
		}

		b.sampleImage(vol.Image, c, frame, pix, inside)
		if sil != nil {
			mask, err := b.opts.Segmenter.Segment(ctx, frame)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.Wrap(err, errors.ErrorTypeSegmentation, "segmentation failed").
					WithDetail("sample", job.ID.String()).
					WithDetail("camera", cam.Name)
			}
			sampleMask(*sil, c, len(exp.Cameras), mask, pix, inside)
		}
	}
	metrics.BuildLatency.WithLabelValues("image").Observe(timer.Stop().Seconds())

	if sil != nil {
		if b.opts.SilhouetteInVolume {
			appendChannels(vol.Image, *sil, len(exp.Cameras)*b.opts.Channels)
		} else {
			vol.Aux = sil
		}
	}

	timer = metrics.NewTimer("target")
	vol.Target, vol.Mask = b.targets(grid, job.Label)
	metrics.BuildLatency.WithLabelValues("target").Observe(timer.Stop().Seconds())
	return vol, nil
}

func (b *Builder) sampleImage(img Tensor, cam int, frame *video.Frame, pix []r2.Point, inside []bool) {
	channels := img.Shape[3]
	per := b.opts.Channels
	scale := float32(1)
	if b.opts.Normalize {
		scale = 1.0 / 255
	}
	for v, p := range pix {
		if !inside[v] {
			continue
		}
		base := v*channels + cam*per
		for ch := 0; ch < per; ch++ {
			img.Data[base+ch] = frame.Sample(p.X, p.Y, ch%frame.Channels, b.opts.Interp) * scale
		}
	}
}

func sampleMask(sil Tensor, cam, ncams int, mask *video.Frame, pix []r2.Point, inside []bool) {
	for v, p := range pix {
		if inside[v] && mask.Sample(p.X, p.Y, 0, video.Nearest) > 0 {
			sil.Data[v*ncams+cam] = 1
		}
	}
}

// appendChannels copies src's channels into dst starting at channel offset
func appendChannels(dst, src Tensor, offset int) {
	dc, sc := dst.Shape[3], src.Shape[3]
	voxels := len(src.Data) / sc
	for v := 0; v < voxels; v++ {
		copy(dst.Data[v*dc+offset:v*dc+offset+sc], src.Data[v*sc:(v+1)*sc])
	}
}

func gridTensor(g Grid) Tensor {
	n := g.Geometry.NVox
	t := Tensor{Shape: []int{n, n, n, 3}, Data: make([]float32, 0, 3*len(g.Points))}
	for _, p := range g.Points {
		t.Data = append(t.Data, float32(p.X), float32(p.Y), float32(p.Z))
	}
	return t
}

func (b *Builder) targets(grid Grid, label sample.Label) (target, mask Tensor) {
	k := label.Len()
	mask = NewTensor(k)
	for i, ok := range label.Valid {
		if ok {
			mask.Data[i] = 1
		}
	}

	if b.opts.ExpVal {
		target = NewTensor(k, 3)
		for i, p := range label.Points {
			if label.Valid[i] {
				target.Data[i*3] = float32(p.X)
				target.Data[i*3+1] = float32(p.Y)
				target.Data[i*3+2] = float32(p.Z)
			}
		}
		return target, mask
	}

	n := grid.Geometry.NVox
	target = NewTensor(n, n, n, k)
	denom := 2 * b.opts.Sigma * b.opts.Sigma
	for i, p := range label.Points {
		if !label.Valid[i] {
			continue
		}
		for v, g := range grid.Points {
			d := g.Sub(p)
			target.Data[v*k+i] = float32(math.Exp(-d.Norm2() / denom))
		}
	}
	return target, mask
}

// BuildEach builds jobs with bounded parallelism and hands every volume to
// emit, possibly concurrently. Samples failing with a per-sample error are
// excluded and reported; fatal errors, emit errors and cancellation stop the
// run. Video readers of an experiment are released once its last job is done.
func (b *Builder) BuildEach(ctx context.Context, jobs []Job, emit func(context.Context, *Volume) error) ([]Exclusion, error) {
	remaining := make(map[int]*int64)
	for _, j := range jobs {
		if remaining[j.ID.Experiment] == nil {
			remaining[j.ID.Experiment] = new(int64)
		}
		*remaining[j.ID.Experiment]++
	}

	var (
		mu       sync.Mutex
		excluded []Exclusion
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			defer b.done(job.ID.Experiment, remaining[job.ID.Experiment])

			vol, err := b.Build(gctx, job)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if errors.IsFatal(err) {
					return err
				}
				metrics.ExcludedSamples.WithLabelValues(string(errors.TypeOf(err))).Inc()
				b.logger.Warn("excluding sample",
					zap.String("sample", job.ID.String()),
					zap.Error(err))
				mu.Lock()
				excluded = append(excluded, Exclusion{ID: job.ID, Err: err})
				mu.Unlock()
				return nil
			}
			return emit(gctx, vol)
		})
	}
	err := g.Wait()

	sort.Slice(excluded, func(i, j int) bool { return excluded[i].ID.Less(excluded[j].ID) })
	return excluded, err
}

func (b *Builder) done(experiment int, left *int64) {
	if atomic.AddInt64(left, -1) != 0 {
		return
	}
	if err := b.lib.ReleaseExperiment(strconv.Itoa(experiment)); err != nil {
		b.logger.Warn("failed to release video readers",
			zap.Int("experiment", experiment),
			zap.Error(err))
	}
}
