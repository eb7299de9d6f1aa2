// Package pipeline turns a configuration into train and validation batches.
// It loads experiments, assigns sample identities, partitions them with the
// strategy bound to the dataset kind, augments the training split and then
// either fills the on-disk cache or assembles everything in memory.
//
// # Overview
//
// A run proceeds through these stages:
//   - Load: experiments come from an annotation.Store
//   - Index: sample.Build prefixes frames with their experiment index
//   - Prepare: the kind's Strategy splits, pairs and plans volumes
//   - Augment: COM variants are added to train
//   - Materialize: cache Examine/Generate, or in-memory assembly
//
// # Basic Usage
//
//	cfg, err := config.Load("run.yaml")
//	if err != nil {
//	    return err
//	}
//
//	p := pipeline.New(cfg, logger)
//	res, err := p.Run(ctx)
//	if err != nil {
//	    return err
//	}
//	defer res.Close()
//
//	for {
//	    batch, err := res.Train.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/posevol/internal/assembler"
	"github.com/ajitpratap0/posevol/internal/augment"
	"github.com/ajitpratap0/posevol/internal/cache"
	"github.com/ajitpratap0/posevol/internal/partition"
	"github.com/ajitpratap0/posevol/internal/social"
	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/annotation"
	"github.com/ajitpratap0/posevol/pkg/compression"
	"github.com/ajitpratap0/posevol/pkg/config"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/logger"
	"github.com/ajitpratap0/posevol/pkg/metrics"
	"github.com/ajitpratap0/posevol/pkg/observability"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/segmentation"
	"github.com/ajitpratap0/posevol/pkg/skeleton"
	"github.com/ajitpratap0/posevol/pkg/video"
)

// Files written next to the cache
const (
	ConfigSnapshot = "config.yaml"
	ManifestFile   = "manifest.yaml"
)

// Pipeline runs one configuration
type Pipeline struct {
	cfg       config.Config
	store     annotation.Store
	decoder   video.Decoder
	segmenter segmentation.Segmenter
	probe     assembler.MemoryProbe
	registry  *Registry
	batchSize int
	tracer    *observability.StageTracer
	logger    *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithStore replaces the file store built from the configured experiments
func WithStore(s annotation.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithDecoder replaces the image-sequence decoder
func WithDecoder(d video.Decoder) Option {
	return func(p *Pipeline) { p.decoder = d }
}

// WithSegmenter replaces the threshold segmenter used for silhouettes
func WithSegmenter(s segmentation.Segmenter) Option {
	return func(p *Pipeline) { p.segmenter = s }
}

// WithMemoryProbe replaces the system memory probe of the assembler
func WithMemoryProbe(probe assembler.MemoryProbe) Option {
	return func(p *Pipeline) { p.probe = probe }
}

// WithRegistry replaces the global kind registry
func WithRegistry(r *Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithBatchSize sets the loader batch size; 0 delivers a split in one batch
func WithBatchSize(n int) Option {
	return func(p *Pipeline) { p.batchSize = n }
}

// New creates a pipeline. cfg is assumed validated.
func New(cfg config.Config, log *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		registry: globalRegistry,
		tracer:   observability.NewStageTracer("pipeline"),
		logger:   log.With(zap.String("component", "pipeline"), zap.String("run", cfg.Name)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = annotation.NewFileStore(SourcesFromConfig(cfg.Dataset.Experiments), cfg.Dataset.ChunkFrames, log)
	}
	if p.decoder == nil {
		p.decoder = video.ImageSequenceDecoder{Channels: cfg.Dataset.Channels}
	}
	if p.segmenter == nil {
		p.segmenter = segmentation.ThresholdSegmenter{Threshold: float32(cfg.Silhouette.Threshold)}
	}
	return p
}

// SourcesFromConfig maps configured experiments onto annotation sources
func SourcesFromConfig(exps []config.ExperimentConfig) []annotation.Source {
	sources := make([]annotation.Source, len(exps))
	for i, e := range exps {
		sources[i] = annotation.Source{
			Name:      e.Name,
			Path:      e.Annotation,
			VideoDir:  e.Video,
			Recording: e.Recording,
			Instance:  e.Instance,
		}
	}
	return sources
}

// Report summarizes a run
type Report struct {
	RunID string
	Kind  Kind
	// Dropped samples were removed before any volume was built
	Dropped []sample.ID
	// Absorbed samples are secondaries merged into a primary's volume
	Absorbed []sample.ID
	// Excluded samples failed to build and were removed from both splits
	Excluded []volume.Exclusion
	Warnings []error

	TrainLabeled   int
	TrainUnlabeled int
	Augmented      int
	Valid          int

	// CacheMissing counts samples generated and CacheWritten the files written;
	// both stay zero without a cache
	CacheMissing int
	CacheWritten int
}

// Result is the output of Run
type Result struct {
	Set       *sample.Set
	Partition partition.Partition
	Pairs     *partition.Pairs
	Manifest  partition.Manifest
	Geometry  volume.Geometry
	Plan      *volume.Plan
	Train     *Loader
	Valid     *Loader
	Report    Report

	lib *video.Library
}

// Close releases open video readers
func (r *Result) Close() error {
	if r.lib == nil {
		return nil
	}
	return r.lib.Close()
}

// Prepare runs the stages that do not touch video: load, index, partition
// and augment
func (p *Pipeline) Prepare(ctx context.Context) (*Result, error) {
	log := logger.FromContext(ctx, p.logger)

	experiments, err := p.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	set, err := sample.Build(experiments)
	if err != nil {
		return nil, err
	}
	if err := p.checkSkeleton(set); err != nil {
		return nil, err
	}

	kind := Kind(p.cfg.Dataset.Kind)
	strategy, err := p.registry.Create(kind, p.cfg, log)
	if err != nil {
		return nil, err
	}
	prep, err := strategy.Prepare(ctx, set)
	if err != nil {
		return nil, err
	}

	part := prep.Partition
	dropped := prep.Dropped
	if f := p.cfg.Split.UnlabeledFraction; f != nil {
		var gone []sample.ID
		part, gone, err = partition.ReselectUnlabeled(set, part, *f, p.cfg.Split.Seed)
		if err != nil {
			return nil, err
		}
		dropped = append(append([]sample.ID(nil), dropped...), gone...)
		log.Info("reselected unlabeled train samples",
			zap.Float64("fraction", *f),
			zap.Int("dropped", len(gone)))
	}
	augmented := 0
	if prep.Augment && p.cfg.Augmentation.COM {
		before := len(part.Train)
		set, part, err = augment.COM(set, part, augment.Options{
			Radius:     p.cfg.Augmentation.Radius,
			Iterations: p.cfg.Augmentation.Iterations,
			Seed:       p.cfg.Augmentation.Seed,
		})
		if err != nil {
			return nil, err
		}
		augmented = len(part.Train) - before
		metrics.AugmentedSamples.Add(float64(augmented))
		if prep.Pairs != nil {
			part = social.OrderPairs(part, *prep.Pairs)
		}
	}
	removed := append(append([]sample.ID(nil), dropped...), prep.Absorbed...)
	if err := part.Check(set, removed...); err != nil {
		return nil, err
	}

	labeled, unlabeled := set.CountLabeled(part.Train)
	log.Info("partitioned samples",
		zap.String("kind", string(kind)),
		zap.String("policy", prep.Policy),
		zap.Int("train_labeled", labeled),
		zap.Int("train_unlabeled", unlabeled),
		zap.Int("augmented", augmented),
		zap.Int("valid", len(part.Valid)),
		zap.Int("dropped", len(dropped)))
	metrics.SplitSize.WithLabelValues("train").Set(float64(len(part.Train)))
	metrics.SplitSize.WithLabelValues("valid").Set(float64(len(part.Valid)))

	return &Result{
		Set:       set,
		Partition: part,
		Pairs:     prep.Pairs,
		Manifest:  partition.NewManifest(part, prep.Pairs, prep.Policy, p.cfg.Split.Seed),
		Geometry:  prep.Geometry,
		Plan:      prep.Plan.Extend(set),
		Report: Report{
			Kind:           kind,
			Dropped:        dropped,
			Absorbed:       prep.Absorbed,
			Warnings:       prep.Warnings,
			TrainLabeled:   labeled,
			TrainUnlabeled: unlabeled,
			Augmented:      augmented,
			Valid:          len(part.Valid),
		},
	}, nil
}

func (p *Pipeline) checkSkeleton(set *sample.Set) error {
	if p.cfg.Dataset.Skeleton == "" || set.Keypoints() == 0 {
		return nil
	}
	profile, err := skeleton.Lookup(p.cfg.Dataset.Skeleton)
	if err != nil {
		return err
	}
	if profile.Keypoints() != set.Keypoints() {
		return errors.Newf(errors.ErrorTypeConfig, "skeleton %s has %d keypoints, annotations have %d",
			p.cfg.Dataset.Skeleton, profile.Keypoints(), set.Keypoints())
	}
	return nil
}

// Run prepares the samples and materializes their volumes
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, p.logger)

	var res *Result
	err := p.tracer.Trace(ctx, "run", 0, func(ctx context.Context) error {
		var err error
		if res, err = p.Prepare(ctx); err != nil {
			return err
		}
		res.Report.RunID = runID

		stage := "assemble"
		if p.cfg.Cache.Enabled {
			stage = "cache"
		}
		ctx = logger.WithStage(ctx, stage)
		stageLog := logger.FromContext(ctx, p.logger)

		res.lib = video.NewLibrary(p.decoder, stageLog)
		builder := volume.NewBuilder(res.Set, res.lib, volume.OptionsFromConfig(p.cfg, p.silhouetteSegmenter()), stageLog)

		if p.cfg.Cache.Enabled {
			return p.materializeCache(ctx, res, builder, stageLog)
		}
		return p.materializeMemory(ctx, res, builder, stageLog)
	})
	if err != nil {
		if res != nil {
			_ = res.Close()
		}
		return nil, err
	}

	log.Info("run complete",
		zap.Int("train", len(res.Partition.Train)),
		zap.Int("valid", len(res.Partition.Valid)),
		zap.Int("excluded", len(res.Report.Excluded)),
		zap.Int("train_batches", res.Train.Len()),
		zap.Int("valid_batches", res.Valid.Len()))
	return res, nil
}

func (p *Pipeline) ids(res *Result) []sample.ID {
	ids := make([]sample.ID, 0, len(res.Partition.Train)+len(res.Partition.Valid))
	ids = append(ids, res.Partition.Train...)
	return append(ids, res.Partition.Valid...)
}

func (p *Pipeline) newCache(res *Result, builder *volume.Builder, log *zap.Logger) (*cache.Manager, []cache.Namespace, error) {
	comp, err := compression.NewCompressor(&compression.Config{
		Algorithm: compression.Algorithm(p.cfg.Cache.Compression),
		Level:     compression.LevelFromInt(p.cfg.Cache.Level),
	})
	if err != nil {
		return nil, nil, err
	}
	mgr := cache.NewManager(p.cfg.Cache.Dir, builder, res.Plan, cache.NewCodec(comp), p.cfg.Performance.GetWorkers(), log)

	namespaces := []cache.Namespace{cache.NamespacePrimary}
	if builder.Silhouettes() {
		namespaces = append(namespaces, cache.NamespaceAux)
	}
	return mgr, namespaces, nil
}

// Examine prepares the samples and reports which of them the cache already
// holds, one report per namespace. Nothing is written.
func (p *Pipeline) Examine(ctx context.Context) (*Result, []cache.Report, error) {
	if p.cfg.Cache.Dir == "" {
		return nil, nil, errors.New(errors.ErrorTypeConfig, "cache.dir is not set")
	}
	log := logger.FromContext(ctx, p.logger)
	res, err := p.Prepare(ctx)
	if err != nil {
		return nil, nil, err
	}
	builder := volume.NewBuilder(res.Set, nil, volume.OptionsFromConfig(p.cfg, p.silhouetteSegmenter()), log)
	mgr, namespaces, err := p.newCache(res, builder, log)
	if err != nil {
		return nil, nil, err
	}
	reports := make([]cache.Report, 0, len(namespaces))
	for _, ns := range namespaces {
		rep, err := mgr.Examine(ctx, p.ids(res), ns)
		if err != nil {
			return nil, nil, err
		}
		reports = append(reports, rep)
	}
	return res, reports, nil
}

func (p *Pipeline) silhouetteSegmenter() segmentation.Segmenter {
	if p.cfg.Silhouette.Enabled {
		return p.segmenter
	}
	return nil
}

func (p *Pipeline) materializeCache(ctx context.Context, res *Result, builder *volume.Builder, log *zap.Logger) error {
	dir := p.cfg.Cache.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create cache directory").WithDetail("dir", dir)
	}
	if err := config.Save(filepath.Join(dir, ConfigSnapshot), p.cfg); err != nil {
		return err
	}
	mgr, namespaces, err := p.newCache(res, builder, log)
	if err != nil {
		return err
	}

	ids := p.ids(res)
	reports := make([]cache.Report, 0, len(namespaces))
	missing := make(map[sample.ID]bool)
	for _, ns := range namespaces {
		rep, err := mgr.Examine(ctx, ids, ns)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
		for _, id := range rep.Missing {
			missing[id] = true
		}
	}

	// each sample is rewritten only in the namespaces it is missing from
	gen, err := mgr.GenerateMissing(ctx, reports...)
	if err != nil {
		return err
	}
	res.Report.CacheMissing = len(missing)
	res.Report.CacheWritten = gen.Written
	p.exclude(res, gen.Excluded)

	if err := partition.SaveManifest(filepath.Join(dir, ManifestFile), res.Manifest); err != nil {
		return err
	}
	p.loaders(res, CacheFetcher{Manager: mgr, Aux: builder.Silhouettes(), Logger: log})
	return nil
}

func (p *Pipeline) materializeMemory(ctx context.Context, res *Result, builder *volume.Builder, log *zap.Logger) error {
	var opts []assembler.Option
	if p.probe != nil {
		opts = append(opts, assembler.WithMemoryProbe(p.probe))
	}
	asm := assembler.New(builder, res.Plan, p.cfg.Performance.MemoryFraction, log, opts...)
	arr, excluded, err := asm.Assemble(ctx, p.ids(res))
	if err != nil {
		return err
	}
	p.exclude(res, excluded)
	p.loaders(res, MemoryFetcher{Arrays: arr})
	return nil
}

// exclude removes samples that failed to build from the partition, the
// pairs and the manifest
func (p *Pipeline) exclude(res *Result, excluded []volume.Exclusion) {
	if len(excluded) == 0 {
		return
	}
	res.Report.Excluded = append(res.Report.Excluded, excluded...)
	ids := make([]sample.ID, len(excluded))
	for i, ex := range excluded {
		ids[i] = ex.ID
	}

	res.Partition = res.Partition.Without(ids)
	if res.Pairs != nil {
		pairs := prunePairs(*res.Pairs, ids)
		res.Pairs = &pairs
		res.Partition = social.OrderPairs(res.Partition, pairs)
	}
	labeled, unlabeled := res.Set.CountLabeled(res.Partition.Train)
	res.Report.TrainLabeled, res.Report.TrainUnlabeled = labeled, unlabeled
	res.Report.Valid = len(res.Partition.Valid)
	res.Manifest = partition.NewManifest(res.Partition, res.Pairs, res.Manifest.Policy, res.Manifest.Seed)
}

func prunePairs(pairs partition.Pairs, ids []sample.ID) partition.Pairs {
	gone := make(map[sample.ID]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	keep := func(in []partition.Pair) []partition.Pair {
		out := make([]partition.Pair, 0, len(in))
		for _, pr := range in {
			if !gone[pr.A] && !gone[pr.B] {
				out = append(out, pr)
			}
		}
		return out
	}
	return partition.Pairs{Train: keep(pairs.Train), Valid: keep(pairs.Valid)}
}

func (p *Pipeline) loaders(res *Result, f Fetcher) {
	res.Train = NewLoader(f, res.Partition.Train, res.Partition.TrainChunks, p.batchSize)
	res.Valid = NewLoader(f, res.Partition.Valid, res.Partition.ValidChunks, p.batchSize)
}

// TrainPoses returns the keypoints of every labeled, non-synthetic train
// sample
func TrainPoses(res *Result) [][]r3.Vector {
	var poses [][]r3.Vector
	for _, id := range res.Partition.Train {
		if id.IsSynthetic() {
			continue
		}
		smp, ok := res.Set.Get(id)
		if !ok || !smp.Pose.IsLabeled() {
			continue
		}
		poses = append(poses, smp.Pose.Points())
	}
	return poses
}
