package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/posevol/internal/partition"
	"github.com/ajitpratap0/posevol/internal/social"
	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/config"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Kind is a dataset kind. The set of kinds is closed; each is bound to a
// Strategy constructor at init.
type Kind string

const (
	// KindLabel3D builds single-subject training data
	KindLabel3D Kind = config.KindLabel3D
	// KindSocial builds multi-subject training data with pairing
	KindSocial Kind = config.KindSocial
	// KindPredict builds inference data; every sample is valid
	KindPredict Kind = config.KindPredict
)

// Prepared is the partition and build plan a strategy derives from a set
type Prepared struct {
	Policy    string
	Partition partition.Partition
	// Pairs is set when samples were paired across subject instances
	Pairs    *partition.Pairs
	Plan     *volume.Plan
	Geometry volume.Geometry
	// Dropped samples were removed during preparation and Warnings says why
	Dropped []sample.ID
	// Absorbed samples were merged into a companion's volume
	Absorbed []sample.ID
	Warnings []error
	// Augment is false for kinds that never add synthetic samples
	Augment bool
}

// Strategy partitions a sample set and plans its volumes
type Strategy interface {
	Prepare(ctx context.Context, set *sample.Set) (Prepared, error)
}

// Factory creates a Strategy from the run configuration
type Factory func(cfg config.Config, logger *zap.Logger) (Strategy, error)

// Registry binds dataset kinds to strategy factories
type Registry struct {
	factories map[Kind]Factory
	mu        sync.RWMutex
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register binds kind to factory
func (r *Registry) Register(kind Kind, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("dataset kind %s already registered", kind))
	}
	r.factories[kind] = factory
	return nil
}

// Create builds the strategy for kind
func (r *Registry) Create(kind Kind, cfg config.Config, logger *zap.Logger) (Strategy, error) {
	r.mu.RLock()
	factory, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("dataset kind %s not found", kind))
	}

	strategy, err := factory(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create %s strategy", kind))
	}
	return strategy, nil
}

// Kinds lists registered kinds in sorted order
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Register binds kind in the global registry
func Register(kind Kind, factory Factory) error {
	return globalRegistry.Register(kind, factory)
}

// Create builds a strategy from the global registry
func Create(kind Kind, cfg config.Config, logger *zap.Logger) (Strategy, error) {
	return globalRegistry.Create(kind, cfg, logger)
}

// Kinds lists the kinds of the global registry
func Kinds() []Kind {
	return globalRegistry.Kinds()
}

// GetRegistry returns the global registry
func GetRegistry() *Registry {
	return globalRegistry
}

func init() {
	for kind, factory := range map[Kind]Factory{
		KindLabel3D: newLabel3D,
		KindSocial:  newSocial,
		KindPredict: newPredict,
	} {
		if err := Register(kind, factory); err != nil {
			panic(err)
		}
	}
}

// PolicyFromConfig returns the split policy selected by cfg. A manifest
// policy reads its file here.
func PolicyFromConfig(cfg config.SplitConfig) (partition.Policy, error) {
	switch cfg.Policy {
	case config.SplitFraction, "":
		return partition.ByFraction{TrainFraction: cfg.TrainFraction}, nil
	case config.SplitExperiment:
		return partition.ByExperiment{Valid: cfg.ValidExperiments}, nil
	case config.SplitManifest:
		m, err := partition.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, err
		}
		return partition.ByManifest{Manifest: m}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown split policy %q", cfg.Policy)
	}
}

type label3D struct {
	cfg    config.Config
	policy partition.Policy
	logger *zap.Logger
}

func newLabel3D(cfg config.Config, logger *zap.Logger) (Strategy, error) {
	policy, err := PolicyFromConfig(cfg.Split)
	if err != nil {
		return nil, err
	}
	return &label3D{cfg: cfg, policy: policy, logger: logger.With(zap.String("kind", string(KindLabel3D)))}, nil
}

func (s *label3D) Prepare(ctx context.Context, set *sample.Set) (Prepared, error) {
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}
	p, err := partition.Split(set, s.policy, partition.Options{
		Seed:      s.cfg.Split.Seed,
		ChunkSize: s.cfg.Split.TemporalChunkSize,
	})
	if err != nil {
		return Prepared{}, err
	}
	geom := volume.GeometryFromConfig(s.cfg.Volume)
	return Prepared{
		Policy:    s.policy.Name(),
		Partition: p,
		Plan:      volume.DefaultPlan(set, geom),
		Geometry:  geom,
		Augment:   true,
	}, nil
}

type socialKind struct {
	cfg    config.Config
	policy partition.Policy
	logger *zap.Logger
}

func newSocial(cfg config.Config, logger *zap.Logger) (Strategy, error) {
	if cfg.Social.Instances < 2 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "social kind needs at least 2 instances, have %d", cfg.Social.Instances)
	}
	policy, err := PolicyFromConfig(cfg.Split)
	if err != nil {
		return nil, err
	}
	return &socialKind{cfg: cfg, policy: policy, logger: logger.With(zap.String("kind", string(KindSocial)))}, nil
}

func (s *socialKind) Prepare(ctx context.Context, set *sample.Set) (Prepared, error) {
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}
	p, err := partition.Split(set, s.policy, partition.Options{
		Seed:      s.cfg.Split.Seed,
		ChunkSize: s.cfg.Split.TemporalChunkSize,
	})
	if err != nil {
		return Prepared{}, err
	}

	split, err := partition.ResplitSocial(set, p, s.cfg.Social.Instances)
	if err != nil {
		return Prepared{}, err
	}
	for _, w := range split.Warnings {
		s.logger.Warn("companion pairing failed", zap.Error(w))
	}

	aligned, err := social.Align(set, split, social.Options{
		Policy:         s.cfg.Social.Policy,
		Geometry:       volume.GeometryFromConfig(s.cfg.Volume),
		ComparisonAxis: s.cfg.Social.ComparisonAxis,
	})
	if err != nil {
		return Prepared{}, err
	}
	if aligned.Merged > 0 {
		s.logger.Info("merged companions into shared volumes",
			zap.Int("merged", aligned.Merged),
			zap.Stringer("geometry", aligned.Geometry))
	}

	return Prepared{
		Policy:    s.policy.Name(),
		Partition: aligned.Partition,
		Pairs:     aligned.Pairs,
		Plan:      aligned.Plan,
		Geometry:  aligned.Geometry,
		Dropped:   split.Dropped,
		Absorbed:  aligned.Absorbed,
		Warnings:  split.Warnings,
		Augment:   true,
	}, nil
}

type predict struct {
	cfg config.Config
}

func newPredict(cfg config.Config, _ *zap.Logger) (Strategy, error) {
	return &predict{cfg: cfg}, nil
}

func (s *predict) Prepare(ctx context.Context, set *sample.Set) (Prepared, error) {
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}
	policy := partition.AllValid{}
	p, err := partition.Split(set, policy, partition.Options{ChunkSize: s.cfg.Split.TemporalChunkSize})
	if err != nil {
		return Prepared{}, err
	}
	geom := volume.GeometryFromConfig(s.cfg.Volume)
	return Prepared{
		Policy:    policy.Name(),
		Partition: p,
		Plan:      volume.DefaultPlan(set, geom),
		Geometry:  geom,
	}, nil
}
