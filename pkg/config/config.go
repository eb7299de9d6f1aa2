// Package config provides the unified configuration for a posevol run.
// It defines a single Config structure built once at startup and passed by
// value to every component; nothing mutates it afterwards.
//
// The configuration is organized into logical sections:
//   - Dataset: dataset kind, experiments, skeleton
//   - Volume: voxel grid geometry, sampling and target type
//   - Split: train/valid partition policy
//   - Social: multi-subject pairing and merge policy
//   - Augmentation: center-of-mass jitter
//   - Silhouette: optional occupancy volumes
//   - Cache: on-disk volume cache
//   - Performance: worker counts and memory limits
//   - Observability: logging, metrics, tracing
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Volume.NVox = 64
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"runtime"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

var configValidate = validator.New()

// Dataset kinds
const (
	KindLabel3D = "label3d"
	KindSocial  = "social"
	KindPredict = "predict"
)

// Split policies
const (
	SplitFraction   = "fraction"
	SplitExperiment = "experiment"
	SplitManifest   = "manifest"
)

// Social merge policies
const (
	SocialNone        = "none"
	SocialBigVolume   = "big_volume"
	SocialJointVolume = "joint_volume"
)

// Config is the complete, immutable configuration of one run
type Config struct {
	// Name identifies the run in logs and snapshots
	Name string `yaml:"name" json:"name" mapstructure:"name" validate:"required"`

	Dataset       DatasetConfig       `yaml:"dataset" json:"dataset" mapstructure:"dataset"`
	Volume        VolumeConfig        `yaml:"volume" json:"volume" mapstructure:"volume"`
	Split         SplitConfig         `yaml:"split" json:"split" mapstructure:"split"`
	Social        SocialConfig        `yaml:"social" json:"social" mapstructure:"social"`
	Augmentation  AugmentationConfig  `yaml:"augmentation" json:"augmentation" mapstructure:"augmentation"`
	Silhouette    SilhouetteConfig    `yaml:"silhouette" json:"silhouette" mapstructure:"silhouette"`
	Cache         CacheConfig         `yaml:"cache" json:"cache" mapstructure:"cache"`
	Performance   PerformanceConfig   `yaml:"performance" json:"performance" mapstructure:"performance"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// DatasetConfig selects what is built and from which experiments
type DatasetConfig struct {
	// Kind is one of label3d, social, predict
	Kind string `yaml:"kind" json:"kind" mapstructure:"kind" validate:"oneof=label3d social predict"`
	// Experiments lists the annotation sources in load order
	Experiments []ExperimentConfig `yaml:"experiments" json:"experiments" mapstructure:"experiments" validate:"dive"`
	// Skeleton names a keypoint profile (rat23, mouse22, ...); empty skips the keypoint count check
	Skeleton string `yaml:"skeleton" json:"skeleton" mapstructure:"skeleton"`
	// Channels per decoded frame, 1 or 3
	Channels int `yaml:"channels" json:"channels" mapstructure:"channels" validate:"oneof=1 3"`
	// ChunkFrames is the nominal frame count of one video chunk
	ChunkFrames int64 `yaml:"chunk_frames" json:"chunk_frames" mapstructure:"chunk_frames" validate:"gt=0"`
}

// ExperimentConfig points at one experiment's annotation and video
type ExperimentConfig struct {
	Name string `yaml:"name" json:"name" mapstructure:"name" validate:"required"`
	// Annotation is a YAML or JSON experiment document
	Annotation string `yaml:"annotation" json:"annotation" mapstructure:"annotation" validate:"required"`
	// Video is the directory holding one subdirectory of chunks per camera
	Video string `yaml:"video" json:"video" mapstructure:"video"`
	// Recording and Instance override the annotation's social identity when set
	Recording string `yaml:"recording" json:"recording" mapstructure:"recording"`
	Instance  *int   `yaml:"instance,omitempty" json:"instance,omitempty" mapstructure:"instance"`
}

// VolumeConfig controls the voxel grid and targets
type VolumeConfig struct {
	// NVox is the grid resolution per axis
	NVox int `yaml:"nvox" json:"nvox" mapstructure:"nvox" validate:"gt=0,lte=512"`
	// VMin and VMax bound the grid along each axis, relative to the center
	VMin float64 `yaml:"vmin" json:"vmin" mapstructure:"vmin"`
	VMax float64 `yaml:"vmax" json:"vmax" mapstructure:"vmax" validate:"gtfield=VMin"`
	// Interp is nearest or bilinear
	Interp string `yaml:"interp" json:"interp" mapstructure:"interp" validate:"oneof=nearest bilinear"`
	// Sigma is the heatmap Gaussian width in world units
	Sigma float64 `yaml:"sigma" json:"sigma" mapstructure:"sigma" validate:"gt=0"`
	// ExpVal emits keypoint coordinates instead of heatmaps
	ExpVal bool `yaml:"expval" json:"expval" mapstructure:"expval"`
	// Normalize scales pixel values to [0, 1]
	Normalize bool `yaml:"normalize" json:"normalize" mapstructure:"normalize"`
}

// SplitConfig controls the train/valid partition
type SplitConfig struct {
	Policy        string  `yaml:"policy" json:"policy" mapstructure:"policy" validate:"oneof=fraction experiment manifest"`
	TrainFraction float64 `yaml:"train_fraction" json:"train_fraction" mapstructure:"train_fraction" validate:"gte=0,lte=1"`
	// ValidExperiments lists experiment indices assigned wholesale to valid
	ValidExperiments []int  `yaml:"valid_experiments" json:"valid_experiments" mapstructure:"valid_experiments" validate:"dive,gte=0"`
	Manifest         string `yaml:"manifest" json:"manifest" mapstructure:"manifest" validate:"required_if=Policy manifest"`
	Seed             uint64 `yaml:"seed" json:"seed" mapstructure:"seed"`
	// TemporalChunkSize groups consecutive frames; 0 disables chunking
	TemporalChunkSize int `yaml:"temporal_chunk_size" json:"temporal_chunk_size" mapstructure:"temporal_chunk_size" validate:"gte=0"`
	// UnlabeledFraction keeps this share of the unlabeled train samples and
	// drops the rest; unset keeps them all
	UnlabeledFraction *float64 `yaml:"unlabeled_fraction,omitempty" json:"unlabeled_fraction,omitempty" mapstructure:"unlabeled_fraction" validate:"omitempty,gte=0,lte=1"`
}

// SocialConfig controls multi-subject handling
type SocialConfig struct {
	Policy string `yaml:"policy" json:"policy" mapstructure:"policy" validate:"oneof=none big_volume joint_volume"`
	// Instances is the number of subjects per recording
	Instances int `yaml:"instances" json:"instances" mapstructure:"instances" validate:"gte=1"`
	// ComparisonAxis picks the COM coordinate that orders primary before secondary
	ComparisonAxis int `yaml:"comparison_axis" json:"comparison_axis" mapstructure:"comparison_axis" validate:"gte=0,lte=2"`
}

// AugmentationConfig controls center-of-mass augmentation
type AugmentationConfig struct {
	COM        bool    `yaml:"com_enabled" json:"com_enabled" mapstructure:"com_enabled"`
	Radius     float64 `yaml:"radius" json:"radius" mapstructure:"radius" validate:"gte=0"`
	Iterations int     `yaml:"iterations" json:"iterations" mapstructure:"iterations" validate:"gte=0"`
	Seed       uint64  `yaml:"seed" json:"seed" mapstructure:"seed"`
}

// SilhouetteConfig controls the auxiliary occupancy volume
type SilhouetteConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// InVolume concatenates silhouettes onto the image channels instead of
	// emitting an auxiliary target
	InVolume bool `yaml:"in_volume" json:"in_volume" mapstructure:"in_volume"`
	// Threshold is the gray level above which a pixel is foreground
	Threshold float64 `yaml:"threshold" json:"threshold" mapstructure:"threshold" validate:"gte=0,lte=255"`
}

// CacheConfig controls the on-disk volume cache
type CacheConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Dir         string `yaml:"dir" json:"dir" mapstructure:"dir" validate:"required_if=Enabled true"`
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression" validate:"oneof=none zstd lz4 s2 snappy gzip"`
	Level       int    `yaml:"level" json:"level" mapstructure:"level" validate:"gte=0,lte=9"`
}

// PerformanceConfig contains throughput and resource settings
type PerformanceConfig struct {
	// Workers bounds concurrent volume builds; 0 means NumCPU
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers" validate:"gte=0"`
	// MemoryFraction is the share of available memory the in-memory assembler may use
	MemoryFraction float64 `yaml:"memory_fraction" json:"memory_fraction" mapstructure:"memory_fraction" validate:"gt=0,lte=1"`
}

// ObservabilityConfig contains logging, metrics and tracing settings
type ObservabilityConfig struct {
	LogLevel          string  `yaml:"log_level" json:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogEncoding       string  `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding" validate:"oneof=json console"`
	EnableMetrics     bool    `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	MetricsAddr       string  `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate" validate:"gte=0,lte=1"`
}

// Default creates a Config with defaults matching the usual rodent rigs
func Default() Config {
	return Config{
		Name: "posevol",
		Dataset: DatasetConfig{
			Kind:        KindLabel3D,
			Channels:    3,
			ChunkFrames: 3500,
		},
		Volume: VolumeConfig{
			NVox:      64,
			VMin:      -60,
			VMax:      60,
			Interp:    "nearest",
			Sigma:     10,
			ExpVal:    true,
			Normalize: true,
		},
		Split: SplitConfig{
			Policy:        SplitFraction,
			TrainFraction: 0.8,
			Seed:          1,
		},
		Social: SocialConfig{
			Policy:    SocialNone,
			Instances: 1,
		},
		Augmentation: AugmentationConfig{
			Radius:     10,
			Iterations: 2,
			Seed:       1,
		},
		Silhouette: SilhouetteConfig{
			Threshold: 128,
		},
		Cache: CacheConfig{
			Compression: "zstd",
			Level:       3,
		},
		Performance: PerformanceConfig{
			Workers:        runtime.NumCPU(),
			MemoryFraction: 0.8,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			MetricsAddr:       ":9090",
			TracingSampleRate: 0.1,
		},
	}
}

// Validate checks field ranges and the rules that span sections.
// Returns an ErrorTypeConfig error naming the first offending field.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.Newf(errors.ErrorTypeConfig, "%s failed %q validation", fe.Namespace(), fe.Tag()).
				WithDetail("field", fe.Namespace()).
				WithDetail("value", fe.Value())
		}
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}

	if c.Silhouette.InVolume && !c.Silhouette.Enabled {
		return errors.New(errors.ErrorTypeConfig, "silhouette.in_volume requires silhouette.enabled")
	}
	if c.Split.Policy == SplitExperiment && len(c.Split.ValidExperiments) == 0 {
		return errors.New(errors.ErrorTypeConfig, "split.valid_experiments is required for the experiment policy")
	}
	for _, e := range c.Split.ValidExperiments {
		if len(c.Dataset.Experiments) > 0 && e >= len(c.Dataset.Experiments) {
			return errors.Newf(errors.ErrorTypeConfig,
				"split.valid_experiments references experiment %d, only %d configured", e, len(c.Dataset.Experiments))
		}
	}
	if c.Dataset.Kind == KindSocial {
		if c.Social.Instances != 2 {
			return errors.Newf(errors.ErrorTypeConfig,
				"social datasets pair exactly 2 instances, got social.instances=%d", c.Social.Instances)
		}
	} else if c.Social.Policy != SocialNone {
		return errors.Newf(errors.ErrorTypeConfig,
			"social.policy %q requires dataset.kind %q", c.Social.Policy, KindSocial)
	}
	if c.Augmentation.COM && c.Augmentation.Iterations == 0 {
		return errors.New(errors.ErrorTypeConfig, "augmentation.iterations must be positive when COM augmentation is enabled")
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (p PerformanceConfig) GetWorkers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

// Extent returns the grid side length vmax - vmin
func (v VolumeConfig) Extent() float64 {
	return v.VMax - v.VMin
}

// String summarizes the geometry for logs
func (v VolumeConfig) String() string {
	return "nvox=" + strconv.Itoa(v.NVox) +
		" vmin=" + strconv.FormatFloat(v.VMin, 'g', -1, 64) +
		" vmax=" + strconv.FormatFloat(v.VMax, 'g', -1, 64)
}
