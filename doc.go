// Package posevol turns multi-camera recordings with sparse 3D pose labels
// into volumetric training samples for 3D pose networks.
//
// Each sample is a 3D grid of voxels centered on the subject's center of mass.
// Every voxel is projected into every calibrated camera and filled with the
// sampled pixel colors, so the network sees all views in one shared space.
// Alongside the image volume posevol builds the voxel world coordinates, a
// Gaussian heatmap or raw keypoint target, and an optional silhouette volume.
//
// # Architecture
//
// The pipeline runs in stages:
//
//  1. Annotation stores load calibration, frame sync and labels per experiment
//     (pkg/annotation) and build a sample set keyed by "<experiment>_<frame>"
//     (pkg/sample).
//  2. A dataset strategy (internal/pipeline) partitions the set into train and
//     validation (internal/partition), merges multi-animal labels when social
//     training is on (internal/social), and optionally adds center-of-mass
//     jitter copies (internal/augment).
//  3. The volume builder (internal/volume) projects voxel grids through each
//     camera (pkg/camera) and samples the decoded frames (pkg/video).
//  4. Volumes are either kept in memory (internal/assembler) or persisted to a
//     compressed on-disk cache that regenerates only missing entries
//     (internal/cache).
//  5. Lazy loaders hand out batches or temporal chunks to the trainer.
//
// # Quick Start
//
//	import (
//	    "context"
//	    "github.com/ajitpratap0/posevol/internal/pipeline"
//	    "github.com/ajitpratap0/posevol/pkg/config"
//	    "github.com/ajitpratap0/posevol/pkg/logger"
//	)
//
//	cfg, err := config.Load("dataset.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p, err := pipeline.New(cfg, logger.Get())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := p.Run(context.Background())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer res.Close()
//
// # Configuration
//
// Configuration is YAML with environment overrides prefixed POSEVOL_:
//
//	type Config struct {
//	    Dataset       DatasetConfig       // Experiments, skeleton, channels
//	    Volume        VolumeConfig        // Grid size, extent, interpolation
//	    Split         SplitConfig         // Partition policy and seed
//	    Social        SocialConfig        // Multi-animal merging
//	    Augmentation  AugmentationConfig  // Center-of-mass jitter
//	    Silhouette    SilhouetteConfig    // Foreground masks
//	    Cache         CacheConfig         // On-disk volume cache
//	    Performance   PerformanceConfig   // Workers, memory budget
//	    Observability ObservabilityConfig // Logging, metrics, tracing
//	}
//
// # Command Line
//
//	posevol build -c dataset.yaml       # build volumes and fill the cache
//	posevol split -c dataset.yaml       # write the partition manifest
//	posevol examine -c dataset.yaml     # report missing or corrupt cache entries
//	posevol priors -c dataset.yaml      # derive limb length priors
//	posevol kinds                       # list dataset kinds and skeletons
package posevol
