// Package config provides configuration management for posevol runs.
//
// # Key Features
//
// - Config: single immutable structure passed to every component
// - Structured sections: Dataset, Volume, Split, Social, Augmentation, Silhouette, Cache, Performance, Observability
// - Layered loading: defaults, YAML file, POSEVOL_* environment variables
// - Environment variable substitution inside files with ${VAR_NAME} syntax
// - Tag validation with go-playground/validator plus cross-section rules
//
// # Usage
//
// ## Loading
//
//	cfg, err := config.Load("run.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// ## Environment Overrides
//
// Every key can be overridden by an upper-cased, underscore-joined variable:
//
//	POSEVOL_VOLUME_NVOX=32 POSEVOL_SPLIT_SEED=7 posevol build -c run.yaml
//
// ## Environment Variable Substitution
//
//	cache:
//	  dir: ${POSEVOL_SCRATCH}/volumes
//
// ## Reproducibility
//
// Save writes the effective configuration next to the cache so a run can be
// repeated exactly:
//
//	config.Save(filepath.Join(cfg.Cache.Dir, "config.yaml"), cfg)
package config
