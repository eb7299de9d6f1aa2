package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateCrossSectionRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"silhouette in volume without silhouettes", func(c *Config) { c.Silhouette.InVolume = true }},
		{"experiment policy without experiments", func(c *Config) { c.Split.Policy = SplitExperiment }},
		{"manifest policy without manifest", func(c *Config) { c.Split.Policy = SplitManifest }},
		{"social kind with one instance", func(c *Config) { c.Dataset.Kind = KindSocial }},
		{"merge policy outside social kind", func(c *Config) { c.Social.Policy = SocialJointVolume }},
		{"cache without dir", func(c *Config) { c.Cache.Enabled = true }},
		{"unknown compression", func(c *Config) { c.Cache.Compression = "brotli" }},
		{"bad comparison axis", func(c *Config) { c.Social.ComparisonAxis = 3 }},
		{"fraction above one", func(c *Config) { c.Split.TrainFraction = 1.5 }},
		{"unlabeled fraction above one", func(c *Config) {
			f := 1.2
			c.Split.UnlabeledFraction = &f
		}},
		{"augmentation without iterations", func(c *Config) {
			c.Augmentation.COM = true
			c.Augmentation.Iterations = 0
		}},
		{"valid experiment out of range", func(c *Config) {
			c.Dataset.Experiments = []ExperimentConfig{{Name: "a", Annotation: "a.yaml"}}
			c.Split.Policy = SplitExperiment
			c.Split.ValidExperiments = []int{1}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	content := `
name: rats
dataset:
  kind: social
  experiments:
    - name: pair1-a
      annotation: ${POSEVOL_TEST_ROOT}/a.yaml
      instance: 0
    - name: pair1-b
      annotation: ${POSEVOL_TEST_ROOT}/b.yaml
      instance: 1
volume:
  nvox: 32
social:
  instances: 2
  policy: big_volume
split:
  unlabeled_fraction: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("POSEVOL_TEST_ROOT", "/data")
	t.Setenv("POSEVOL_SPLIT_SEED", "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rats", cfg.Name)
	assert.Equal(t, 32, cfg.Volume.NVox)
	assert.Equal(t, -60.0, cfg.Volume.VMin, "defaults survive partial files")
	assert.Equal(t, uint64(42), cfg.Split.Seed)
	require.NotNil(t, cfg.Split.UnlabeledFraction)
	assert.Equal(t, 0.25, *cfg.Split.UnlabeledFraction)
	require.Len(t, cfg.Dataset.Experiments, 2)
	assert.Equal(t, "/data/b.yaml", cfg.Dataset.Experiments[1].Annotation)
	require.NotNil(t, cfg.Dataset.Experiments[1].Instance)
	assert.Equal(t, 1, *cfg.Dataset.Experiments[1].Instance)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("volume:\n  nvox: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	cfg := Default()
	cfg.Name = "snapshot"
	cfg.Volume.NVox = 16
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, loaded.Name)
	assert.Equal(t, cfg.Volume, loaded.Volume)
	assert.Equal(t, cfg.Cache, loaded.Cache)
	assert.Equal(t, cfg.Observability, loaded.Observability)
}
