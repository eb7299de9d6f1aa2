package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/posevol/internal/partition"
	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/annotation"
	"github.com/ajitpratap0/posevol/pkg/config"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/testutil"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Volume.NVox = 4
	cfg.Volume.VMin = -20
	cfg.Volume.VMax = 20
	cfg.Performance.Workers = 2
	return cfg
}

func plentyOfMemory() (uint64, error) {
	return 1 << 34, nil
}

func newTestPipeline(t *testing.T, cfg config.Config, rig *testutil.Rig, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{
		WithStore(annotation.MemoryStore(rig.Experiments)),
		WithDecoder(rig.Source),
		WithMemoryProbe(plentyOfMemory),
	}
	return New(cfg, zaptest.NewLogger(t), append(base, opts...)...)
}

func run(t *testing.T, p *Pipeline) *Result {
	t.Helper()
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })
	return res
}

func drain(t *testing.T, l *Loader) ([]sample.ID, []*volume.Arrays) {
	t.Helper()
	var (
		ids     []sample.ID
		batches []*volume.Arrays
	)
	for {
		arr, err := l.Next(context.Background())
		if err == io.EOF {
			return ids, batches
		}
		require.NoError(t, err)
		ids = append(ids, arr.IDs...)
		batches = append(batches, arr)
	}
}

func TestRunEndToEndInMemory(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	res := run(t, newTestPipeline(t, testConfig(), rig))

	assert.Len(t, res.Partition.Train, 80)
	assert.Len(t, res.Partition.Valid, 20)
	require.NoError(t, res.Partition.Check(res.Set))
	assert.NotEmpty(t, res.Report.RunID)
	assert.Equal(t, KindLabel3D, res.Report.Kind)
	assert.Equal(t, 80, res.Report.TrainLabeled)
	assert.Empty(t, res.Report.Excluded)

	for e := 0; e < 2; e++ {
		n := 0
		for _, id := range res.Partition.Valid {
			if id.Experiment == e {
				n++
			}
		}
		assert.Equal(t, 10, n, "experiment %d valid share", e)
	}

	ids, batches := drain(t, res.Train)
	require.Len(t, batches, 1)
	assert.Equal(t, res.Partition.Train, ids)
	assert.Equal(t, []int{80, 4, 4, 4, 18}, batches[0].Images.Shape)
	assert.Equal(t, []int{80, 4, 3}, batches[0].Targets.Shape)
	require.NoError(t, batches[0].Images.Check())

	valid, _ := drain(t, res.Valid)
	assert.Equal(t, res.Partition.Valid, valid)
}

func TestRunWithCache(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	cfg := testConfig()
	cfg.Cache.Enabled = true
	cfg.Cache.Dir = t.TempDir()
	cfg.Cache.Compression = "lz4"

	first := run(t, newTestPipeline(t, cfg, rig, WithBatchSize(16)))
	assert.Equal(t, 100, first.Report.CacheMissing)
	assert.Equal(t, 300, first.Report.CacheWritten)
	assert.FileExists(t, filepath.Join(cfg.Cache.Dir, ConfigSnapshot))

	m, err := partition.LoadManifest(filepath.Join(cfg.Cache.Dir, ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, first.Partition.Train, m.Train)
	assert.Equal(t, first.Partition.Valid, m.Valid)
	assert.Equal(t, "fraction", m.Policy)

	saved, err := config.Load(filepath.Join(cfg.Cache.Dir, ConfigSnapshot))
	require.NoError(t, err)
	assert.Equal(t, cfg.Volume, saved.Volume)

	ids, batches := drain(t, first.Train)
	assert.Equal(t, first.Partition.Train, ids)
	require.Len(t, batches, 5)
	for _, b := range batches {
		assert.Equal(t, []int{16, 4, 4, 4, 18}, b.Images.Shape)
	}

	second := run(t, newTestPipeline(t, cfg, rig))
	assert.Zero(t, second.Report.CacheMissing)
	assert.Zero(t, second.Report.CacheWritten)
	assert.Equal(t, first.Partition, second.Partition)
}

func TestRunRegeneratesOnlyMissingNamespace(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	cfg := testConfig()
	cfg.Cache.Enabled = true
	cfg.Cache.Dir = t.TempDir()
	cfg.Silhouette.Enabled = true

	first := run(t, newTestPipeline(t, cfg, rig))
	assert.Equal(t, 100, first.Report.CacheMissing)
	assert.Equal(t, 400, first.Report.CacheWritten)

	id := sample.MustParseID("0_3")
	aux := filepath.Join(cfg.Cache.Dir, "0", "aux", "silhouettes", id.String()+".vol")
	require.NoError(t, os.Remove(aux))

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	var primary []string
	for _, d := range []string{"image_volumes", "grid_volumes", "targets"} {
		path := filepath.Join(cfg.Cache.Dir, "0", d, id.String()+".vol")
		require.NoError(t, os.Chtimes(path, old, old))
		primary = append(primary, path)
	}

	second := run(t, newTestPipeline(t, cfg, rig))
	assert.Equal(t, 1, second.Report.CacheMissing)
	assert.Equal(t, 1, second.Report.CacheWritten)
	assert.FileExists(t, aux)
	for _, path := range primary {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(old), "%s was rewritten", path)
	}

	_, batches := drain(t, second.Train)
	require.Len(t, batches, 1)
	require.NotNil(t, batches[0].Aux)
}

func TestRunExcludesMissingVideo(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	rig.Experiments[1].Records[4].VideoFrames = map[string]int64{"Camera3": 500}

	res := run(t, newTestPipeline(t, testConfig(), rig))
	require.Len(t, res.Report.Excluded, 1)
	missing := sample.ID{Experiment: 1, Frame: 4}
	assert.Equal(t, missing, res.Report.Excluded[0].ID)
	assert.True(t, errors.IsType(res.Report.Excluded[0].Err, errors.ErrorTypeMissingVideoChunk))

	assert.Equal(t, 99, len(res.Partition.Train)+len(res.Partition.Valid))
	assert.NotContains(t, res.Partition.Train, missing)
	assert.NotContains(t, res.Partition.Valid, missing)
	assert.NotContains(t, res.Manifest.Train, missing)
	assert.NotContains(t, res.Manifest.Valid, missing)
	require.NoError(t, res.Partition.Check(res.Set, missing))
}

func TestRunAugmentsTrainOnly(t *testing.T) {
	opts := testutil.DefaultRigOptions()
	opts.UnlabeledEvery = 5
	rig := testutil.NewRig(t, opts)
	cfg := testConfig()
	cfg.Augmentation.COM = true
	cfg.Augmentation.Iterations = 2

	res := run(t, newTestPipeline(t, cfg, rig))
	base := res.Report.TrainLabeled - res.Report.Augmented
	assert.Positive(t, base)
	assert.Equal(t, 2*base, res.Report.Augmented)
	assert.Len(t, res.Partition.Train, 80+res.Report.Augmented)
	assert.Len(t, res.Partition.Valid, 20)
	for _, id := range res.Partition.Valid {
		assert.False(t, id.IsSynthetic())
	}

	ids, _ := drain(t, res.Train)
	assert.Len(t, ids, len(res.Partition.Train))
}

func TestPrepareReselectsUnlabeledTrain(t *testing.T) {
	opts := testutil.DefaultRigOptions()
	opts.UnlabeledEvery = 5
	rig := testutil.NewRig(t, opts)

	full, err := newTestPipeline(t, testConfig(), rig).Prepare(context.Background())
	require.NoError(t, err)
	require.Positive(t, full.Report.TrainUnlabeled)

	cfg := testConfig()
	none := 0.0
	cfg.Split.UnlabeledFraction = &none
	res, err := newTestPipeline(t, cfg, rig).Prepare(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Report.TrainUnlabeled)
	assert.Equal(t, full.Report.TrainLabeled, res.Report.TrainLabeled)
	assert.Len(t, res.Report.Dropped, full.Report.TrainUnlabeled)
	assert.Equal(t, full.Partition.Valid, res.Partition.Valid)
	for _, id := range res.Report.Dropped {
		smp, ok := res.Set.Get(id)
		require.True(t, ok)
		assert.False(t, smp.Pose.IsLabeled())
	}
}

func TestRunTemporalChunksAreBatches(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	cfg := testConfig()
	cfg.Split.TemporalChunkSize = 5

	res := run(t, newTestPipeline(t, cfg, rig, WithBatchSize(7)))
	assert.Equal(t, 16, res.Train.Len())
	assert.Equal(t, 4, res.Valid.Len())

	for _, batch := range res.Train.Batches() {
		require.Len(t, batch, 5)
		for i := 1; i < len(batch); i++ {
			assert.Equal(t, batch[0].Experiment, batch[i].Experiment)
			assert.Equal(t, batch[i-1].Frame+1, batch[i].Frame)
		}
	}
	ids, _ := drain(t, res.Train)
	assert.Len(t, ids, 80)
}

func TestPreparePredictPutsEverythingInValid(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	cfg := testConfig()
	cfg.Dataset.Kind = config.KindPredict
	cfg.Augmentation.COM = true

	res, err := newTestPipeline(t, cfg, rig).Prepare(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Partition.Train)
	assert.Len(t, res.Partition.Valid, 100)
	assert.Zero(t, res.Report.Augmented)
	assert.Equal(t, "predict", res.Manifest.Policy)
}

func socialRig(t *testing.T, separation float64) *testutil.Rig {
	opts := testutil.DefaultRigOptions()
	opts.Social = true
	opts.Separation = separation
	return testutil.NewRig(t, opts)
}

func socialConfig(policy string) config.Config {
	cfg := testConfig()
	cfg.Dataset.Kind = config.KindSocial
	cfg.Social.Instances = 2
	cfg.Social.Policy = policy
	return cfg
}

func TestPrepareSocialPairs(t *testing.T) {
	rig := socialRig(t, 100)
	res, err := newTestPipeline(t, socialConfig(config.SocialNone), rig).Prepare(context.Background())
	require.NoError(t, err)

	require.NotNil(t, res.Pairs)
	assert.Len(t, res.Pairs.Train, len(res.Partition.Train)/2)
	assert.Equal(t, 50, len(res.Pairs.Train)+len(res.Pairs.Valid))
	for i, pair := range res.Pairs.Train {
		assert.Equal(t, pair.A, res.Partition.Train[2*i])
		assert.Equal(t, pair.B, res.Partition.Train[2*i+1])
		assert.Equal(t, pair.A.Frame, pair.B.Frame)
	}
	assert.NotNil(t, res.Manifest.Pairs)
}

func TestPrepareSocialBigVolumeMerges(t *testing.T) {
	rig := socialRig(t, 10)
	res, err := newTestPipeline(t, socialConfig(config.SocialBigVolume), rig).Prepare(context.Background())
	require.NoError(t, err)

	assert.Nil(t, res.Pairs)
	assert.Len(t, res.Report.Absorbed, 50)
	assert.Equal(t, 50, len(res.Partition.Train)+len(res.Partition.Valid))
	assert.Equal(t, volume.Geometry{NVox: 4, VMin: -30, VMax: 30}, res.Geometry)

	job, ok := res.Plan.Job(res.Partition.Train[0])
	require.True(t, ok)
	assert.Equal(t, 8, job.Label.Len())
}

func TestPrepareSocialRequiresInstances(t *testing.T) {
	rig := socialRig(t, 100)
	cfg := socialConfig(config.SocialNone)
	cfg.Social.Instances = 1
	_, err := newTestPipeline(t, cfg, rig).Prepare(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPrepareChecksSkeleton(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	cfg := testConfig()
	cfg.Dataset.Skeleton = "rat23"
	_, err := newTestPipeline(t, cfg, rig).Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRunOverMemoryBudget(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	p := newTestPipeline(t, testConfig(), rig, WithMemoryProbe(func() (uint64, error) { return 1024, nil }))
	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []Kind{KindLabel3D, KindPredict, KindSocial}, Kinds())

	r := NewRegistry()
	require.NoError(t, r.Register(KindLabel3D, newLabel3D))
	err := r.Register(KindLabel3D, newLabel3D)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = r.Create(KindSocial, testConfig(), zaptest.NewLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	cfg := testConfig()
	cfg.Dataset.Kind = config.KindPredict
	_, err = newTestPipeline(t, cfg, rig, WithRegistry(r)).Prepare(context.Background())
	assert.Error(t, err)
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(config.SplitConfig{Policy: config.SplitExperiment, ValidExperiments: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, partition.ByExperiment{Valid: []int{1}}, p)

	path := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, partition.SaveManifest(path, partition.Manifest{Valid: []sample.ID{{Experiment: 0, Frame: 3}}}))
	p, err = PolicyFromConfig(config.SplitConfig{Policy: config.SplitManifest, Manifest: path})
	require.NoError(t, err)
	assert.Equal(t, "manifest", p.Name())

	_, err = PolicyFromConfig(config.SplitConfig{Policy: "random"})
	assert.Error(t, err)
}

func TestWriteCOMs(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	set := rig.Set(t)
	ids := set.IDs()[:3]
	path := filepath.Join(t.TempDir(), "out", "coms.json")

	require.NoError(t, WriteCOMs(path, set, ids))
	entries, err := ReadCOMs(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		smp, _ := set.Get(ids[i])
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, [3]float64{smp.COM.X, smp.COM.Y, smp.COM.Z}, e.COM)
	}

	err = WriteCOMs(path, set, []sample.ID{{Experiment: 9, Frame: 0}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = ReadCOMs(path)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestExamineReportsCacheState(t *testing.T) {
	rig := testutil.NewRig(t, testutil.DefaultRigOptions())
	cfg := testConfig()
	cfg.Cache.Enabled = true
	cfg.Cache.Dir = t.TempDir()

	_, reports, err := newTestPipeline(t, cfg, rig).Examine(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Missing, 100)

	run(t, newTestPipeline(t, cfg, rig))
	require.NoError(t, os.Remove(filepath.Join(cfg.Cache.Dir, "1", "grid_volumes", "1_7.vol")))

	_, reports, err = newTestPipeline(t, cfg, rig).Examine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []sample.ID{{Experiment: 1, Frame: 7}}, reports[0].Missing)
	assert.Len(t, reports[0].Present, 99)

	cfg.Cache.Dir = ""
	_, _, err = newTestPipeline(t, cfg, rig).Examine(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestTrainPosesSkipsSyntheticAndUnlabeled(t *testing.T) {
	opts := testutil.DefaultRigOptions()
	opts.UnlabeledEvery = 5
	rig := testutil.NewRig(t, opts)
	cfg := testConfig()
	cfg.Augmentation.COM = true

	res, err := newTestPipeline(t, cfg, rig).Prepare(context.Background())
	require.NoError(t, err)
	poses := TrainPoses(res)
	assert.Len(t, poses, res.Report.TrainLabeled-res.Report.Augmented)
	for _, p := range poses {
		assert.Len(t, p, 4)
	}
}
