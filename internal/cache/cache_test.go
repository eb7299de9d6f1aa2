package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/compression"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/segmentation"
	"github.com/ajitpratap0/posevol/pkg/testutil"
	"github.com/ajitpratap0/posevol/pkg/video"
)

func newCodec(t *testing.T, alg compression.Algorithm) *Codec {
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: alg, Level: compression.Default})
	require.NoError(t, err)
	return NewCodec(comp)
}

func TestCodecRoundTrip(t *testing.T) {
	tensors := []volume.Tensor{
		{Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4.5, -5, 6}},
		{Shape: []int{0}, Data: []float32{}},
		{Shape: []int{1, 1, 1, 1}, Data: []float32{0.25}},
	}
	for _, alg := range []compression.Algorithm{
		compression.None, compression.Zstd, compression.LZ4, compression.S2, compression.Snappy, compression.Gzip,
	} {
		t.Run(string(alg), func(t *testing.T) {
			c := newCodec(t, alg)
			data, err := c.Encode(tensors...)
			require.NoError(t, err)

			h, err := parseHeader(data)
			require.NoError(t, err)
			assert.Equal(t, alg, h.Algorithm)
			assert.Equal(t, 3, h.Tensors)

			got, err := newCodec(t, compression.None).Decode(data)
			require.NoError(t, err)
			require.Len(t, got, 3)
			for i := range tensors {
				assert.Equal(t, tensors[i].Shape, got[i].Shape)
				assert.Equal(t, tensors[i].Data, got[i].Data)
			}
		})
	}
}

func TestCodecRejectsDamage(t *testing.T) {
	c := newCodec(t, compression.Zstd)
	data, err := c.Encode(volume.Tensor{Shape: []int{4}, Data: []float32{1, 2, 3, 4}})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     {},
		"magic":     append([]byte("XXXX"), data[4:]...),
		"truncated": data[:len(data)-3],
		"trailing":  append(append([]byte(nil), data...), 0),
	}
	for name, b := range cases {
		_, err := c.Decode(b)
		assert.True(t, errors.IsType(err, errors.ErrorTypeCacheCorruption), name)
	}

	_, err = c.Encode()
	assert.Error(t, err)
	_, err = c.Encode(volume.Tensor{Shape: []int{3}, Data: []float32{1}})
	assert.Error(t, err)
}

type env struct {
	set     *sample.Set
	manager *Manager
	root    string
}

func newEnv(t *testing.T, opts volume.Options) env {
	ro := testutil.DefaultRigOptions()
	ro.Frames = 4
	ro.Cameras = 2
	ro.Width, ro.Height = 16, 12
	rig := testutil.NewRig(t, ro)
	set := rig.Set(t)

	logger := zaptest.NewLogger(t)
	lib := video.NewLibrary(rig.Source, logger)
	t.Cleanup(func() { _ = lib.Close() })

	opts.Workers = 4
	builder := volume.NewBuilder(set, lib, opts, logger)
	plan := volume.DefaultPlan(set, volume.Geometry{NVox: 4, VMin: -20, VMax: 20})
	root := filepath.Join(t.TempDir(), "cache")
	return env{set: set, root: root, manager: NewManager(root, builder, plan, newCodec(t, compression.Zstd), 4, logger)}
}

func mtimes(t *testing.T, root string) map[string]time.Time {
	out := make(map[string]time.Time)
	require.NoError(t, filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == fileExt {
			out[path] = info.ModTime()
		}
		return nil
	}))
	return out
}

func TestGenerateIsIdempotent(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true, Normalize: true})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	ids := e.set.IDs()

	rep, err := e.manager.Examine(ctx, ids, NamespacePrimary)
	require.NoError(t, err)
	assert.Len(t, rep.Missing, len(ids))
	assert.Empty(t, rep.Present)

	gen, err := e.manager.Generate(ctx, rep.Missing, NamespacePrimary)
	require.NoError(t, err)
	assert.Equal(t, 3*len(ids), gen.Written)
	assert.Empty(t, gen.Excluded)

	rep, err = e.manager.Examine(ctx, ids, NamespacePrimary)
	require.NoError(t, err)
	assert.Empty(t, rep.Missing)
	assert.Len(t, rep.Present, len(ids))

	gen, err = e.manager.Generate(ctx, rep.Missing, NamespacePrimary)
	require.NoError(t, err)
	assert.Zero(t, gen.Written)

	assert.FileExists(t, filepath.Join(e.root, "1", "image_volumes", "1_3.vol"))
	assert.FileExists(t, filepath.Join(e.root, "0", "targets", "0_0.vol"))
}

func TestSingleDeletionRegeneratesOnlyThatEntry(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	ids := e.set.IDs()

	_, err := e.manager.Generate(ctx, ids, NamespacePrimary)
	require.NoError(t, err)
	before := mtimes(t, e.root)

	victim := sample.ID{Experiment: 1, Frame: 2}
	deleted := e.manager.Path(victim, NamespacePrimary)[1]
	require.NoError(t, os.Remove(deleted))

	rep, err := e.manager.Examine(ctx, ids, NamespacePrimary)
	require.NoError(t, err)
	assert.Equal(t, []sample.ID{victim}, rep.Missing)
	assert.Empty(t, rep.Corrupt)

	time.Sleep(20 * time.Millisecond)
	gen, err := e.manager.Generate(ctx, rep.Missing, NamespacePrimary)
	require.NoError(t, err)
	assert.Equal(t, 3, gen.Written)

	after := mtimes(t, e.root)
	assert.Len(t, after, len(before))
	victimFiles := make(map[string]bool)
	for _, p := range e.manager.Path(victim, NamespacePrimary) {
		victimFiles[p] = true
	}
	for path, mt := range before {
		if victimFiles[path] {
			continue
		}
		assert.Equal(t, mt, after[path], path)
	}
	assert.FileExists(t, deleted)
}

func TestCorruptEntryIsRegeneratedOnLoad(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	ids := e.set.IDs()

	_, err := e.manager.Generate(ctx, ids, NamespacePrimary)
	require.NoError(t, err)

	victim := sample.ID{Experiment: 0, Frame: 1}
	require.NoError(t, os.WriteFile(e.manager.Path(victim, NamespacePrimary)[0], []byte("garbage!"), 0o644))

	rep, err := e.manager.Examine(ctx, ids, NamespacePrimary)
	require.NoError(t, err)
	assert.Equal(t, []sample.ID{victim}, rep.Corrupt)

	arr, excluded, err := e.manager.Load(ctx, ids, false)
	require.NoError(t, err)
	assert.Empty(t, excluded)
	assert.Equal(t, ids, arr.IDs)
	assert.Equal(t, []int{len(ids), 4, 4, 4, 6}, arr.Images.Shape)
	assert.Equal(t, []int{len(ids), 4, 3}, arr.Targets.Shape)

	rep, err = e.manager.Examine(ctx, ids, NamespacePrimary)
	require.NoError(t, err)
	assert.Empty(t, rep.Missing)
}

func TestLoadMatchesBuild(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: false, Sigma: 8})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	id := sample.ID{Experiment: 1, Frame: 1}

	arr, _, err := e.manager.Load(ctx, []sample.ID{id}, false)
	require.NoError(t, err)

	job, ok := e.manager.plan.Job(id)
	require.True(t, ok)
	vol, err := e.manager.builder.Build(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, vol.Image.Data, arr.Images.Data)
	assert.Equal(t, vol.Target.Data, arr.Targets.Data)
	assert.Equal(t, vol.Mask.Data, arr.Masks.Data)
}

func TestAuxNamespace(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true, Segmenter: segmentation.ThresholdSegmenter{Threshold: 100}})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	ids := e.set.IDs()

	_, err := e.manager.Generate(ctx, ids, NamespacePrimary)
	require.NoError(t, err)

	rep, err := e.manager.Examine(ctx, ids, NamespaceAux)
	require.NoError(t, err)
	assert.Len(t, rep.Missing, len(ids), "aux tracked separately")

	gen, err := e.manager.Generate(ctx, rep.Missing, NamespaceAux)
	require.NoError(t, err)
	assert.Equal(t, len(ids), gen.Written)

	arr, _, err := e.manager.Load(ctx, ids, true)
	require.NoError(t, err)
	require.NotNil(t, arr.Aux)
	assert.Equal(t, []int{len(ids), 4, 4, 4, 2}, arr.Aux.Shape)
}

func TestGenerateMissingWritesOnlyMissingNamespaces(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true, Segmenter: segmentation.ThresholdSegmenter{Threshold: 100}})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	ids := e.set.IDs()

	_, err := e.manager.Generate(ctx, ids, NamespacePrimary, NamespaceAux)
	require.NoError(t, err)

	victim := ids[1]
	require.NoError(t, os.Remove(e.manager.Path(victim, NamespaceAux)[0]))
	before := mtimes(t, e.root)

	var reports []Report
	for _, ns := range []Namespace{NamespacePrimary, NamespaceAux} {
		rep, err := e.manager.Examine(ctx, ids, ns)
		require.NoError(t, err)
		reports = append(reports, rep)
	}
	assert.Empty(t, reports[0].Missing)
	assert.Equal(t, []sample.ID{victim}, reports[1].Missing)

	time.Sleep(10 * time.Millisecond)
	gen, err := e.manager.GenerateMissing(ctx, reports...)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Written)

	after := mtimes(t, e.root)
	for path, mt := range before {
		assert.Equal(t, mt, after[path], "%s was touched", path)
	}
	assert.Contains(t, after, e.manager.Path(victim, NamespaceAux)[0])
}

func TestLoadRegeneratesOnlyBrokenNamespace(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true, Segmenter: segmentation.ThresholdSegmenter{Threshold: 100}})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	ids := e.set.IDs()

	_, err := e.manager.Generate(ctx, ids, NamespacePrimary, NamespaceAux)
	require.NoError(t, err)

	victim := ids[2]
	require.NoError(t, os.WriteFile(e.manager.Path(victim, NamespaceAux)[0], []byte("garbage!"), 0o644))
	before := mtimes(t, e.root)

	time.Sleep(10 * time.Millisecond)
	arr, excluded, err := e.manager.Load(ctx, ids, true)
	require.NoError(t, err)
	assert.Empty(t, excluded)
	require.NotNil(t, arr.Aux)

	after := mtimes(t, e.root)
	for _, path := range e.manager.Path(victim, NamespacePrimary) {
		assert.Equal(t, before[path], after[path], "%s was touched", path)
	}
	assert.NotEqual(t, before[e.manager.Path(victim, NamespaceAux)[0]], after[e.manager.Path(victim, NamespaceAux)[0]])
}

func TestGenerateRespectsLock(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true})
	require.NoError(t, os.MkdirAll(e.root, 0o755))

	other := flock.New(filepath.Join(e.root, lockName))
	ok, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer other.Unlock()

	_, err = e.manager.Generate(context.Background(), e.set.IDs(), NamespacePrimary)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestGenerateCanceledLeavesNoEntries(t *testing.T) {
	e := newEnv(t, volume.Options{ExpVal: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.manager.Generate(ctx, e.set.IDs(), NamespacePrimary)
	assert.Error(t, err)

	rep, err := e.manager.Examine(context.Background(), e.set.IDs(), NamespacePrimary)
	require.NoError(t, err)
	assert.Len(t, rep.Missing, e.set.Len())
}
