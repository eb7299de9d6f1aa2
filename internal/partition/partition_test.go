package partition

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/testutil"
)

func rigSet(t *testing.T, opts testutil.RigOptions) *sample.Set {
	return testutil.NewRig(t, opts).Set(t)
}

func smallRig() testutil.RigOptions {
	opts := testutil.DefaultRigOptions()
	opts.Cameras = 1
	opts.Width, opts.Height = 4, 4
	return opts
}

func TestSplitByFraction(t *testing.T) {
	set := rigSet(t, smallRig())

	p, err := Split(set, ByFraction{TrainFraction: 0.8}, Options{Seed: 7})
	require.NoError(t, err)
	assert.Len(t, p.Train, 80)
	assert.Len(t, p.Valid, 20)
	require.NoError(t, p.Check(set))

	for e, ids := range sample.ByExperiment(p.Valid) {
		assert.Len(t, ids, 10, "experiment %d", e)
	}
	assert.Nil(t, p.TrainChunks)
}

func TestSplitIsDeterministic(t *testing.T) {
	set := rigSet(t, smallRig())

	a, err := Split(set, ByFraction{TrainFraction: 0.7}, Options{Seed: 42})
	require.NoError(t, err)
	b, err := Split(set, ByFraction{TrainFraction: 0.7}, Options{Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Split(set, ByFraction{TrainFraction: 0.7}, Options{Seed: 43})
	require.NoError(t, err)
	assert.NotEqual(t, a.Valid, c.Valid)
}

func TestSplitTemporalChunks(t *testing.T) {
	set := rigSet(t, smallRig())

	p, err := Split(set, ByFraction{TrainFraction: 0.8}, Options{Seed: 1, ChunkSize: 10})
	require.NoError(t, err)
	require.NoError(t, p.Check(set))
	assert.Len(t, p.TrainChunks, 8)
	assert.Len(t, p.ValidChunks, 2)

	for _, chunk := range p.ValidChunks {
		require.Len(t, chunk, 10)
		for i := 1; i < len(chunk); i++ {
			assert.Equal(t, chunk[0].Experiment, chunk[i].Experiment)
			assert.Equal(t, chunk[i-1].Frame+1, chunk[i].Frame)
		}
	}
}

func TestTemporalChunksShortTail(t *testing.T) {
	ids := []sample.ID{
		{Experiment: 1, Frame: 3}, {Experiment: 0, Frame: 2}, {Experiment: 0, Frame: 1},
		{Experiment: 0, Frame: 0}, {Experiment: 1, Frame: 4},
	}
	chunks := TemporalChunks(ids, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []sample.ID{{Experiment: 0, Frame: 0}, {Experiment: 0, Frame: 1}}, chunks[0])
	assert.Equal(t, []sample.ID{{Experiment: 0, Frame: 2}}, chunks[1])
	assert.Equal(t, []sample.ID{{Experiment: 1, Frame: 3}, {Experiment: 1, Frame: 4}}, chunks[2])

	assert.Len(t, TemporalChunks(ids, 0), 5)
}

func TestSplitByExperiment(t *testing.T) {
	opts := smallRig()
	opts.Experiments = 3
	set := rigSet(t, opts)

	p, err := Split(set, ByExperiment{Valid: []int{1}}, Options{})
	require.NoError(t, err)
	require.NoError(t, p.Check(set))
	assert.Len(t, p.Valid, 50)
	for _, id := range p.Valid {
		assert.Equal(t, 1, id.Experiment)
	}

	_, err = Split(set, ByExperiment{Valid: []int{5}}, Options{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSplitByManifest(t *testing.T) {
	set := rigSet(t, smallRig())
	valid := []sample.ID{{Experiment: 0, Frame: 3}, {Experiment: 1, Frame: 4}}

	p, err := Split(set, ByManifest{Manifest: Manifest{Valid: valid}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, valid, p.Valid)
	assert.Len(t, p.Train, 98)

	_, err = Split(set, ByManifest{Manifest: Manifest{Valid: []sample.ID{{Experiment: 9, Frame: 0}}}}, Options{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = Split(set, ByManifest{Manifest: Manifest{Valid: valid}}, Options{ChunkSize: 5})
	assert.Error(t, err, "manifest may not split a chunk")
}

func TestSplitAllValid(t *testing.T) {
	set := rigSet(t, smallRig())
	p, err := Split(set, AllValid{}, Options{})
	require.NoError(t, err)
	assert.Empty(t, p.Train)
	assert.Len(t, p.Valid, set.Len())
}

func TestCheckDetectsOverlap(t *testing.T) {
	set := rigSet(t, smallRig())
	p, err := Split(set, ByFraction{TrainFraction: 0.5}, Options{Seed: 1})
	require.NoError(t, err)

	p.Train = append(p.Train, p.Valid[0])
	assert.Error(t, p.Check(set))

	p, err = Split(set, ByFraction{TrainFraction: 0.5}, Options{Seed: 1})
	require.NoError(t, err)
	assert.Error(t, p.Without(p.Valid[:1]).Check(set), "dropped sample is in neither split")
}

func TestManifestRoundTrip(t *testing.T) {
	set := rigSet(t, smallRig())
	p, err := Split(set, ByFraction{TrainFraction: 0.8}, Options{Seed: 3, ChunkSize: 5})
	require.NoError(t, err)
	pairs := &Pairs{Train: []Pair{{A: p.Train[0], B: p.Train[1]}}}

	for _, name := range []string{"split.yaml", "split.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveManifest(path, NewManifest(p, pairs, "fraction", 3)))

			m, err := LoadManifest(path)
			require.NoError(t, err)
			assert.Equal(t, p.Train, m.Train)
			assert.Equal(t, p.Valid, m.Valid)
			assert.Equal(t, p.ValidChunks, m.ValidChunks)
			assert.Equal(t, pairs, m.Pairs)

			again, err := Split(set, ByManifest{Manifest: m}, Options{ChunkSize: 5})
			require.NoError(t, err)
			assert.Equal(t, p.Valid, again.Valid)
		})
	}

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeFile))
}

func TestManifestEmptyListsLoadAsNil(t *testing.T) {
	set := rigSet(t, smallRig())
	p, err := Split(set, AllValid{}, Options{})
	require.NoError(t, err)
	require.Empty(t, p.Train)
	pairs := &Pairs{Valid: []Pair{{A: p.Valid[0], B: p.Valid[1]}}, Train: []Pair{}}

	for _, name := range []string{"split.yaml", "split.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveManifest(path, NewManifest(p, pairs, "all_valid", 0)))

			m, err := LoadManifest(path)
			require.NoError(t, err)
			assert.Nil(t, m.Train)
			assert.Nil(t, m.TrainChunks)
			assert.Equal(t, p.Valid, m.Valid)
			require.NotNil(t, m.Pairs)
			assert.Nil(t, m.Pairs.Train)
			assert.Equal(t, pairs.Valid, m.Pairs.Valid)
		})
	}
}

func TestReselectUnlabeled(t *testing.T) {
	opts := smallRig()
	opts.UnlabeledEvery = 5
	set := rigSet(t, opts)
	p, err := Split(set, ByFraction{TrainFraction: 1}, Options{Seed: 1})
	require.NoError(t, err)
	labeled, unlabeled := set.CountLabeled(p.Train)
	require.Equal(t, 80, labeled)
	require.Equal(t, 20, unlabeled)

	out, dropped, err := ReselectUnlabeled(set, p, 0.5, 9)
	require.NoError(t, err)
	assert.Len(t, dropped, 10)
	labeled, unlabeled = set.CountLabeled(out.Train)
	assert.Equal(t, 80, labeled)
	assert.Equal(t, 10, unlabeled)
	require.NoError(t, out.Check(set, dropped...))

	again, droppedAgain, err := ReselectUnlabeled(set, p, 0.5, 9)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, dropped, droppedAgain)

	all, none, err := ReselectUnlabeled(set, p, 1, 9)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, p.Train, all.Train)

	only, gone, err := ReselectUnlabeled(set, p, 0, 9)
	require.NoError(t, err)
	assert.Len(t, gone, 20)
	_, unlabeled = set.CountLabeled(only.Train)
	assert.Zero(t, unlabeled)

	_, _, err = ReselectUnlabeled(set, p, 1.5, 9)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestReselectUnlabeledKeepsWholeChunks(t *testing.T) {
	opts := smallRig()
	opts.UnlabeledEvery = 1
	set := rigSet(t, opts)
	p, err := Split(set, ByFraction{TrainFraction: 1}, Options{Seed: 1, ChunkSize: 10})
	require.NoError(t, err)
	require.Len(t, p.TrainChunks, 10)

	out, dropped, err := ReselectUnlabeled(set, p, 0.5, 4)
	require.NoError(t, err)
	assert.Len(t, dropped, 50)
	require.Len(t, out.TrainChunks, 5)
	for _, c := range out.TrainChunks {
		assert.Len(t, c, 10)
	}
	assert.Len(t, out.Train, 50)
	require.NoError(t, out.Check(set, dropped...))
}
