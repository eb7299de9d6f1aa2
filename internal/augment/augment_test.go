package augment

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/posevol/internal/partition"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/testutil"
)

func split(t *testing.T, chunk int) (*sample.Set, partition.Partition) {
	opts := testutil.DefaultRigOptions()
	opts.Cameras = 1
	opts.Width, opts.Height = 4, 4
	opts.Frames = 20
	opts.UnlabeledEvery = 4
	set := testutil.NewRig(t, opts).Set(t)
	p, err := partition.Split(set, partition.ByFraction{TrainFraction: 0.5}, partition.Options{Seed: 9, ChunkSize: chunk})
	require.NoError(t, err)
	return set, p
}

func TestCOMAugmentation(t *testing.T) {
	set, p := split(t, 0)
	opts := Options{Radius: 10, Iterations: 3, Seed: 1}

	out, np, err := COM(set, p, opts)
	require.NoError(t, err)

	labeledTrain, _ := set.CountLabeled(p.Train)
	assert.Equal(t, set.Len()+3*labeledTrain, out.Len())
	assert.Equal(t, len(p.Train)+3*labeledTrain, len(np.Train))
	assert.Equal(t, p.Valid, np.Valid, "valid untouched")
	assert.Equal(t, 40, set.Len(), "input set untouched")
	require.NoError(t, np.Check(out))

	synthetic := 0
	for _, id := range np.Train {
		if !id.IsSynthetic() {
			continue
		}
		synthetic++
		v, ok := out.Get(id)
		require.True(t, ok)
		orig, _ := out.Get(id.Base())
		assert.True(t, orig.Pose.IsLabeled())
		assert.Equal(t, orig.Pose, v.Pose, "pose shared unchanged")
		d := v.COM.Sub(orig.COM)
		for _, c := range []float64{d.X, d.Y, d.Z} {
			assert.LessOrEqual(t, math.Abs(c), 10.0)
		}
		assert.NotEqual(t, orig.COM, v.COM)
	}
	assert.Equal(t, 3*labeledTrain, synthetic)

	for _, id := range np.Valid {
		assert.False(t, id.IsSynthetic())
	}
}

func TestCOMAugmentationDeterministic(t *testing.T) {
	set, p := split(t, 0)
	opts := Options{Radius: 5, Iterations: 2, Seed: 77}

	a, _, err := COM(set, p, opts)
	require.NoError(t, err)
	b, _, err := COM(set, p, opts)
	require.NoError(t, err)

	require.Equal(t, a.IDs(), b.IDs())
	for _, id := range a.IDs() {
		sa, _ := a.Get(id)
		sb, _ := b.Get(id)
		assert.Equal(t, sa.COM, sb.COM, id.String())
	}
}

func TestCOMAugmentationChunksEachVariantSeparately(t *testing.T) {
	set, p := split(t, 5)
	_, np, err := COM(set, p, Options{Radius: 1, Iterations: 2})
	require.NoError(t, err)

	require.Len(t, np.TrainChunks, 3*len(p.TrainChunks))
	total := 0
	for c, chunk := range np.TrainChunks {
		total += len(chunk)
		frames := make(map[int64]bool, len(chunk))
		for i, id := range chunk {
			assert.False(t, frames[id.Frame], "chunk %d repeats frame %d", c, id.Frame)
			frames[id.Frame] = true
			assert.Equal(t, chunk[0].Variant, id.Variant)
			assert.Equal(t, chunk[0].Experiment, id.Experiment)
			if i > 0 {
				assert.Less(t, chunk[i-1].Frame, id.Frame)
			}
		}
	}
	assert.Equal(t, len(np.Train), total)

	for c, chunk := range p.TrainChunks {
		assert.Equal(t, chunk, np.TrainChunks[3*c])
		assert.Equal(t, Variant(0), np.TrainChunks[3*c+1][0].Variant)
		assert.Equal(t, Variant(1), np.TrainChunks[3*c+2][0].Variant)
	}
}

func TestCOMAugmentationDisabled(t *testing.T) {
	set, p := split(t, 0)
	out, np, err := COM(set, p, Options{Radius: 10})
	require.NoError(t, err)
	assert.Same(t, set, out)
	assert.Equal(t, p, np)

	_, _, err = COM(set, p, Options{Radius: -1, Iterations: 1})
	assert.Error(t, err)
}
