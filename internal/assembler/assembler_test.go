package assembler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/testutil"
	"github.com/ajitpratap0/posevol/pkg/video"
)

func newAssembler(t *testing.T, probe MemoryProbe) (*Assembler, *sample.Set) {
	ro := testutil.DefaultRigOptions()
	ro.Frames = 5
	ro.Cameras = 2
	ro.Width, ro.Height = 16, 12
	rig := testutil.NewRig(t, ro)
	rig.Experiments[0].Records[2].VideoFrames = map[string]int64{"Camera1": 99}
	set := rig.Set(t)

	logger := zaptest.NewLogger(t)
	lib := video.NewLibrary(rig.Source, logger)
	t.Cleanup(func() { _ = lib.Close() })
	builder := volume.NewBuilder(set, lib, volume.Options{ExpVal: true, Workers: 3}, logger)
	plan := volume.DefaultPlan(set, volume.Geometry{NVox: 4, VMin: -20, VMax: 20})
	return New(builder, plan, 0.5, logger, WithMemoryProbe(probe)), set
}

func plenty() (uint64, error) { return 1 << 40, nil }

func TestAssembleKeepsOrderAndExcludes(t *testing.T) {
	a, set := newAssembler(t, plenty)
	ids := set.IDs()
	reversed := make([]sample.ID, len(ids))
	for i, id := range ids {
		reversed[len(ids)-1-i] = id
	}

	arr, excluded, err := a.Assemble(context.Background(), reversed)
	require.NoError(t, err)
	require.Len(t, excluded, 1)
	assert.Equal(t, sample.ID{Experiment: 0, Frame: 2}, excluded[0].ID)
	assert.True(t, errors.IsType(excluded[0].Err, errors.ErrorTypeMissingVideoChunk))

	assert.Equal(t, len(ids)-1, arr.Len())
	assert.Equal(t, sample.ID{Experiment: 1, Frame: 4}, arr.IDs[0])
	assert.Equal(t, []int{len(ids) - 1, 4, 4, 4, 6}, arr.Images.Shape)
	assert.Equal(t, -1, arr.Index(excluded[0].ID))
}

func TestAssembleRefusesOverBudget(t *testing.T) {
	a, set := newAssembler(t, func() (uint64, error) { return 1024, nil })

	need, err := a.Estimate(set.IDs())
	require.NoError(t, err)
	assert.Greater(t, need, uint64(512))

	_, _, err = a.Assemble(context.Background(), set.IDs())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestSystemMemory(t *testing.T) {
	avail, err := SystemMemory()
	require.NoError(t, err)
	assert.Positive(t, avail)
}
