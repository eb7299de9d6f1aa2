package annotation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

const yamlDoc = `
name: rat1
recording: pair1
instance: 1
cameras:
  - name: Camera1
    K: [[500, 0, 320], [0, 500, 240], [0, 0, 1]]
    R: [[1, 0, 0], [0, 1, 0], [0, 0, 1]]
    t: [0, 0, 1000]
    radial: [0.01, 0.001]
    chunks:
      - {path: cam1/0, start: 0, end: 100}
  - name: Camera2
    convention: row
    K: [[500, 0, 0], [0, 500, 0], [320, 240, 1]]
    R: [[1, 0, 0], [0, 1, 0], [0, 0, 1]]
    t: [0, 0, 1000]
frames:
  - frame: 10
    com: [1, 2, 3]
    pose: [[0, 0, 0], [1, 1, 1]]
  - frame: 11
    com: [1, 2, 4]
    video_frames: {Camera2: 12}
`

func TestFileStoreYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rat1.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	store := NewFileStore([]Source{{Path: path}}, 100, zaptest.NewLogger(t))
	exps, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, exps, 1)

	exp := exps[0]
	assert.Equal(t, "rat1", exp.Name)
	assert.Equal(t, "pair1", exp.RecordingKey())
	assert.Equal(t, 1, exp.Instance)
	require.Len(t, exp.Cameras, 2)
	assert.Equal(t, 320.0, exp.Cameras[1].Params.K().At(0, 2), "row convention transposed")

	chunk, _, err := exp.Cameras[0].Chunks.Locate(50)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cam1/0"), chunk.Path)

	require.Len(t, exp.Records, 2)
	assert.True(t, exp.Records[0].Pose.IsLabeled())
	assert.False(t, exp.Records[1].Pose.IsLabeled())
	assert.Equal(t, int64(12), exp.Records[1].VideoFrame("Camera2"))
	assert.Equal(t, int64(11), exp.Records[1].VideoFrame("Camera1"))
}

func TestFileStoreJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "rat1.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlDoc), 0o644))
	doc, err := ReadDocument(yamlPath)
	require.NoError(t, err)

	jsonPath := filepath.Join(dir, "rat1.json")
	require.NoError(t, WriteDocument(jsonPath, doc))

	instance := 0
	store := NewFileStore([]Source{{Name: "renamed", Path: jsonPath, Instance: &instance}}, 100, zaptest.NewLogger(t))
	exps, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "renamed", exps[0].Name)
	assert.Equal(t, 0, exps[0].Instance)
	assert.Len(t, exps[0].Records, 2)
}

func TestFileStorePartialPose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	content := `{"name":"x","cameras":[{"name":"c","K":[[1,0,0],[0,1,0],[0,0,1]],"R":[[1,0,0],[0,1,0],[0,0,1]],"t":[0,0,0]}],
"frames":[{"frame":1,"com":[0,0,0],"pose":[[0,0,0],null]}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := NewFileStore([]Source{{Path: path}}, 100, zaptest.NewLogger(t)).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestFileStoreMissingCalibration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nocam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\nframes: []\n"), 0o644))

	_, err := NewFileStore([]Source{{Path: path}}, 100, zaptest.NewLogger(t)).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMissingCalibration))
	assert.True(t, errors.IsFatal(err))
}

func TestFileStoreScansVideoDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rat1.yaml")
	doc := `
name: rat1
cameras:
  - name: Camera1
    K: [[1, 0, 0], [0, 1, 0], [0, 0, 1]]
    R: [[1, 0, 0], [0, 1, 0], [0, 0, 1]]
    t: [0, 0, 0]
frames: []
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "videos", "Camera1", "0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "videos", "Camera1", "50"), 0o755))

	exps, err := NewFileStore([]Source{{Path: path, VideoDir: filepath.Join(dir, "videos")}}, 50, zaptest.NewLogger(t)).
		Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, exps[0].Cameras[0].Chunks.Len())
}
