package partition

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Manifest is the persisted form of a partition
type Manifest struct {
	Policy      string        `yaml:"policy,omitempty" json:"policy,omitempty"`
	Seed        uint64        `yaml:"seed" json:"seed"`
	Train       []sample.ID   `yaml:"train" json:"train"`
	Valid       []sample.ID   `yaml:"valid" json:"valid"`
	TrainChunks [][]sample.ID `yaml:"train_chunks,omitempty" json:"train_chunks,omitempty"`
	ValidChunks [][]sample.ID `yaml:"valid_chunks,omitempty" json:"valid_chunks,omitempty"`
	Pairs       *Pairs        `yaml:"pairs,omitempty" json:"pairs,omitempty"`
}

// NewManifest captures p and its optional pairs
func NewManifest(p Partition, pairs *Pairs, policy string, seed uint64) Manifest {
	return Manifest{
		Policy:      policy,
		Seed:        seed,
		Train:       p.Train,
		Valid:       p.Valid,
		TrainChunks: p.TrainChunks,
		ValidChunks: p.ValidChunks,
		Pairs:       pairs,
	}
}

// SaveManifest writes m as JSON or YAML depending on the extension of path
func SaveManifest(path string, m Manifest) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(m, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m)
	default:
		return errors.Newf(errors.ErrorTypeCapability, "unsupported manifest format %q", filepath.Ext(path))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode manifest")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create manifest directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write manifest").WithDetail("path", path)
	}
	return nil
}

// LoadManifest reads a manifest written by SaveManifest or by hand
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return Manifest{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to read manifest").WithDetail("path", path)
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		return Manifest{}, errors.Newf(errors.ErrorTypeCapability, "unsupported manifest format %q", filepath.Ext(path))
	}
	if err != nil {
		return Manifest{}, errors.Wrap(err, errors.ErrorTypeData, "failed to parse manifest").WithDetail("path", path)
	}
	m.normalize()
	return m, nil
}

// normalize maps empty lists to nil so a loaded manifest equals the saved one
// regardless of format
func (m *Manifest) normalize() {
	if len(m.Train) == 0 {
		m.Train = nil
	}
	if len(m.Valid) == 0 {
		m.Valid = nil
	}
	if len(m.TrainChunks) == 0 {
		m.TrainChunks = nil
	}
	if len(m.ValidChunks) == 0 {
		m.ValidChunks = nil
	}
	if m.Pairs != nil {
		if len(m.Pairs.Train) == 0 {
			m.Pairs.Train = nil
		}
		if len(m.Pairs.Valid) == 0 {
			m.Pairs.Valid = nil
		}
	}
}
