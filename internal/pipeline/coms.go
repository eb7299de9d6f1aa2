package pipeline

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// COMEntry is one line of an exported center-of-mass file
type COMEntry struct {
	ID  sample.ID  `json:"id"`
	COM [3]float64 `json:"com"`
}

// WriteCOMs writes the COM of every id in order as a JSON array
func WriteCOMs(path string, set *sample.Set, ids []sample.ID) error {
	entries := make([]COMEntry, 0, len(ids))
	for _, id := range ids {
		smp, ok := set.Get(id)
		if !ok {
			return errors.Newf(errors.ErrorTypeNotFound, "sample %s not in set", id)
		}
		entries = append(entries, COMEntry{ID: id, COM: [3]float64{smp.COM.X, smp.COM.Y, smp.COM.Z}})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode COMs")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create COM directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write COMs").WithDetail("path", path)
	}
	return nil
}

// ReadCOMs reads a file written by WriteCOMs
func ReadCOMs(path string) ([]COMEntry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the caller
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read COMs").WithDetail("path", path)
	}
	var entries []COMEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode COMs").WithDetail("path", path)
	}
	return entries, nil
}
