// Package cache persists built volumes on disk and regenerates only what is
// missing or unreadable.
//
// Layout under the cache root, per experiment index e:
//
//	<root>/<e>/image_volumes/<id>.vol
//	<root>/<e>/grid_volumes/<id>.vol
//	<root>/<e>/targets/<id>.vol
//	<root>/<e>/aux/silhouettes/<id>.vol
//
// The primary namespace is the first three files; aux is tracked separately.
// Files are written to a temporary name and renamed into place, so an
// interrupted run leaves no partial entries. One process writes at a time,
// enforced by a lock file at the root.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/metrics"
	"github.com/ajitpratap0/posevol/pkg/mmap"
	"github.com/ajitpratap0/posevol/pkg/observability"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// Namespace is an independently tracked group of cache files
type Namespace string

const (
	// NamespacePrimary holds image, grid and target volumes
	NamespacePrimary Namespace = "primary"
	// NamespaceAux holds silhouettes
	NamespaceAux Namespace = "aux"
)

const (
	fileExt  = ".vol"
	lockName = ".posevol.lock"
)

var dirs = map[Namespace][]string{
	NamespacePrimary: {"image_volumes", "grid_volumes", "targets"},
	NamespaceAux:     {filepath.Join("aux", "silhouettes")},
}

// Report is the result of Examine
type Report struct {
	Namespace Namespace
	// Present maps each complete entry to its files
	Present map[sample.ID][]string
	// Missing lists entries with at least one absent or unreadable file, sorted
	Missing []sample.ID
	// Corrupt is the subset of Missing whose files exist but do not parse
	Corrupt []sample.ID
}

// GenerateReport is the result of Generate
type GenerateReport struct {
	Written  int
	Bytes    int64
	Excluded []volume.Exclusion
}

// Manager owns one cache root
type Manager struct {
	root    string
	builder *volume.Builder
	plan    *volume.Plan
	codec   *Codec
	workers int
	lock    *flock.Flock
	tracer  *observability.StageTracer
	logger  *zap.Logger
}

// NewManager creates a manager over root. Volumes are built by builder from
// the jobs of plan.
func NewManager(root string, builder *volume.Builder, plan *volume.Plan, codec *Codec, workers int, logger *zap.Logger) *Manager {
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		root:    root,
		builder: builder,
		plan:    plan,
		codec:   codec,
		workers: workers,
		lock:    flock.New(filepath.Join(root, lockName)),
		tracer:  observability.NewStageTracer("cache"),
		logger:  logger.With(zap.String("component", "cache_manager"), zap.String("root", root)),
	}
}

// Root returns the cache directory
func (m *Manager) Root() string {
	return m.root
}

// Path returns the files of id in ns
func (m *Manager) Path(id sample.ID, ns Namespace) []string {
	sub := dirs[ns]
	paths := make([]string, len(sub))
	for i, d := range sub {
		paths[i] = filepath.Join(m.root, strconv.Itoa(id.Experiment), d, id.String()+fileExt)
	}
	return paths
}

// Examine classifies ids as present or missing in ns. A file counts only if
// it exists, is non-empty and its header parses.
func (m *Manager) Examine(ctx context.Context, ids []sample.ID, ns Namespace) (Report, error) {
	if _, ok := dirs[ns]; !ok {
		return Report{}, errors.Newf(errors.ErrorTypeValidation, "unknown cache namespace %q", ns)
	}
	rep := Report{Namespace: ns, Present: make(map[sample.ID][]string, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		paths := m.Path(id, ns)
		result := "present"
		for _, p := range paths {
			if _, err := ReadHeader(p); err != nil {
				if errors.IsType(err, errors.ErrorTypeCacheCorruption) {
					result = "corrupt"
					m.logger.Warn("unreadable cache file",
						zap.String("path", p),
						zap.Error(err))
				} else if result == "present" {
					result = "missing"
				}
			}
		}
		metrics.CacheExamined.WithLabelValues(string(ns), result).Inc()
		switch result {
		case "present":
			rep.Present[id] = paths
		case "corrupt":
			rep.Corrupt = append(rep.Corrupt, id)
			rep.Missing = append(rep.Missing, id)
		default:
			rep.Missing = append(rep.Missing, id)
		}
	}
	sample.SortIDs(rep.Missing)
	sample.SortIDs(rep.Corrupt)

	m.logger.Info("examined cache",
		zap.String("namespace", string(ns)),
		zap.Int("present", len(rep.Present)),
		zap.Int("missing", len(rep.Missing)),
		zap.Int("corrupt", len(rep.Corrupt)))
	return rep, nil
}

// Generate builds ids and writes their files in every namespace listed.
// Entries not listed are never touched. Samples that cannot be built are
// excluded and reported.
func (m *Manager) Generate(ctx context.Context, ids []sample.ID, namespaces ...Namespace) (GenerateReport, error) {
	if len(namespaces) == 0 {
		namespaces = []Namespace{NamespacePrimary}
	}
	want := make(map[sample.ID][]Namespace, len(ids))
	for _, id := range ids {
		want[id] = namespaces
	}
	return m.generate(ctx, want)
}

// GenerateMissing builds every sample missing from at least one report and
// writes only the namespaces it is missing from. Present files stay as they
// are.
func (m *Manager) GenerateMissing(ctx context.Context, reports ...Report) (GenerateReport, error) {
	want := make(map[sample.ID][]Namespace)
	for _, rep := range reports {
		for _, id := range rep.Missing {
			want[id] = append(want[id], rep.Namespace)
		}
	}
	return m.generate(ctx, want)
}

func (m *Manager) generate(ctx context.Context, want map[sample.ID][]Namespace) (GenerateReport, error) {
	if len(want) == 0 {
		return GenerateReport{}, nil
	}
	ids := make([]sample.ID, 0, len(want))
	for id, namespaces := range want {
		for _, ns := range namespaces {
			if _, ok := dirs[ns]; !ok {
				return GenerateReport{}, errors.Newf(errors.ErrorTypeValidation, "unknown cache namespace %q", ns)
			}
			if ns == NamespaceAux && !m.builder.Silhouettes() {
				return GenerateReport{}, errors.New(errors.ErrorTypeConfig, "aux namespace requested but silhouettes are off")
			}
		}
		ids = append(ids, id)
	}
	sample.SortIDs(ids)
	jobs, err := m.plan.Jobs(ids)
	if err != nil {
		return GenerateReport{}, err
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return GenerateReport{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to create cache root")
	}
	locked, err := m.lock.TryLock()
	if err != nil {
		return GenerateReport{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to lock cache")
	}
	if !locked {
		return GenerateReport{}, errors.Newf(errors.ErrorTypeFile, "cache %s is locked by another writer", m.root)
	}
	defer func() {
		if err := m.lock.Unlock(); err != nil {
			m.logger.Warn("failed to unlock cache", zap.Error(err))
		}
	}()

	var (
		mu  sync.Mutex
		rep GenerateReport
	)
	tracker := metrics.NewThroughputTracker("cache")
	err = m.tracer.Trace(ctx, "generate", len(jobs), func(ctx context.Context) error {
		excluded, err := m.builder.BuildEach(ctx, jobs, func(ctx context.Context, vol *volume.Volume) error {
			written, n, err := m.write(vol, want[vol.ID])
			mu.Lock()
			rep.Written += written
			rep.Bytes += n
			mu.Unlock()
			tracker.Increment(1)
			return err
		})
		rep.Excluded = excluded
		return err
	})

	m.logger.Info("generated cache entries",
		zap.Int("requested", len(ids)),
		zap.Int("files_written", rep.Written),
		zap.Int64("bytes", rep.Bytes),
		zap.Int("excluded", len(rep.Excluded)),
		zap.Float64("samples_per_second", tracker.GetAndReset()))
	return rep, err
}

func (m *Manager) write(vol *volume.Volume, namespaces []Namespace) (int, int64, error) {
	written := 0
	var total int64
	for _, ns := range namespaces {
		var groups [][]volume.Tensor
		switch ns {
		case NamespacePrimary:
			groups = [][]volume.Tensor{{vol.Image}, {vol.Grid}, {vol.Target, vol.Mask}}
		case NamespaceAux:
			if vol.Aux == nil {
				return written, total, errors.Newf(errors.ErrorTypeInternal, "sample %s has no silhouettes", vol.ID)
			}
			groups = [][]volume.Tensor{{*vol.Aux}}
		}

		for i, path := range m.Path(vol.ID, ns) {
			data, err := m.codec.Encode(groups[i]...)
			if err != nil {
				return written, total, err
			}
			if err := writeAtomic(path, data); err != nil {
				return written, total, err
			}
			written++
			total += int64(len(data))
			metrics.CacheWrites.WithLabelValues(string(ns)).Inc()
			metrics.CacheBytes.WithLabelValues(string(ns)).Add(float64(len(data)))
		}
	}
	return written, total, nil
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create cache directory").WithDetail("dir", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create temp file").WithDetail("dir", dir)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write temp file").WithDetail("path", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close temp file").WithDetail("path", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // cleanup on failure
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to rename temp file").WithDetail("path", path)
	}
	return nil
}

// Load reads ids back as stacked arrays, including silhouettes when aux is
// set. Entries that are missing or unreadable are regenerated first; samples
// that still cannot be built are excluded.
func (m *Manager) Load(ctx context.Context, ids []sample.ID, aux bool) (*volume.Arrays, []volume.Exclusion, error) {
	namespaces := []Namespace{NamespacePrimary}
	if aux {
		namespaces = append(namespaces, NamespaceAux)
	}

	var excluded []volume.Exclusion
	for attempt := 0; ; attempt++ {
		vols, bad, err := m.read(ctx, ids, namespaces)
		if err != nil {
			return nil, excluded, err
		}
		if len(bad) == 0 {
			arr, err := volume.Stack(vols)
			return arr, excluded, err
		}
		if attempt > 0 {
			return nil, excluded, errors.Newf(errors.ErrorTypeCacheCorruption,
				"%d entries unreadable after regeneration", len(bad))
		}

		m.logger.Warn("regenerating unreadable cache entries", zap.Int("entries", len(bad)))
		rep, err := m.generate(ctx, bad)
		if err != nil {
			return nil, excluded, err
		}
		excluded = append(excluded, rep.Excluded...)
		ids = without(ids, rep.Excluded)
	}
}

// read loads ids in the given namespaces. bad maps each entry that could
// not be read to the namespaces that failed.
func (m *Manager) read(ctx context.Context, ids []sample.ID, namespaces []Namespace) ([]*volume.Volume, map[sample.ID][]Namespace, error) {
	vols := make([]*volume.Volume, len(ids))
	failed := make([][]Namespace, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vol, bad, err := m.readOne(id, namespaces)
			if err != nil {
				return err
			}
			vols[i], failed[i] = vol, bad
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	bad := make(map[sample.ID][]Namespace)
	for i, f := range failed {
		if len(f) > 0 {
			bad[ids[i]] = f
		}
	}
	return vols, bad, nil
}

// readOne returns the namespaces of id whose files are absent or unreadable
// instead of an error
func (m *Manager) readOne(id sample.ID, namespaces []Namespace) (*volume.Volume, []Namespace, error) {
	vol := &volume.Volume{ID: id}
	var bad []Namespace
	for _, ns := range namespaces {
		tensors, err := m.readNamespace(id, ns)
		if errors.IsType(err, errors.ErrorTypeCacheCorruption) || errors.IsType(err, errors.ErrorTypeNotFound) {
			bad = append(bad, ns)
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		switch ns {
		case NamespacePrimary:
			vol.Image, vol.Grid, vol.Target, vol.Mask = tensors[0], tensors[1], tensors[2], tensors[3]
		case NamespaceAux:
			vol.Aux = &tensors[0]
		}
	}
	return vol, bad, nil
}

func (m *Manager) readNamespace(id sample.ID, ns Namespace) ([]volume.Tensor, error) {
	var tensors []volume.Tensor
	for _, path := range m.Path(id, ns) {
		err := mmap.ReadFile(path, func(data []byte) error {
			ts, err := m.codec.Decode(data)
			tensors = append(tensors, ts...)
			return err
		})
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "cache file missing").WithDetail("path", path)
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "unreadable cache file").WithDetail("path", path)
		}
	}

	want := 4
	if ns == NamespaceAux {
		want = 1
	}
	if len(tensors) != want {
		return nil, errors.Newf(errors.ErrorTypeCacheCorruption, "%s entry %s has %d tensors", ns, id, len(tensors))
	}
	return tensors, nil
}

func without(ids []sample.ID, excluded []volume.Exclusion) []sample.ID {
	if len(excluded) == 0 {
		return ids
	}
	drop := make(map[sample.ID]struct{}, len(excluded))
	for _, e := range excluded {
		drop[e.ID] = struct{}{}
	}
	out := make([]sample.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
