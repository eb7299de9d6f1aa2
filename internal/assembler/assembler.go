// Package assembler builds volumes straight into memory, without a cache.
package assembler

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/observability"
	"github.com/ajitpratap0/posevol/pkg/sample"
)

// MemoryProbe reports the bytes currently available for allocation
type MemoryProbe func() (uint64, error)

// SystemMemory reads available memory from the operating system
func SystemMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Assembler builds stacked arrays in memory
type Assembler struct {
	builder  *volume.Builder
	plan     *volume.Plan
	fraction float64
	probe    MemoryProbe
	tracer   *observability.StageTracer
	logger   *zap.Logger
}

// Option configures an Assembler
type Option func(*Assembler)

// WithMemoryProbe replaces the system memory probe
func WithMemoryProbe(p MemoryProbe) Option {
	return func(a *Assembler) { a.probe = p }
}

// New creates an assembler that may use fraction of available memory
func New(builder *volume.Builder, plan *volume.Plan, fraction float64, logger *zap.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		builder:  builder,
		plan:     plan,
		fraction: fraction,
		probe:    SystemMemory,
		tracer:   observability.NewStageTracer("assemble"),
		logger:   logger.With(zap.String("component", "assembler")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Estimate returns the bytes needed to assemble ids. Built volumes and their
// stacked copy coexist briefly, so the estimate is twice the array size.
func (a *Assembler) Estimate(ids []sample.ID) (uint64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	job, ok := a.plan.Job(ids[0])
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeNotFound, "no volume job for sample %s", ids[0])
	}
	return 2 * a.builder.Shapes(job.Geometry, job.Label.Len()).Bytes(len(ids)), nil
}

// Assemble builds ids into arrays in the order given, minus excluded samples.
// It refuses before allocating when the estimate exceeds the allowed share
// of available memory.
func (a *Assembler) Assemble(ctx context.Context, ids []sample.ID) (*volume.Arrays, []volume.Exclusion, error) {
	need, err := a.Estimate(ids)
	if err != nil {
		return nil, nil, err
	}
	avail, err := a.probe()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read available memory")
	}
	budget := uint64(float64(avail) * a.fraction)
	if need > budget {
		return nil, nil, errors.Newf(errors.ErrorTypeCapability,
			"assembling %d samples needs %d bytes, budget is %d; enable the cache instead", len(ids), need, budget).
			WithDetail("available", avail)
	}
	a.logger.Info("assembling in memory",
		zap.Int("samples", len(ids)),
		zap.Uint64("estimated_bytes", need),
		zap.Uint64("budget_bytes", budget))

	jobs, err := a.plan.Jobs(ids)
	if err != nil {
		return nil, nil, err
	}
	position := make(map[sample.ID]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}

	var (
		mu       sync.Mutex
		vols     = make([]*volume.Volume, len(ids))
		excluded []volume.Exclusion
	)
	err = a.tracer.Trace(ctx, "build", len(jobs), func(ctx context.Context) error {
		var err error
		excluded, err = a.builder.BuildEach(ctx, jobs, func(_ context.Context, v *volume.Volume) error {
			mu.Lock()
			vols[position[v.ID]] = v
			mu.Unlock()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, excluded, err
	}

	kept := vols[:0]
	for _, v := range vols {
		if v != nil {
			kept = append(kept, v)
		}
	}
	arr, err := volume.Stack(kept)
	return arr, excluded, err
}
