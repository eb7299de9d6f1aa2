package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

func TestStageTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.SamplingRate = 1
	cfg.Writer = &buf

	shutdown, err := InitTracing(cfg)
	require.NoError(t, err)

	tracer := NewStageTracer("cache")
	err = tracer.Trace(context.Background(), "generate", 3, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	failure := errors.New(errors.ErrorTypeCacheCorruption, "bad header")
	err = tracer.Trace(context.Background(), "load", 1, func(ctx context.Context) error {
		return failure
	})
	assert.Equal(t, failure, err)

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "cache.generate")
	assert.Contains(t, out, "cache.load")
	assert.Contains(t, out, "cache_corruption")
}

func TestSpanWithoutProvider(t *testing.T) {
	_, span := StartSpan(context.Background(), "noop")
	span.SetAttribute("k", struct{}{})
	span.RecordError(nil)
	span.End()
}
