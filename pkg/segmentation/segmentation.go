// Package segmentation produces binary foreground masks from decoded frames
package segmentation

import (
	"context"

	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/video"
)

// Segmenter turns a frame into a single-channel mask with values 0 or 1
type Segmenter interface {
	Segment(ctx context.Context, frame *video.Frame) (*video.Frame, error)
}

// ThresholdSegmenter marks pixels whose mean intensity exceeds Threshold
type ThresholdSegmenter struct {
	Threshold float32
	// Invert marks dark pixels instead, for bright arenas
	Invert bool
}

// Segment implements Segmenter
func (s ThresholdSegmenter) Segment(ctx context.Context, frame *video.Frame) (*video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame == nil || frame.Channels == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "cannot segment an empty frame")
	}

	mask := video.NewFrame(frame.Width, frame.Height, 1)
	inv := 1 / float32(frame.Channels)
	for i := 0; i < frame.Width*frame.Height; i++ {
		var sum float32
		for c := 0; c < frame.Channels; c++ {
			sum += frame.Pix[i*frame.Channels+c]
		}
		fg := sum*inv > s.Threshold
		if s.Invert {
			fg = !fg
		}
		if fg {
			mask.Pix[i] = 1
		}
	}
	return mask, nil
}

// Func adapts a function to Segmenter
type Func func(ctx context.Context, frame *video.Frame) (*video.Frame, error)

// Segment implements Segmenter
func (f Func) Segment(ctx context.Context, frame *video.Frame) (*video.Frame, error) {
	return f(ctx, frame)
}
