package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeMissingCalibration, "no camera parameters for experiment").
		WithDetail("experiment", "rat1-day1")

	fmt.Println(err.Error())

	// Output:
	// missing_calibration: no camera parameters for experiment
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeCacheCorruption, "truncated volume file").
		WithDetail("file", "0_120.vol")

	if errors.IsType(err, errors.ErrorTypeCacheCorruption) {
		fmt.Println("entry will be regenerated")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("cause preserved")
	}

	// Output:
	// entry will be regenerated
	// cause preserved
}

// ExampleIsFatal shows how per-sample errors are separated from setup errors.
func ExampleIsFatal() {
	chunk := errors.New(errors.ErrorTypeMissingVideoChunk, "frame 9000 not covered")
	dup := errors.New(errors.ErrorTypeDuplicateSampleID, "0_12 appears twice")

	fmt.Println(errors.IsFatal(chunk))
	fmt.Println(errors.IsFatal(dup))

	// Output:
	// false
	// true
}
