// Package errors provides structured error handling for posevol
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents data processing errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeFile represents file operation errors
	ErrorTypeFile ErrorType = "file"
	// ErrorTypeCapability represents capability/feature not supported errors
	ErrorTypeCapability ErrorType = "capability"

	// ErrorTypeMissingCalibration is raised when an experiment has no camera parameters
	ErrorTypeMissingCalibration ErrorType = "missing_calibration"
	// ErrorTypeMissingVideoChunk is raised when no video chunk covers a required frame
	ErrorTypeMissingVideoChunk ErrorType = "missing_video_chunk"
	// ErrorTypeCacheCorruption is raised when a cache file exists but cannot be parsed
	ErrorTypeCacheCorruption ErrorType = "cache_corruption"
	// ErrorTypeDegenerateCamera is raised when a point projects from behind the camera
	ErrorTypeDegenerateCamera ErrorType = "degenerate_camera"
	// ErrorTypePairingMismatch is raised when a social sample has no companion instance
	ErrorTypePairingMismatch ErrorType = "pairing_mismatch"
	// ErrorTypeDuplicateSampleID is raised when two samples share an identifier
	ErrorTypeDuplicateSampleID ErrorType = "duplicate_sample_id"
	// ErrorTypeSegmentation is raised when a frame cannot be segmented for one sample
	ErrorTypeSegmentation ErrorType = "segmentation"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType reports whether any structured error in the chain has the given type
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost structured error, or ErrorTypeInternal
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsFatal reports whether the error must abort the whole run rather than a
// single sample. Setup-level failures are fatal; per-sample failures are not.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case IsType(err, ErrorTypeMissingVideoChunk),
		IsType(err, ErrorTypeCacheCorruption),
		IsType(err, ErrorTypeDegenerateCamera),
		IsType(err, ErrorTypePairingMismatch),
		IsType(err, ErrorTypeSegmentation):
		return false
	default:
		return true
	}
}

// Is is re-exported so callers do not need to import both packages
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is re-exported so callers do not need to import both packages
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
