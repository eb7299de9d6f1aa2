// Package sample defines sample identity, labels and the per-experiment
// records that the rest of posevol consumes.
package sample

import (
	"strconv"
	"strings"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// ID identifies one sample. Experiment is the index of the experiment in
// load order, Frame the annotation frame token, Variant an optional tag for
// synthetic samples. The zero Variant is an original sample.
type ID struct {
	Experiment int
	Frame      int64
	Variant    string
}

// String returns the serialized form "<exp>_<frame>" or "<exp>_<frame>-<variant>"
func (id ID) String() string {
	var b strings.Builder
	b.Grow(24 + len(id.Variant))
	b.WriteString(strconv.Itoa(id.Experiment))
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(id.Frame, 10))
	if id.Variant != "" {
		b.WriteByte('-')
		b.WriteString(id.Variant)
	}
	return b.String()
}

// ParseID is the inverse of ID.String
func ParseID(s string) (ID, error) {
	expPart, rest, ok := strings.Cut(s, "_")
	if !ok {
		return ID{}, errors.Newf(errors.ErrorTypeValidation, "sample id %q: missing experiment prefix", s)
	}
	exp, err := strconv.Atoi(expPart)
	if err != nil || exp < 0 {
		return ID{}, errors.Newf(errors.ErrorTypeValidation, "sample id %q: bad experiment index", s)
	}

	framePart, variant, hasVariant := strings.Cut(rest, "-")
	frame, err := strconv.ParseInt(framePart, 10, 64)
	if err != nil || frame < 0 {
		return ID{}, errors.Newf(errors.ErrorTypeValidation, "sample id %q: bad frame token", s)
	}
	if hasVariant && variant == "" {
		return ID{}, errors.Newf(errors.ErrorTypeValidation, "sample id %q: empty variant", s)
	}
	return ID{Experiment: exp, Frame: frame, Variant: variant}, nil
}

// MustParseID panics on malformed input. Intended for tests and constants.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Compare orders by experiment, frame, then variant (originals first)
func (id ID) Compare(o ID) int {
	switch {
	case id.Experiment != o.Experiment:
		if id.Experiment < o.Experiment {
			return -1
		}
		return 1
	case id.Frame != o.Frame:
		if id.Frame < o.Frame {
			return -1
		}
		return 1
	default:
		return strings.Compare(id.Variant, o.Variant)
	}
}

// Less reports whether id sorts before o
func (id ID) Less(o ID) bool {
	return id.Compare(o) < 0
}

// IsSynthetic reports whether the sample was produced by augmentation
func (id ID) IsSynthetic() bool {
	return id.Variant != ""
}

// Base strips the variant tag
func (id ID) Base() ID {
	return ID{Experiment: id.Experiment, Frame: id.Frame}
}

// WithVariant returns a copy tagged with variant
func (id ID) WithVariant(variant string) ID {
	id.Variant = variant
	return id
}

// MarshalText implements encoding.TextMarshaler
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
