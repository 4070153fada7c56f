package ao

import (
	"fmt"
	"strings"

	"github.jpl.nasa.gov/bdube/shao/wfs"
)

// Variant selects which optional stages the loop runs
type Variant int

const (
	// Plain corrects every controlled mode on the full subaperture set
	Plain Variant = iota

	// ObscurationAware drops obscured subapertures and recalibrates
	ObscurationAware

	// PartialCorrection commands with the partial residual, leaving defocus to the focus sequencer
	PartialCorrection

	// ObscurationAndPartial combines the two
	ObscurationAndPartial
)

var variantNames = [...]string{"plain", "obscuration", "partial", "obscuration+partial"}

// Stages are the optional stages of a variant
type Stages struct {
	Obscuration bool
	Partial     bool
}

// String implements fmt.Stringer
func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return variantNames[v]
}

// Stages returns the stages enabled by v
func (v Variant) Stages() Stages {
	return Stages{
		Obscuration: v == ObscurationAware || v == ObscurationAndPartial,
		Partial:     v == PartialCorrection || v == ObscurationAndPartial,
	}
}

// CentroidMode is the extractor mode of the variant
func (v Variant) CentroidMode() wfs.Mode {
	switch v {
	case ObscurationAware:
		return wfs.ModeObscuration
	case PartialCorrection:
		return wfs.ModePartial
	case ObscurationAndPartial:
		return wfs.ModeObscurationAndPartial
	default:
		return wfs.ModePlain
	}
}

// ParseVariant accepts a variant name or its number, 1 through 4
func ParseVariant(s string) (Variant, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "plain", "":
		return Plain, nil
	case "2", "obscuration", "obscuration-aware":
		return ObscurationAware, nil
	case "3", "partial", "partial-correction":
		return PartialCorrection, nil
	case "4", "obscuration+partial", "full", "obscuration-partial":
		return ObscurationAndPartial, nil
	}
	return Plain, fmt.Errorf("ao: unknown loop variant %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *Variant) UnmarshalText(b []byte) error {
	vv, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = vv
	return nil
}
