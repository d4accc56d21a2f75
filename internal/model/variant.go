package model

import "fmt"

// Variant is the architecture of a synthesis network: its version tag
// crossed with whether it is pitch conditioned. It is chosen once, at load.
type Variant int

const (
	V1WithPitch Variant = iota + 1
	V1NoPitch
	V2WithPitch
	V2NoPitch
)

// SelectVariant maps checkpoint metadata to a variant. An empty version is
// v1 and a missing f0 flag means pitch conditioned.
func SelectVariant(version string, f0 *int) (Variant, error) {
	pitch := f0 == nil || *f0 == 1

	switch version {
	case "", "v1":
		if pitch {
			return V1WithPitch, nil
		}
		return V1NoPitch, nil
	case "v2":
		if pitch {
			return V2WithPitch, nil
		}
		return V2NoPitch, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
}

// Version returns the version tag.
func (v Variant) Version() string {
	switch v {
	case V2WithPitch, V2NoPitch:
		return "v2"
	default:
		return "v1"
	}
}

// PitchGuided reports whether the network is pitch conditioned.
func (v Variant) PitchGuided() bool {
	return v == V1WithPitch || v == V2WithPitch
}

// NetworkClass returns the synthesizer class the engine instantiates.
// v1 networks take 256-dimensional content features, v2 take 768.
func (v Variant) NetworkClass() string {
	switch v {
	case V1WithPitch:
		return "SynthesizerTrnMs256NSFsid"
	case V1NoPitch:
		return "SynthesizerTrnMs256NSFsid_nono"
	case V2WithPitch:
		return "SynthesizerTrnMs768NSFsid"
	case V2NoPitch:
		return "SynthesizerTrnMs768NSFsid_nono"
	default:
		return ""
	}
}

func (v Variant) String() string {
	if v.PitchGuided() {
		return v.Version() + "+f0"
	}
	return v.Version()
}
