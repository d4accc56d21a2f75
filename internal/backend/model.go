package backend

import "time"

// Checkpoint is the metadata embedded in a weights artifact.
type Checkpoint struct {
	// Version is the architecture tag ("v1", "v2"). Empty means v1.
	Version string `json:"version" msgpack:"version"`

	// F0 is the pitch-conditioning flag. Nil means pitch guided.
	F0 *int `json:"f0" msgpack:"f0"`

	// SampleRate is the target output sample rate in Hz.
	SampleRate int `json:"sample_rate" msgpack:"sample_rate"`
}

// NetworkSpec describes how a synthesis network must be realised.
type NetworkSpec struct {
	WeightsPath    string `json:"weights_path"    msgpack:"weights_path"`
	NetworkClass   string `json:"network_class"   msgpack:"network_class"`
	StripPosterior bool   `json:"strip_posterior" msgpack:"strip_posterior"`
	StrictKeys     bool   `json:"strict_keys"     msgpack:"strict_keys"`
	Device         string `json:"device"          msgpack:"device"`
	Half           bool   `json:"half"            msgpack:"half"`
}

// ExtractorSpec describes the shared feature extractor to load.
type ExtractorSpec struct {
	Path   string `json:"path"   msgpack:"path"`
	Device string `json:"device" msgpack:"device"`
	Half   bool   `json:"half"   msgpack:"half"`
}

// InferRequest encapsulates all parameters for a conversion call.
type InferRequest struct {
	Network   Handle `json:"network"   msgpack:"network"`
	Extractor Handle `json:"extractor" msgpack:"extractor"`
	SpeakerID int    `json:"speaker_id" msgpack:"speaker_id"`

	// Samples are mono samples at SampleRate (the 16 kHz analysis rate).
	Samples    []float32 `json:"samples"     msgpack:"samples"`
	SampleRate int       `json:"sample_rate" msgpack:"sample_rate"`

	PitchShift  int    `json:"pitch_shift"  msgpack:"pitch_shift"`
	PitchMethod string `json:"pitch_method" msgpack:"pitch_method"`

	// IndexPath is empty when index retrieval is disabled.
	IndexPath string  `json:"index_path" msgpack:"index_path"`
	IndexRate float64 `json:"index_rate" msgpack:"index_rate"`

	PitchGuided    bool   `json:"pitch_guided"     msgpack:"pitch_guided"`
	Version        string `json:"version"          msgpack:"version"`
	CrepeHopLength int    `json:"crepe_hop_length" msgpack:"crepe_hop_length"`
	PitchFile      string `json:"pitch_file"       msgpack:"pitch_file"`
}

// InferResult is the output of a conversion call.
type InferResult struct {
	Samples    []float32
	SampleRate int
	Timings    Timings
}

// Timings is the elapsed-time breakdown of a conversion.
type Timings struct {
	FeatureExtraction time.Duration `json:"feature_extraction"`
	PitchExtraction   time.Duration `json:"pitch_extraction"`
	Inference         time.Duration `json:"inference"`
}

// Total returns the sum of all stages.
func (t Timings) Total() time.Duration {
	return t.FeatureExtraction + t.PitchExtraction + t.Inference
}

// InferReply is the wire form of InferResult. Timings travel as seconds.
type InferReply struct {
	Samples    []float32   `json:"samples"     msgpack:"samples"`
	SampleRate int         `json:"sample_rate" msgpack:"sample_rate"`
	Timings    WireTimings `json:"timings"     msgpack:"timings"`
}

// WireTimings carries stage durations in seconds.
type WireTimings struct {
	FeatureExtraction float64 `json:"feature_extraction" msgpack:"feature_extraction"`
	PitchExtraction   float64 `json:"pitch_extraction"   msgpack:"pitch_extraction"`
	Inference         float64 `json:"inference"          msgpack:"inference"`
}

// Result converts the wire reply into an InferResult.
func (r *InferReply) Result() *InferResult {
	return &InferResult{
		Samples:    r.Samples,
		SampleRate: r.SampleRate,
		Timings: Timings{
			FeatureExtraction: seconds(r.Timings.FeatureExtraction),
			PitchExtraction:   seconds(r.Timings.PitchExtraction),
			Inference:         seconds(r.Timings.Inference),
		},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
