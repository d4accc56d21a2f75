package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestSelectVariant(t *testing.T) {
	tests := []struct {
		version string
		f0      *int
		want    Variant
		class   string
	}{
		{"", nil, V1WithPitch, "SynthesizerTrnMs256NSFsid"},
		{"v1", intPtr(1), V1WithPitch, "SynthesizerTrnMs256NSFsid"},
		{"v1", intPtr(0), V1NoPitch, "SynthesizerTrnMs256NSFsid_nono"},
		{"v2", nil, V2WithPitch, "SynthesizerTrnMs768NSFsid"},
		{"v2", intPtr(0), V2NoPitch, "SynthesizerTrnMs768NSFsid_nono"},
	}

	for _, tt := range tests {
		got, err := SelectVariant(tt.version, tt.f0)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.class, got.NetworkClass())
	}
}

func TestSelectVariant_Unknown(t *testing.T) {
	_, err := SelectVariant("v3", nil)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestVariant_Accessors(t *testing.T) {
	assert.Equal(t, "v1", V1NoPitch.Version())
	assert.False(t, V1NoPitch.PitchGuided())
	assert.Equal(t, "v2", V2WithPitch.Version())
	assert.True(t, V2WithPitch.PitchGuided())
	assert.Equal(t, "v2+f0", V2WithPitch.String())
}
