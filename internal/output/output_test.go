package output

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

var fixed = time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

func newNamer(t *testing.T) *Namer {
	t.Helper()

	root := t.TempDir()
	n := NewNamer(filepath.Join(root, "outputs"), filepath.Join(root, "temp"), WithClock(func() time.Time { return fixed }))
	require.NoError(t, n.Bootstrap())

	return n
}

func TestNamer_TimestampName(t *testing.T) {
	n := newNamer(t)

	path, err := n.ConversionPath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(n.OutputsDir(), "converted_20250314_150926.wav"), path)

	// Same second: the name is taken, so a suffix is added.
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	again, err := n.ConversionPath("")
	require.NoError(t, err)
	assert.NotEqual(t, path, again)
	assert.Regexp(t, regexp.MustCompile(`converted_20250314_150926_[0-9a-f]{8}\.wav$`), again)
}

func TestNamer_ExplicitName(t *testing.T) {
	n := newNamer(t)

	tests := map[string]string{
		"take1":               "take1.wav",
		"take1.wav":           "take1.wav",
		"take1.flac":          "take1.flac",
		"../../etc/take2.wav": "take2.wav",
		`..\..\take3`:         "take3.wav",
		"  spaced  ":          "spaced.wav",
	}

	for in, want := range tests {
		path, err := n.ConversionPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, filepath.Join(n.OutputsDir(), want), path, in)
	}

	for _, bad := range []string{"..", "/", ".hidden", "dir/.."} {
		_, err := n.ConversionPath(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	}
}

func TestNamer_SynthesisPath(t *testing.T) {
	n := newNamer(t)

	a := n.SynthesisPath("mp3")
	b := n.SynthesisPath(".mp3")

	assert.Equal(t, n.TempDir(), filepath.Dir(a))
	assert.Regexp(t, regexp.MustCompile(`tts_20250314_150926_[0-9a-f]{8}\.mp3$`), a)
	assert.NotEqual(t, a, b)
}

func TestNamer_Find(t *testing.T) {
	n := newNamer(t)

	require.NoError(t, os.WriteFile(filepath.Join(n.TempDir(), "x.wav"), []byte("temp"), 0o644))
	path, err := n.Find("x.wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(n.TempDir(), "x.wav"), path)

	// Outputs win over temp.
	require.NoError(t, os.WriteFile(filepath.Join(n.OutputsDir(), "x.wav"), []byte("out"), 0o644))
	path, err = n.Find("x.wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(n.OutputsDir(), "x.wav"), path)

	_, err = n.Find("nope.wav")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = n.Find("../secret")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestNamer_PersistConversionGeneratedNeverClobbers(t *testing.T) {
	n := newNamer(t)

	write := func(data string) func(*os.File) error {
		return func(f *os.File) error {
			_, err := f.WriteString(data)
			return err
		}
	}

	first, err := n.PersistConversion("", write("first"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(n.OutputsDir(), "converted_20250314_150926.wav"), first)

	second, err := n.PersistConversion("", write("second"))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`converted_20250314_150926_[0-9a-f]{8}\.wav$`), second)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(n.OutputsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNamer_PersistConversionExplicitReplaces(t *testing.T) {
	n := newNamer(t)

	path := filepath.Join(n.OutputsDir(), "take.wav")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	got, err := n.PersistConversion("take", func(f *os.File) error {
		_, err := f.WriteString("new")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, path, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestNamer_PersistConversionWriteFailureLeavesNothing(t *testing.T) {
	n := newNamer(t)

	_, err := n.PersistConversion("", func(*os.File) error { return os.ErrClosed })
	assert.ErrorIs(t, err, os.ErrClosed)

	entries, err := os.ReadDir(n.OutputsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
