package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/model"
)

func TestRunAll_FirstErrorStopsOthers(t *testing.T) {
	boom := errors.New("listen failed")
	stopped := make(chan struct{})

	err := runAll(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
		func(context.Context) error { return boom },
	)

	assert.ErrorIs(t, err, boom)
	select {
	case <-stopped:
	default:
		t.Fatal("sibling service was not stopped")
	}
}

func TestRunAll_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := runAll(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	assert.NoError(t, err)
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tts_1.mp3")
	require.NoError(t, os.WriteFile(src, []byte("ID3"), 0o644))

	dst, err := moveFile(src, filepath.Join(dir, "out", "hello.mp3"))
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3"), data)
	assert.NoFileExists(t, src)
}

func TestListenAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9880", listenAddr("http://127.0.0.1:9880"))
	assert.Equal(t, "localhost:80", listenAddr("http://localhost/"))
	assert.Equal(t, "[::1]:443", listenAddr("https://[::1]"))
}

func TestKindError(t *testing.T) {
	err := kindError(model.ErrNotFound)

	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), string(fault.KindNotFound)+":")
}

func TestModelsOutput(t *testing.T) {
	models := []*model.VoiceModel{
		{Name: "alice", Dir: "/models/alice", WeightsPath: "/models/alice/alice.pth", WeightsSize: 55 << 20, IndexPath: "/models/alice/alice.index"},
		{Name: "bob", Dir: "/models/bob", WeightsPath: "/models/bob/bob.pth", WeightsSize: 1 << 20},
	}

	out := modelsTable(models)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "55.0")
	assert.Contains(t, out, "/models/bob")

	var buf bytes.Buffer
	require.NoError(t, writeModelsJSON(&buf, models))

	var decoded []modelJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.True(t, decoded[0].HasIndex)
	assert.False(t, decoded[1].HasIndex)
	assert.Equal(t, "/models/alice", decoded[0].Path)
}
