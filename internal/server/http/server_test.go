package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/rvcbroker/internal/audio"
	"github.com/ekisa-team/rvcbroker/internal/backend"
	"github.com/ekisa-team/rvcbroker/internal/progress"
	"github.com/ekisa-team/rvcbroker/internal/service"
	"github.com/ekisa-team/rvcbroker/internal/service/servicetest"
)

type testEnv struct {
	*servicetest.Env
	handler http.Handler
}

func newTestEnv(t *testing.T, synth backend.Synthesizer) *testEnv {
	t.Helper()

	env := servicetest.New(t, synth)
	srv := NewServer(env.Broker, WithMetrics(env.Metrics.Handler()), WithProgress(env.Hub), WithVersion("test"))

	return &testEnv{Env: env, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())

	return out
}

func TestServer_Status(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))

	rec := env.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decode[service.Status](t, rec)
	assert.Equal(t, "rvcbroker", st.Name)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, "cpu", st.Device)
	assert.Equal(t, "full", st.Precision)
	assert.True(t, st.EdgeTTS)
	assert.Nil(t, st.Model)
}

func TestServer_Models(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))

	rec := env.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	models := decode[[]ModelDTO](t, rec)
	require.Len(t, models, 2)
	assert.Equal(t, "alice", models[0].Name)
	assert.True(t, models[0].HasIndex)
	assert.Equal(t, filepath.Join(env.Root, "models", "alice"), models[0].Path)
	assert.False(t, models[1].HasIndex)
}

func TestServer_LoadModel(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))

	rec := env.do(t, http.MethodPost, "/models/load?model_name=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[LoadModelResponseDTO](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "bob", res.Model)
	assert.Equal(t, "v2+f0", res.Variant)

	rec = env.do(t, http.MethodPost, "/models/load?model_name=carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[ErrorBody](t, rec)
	assert.Equal(t, "not_found", body.Kind)
	assert.Equal(t, http.StatusNotFound, body.Status)

	rec = env.do(t, http.MethodPost, "/models/load", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ConvertAndFetch(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))

	rec := env.do(t, http.MethodPost, "/convert", ConvertRequestDTO{
		InputAudio: env.Input,
		ModelName:  "alice",
		Pitch:      2,
		F0Method:   "harvest",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[ConvertResponseDTO](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "alice", res.Model)
	assert.Equal(t, env.Namer.OutputsDir(), filepath.Dir(res.OutputPath))
	assert.True(t, strings.HasPrefix(filepath.Base(res.OutputPath), "converted_"))
	assert.InDelta(t, 1.0, res.Duration, 0.001)
	assert.True(t, res.IndexUsed)

	rec = env.do(t, http.MethodGet, "/audio/"+filepath.Base(res.OutputPath), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, audio.IsWAV(rec.Body.Bytes()))

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rvcbroker_conversions_total{result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `rvcbroker_model_loads_total{model="alice",result="ok"} 1`)
}

func TestServer_ConvertErrors(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))

	tests := []struct {
		name   string
		body   ConvertRequestDTO
		status int
		kind   string
	}{
		{"unknown method", ConvertRequestDTO{InputAudio: env.Input, ModelName: "alice", F0Method: "yin"}, http.StatusBadRequest, "validation_error"},
		{"index rate out of range", ConvertRequestDTO{InputAudio: env.Input, ModelName: "alice", IndexRate: ptr(1.5)}, http.StatusBadRequest, "validation_error"},
		{"unknown model", ConvertRequestDTO{InputAudio: env.Input, ModelName: "carol"}, http.StatusNotFound, "not_found"},
		{"missing input", ConvertRequestDTO{InputAudio: filepath.Join(env.Root, "none.wav"), ModelName: "alice"}, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/convert", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			body := decode[ErrorBody](t, rec)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Detail)
		})
	}
}

func TestServer_TTS(t *testing.T) {
	synth := new(servicetest.MockSynthesizer)
	env := newTestEnv(t, synth)

	synth.On("Synthesize", mock.Anything, mock.Anything).Return(servicetest.WriteFile, nil).Once()

	rec := env.do(t, http.MethodPost, "/tts", SynthesizeRequestDTO{Text: "olá", Rate: 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[SynthesizeResponseDTO](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, service.DefaultVoice, res.Voice)
	assert.Equal(t, env.Namer.TempDir(), filepath.Dir(res.OutputPath))

	rec = env.do(t, http.MethodGet, "/audio/"+filepath.Base(res.OutputPath), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/tts", SynthesizeRequestDTO{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[ErrorBody](t, rec).Kind)

	synth.AssertNumberOfCalls(t, "Synthesize", 1)
}

func TestServer_TTSUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/tts", SynthesizeRequestDTO{Text: "olá"})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "engine_unavailable", decode[ErrorBody](t, rec).Kind)
}

func TestServer_AudioNotFound(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))

	rec := env.do(t, http.MethodGet, "/audio/missing.wav", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorBody](t, rec).Kind)
}

func TestServer_ProgressStream(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/progress", nil)
	require.NoError(t, err)
	defer conn.Close()

	rec := env.do(t, http.MethodPost, "/models/load?model_name=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var states []progress.State
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(states) == 0 || states[len(states)-1] != progress.StateResponded {
		var ev progress.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, progress.KindLoad, ev.Kind)
		states = append(states, ev.State)
	}

	assert.Equal(t, []progress.State{
		progress.StateReceived,
		progress.StateValidated,
		progress.StateResolving,
		progress.StateLoading,
		progress.StateResponded,
	}, states)
}

func TestServer_ProgressStreamFollowsCallerJobID(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/progress?job_id=studio-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Events of other jobs are filtered out.
	rec := env.do(t, http.MethodPost, "/models/load?model_name=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/models/load?model_name=bob", nil, progress.JobIDHeader, "studio-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var states []progress.State
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(states) == 0 || states[len(states)-1] != progress.StateResponded {
		var ev progress.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "studio-1", ev.JobID)
		assert.Equal(t, "bob", ev.Model)
		states = append(states, ev.State)
	}

	assert.Equal(t, []progress.State{
		progress.StateReceived,
		progress.StateValidated,
		progress.StateResolving,
		progress.StateLoading,
		progress.StateResponded,
	}, states)
}

func TestServer_InvalidJobIDHeader(t *testing.T) {
	env := newTestEnv(t, new(servicetest.MockSynthesizer))

	rec := env.do(t, http.MethodPost, "/models/load?model_name=alice", nil, progress.JobIDHeader, "a b")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[ErrorBody](t, rec).Kind)
	assert.Empty(t, env.Engine.Loads())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor("validation_error"))
	assert.Equal(t, http.StatusNotFound, statusFor("not_found"))
	assert.Equal(t, http.StatusPreconditionFailed, statusFor("engine_unavailable"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("load_failed"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("inference_failed"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("synthesis_failed"))
}

func ptr[T any](v T) *T {
	return &v
}
