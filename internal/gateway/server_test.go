package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicegw/internal/agent"
	"github.com/loqalabs/loqa-voicegw/internal/bus"
	"github.com/loqalabs/loqa-voicegw/internal/calllog"
	"github.com/loqalabs/loqa-voicegw/internal/config"
	"github.com/loqalabs/loqa-voicegw/internal/protocol"
	"github.com/loqalabs/loqa-voicegw/internal/stt"
	"github.com/loqalabs/loqa-voicegw/internal/tts"
	"github.com/loqalabs/loqa-voicegw/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

type testEnv struct {
	cfg    config.Config
	agent  agent.Agent
	synth  tts.Synthesizer
	bus    *bus.Client
	calls  *calllog.Store
	meters metric.MeterProvider
	logger *slog.Logger
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, env testEnv) *httptest.Server {
	t.Helper()
	cfg := env.cfg
	if cfg.RuntimeName == "" {
		cfg = config.Default()
	}
	if env.agent == nil {
		env.agent = agent.NewMock()
	}
	if env.synth == nil {
		env.synth = tts.NewMockSynth(cfg.TTS)
	}
	if env.logger == nil {
		env.logger = discardLogger()
	}
	factory, closeSTT, err := stt.NewFactory(cfg.STT, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeSTT() })

	srv, err := New(Deps{
		Config:    cfg,
		Synth:     env.synth,
		Assembler: voice.NewAssembler(env.agent, env.synth, discardLogger()),
		STT:       factory,
		Bus:       env.bus,
		Calls:     env.calls,
		Meters:    env.meters,
		Logger:    env.logger,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

const fakePiper = `#!/bin/sh
raw=0
for arg in "$@"; do
  [ "$arg" = "--output-raw" ] && raw=1
done
if [ "$raw" = 1 ]; then
  exec cat
fi
cat >/dev/null
echo "wav mode unsupported" >&2
exit 1
`

func newFakePiper(t *testing.T) tts.Synthesizer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine is a shell script")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "piper"), []byte(fakePiper), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en_US-amy-medium.onnx"), []byte("model"), 0o644))
	cfg := config.Default().TTS
	cfg.Mode = "piper"
	cfg.InstallDir = dir
	p, err := tts.NewPiper(cfg, discardLogger())
	require.NoError(t, err)
	return p
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Detail
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	for _, path := range []string{"/health", "/healthz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body := readBody(t, resp)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", string(body))
	}
	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTTSEmptyText(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	resp := postJSON(t, ts.URL+"/tts", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))

	resp = postJSON(t, ts.URL+"/tts/stream", map[string]string{"text": ""})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/L16; rate=16000; channels=1", resp.Header.Get("Content-Type"))
	assert.Empty(t, readBody(t, resp))
}

func TestTTSReturnsWAV(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	resp := postJSON(t, ts.URL+"/tts", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	body := readBody(t, resp)
	require.Greater(t, len(body), 44)
	assert.Equal(t, "RIFF", string(body[:4]))
}

func TestTTSFailureIsPlainText(t *testing.T) {
	ts := newTestServer(t, testEnv{synth: newFakePiper(t)})
	resp := postJSON(t, ts.URL+"/tts", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	body := string(readBody(t, resp))
	assert.True(t, strings.HasPrefix(body, "TTS error: "), body)
	assert.Contains(t, body, "wav mode unsupported")
}

func TestTTSStreamRelaysEngineOutput(t *testing.T) {
	ts := newTestServer(t, testEnv{synth: newFakePiper(t)})
	text := strings.Repeat("abcdefghij", 130)

	resp := postJSON(t, ts.URL+"/tts/stream", map[string]string{"text": text})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/L16; rate=16000; channels=1", resp.Header.Get("Content-Type"))
	body := readBody(t, resp)
	assert.Equal(t, text, string(body))
	assert.Zero(t, len(body)%2, "pcm16 body must hold whole samples")
}

func TestTTSStreamMissingVoice(t *testing.T) {
	ts := newTestServer(t, testEnv{synth: newFakePiper(t)})
	resp := postJSON(t, ts.URL+"/tts/stream", map[string]string{"text": "hi", "voice": "doesnotexist.onnx"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decodeDetail(t, resp), "voice model not found")
}

func TestAgentReply(t *testing.T) {
	ts := newTestServer(t, testEnv{})

	var body protocol.ReplyResponse
	resp := postJSON(t, ts.URL+"/agent/reply", map[string]string{"text": " hi "})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "You said: hi", body.Reply)

	resp = postJSON(t, ts.URL+"/agent/reply", map[string]string{"text": ""})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "", body.Reply)
}

func TestAgentReplyErrorIsInline(t *testing.T) {
	failing := agent.Func(func(context.Context, string, string) (string, error) {
		return "", errors.New("rate limited")
	})
	ts := newTestServer(t, testEnv{agent: failing})

	resp := postJSON(t, ts.URL+"/agent/reply", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body protocol.ReplyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "[agent error] rate limited", body.Reply)
}

func TestAgentTTSEmptyReplyIsEmptyWAV(t *testing.T) {
	silent := agent.Func(func(context.Context, string, string) (string, error) { return "  ", nil })
	ts := newTestServer(t, testEnv{agent: silent})

	resp := postJSON(t, ts.URL+"/agent/tts", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Empty(t, readBody(t, resp))

	resp = postJSON(t, ts.URL+"/agent/tts/stream", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestAgentTTSErrors(t *testing.T) {
	failing := agent.Func(func(context.Context, string, string) (string, error) {
		return "", errors.New("model offline")
	})
	ts := newTestServer(t, testEnv{agent: failing})

	resp := postJSON(t, ts.URL+"/agent/tts", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Agent error: model offline", string(readBody(t, resp)))

	resp = postJSON(t, ts.URL+"/agent/tts/stream", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Agent error: model offline", decodeDetail(t, resp))
}

func TestAgentTTSStreamEmptyText(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	resp := postJSON(t, ts.URL+"/agent/tts/stream", map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "empty text", decodeDetail(t, resp))
}

func TestAgentTTSStreamSynthesisError(t *testing.T) {
	ts := newTestServer(t, testEnv{synth: newFakePiper(t)})
	resp := postJSON(t, ts.URL+"/agent/tts/stream", map[string]string{"text": "X", "voice": "doesnotexist.onnx"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	msg := decodeDetail(t, resp)
	assert.True(t, strings.HasPrefix(msg, "TTS error: "), msg)
	assert.NotContains(t, msg, "Agent error")
}

func TestAgentTTSStreamSpeaksReply(t *testing.T) {
	ts := newTestServer(t, testEnv{synth: newFakePiper(t)})
	resp := postJSON(t, ts.URL+"/agent/tts/stream", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "You said: hello", string(readBody(t, resp)))
}

func TestInvalidBody(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	resp, err := http.Post(ts.URL+"/tts", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResult(t *testing.T, conn *websocket.Conn) protocol.ResultMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg protocol.ResultMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func tone(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.3 * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestASRSilenceYieldsNoFinal(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	conn := dial(t, ts, "/ws/asr")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","sampleRate":16000}`)))
	assert.Equal(t, protocol.Ack(16000), readResult(t, conn))

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	// The next ack proves nothing was sent in between.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","sampleRate":8000}`)))
	assert.Equal(t, protocol.Ack(8000), readResult(t, conn))
}

func TestASRSpeechThenStop(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	conn := dial(t, ts, "/ws/asr")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, tone(320)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)))
	assert.Equal(t, protocol.Ack(16000), readResult(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, tone(320)))
	partial := readResult(t, conn)
	assert.Equal(t, protocol.ResultPartial, partial.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	assert.Equal(t, protocol.Final("[final transcript length=640]"), readResult(t, conn))
}

func TestASRMalformedLimitClosesSocket(t *testing.T) {
	cfg := config.Default()
	cfg.STT.MaxMalformedControl = 1
	ts := newTestServer(t, testEnv{cfg: cfg})
	conn := dial(t, ts, "/ws/asr")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestEcho(t *testing.T) {
	ts := newTestServer(t, testEnv{})
	conn := dial(t, ts, "/ws/echo")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", string(data))
}
