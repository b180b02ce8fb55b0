package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geminibridge/internal/attachment"
	"geminibridge/internal/delivery"
	"geminibridge/internal/domain"
	"geminibridge/internal/pipeline"
	"geminibridge/internal/prompt"
	"geminibridge/internal/router"
	"geminibridge/internal/transcribe"
	"geminibridge/internal/workdir"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoEngine answers with a fixed reply and records prompts.
type echoEngine struct {
	mu      sync.Mutex
	reply   string
	prompts []string
}

func (e *echoEngine) Run(_ context.Context, _, p string, _ time.Duration) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, p)
	return e.reply, nil
}

func (e *echoEngine) lastPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prompts) == 0 {
		return ""
	}
	return e.prompts[len(e.prompts)-1]
}

type stubTranscriber struct {
	text string
	err  error
}

func (s stubTranscriber) TranscribeAll(_ context.Context, files []domain.MaterializedFile) []domain.Transcript {
	var out []domain.Transcript
	for _, f := range files {
		if transcribe.IsAudio(f.Name) {
			out = append(out, domain.Transcript{File: f, Text: s.text, Err: s.err})
		}
	}
	return out
}

type testEnv struct {
	server   *Server
	pipeline *pipeline.Pipeline
	engine   *echoEngine
}

func newTestEnv(t *testing.T, reply string, tr pipeline.Transcriber, metricsEnabled bool) *testEnv {
	t.Helper()
	logger := testLogger()
	wd, err := workdir.NewManager(t.TempDir(), logger)
	require.NoError(t, err)

	eng := &echoEngine{reply: reply}
	p := pipeline.New(pipeline.Config{
		WorkDir:      wd,
		Materializer: attachment.NewMaterializer(attachment.Config{MaxFiles: 6, MaxBytes: 1 << 20, Logger: logger}),
		Transcriber:  tr,
		Composer:     prompt.NewComposer("", nil),
		Engine:       eng,
		Deliverer:    delivery.NewPoster(delivery.PosterConfig{Bot: delivery.Identity{Name: "Gemini"}, Logger: logger}),
		Logger:       logger,
	})
	s := New(Config{
		MaxBodyBytes:   1 << 20,
		MetricsEnabled: metricsEnabled,
		LogHeaders:     true,
		LogBody:        true,
		LogTruncate:    50,
		Router:         router.New(router.Config{}),
		Pipeline:       p,
		Logger:         logger,
	})
	return &testEnv{server: s, pipeline: p, engine: eng}
}

func (e *testEnv) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) waitJobs(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.pipeline.Jobs().Wait(ctx), "background jobs did not finish")
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), "response is not JSON: %q", rr.Body.String())
	return m
}

// callbackSink records POSTs made to it.
type callbackSink struct {
	srv  *httptest.Server
	got  chan map[string]any
	path chan string
}

func newCallbackSink(t *testing.T) *callbackSink {
	c := &callbackSink{got: make(chan map[string]any, 4), path: make(chan string, 4)}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		json.NewDecoder(r.Body).Decode(&m)
		c.path <- r.URL.Path
		c.got <- m
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *callbackSink) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-c.got:
		return m
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no callback received")
		return nil
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "", nil, false)
	rr := env.do("GET", "/health", "", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain"))
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, "", nil, false)
	for _, tc := range []struct{ method, path string }{
		{"GET", "/"},
		{"GET", "/event"},
		{"POST", "/health"},
		{"DELETE", "/event"},
		{"GET", "/metrics"},
	} {
		rr := env.do(tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "Not found", rr.Body.String(), "%s %s", tc.method, tc.path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "4", nil, true)
	env.do("POST", "/event", "application/json", `{"mode":"qa","text":"2+2?"}`)

	rr := env.do("GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `geminibridge_requests_total{kind="chat_event"} 1`)
}

func TestEvent_SlashCommandAckThenCallback(t *testing.T) {
	env := newTestEnv(t, "hi alice", nil, false)
	sink := newCallbackSink(t)

	form := url.Values{
		"text":         {"hello"},
		"user_name":    {"alice"},
		"channel_name": {"general"},
		"response_url": {sink.srv.URL + "/cb"},
	}
	rr := env.do("POST", "/event", "application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusOK, rr.Code)
	ack := decode(t, rr)
	assert.Equal(t, "ephemeral", ack["response_type"])
	assert.Equal(t, "Working on it…", ack["text"])

	got := sink.next(t)
	assert.Equal(t, "/cb", <-sink.path)
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, "hi alice", got["reply"])
	assert.Contains(t, env.engine.lastPrompt(), "hello")
	env.waitJobs(t)
}

func TestEvent_SyncQAAnswersInPlace(t *testing.T) {
	env := newTestEnv(t, "4", nil, false)
	rr := env.do("POST", "/event", "application/json", `{"mode":"qa","text":"2+2?"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	got := decode(t, rr)
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, "4", got["reply"])
	assert.Contains(t, got, "blocks")
}

func TestEvent_AudioAttachmentTranscribedOrWarned(t *testing.T) {
	body := fmt.Sprintf(`{"mode":"qa","text":"what is said?","attachments":[{"filename":"clip.mp3","mime":"audio/mpeg","data_base64":%q}]}`,
		base64.StdEncoding.EncodeToString([]byte("ID3 fake mp3")))

	t.Run("transcribed", func(t *testing.T) {
		env := newTestEnv(t, "answer", stubTranscriber{text: "the quick brown fox"}, false)
		rr := env.do("POST", "/event", "application/json", body)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, env.engine.lastPrompt(), "Audio Transcript from clip.mp3:\nthe quick brown fox")
	})

	t.Run("unavailable", func(t *testing.T) {
		env := newTestEnv(t, "answer", stubTranscriber{err: transcribe.ErrNotFound}, false)
		rr := env.do("POST", "/event", "application/json", body)

		got := decode(t, rr)
		assert.Equal(t, true, got["ok"], "pipeline should still complete")
		assert.Contains(t, env.engine.lastPrompt(), "Unable to transcribe clip.mp3")
	})
}

func TestEvent_AttachmentsBeyondCeilingDropped(t *testing.T) {
	env := newTestEnv(t, "done", nil, false)

	var entries []string
	for i := 0; i < 10; i++ {
		entries = append(entries, fmt.Sprintf(`{"filename":"f%d.txt","mime":"text/plain","data_base64":"eA=="}`, i))
	}
	rr := env.do("POST", "/event", "application/json", `{"text":"files","attachments":[`+strings.Join(entries, ",")+`]}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["ok"])

	pr := env.engine.lastPrompt()
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("f%d.txt (", i)
		assert.Equal(t, i < 6, strings.Contains(pr, name), "file %d in manifest", i)
	}
}

func TestEvent_InvalidJSONSoftFailure(t *testing.T) {
	env := newTestEnv(t, "unused", nil, false)
	rr := env.do("POST", "/event", "application/json", `{"text": `)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"ok":false,"reply":"❌ Invalid JSON payload.","blocks":null}`, strings.TrimSpace(rr.Body.String()))
	assert.Empty(t, env.engine.lastPrompt(), "engine must not run for invalid JSON")
}

func TestAsync_AcceptedBeforeCallback(t *testing.T) {
	env := newTestEnv(t, "later", nil, false)
	sink := newCallbackSink(t)

	rr := env.do("POST", "/event", "application/json",
		fmt.Sprintf(`{"text":"deploy status","response_url":%q}`, sink.srv.URL+"/hook"))

	require.Equal(t, http.StatusAccepted, rr.Code)
	got := decode(t, rr)
	assert.Equal(t, true, got["ok"])
	assert.Equal(t, "accepted", got["status"])
	assert.Equal(t, "Processing asynchronously", got["note"])

	assert.Equal(t, "later", sink.next(t)["reply"])
	env.waitJobs(t)
}

func TestAsync_ForcedWithoutCallback(t *testing.T) {
	env := newTestEnv(t, "logged only", nil, false)
	rr := env.do("POST", "/event?async=1", "application/json", `{"text":"x"}`)

	require.Equal(t, http.StatusAccepted, rr.Code)
	env.waitJobs(t)
	assert.NotEmpty(t, env.engine.lastPrompt(), "engine should still run in the background")
}

func TestRawBody_Sync(t *testing.T) {
	env := newTestEnv(t, "noted", nil, false)
	rr := env.do("POST", "/event", "text/plain", "disk full on db-1")

	assert.Equal(t, "noted", decode(t, rr)["reply"])
	assert.Contains(t, env.engine.lastPrompt(), `"raw": "disk full on db-1"`)
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, "x", nil, false)
	rr := env.do("POST", "/event", "application/json", `{"text":"`+strings.Repeat("a", 2<<20)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestServe_ShutdownOnCancel(t *testing.T) {
	env := newTestEnv(t, "x", nil, false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	resp, err := waitForHealth("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server did not shut down")
	}
}

func waitForHealth(u string) (*http.Response, error) {
	var lastErr error
	for i := 0; i < 50; i++ {
		resp, err := http.Get(u)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

func TestTruncate(t *testing.T) {
	s := New(Config{LogTruncate: 5, Logger: testLogger()})
	assert.Equal(t, "abc", s.truncate("abc"))
	assert.Equal(t, "abcde… (3 more chars)", s.truncate("abcdefgh"))
}

func TestFormatHeaders(t *testing.T) {
	h := http.Header{"B": {"2"}, "A": {"1", "x"}}
	assert.Equal(t, "A: 1, x; B: 2", formatHeaders(h))
}
