package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/server"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := server.New(server.ServerConfig{
		Logger:              testutil.TestLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
		SubscriberBuffer:    64,
		DeliveryLimit:       4,
		SessionIdleTTL:      time.Hour,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts
}

type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta model.ResponseMeta
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/sessions", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.CreateSessionResponse
	decodeData(t, resp, &created)
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func postPatches(t *testing.T, ts *httptest.Server, id, ndjson string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/sessions/"+id+"/patches",
		"application/x-ndjson", strings.NewReader(ndjson))
	require.NoError(t, err)
	return resp
}

func closeSession(t *testing.T, ts *httptest.Server, id string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/sessions/"+id+"/close", "application/json", nil)
	require.NoError(t, err)
	return resp
}

// subscribeEvents opens the SSE stream and returns a channel of decoded
// events. The channel closes when the stream ends.
func subscribeEvents(t *testing.T, ts *httptest.Server, id string) <-chan model.StreamEvent {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/sessions/" + id + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	out := make(chan model.StreamEvent, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue // event name line, keepalive comment or frame separator
			}
			var ev model.StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue // terminal error frames have a different payload shape
			}
			out <- ev
		}
	}()

	// Block until the server has registered the subscription, otherwise
	// events published before it are lost.
	waitForSubscriber(t, ts, id)

	return out
}

func waitForSubscriber(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/v1/sessions/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return false
		}
		var info model.SessionInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			return false
		}
		return info.Subscribers > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func collectEvents(t *testing.T, ch <-chan model.StreamEvent) []model.StreamEvent {
	t.Helper()
	var events []model.StreamEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out collecting events, have %d", len(events))
		}
	}
}

func TestIngestToEventStreamRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts)
	events := subscribeEvents(t, ts, id)

	batches := []string{
		`{"path":"/id","value":"r1"}` + "\n" +
			`{"path":"/type","value":"chain"}` + "\n" +
			`{"path":"/name","value":"run"}`,
		`{"path":"/logs/step","value":{"id":"s1","name":"step","type":"llm"}}`,
		`{"path":"/logs/step/streamed_output/-","value":"chunk1"}`,
		`{"path":"/logs/step/final_output","value":{"text":"chunk1"}}` + "\n" +
			`{"path":"/logs/step/end_time","value":"2026-01-01T00:00:00Z"}`,
		`{"path":"/final_output","value":{"output":"done"}}`,
	}
	for i, b := range batches {
		resp := postPatches(t, ts, id, b)
		var ingested model.IngestResponse
		require.Equal(t, http.StatusOK, resp.StatusCode, "batch %d", i)
		decodeData(t, resp, &ingested)
		assert.Equal(t, strings.Count(b, "\n")+1, ingested.Applied, "batch %d", i)
	}

	resp := closeSession(t, ts, id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got := collectEvents(t, events)
	names := make([]string, 0, len(got))
	for _, ev := range got {
		names = append(names, ev.Event)
	}
	require.Equal(t, []string{
		"on_chain_start",
		"on_llm_start",
		"on_llm_stream",
		"on_llm_end",
		"on_chain_end",
	}, names)

	assert.Equal(t, "r1", got[0].RunID)
	assert.Equal(t, "run", got[0].Name)

	assert.Equal(t, "s1", got[2].RunID)
	assert.Equal(t, "chunk1", got[2].Data["chunk"])

	assert.Equal(t, map[string]any{"text": "chunk1"}, got[3].Data["output"])

	final := got[len(got)-1]
	assert.Equal(t, "r1", final.RunID)
	assert.Equal(t, "done", final.Data["output"])
	assert.Equal(t, []string{}, final.Tags)
	assert.Equal(t, map[string]any{}, final.Metadata)
}

func TestIngestUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	resp := postPatches(t, ts, "nope", `{"path":"/id","value":"r1"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestAfterCloseConflicts(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts)

	resp := closeSession(t, ts, id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postPatches(t, ts, id, `{"path":"/id","value":"r1"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCloseIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts)

	for i := 0; i < 2; i++ {
		resp := closeSession(t, ts, id)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "close %d", i)
		resp.Body.Close()
	}
}

func TestIngestMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts)

	resp := postPatches(t, ts, id, `{"path":`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp model.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, model.ErrCodeInvalidInput, errResp.Error.Code)
	assert.NotEmpty(t, errResp.Meta.RequestID)
}

func TestTranslationErrorTerminatesStream(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts)

	// Raw frame inspection: the stream must end with an error frame.
	resp, err := http.Get(ts.URL + "/v1/sessions/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	waitForSubscriber(t, ts, id)

	ingest := postPatches(t, ts, id, `{"path":"/bogus_field","value":1}`)
	require.Equal(t, http.StatusOK, ingest.StatusCode)
	ingest.Body.Close()

	var sawError bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: error" {
			sawError = true
			break
		}
	}
	assert.True(t, sawError, "stream should carry a terminal error frame")
}

func TestEventsUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/sessions/nope/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)
	createSession(t, ts)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, 1, health.Sessions)

	resp, err = http.Get(ts.URL + "/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var version model.VersionResponse
	decodeData(t, resp, &version)
	assert.Equal(t, "test", version.Version)
}

func TestOpenAPISpec(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openapi: 3.1.0")
}

func TestRequestIDHeaderOnAllRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRateLimitedIngest(t *testing.T) {
	srv := server.New(server.ServerConfig{
		Logger:              testutil.TestLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		SubscriberBuffer:    8,
		DeliveryLimit:       1,
		SessionIdleTTL:      time.Hour,
		Limiter:             newBurstLimiter(2),
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Post(ts.URL+"/v1/sessions", "application/json", nil)
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
		resp.Body.Close()
	}
	assert.True(t, limited, "expected at least one 429 once the burst is spent")
}

// burstLimiter admits a fixed number of requests then denies the rest.
type burstLimiter struct {
	remaining int
}

func newBurstLimiter(n int) *burstLimiter { return &burstLimiter{remaining: n} }

func (b *burstLimiter) Allow(context.Context, string) (bool, error) {
	if b.remaining <= 0 {
		return false, nil
	}
	b.remaining--
	return true, nil
}

func (b *burstLimiter) Close() error { return nil }
