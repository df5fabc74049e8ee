package hubcache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes_Message(t *testing.T) {
	env := booted(t)

	w := env.do(t, http.MethodPost, "/__hub/message", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var bad Reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bad))
	assert.False(t, bad.Success)
	assert.NotEmpty(t, bad.Error)

	w = env.do(t, http.MethodPost, "/__hub/message", `{"type":"do-a-barrel-roll"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/__hub/message", `{"type":"skip-waiting"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/__hub/message", `{"type":"get-status"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var reply Reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.True(t, reply.Success)
	assert.Equal(t, "v1", reply.Status.Version)

	w = env.do(t, http.MethodPost, "/__hub/message", `{"type":"clear-cache"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
}

func TestRoutes_MutationQueuedThenSynced(t *testing.T) {
	env := booted(t)
	env.origin.setDown(true)

	w := env.do(t, http.MethodPost, "/api/v1/training/workouts/5/complete", `{"reps":12}`, "Content-Type", "application/json")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, SourceQueued, w.Header().Get(cacheHeader))
	var env202 offlineEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env202))
	assert.True(t, env202.Queued)
	assert.Equal(t, uint64(1), env202.ID)

	ms, err := env.svc.queue.List()
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "/api/v1/training/workouts/5/complete", ms[0].URL)
	assert.Equal(t, `{"reps":12}`, string(ms[0].Body))
	assert.Equal(t, "application/json", ms[0].Header.Get("Content-Type"))

	env.origin.setDown(false)
	w = env.do(t, http.MethodPost, "/__hub/sync", `{"tag":"sync-mutations"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"succeeded":[1],"failed":[],"skipped":false}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/__hub/sync", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/__hub/sync", `{"tag":"sync-everything"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_MutationReplayKeepsIdempotencyKey(t *testing.T) {
	env := booted(t)
	// The origin sees the first forward but the proxy never gets an answer.
	env.origin.failURI("/api/v1/training/sessions", true)

	w := env.do(t, http.MethodPost, "/api/v1/training/sessions", `{"drill":"3v2"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	env.origin.failURI("/api/v1/training/sessions", false)
	res, err := env.svc.queue.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)

	var reqs []Request
	for _, r := range env.origin.requests() {
		if r.URL.Path == "/api/v1/training/sessions" {
			reqs = append(reqs, r)
		}
	}
	require.Len(t, reqs, 2)
	first := reqs[0].Header.Get("Idempotency-Key")
	assert.NotEmpty(t, first)
	assert.Equal(t, first, reqs[1].Header.Get("Idempotency-Key"))

	// A key chosen by the page is kept as is.
	env.origin.setDown(true)
	w = env.do(t, http.MethodPost, "/api/v1/notes", `{}`, "Idempotency-Key", "page-key-1")
	require.Equal(t, http.StatusAccepted, w.Code)
	ms, err := env.svc.queue.List()
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "page-key-1", ms[0].IdempotencyKey)
}

func TestRoutes_MutationOnline(t *testing.T) {
	env := booted(t)
	w := env.do(t, http.MethodDelete, "/api/v1/notes/3", "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, SourceNetwork, w.Header().Get(cacheHeader))
	n, _ := env.svc.queue.Len()
	assert.Zero(t, n)
}

func TestRoutes_SafeMethodsNeverQueued(t *testing.T) {
	env := booted(t)
	env.origin.setDown(true)

	for _, m := range []string{http.MethodHead, http.MethodOptions} {
		w := env.do(t, m, "/api/v1/players", "")
		assert.Equal(t, http.StatusBadGateway, w.Code, m)
		assert.Equal(t, SourceBypass, w.Header().Get(cacheHeader), m)
	}
	n, err := env.svc.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRoutes_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, testConfig(t, func(c *Config) { c.Queue.maxBodyBytes = 4 }), nil, nil)
	w := env.do(t, http.MethodPost, "/api/v1/notes", strings.Repeat("x", 10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestRoutes_BodyReadFailure(t *testing.T) {
	env := booted(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/notes", io.NopCloser(failingBody{}))
	w := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	n, _ := env.svc.queue.Len()
	assert.Zero(t, n)
}

func TestRoutes_Push(t *testing.T) {
	env := booted(t)
	page := env.svc.hub.Subscribe("/parent")

	w := env.do(t, http.MethodPost, "/__hub/push", `{"body":"Practice moved to 18:00","data":{"url":"/parent/calendar"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var n Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, "Hockey Hub", n.Title)
	assert.Equal(t, "/parent/calendar", n.URL)
	assert.Equal(t, defaultPushIcon, n.Icon)

	ev := <-page.C
	assert.Equal(t, EventNotification, ev.Type)

	w = env.do(t, http.MethodPost, "/__hub/push", `plain text alert`)
	require.Equal(t, http.StatusOK, w.Code)
	var plain Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plain))
	assert.Equal(t, "plain text alert", plain.Body)
	assert.Equal(t, "/", plain.URL)
}

func TestRoutes_NotificationClick(t *testing.T) {
	env := booted(t)

	w := env.do(t, http.MethodPost, "/__hub/notificationclick", ``)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"action":"open","url":"/"}`, w.Body.String())

	page := env.svc.hub.Subscribe("https://hub.example.com/coach/roster")
	w = env.do(t, http.MethodPost, "/__hub/notificationclick", `{"url":"/coach/roster"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res ClickResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "focus", res.Action)
	assert.Equal(t, page.ID, res.ClientID)

	ev := <-page.C
	assert.Equal(t, EventFocus, ev.Type)

	w = env.do(t, http.MethodPost, "/__hub/notificationclick", `{"url":"/coach/plans"}`)
	assert.JSONEq(t, `{"action":"open","url":"/coach/plans"}`, w.Body.String())
}

func TestRoutes_Stats(t *testing.T) {
	env := booted(t)
	env.origin.set("/api/v1/players", "application/json", `[]`)
	env.do(t, http.MethodGet, "/api/v1/players", "")

	w := env.do(t, http.MethodGet, "/__hub/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status    StatusReport   `json:"status"`
		Responses statsSnapshot  `json:"responses"`
		Latency   []latencyStats `json:"latency"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "v1", body.Status.Version)
	assert.Equal(t, uint64(1), body.Responses.BySource[SourceNetwork])
	assert.NotEmpty(t, body.Latency)
}
