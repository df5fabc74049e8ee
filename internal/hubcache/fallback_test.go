package hubcache

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineJSON(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 678_000_000, time.FixedZone("CET", 3600))
	resp := offlineJSON(now)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.JSONEq(t, `{
		"error": "offline",
		"message": "You are currently offline. This data will be synced when you reconnect.",
		"timestamp": "2025-01-02T02:04:05.678Z"
	}`, string(resp.Body))
}

func TestQueuedJSON(t *testing.T) {
	resp := queuedJSON(time.Unix(0, 0), 12)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, SourceQueued, resp.Source)

	var env offlineEnvelope
	require.NoError(t, json.Unmarshal(resp.Body, &env))
	assert.True(t, env.Queued)
	assert.Equal(t, uint64(12), env.ID)
	assert.Equal(t, "offline", env.Error)
}

func TestOfflineRouter_PageFor(t *testing.T) {
	o := newOfflineRouter("/offline.html", defaultRoles, discardLogger())
	cases := map[string]string{
		"/":                         "/offline.html",
		"/player":                   "/offline/player.html",
		"/Coach/roster":             "/offline/coach.html",
		"/medical-staff/injuries/3": "/offline/medical-staff.html",
		"/club-admin":               "/offline/club-admin.html",
		"/players/list":             "/offline.html",
	}
	for path, want := range cases {
		assert.Equal(t, want, o.pageFor(path), path)
	}
}

func TestOfflineRouter_NeverFails(t *testing.T) {
	o := newOfflineRouter("/offline.html", defaultRoles, discardLogger())
	req := mkReq(http.MethodGet, "/coach", "Accept", "text/html")

	resp := o.Route(nil, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, SourceOffline, resp.Source)

	// A generation without a registry panics inside the lookup.
	resp = o.Route(&Generation{Version: "v1"}, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Contains(t, string(resp.Body), "You're offline")
}

func TestImagePlaceholder(t *testing.T) {
	resp := imagePlaceholder()
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Contains(t, string(resp.Body), "<svg")
}
