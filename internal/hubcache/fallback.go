package hubcache

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const offlineMessage = "You are currently offline. This data will be synced when you reconnect."

// offlineEnvelope is the JSON body returned when neither network nor cache can
// answer an API request.
type offlineEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Queued    bool   `json:"queued,omitempty"`
	ID        uint64 `json:"id,omitempty"`
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func offlineJSON(now time.Time) Response {
	return envelopeResponse(http.StatusServiceUnavailable, SourceOffline, offlineEnvelope{
		Error:     "offline",
		Message:   offlineMessage,
		Timestamp: now.UTC().Format(isoMillis),
	})
}

func queuedJSON(now time.Time, id uint64) Response {
	return envelopeResponse(http.StatusAccepted, SourceQueued, offlineEnvelope{
		Error:     "offline",
		Message:   offlineMessage,
		Timestamp: now.UTC().Format(isoMillis),
		Queued:    true,
		ID:        id,
	})
}

func envelopeResponse(status int, source string, env offlineEnvelope) Response {
	b, _ := json.Marshal(env)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return Response{
		CacheEntry: CacheEntry{Status: status, Header: h, Body: b},
		Source:     source,
	}
}

func offlineText() Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		CacheEntry: CacheEntry{Status: http.StatusServiceUnavailable, Header: h, Body: []byte("Offline")},
		Source:     SourceOffline,
	}
}

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#e5e7eb"/>` +
	`<text x="100" y="105" font-family="sans-serif" font-size="14" fill="#6b7280" text-anchor="middle">Offline</text></svg>`

func imagePlaceholder() Response {
	h := http.Header{}
	h.Set("Content-Type", "image/svg+xml")
	h.Set("Cache-Control", "no-store")
	return Response{
		CacheEntry: CacheEntry{Status: http.StatusOK, Header: h, Body: []byte(placeholderSVG)},
		Source:     SourcePlaceholder,
	}
}

const offlineHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline - Hockey Hub</title>
<style>
body{margin:0;min-height:100vh;display:flex;align-items:center;justify-content:center;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif;background:#f3f4f6;color:#111827}
.card{background:#fff;padding:2rem 2.5rem;border-radius:12px;box-shadow:0 4px 16px rgba(0,0,0,.08);text-align:center;max-width:360px}
h1{font-size:1.5rem;margin:0 0 .75rem}
p{color:#4b5563;margin:0 0 1.5rem}
button{background:#2563eb;color:#fff;border:0;border-radius:6px;padding:.6rem 1.4rem;font-size:1rem;cursor:pointer}
</style>
</head>
<body>
<div class="card">
<h1>You're offline</h1>
<p>Check your connection. Pages you have visited are still available.</p>
<button onclick="location.reload()">Retry</button>
</div>
</body>
</html>
`

func synthesizedOffline() Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return Response{
		CacheEntry: CacheEntry{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(offlineHTML)},
		Source:     SourceOffline,
	}
}

// offlineRouter picks the offline page for a failed navigation.
type offlineRouter struct {
	generic string
	roles   map[string]string
	log     *slog.Logger
}

func newOfflineRouter(generic string, roles map[string]string, log *slog.Logger) *offlineRouter {
	return &offlineRouter{generic: generic, roles: roles, log: log}
}

// pageFor maps the first path segment to a role page.
func (o *offlineRouter) pageFor(path string) string {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	if page, ok := o.roles[strings.ToLower(seg)]; ok {
		return page
	}
	return o.generic
}

// Route never fails: anything that goes wrong ends at the built-in page.
func (o *offlineRouter) Route(gen *Generation, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("offline router panicked", "panic", r)
			resp = synthesizedOffline()
		}
	}()

	if gen == nil {
		return synthesizedOffline()
	}
	page := o.pageFor(req.Path())
	p, err := gen.Registry.Open(CategoryStatic)
	if err != nil {
		o.log.Warn("offline page lookup failed", "page", page, "err", err)
		return synthesizedOffline()
	}
	key := Request{Method: http.MethodGet, URL: &url.URL{Path: page}}.Key()
	ent, ok, err := p.Match(key)
	if err != nil || !ok {
		if err != nil {
			o.log.Warn("offline page lookup failed", "page", page, "err", err)
		}
		return synthesizedOffline()
	}
	return Response{CacheEntry: ent, Source: SourceOffline}
}
