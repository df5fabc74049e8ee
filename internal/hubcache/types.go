package hubcache

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// CacheEntry is a snapshot of one origin response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

func (e CacheEntry) storedTime() time.Time {
	return time.Unix(0, e.StoredAt)
}

// expired reports whether the entry is older than maxAge. A zero maxAge never
// expires.
func (e CacheEntry) expired(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || e.StoredAt == 0 {
		return false
	}
	return now.Sub(e.storedTime()) > maxAge
}

func (e CacheEntry) ok() bool {
	return e.Status >= 200 && e.Status < 300
}

func cloneEntry(e CacheEntry) CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Request is the part of an incoming HTTP request the cache layer looks at.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Key identifies the request inside a partition. Only GETs are stored, but the
// method is kept so a key can never collide with a different verb.
func (r Request) Key() string {
	return r.Method + " " + r.URL.RequestURI()
}

// Path returns the URL path, "/" when empty.
func (r Request) Path() string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// Dest is the fetch destination the browser advertised (image, document, ...).
func (r Request) Dest() string {
	return strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
}

func (r Request) cookies() []*http.Cookie {
	return (&http.Request{Header: r.Header}).Cookies()
}

// newRequest copies what the cache layer needs out of r. Bodies larger than
// maxBody are rejected with CodeInvalidInput.
var errBodyTooLarge = errors.New(errors.CodeInvalidInput, "request body too large")

func newRequest(r *http.Request, maxBody int64) (Request, error) {
	u := *r.URL
	req := Request{
		Method: r.Method,
		URL:    &u,
		Header: cloneHeader(r.Header),
	}
	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	var rd io.Reader = r.Body
	if maxBody > 0 {
		rd = io.LimitReader(r.Body, maxBody+1)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return Request{}, errors.Wrap(err, errors.CodeInvalidInput, "read request body")
	}
	if maxBody > 0 && int64(len(b)) > maxBody {
		return Request{}, errors.Wrapf(errBodyTooLarge, errors.CodeInvalidInput, "request body exceeds %s", formatBytes(uint64(maxBody)))
	}
	req.Body = b
	return req, nil
}

func (r Request) bodyReader() io.Reader {
	if len(r.Body) == 0 {
		return nil
	}
	return bytes.NewReader(r.Body)
}

// Response is what a strategy hands back to the handler. Source ends up in the
// X-SW-Cache header.
type Response struct {
	CacheEntry
	Source string
}

// Values of the X-SW-Cache header.
const (
	SourceNetwork     = "network"
	SourceHit         = "hit"
	SourceMiss        = "miss"
	SourceStale       = "stale"
	SourceOffline     = "offline"
	SourcePlaceholder = "placeholder"
	SourceQueued      = "queued"
	SourceBypass      = "bypass"
)
