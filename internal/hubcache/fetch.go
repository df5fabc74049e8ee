package hubcache

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// Fetcher performs the network leg of a strategy. A returned error means the
// network failed; any HTTP status, including 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (CacheEntry, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (CacheEntry, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (CacheEntry, error) {
	return f(ctx, req)
}

type originFetcher struct {
	origin string
	client *http.Client
}

func newOriginFetcher(origin string) *originFetcher {
	return &originFetcher{
		origin: origin,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *originFetcher) Fetch(ctx context.Context, req Request) (CacheEntry, error) {
	originURL := f.origin + req.URL.RequestURI()
	out, err := http.NewRequestWithContext(ctx, req.Method, originURL, req.bodyReader())
	if err != nil {
		return CacheEntry{}, errors.Wrap(err, errors.CodeInvalidInput, "build origin request")
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(out)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(err, errors.CodeNetwork, "%s %s", req.Method, originURL)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(err, errors.CodeNetwork, "read body of %s", originURL)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// fetch races the network against timeout so network-first strategies never
// hang on a dead connection.
func (s *Service) fetch(ctx context.Context, req Request, timeout time.Duration) (CacheEntry, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	ent, err := s.fetcher.Fetch(ctx, req)
	s.latency.Record("origin_fetch", time.Since(start))
	if err != nil {
		return CacheEntry{}, err
	}
	if ent.StoredAt == 0 {
		ent.StoredAt = s.now().UnixNano()
	}
	if ent.Hash32 == 0 {
		ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	}
	return ent, nil
}

// cacheable follows the origin: only 2xx without no-store/no-cache.
func cacheable(ent CacheEntry) bool {
	if !ent.ok() {
		return false
	}
	cc := strings.ToLower(ent.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
