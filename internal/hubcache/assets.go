package hubcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// assetManifest is the build manifest emitted by the front-end bundler:
// {"files": {"main.js": "/static/js/main.1a2b.js", ...}, "entrypoints": [...]}.
type assetManifest struct {
	Files       map[string]string `json:"files"`
	Entrypoints []string          `json:"entrypoints"`
}

// discoverAssets fetches the manifest and returns the same-origin paths it
// lists, sorted and without duplicates. Source maps are skipped.
func (s *Service) discoverAssets(ctx context.Context, manifestPath string) ([]string, error) {
	ent, err := s.fetch(ctx, getRequest(manifestPath), s.cfg.Network.refreshTimeoutDur)
	if err != nil {
		return nil, err
	}
	if !ent.ok() {
		return nil, fmt.Errorf("unexpected status %d", ent.Status)
	}
	var doc assetManifest
	if err := json.Unmarshal(ent.Body, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestPath, err)
	}

	seen := map[string]struct{}{}
	add := func(loc string) {
		p := s.normalizeAssetPath(loc)
		if p == "" || strings.HasSuffix(p, ".map") {
			return
		}
		seen[p] = struct{}{}
	}
	for _, loc := range doc.Files {
		add(loc)
	}
	for _, loc := range doc.Entrypoints {
		add(loc)
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// normalizeAssetPath turns absolute URLs on our origin and relative paths into
// "/path" form. Other origins yield "".
func (s *Service) normalizeAssetPath(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, s.cfg.Server.Origin+"/") {
			return ""
		}
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		loc = u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
