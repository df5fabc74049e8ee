package hubcache

import (
	"context"
	"time"
)

// serve resolves a classified GET against the serving generation.
func (s *Service) serve(ctx context.Context, gen *Generation, req Request, route Route) Response {
	start := time.Now()
	defer func() { s.latency.Record(string(route.Strategy), time.Since(start)) }()

	p, err := gen.Registry.Open(route.Category)
	if err != nil {
		// Storage trouble degrades to an uncached request.
		s.storageLog.Warn("open partition failed", "category", route.Category, "err", err)
		p = nil
	}

	switch route.Strategy {
	case StrategyNetworkFirst:
		return s.networkFirst(ctx, req, route.Category, p)
	case StrategyNetworkFirstOffline:
		return s.networkFirstOffline(ctx, gen, req, route.Category, p)
	default:
		return s.cacheFirst(ctx, req, route.Category, p)
	}
}

// networkFirst: origin, else last known good marked stale, else the offline
// JSON envelope.
func (s *Service) networkFirst(ctx context.Context, req Request, c Category, p Partition) Response {
	ent, err := s.fetch(ctx, req, s.cfg.Network.timeoutDur)
	if err == nil {
		s.storeAsync(p, c, req.Key(), ent)
		return Response{CacheEntry: ent, Source: SourceNetwork}
	}
	s.log.Debug("network failed", "url", req.URL.String(), "err", err)

	if cached, ok := s.lookup(p, req.Key()); ok {
		return Response{CacheEntry: cached, Source: SourceStale}
	}
	return offlineJSON(s.now())
}

// cacheFirst serves a fresh hit immediately and refreshes it in the
// background. Misses and expired hits go to the network.
func (s *Service) cacheFirst(ctx context.Context, req Request, c Category, p Partition) Response {
	cached, hit := s.lookup(p, req.Key())
	if hit && !cached.expired(s.cfg.Limits(c).MaxAge, s.now()) {
		s.refreshAsync(p, c, req)
		return Response{CacheEntry: cached, Source: SourceHit}
	}

	ent, err := s.fetch(ctx, req, s.cfg.Network.timeoutDur)
	if err == nil {
		s.storeAsync(p, c, req.Key(), ent)
		return Response{CacheEntry: ent, Source: SourceMiss}
	}
	s.log.Debug("network failed", "url", req.URL.String(), "err", err)

	if hit {
		return Response{CacheEntry: cached, Source: SourceStale}
	}
	if c == CategoryImages {
		return imagePlaceholder()
	}
	return offlineText()
}

// networkFirstOffline is used for documents: origin, cached copy, then the
// offline page for the caller's role.
func (s *Service) networkFirstOffline(ctx context.Context, gen *Generation, req Request, c Category, p Partition) Response {
	ent, err := s.fetch(ctx, req, s.cfg.Network.timeoutDur)
	if err == nil {
		s.storeAsync(p, c, req.Key(), ent)
		return Response{CacheEntry: ent, Source: SourceNetwork}
	}
	s.log.Debug("network failed", "url", req.URL.String(), "err", err)

	if cached, ok := s.lookup(p, req.Key()); ok {
		return Response{CacheEntry: cached, Source: SourceHit}
	}
	return s.offline.Route(gen, req)
}

// lookup treats storage failures as misses.
func (s *Service) lookup(p Partition, key string) (CacheEntry, bool) {
	if p == nil {
		return CacheEntry{}, false
	}
	ent, ok, err := p.Match(key)
	if err != nil {
		s.storageLog.Warn("cache read failed", "partition", p.Name(), "err", err)
		return CacheEntry{}, false
	}
	return ent, ok
}

// storeAsync writes ent and prunes the partition without holding up the
// response.
func (s *Service) storeAsync(p Partition, c Category, key string, ent CacheEntry) {
	if p == nil || !s.storable(ent) {
		return
	}
	ent = cloneEntry(ent)
	s.tasks.Always("store", func(context.Context) error {
		return s.put(p, c, key, ent)
	})
}

func (s *Service) put(p Partition, c Category, key string, ent CacheEntry) error {
	if err := p.Put(key, ent); err != nil {
		s.storageLog.Warn("cache write failed", "partition", p.Name(), "err", err)
		return err
	}
	s.pruneCategory(p, c)
	return nil
}

func (s *Service) storable(ent CacheEntry) bool {
	if !cacheable(ent) {
		return false
	}
	return s.cfg.Cache.maxEntryBytes <= 0 || int64(len(ent.Body)) <= s.cfg.Cache.maxEntryBytes
}

// refreshAsync revalidates a served entry. Errors are swallowed by the task
// group. An unchanged body is only rewritten once it is past half its max age.
func (s *Service) refreshAsync(p Partition, c Category, req Request) {
	if p == nil {
		return
	}
	s.tasks.Go("refresh", func(ctx context.Context) error {
		ent, err := s.fetch(ctx, req, s.cfg.Network.refreshTimeoutDur)
		if err != nil {
			return err
		}
		if !s.storable(ent) {
			return nil
		}
		if cur, ok := s.lookup(p, req.Key()); ok && cur.Hash32 == ent.Hash32 && !cur.expired(s.cfg.Limits(c).MaxAge/2, s.now()) {
			return nil
		}
		return s.put(p, c, req.Key(), ent)
	})
}
