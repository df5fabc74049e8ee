package hubcache

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// State of one generation.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const metaActiveVersion = "active-version"

// Generation is one install/activate cycle and the partitions it owns.
type Generation struct {
	Version  string
	Registry *Registry

	mu    sync.Mutex
	state State
}

func (g *Generation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Generation) setState(st State) {
	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
}

// Lifecycle owns the serving and waiting generations.
type Lifecycle struct {
	svc *Service

	mu      sync.Mutex
	active  *Generation
	waiting *Generation

	activateMu sync.Mutex
}

func newLifecycle(svc *Service) *Lifecycle {
	return &Lifecycle{svc: svc}
}

// Serving returns the generation answering requests, nil before the first
// activation.
func (l *Lifecycle) Serving() *Generation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Waiting returns an installed generation that has not taken over yet.
func (l *Lifecycle) Waiting() *Generation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}

func (l *Lifecycle) newGeneration(version string, st State) *Generation {
	return &Generation{
		Version:  version,
		Registry: NewRegistry(l.svc.store, l.svc.cfg.App.CachePrefix, version),
		state:    st,
	}
}

// Boot restores the generation that was active before the restart, installs
// the configured version and activates it unless it has to wait.
func (l *Lifecycle) Boot(ctx context.Context) error {
	s := l.svc
	prev, ok, err := s.store.Meta(metaActiveVersion)
	if err != nil {
		s.log.Warn("read active version failed", "err", err)
	}
	if ok && prev != "" {
		l.mu.Lock()
		if l.active == nil {
			l.active = l.newGeneration(prev, StateActivated)
		}
		l.mu.Unlock()
		s.log.Info("previous generation restored", "version", prev)
	}

	if _, err := l.Install(ctx, s.cfg.App.Version); err != nil {
		if l.Serving() != nil {
			s.log.Error("install failed, previous generation keeps serving", "err", err)
			return nil
		}
		return err
	}

	// Reinstalling the version that already serves never has to wait.
	if cur := l.Serving(); *s.cfg.Lifecycle.SkipWaiting || cur == nil || cur.Version == s.cfg.App.Version {
		return l.Activate(ctx)
	}
	s.log.Info("new generation waiting", "version", s.cfg.App.Version)
	return nil
}

// Install precaches the must-have documents into the static partition of a
// new generation. Any failure discards the generation.
func (l *Lifecycle) Install(ctx context.Context, version string) (*Generation, error) {
	s := l.svc
	gen := l.newGeneration(version, StateInstalling)
	s.log.Info("installing", "version", version)

	if err := l.precache(ctx, gen); err != nil {
		gen.setState(StateRedundant)
		if cur := l.Serving(); cur == nil || cur.Version != version {
			if derr := gen.Registry.dropOwn(); derr != nil {
				s.log.Warn("discard failed generation", "version", version, "err", derr)
			}
		}
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "install %s", version)
	}

	gen.setState(StateInstalled)
	l.mu.Lock()
	if l.waiting != nil && l.waiting != gen {
		l.waiting.setState(StateRedundant)
	}
	l.waiting = gen
	l.mu.Unlock()
	s.log.Info("installed", "version", version)
	return gen, nil
}

func (l *Lifecycle) precache(ctx context.Context, gen *Generation) error {
	s := l.svc
	p, err := gen.Registry.Open(CategoryStatic)
	if err != nil {
		return err
	}
	ents, err := s.fetchAll(ctx, s.cfg.Lifecycle.Precache)
	if err != nil {
		return err
	}
	for i, u := range s.cfg.Lifecycle.Precache {
		if err := p.Put(getRequest(u).Key(), ents[i]); err != nil {
			return err
		}
	}

	if s.cfg.Lifecycle.AssetManifest == "" {
		return nil
	}
	// Build assets are nice to have; they never fail the install.
	assets, err := s.discoverAssets(ctx, s.cfg.Lifecycle.AssetManifest)
	if err != nil {
		s.log.Warn("asset manifest discovery failed", "manifest", s.cfg.Lifecycle.AssetManifest, "err", err)
		return nil
	}
	stored := 0
	for _, u := range assets {
		req := getRequest(u)
		ent, err := s.fetch(ctx, req, s.cfg.Network.refreshTimeoutDur)
		if err != nil || !s.storable(ent) {
			continue
		}
		if err := p.Put(req.Key(), ent); err != nil {
			s.storageLog.Warn("asset precache write failed", "url", u, "err", err)
			continue
		}
		stored++
	}
	s.log.Info("asset manifest precached", "found", len(assets), "stored", stored)
	return nil
}

// Activate retires every other generation's partitions, prewarms role
// resources and takes over request serving.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.activateMu.Lock()
	defer l.activateMu.Unlock()

	s := l.svc
	gen := l.Waiting()
	if gen == nil {
		return nil
	}
	gen.setState(StateActivating)
	s.log.Info("activating", "version", gen.Version)

	deleted, err := gen.Registry.DeleteStale(gen.Registry.CurrentNames())
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "activate %s", gen.Version)
	}
	if len(deleted) > 0 {
		s.log.Info("stale partitions deleted", "partitions", deleted)
	}

	l.prewarm(ctx, gen)

	l.mu.Lock()
	old := l.active
	l.active = gen
	if l.waiting == gen {
		l.waiting = nil
	}
	l.mu.Unlock()
	if old != nil && old != gen {
		old.setState(StateRedundant)
	}
	gen.setState(StateActivated)

	if err := s.store.SetMeta(metaActiveVersion, gen.Version); err != nil {
		s.storageLog.Warn("persist active version failed", "err", err)
	}
	s.hub.Broadcast(Event{Type: EventControllerChange, Data: map[string]string{"version": gen.Version}})
	s.log.Info("activated", "version", gen.Version)
	return nil
}

func (l *Lifecycle) prewarm(ctx context.Context, gen *Generation) {
	s := l.svc
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, u := range s.cfg.Lifecycle.Prewarm {
		u := u
		g.Go(func() error {
			req := getRequest(u)
			route := s.classifier.Classify(req)
			if route.Ignore || route.Bypass || route.Mutation {
				return nil
			}
			p, err := gen.Registry.Open(route.Category)
			if err != nil {
				s.storageLog.Warn("prewarm open failed", "url", u, "err", err)
				return nil
			}
			ent, err := s.fetch(ctx, req, s.cfg.Network.refreshTimeoutDur)
			if err != nil {
				s.log.Debug("prewarm fetch failed", "url", u, "err", err)
				return nil
			}
			if s.storable(ent) {
				_ = s.put(p, route.Category, req.Key(), ent)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchAll fetches every URL and fails if any of them fails or answers with a
// non-2xx status. Results are in input order.
func (s *Service) fetchAll(ctx context.Context, urls []string) ([]CacheEntry, error) {
	out := make([]CacheEntry, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(6)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			ent, err := s.fetch(ctx, getRequest(u), s.cfg.Network.refreshTimeoutDur)
			if err != nil {
				return err
			}
			if !ent.ok() {
				return errors.Newf(errors.CodeUnavailable, "GET %s: status %d", u, ent.Status)
			}
			out[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// getRequest builds a bare GET for a same-origin path (query allowed).
func getRequest(raw string) Request {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		u = &url.URL{Path: "/"}
	}
	// Only the request URI matters; the origin is fixed.
	u = &url.URL{Path: u.Path, RawQuery: u.RawQuery}
	h := http.Header{}
	h.Set("Accept", "*/*")
	return Request{Method: http.MethodGet, URL: u, Header: h}
}
