package hubcache

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/robfig/cron/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Service is the caching proxy: it classifies every request, runs the
// category's strategy against the serving generation and queues mutations
// that cannot reach the origin.
type Service struct {
	cfg Config

	store      Store
	queue      *MutationQueue
	lc         *Lifecycle
	classifier *Classifier
	fetcher    Fetcher
	offline    *offlineRouter
	hub        *eventHub

	tasks   *taskGroup
	cron    *cron.Cron
	latency *latencyTracker
	stats   *statsCollector

	log        *slog.Logger
	storageLog *rateLimitedLogger
	now        func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// serviceDeps lets tests swap the origin, storage and clock.
type serviceDeps struct {
	store      Store
	queue      *MutationQueue
	fetcher    Fetcher
	logger     *slog.Logger
	now        func() time.Time
	publishers []Publisher
}

// NewService opens storage as configured and wires every component. Call
// Start to install the generation and run the schedules.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fetcher := newOriginFetcher(cfg.Server.Origin)
	qlog := logger.With("component", "queue")

	var (
		store Store
		queue *MutationQueue
		err   error
	)
	switch cfg.Storage.Mode {
	case "memory":
		store = NewMemStore()
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "open in-memory queue")
		}
		if queue, err = newMutationQueue(db, nil, fetcher, qlog); err != nil {
			_ = db.Close()
			return nil, err
		}
	default:
		if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "create %s", cfg.Storage.Dir)
		}
		if store, err = OpenLevelStore(filepath.Join(cfg.Storage.Dir, "cache")); err != nil {
			return nil, err
		}
		if queue, err = OpenMutationQueue(cfg.Storage.Dir, fetcher, qlog); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	var pubs []Publisher
	if r := cfg.Notify.Redis; r.Addr != "" {
		pubs = append(pubs, newRedisPublisher(r.Addr, r.Password, r.DB, r.Channel))
		logger.Info("redis event publisher enabled", "addr", r.Addr, "channel", r.Channel)
	}

	return newService(cfg, serviceDeps{
		store:      store,
		queue:      queue,
		fetcher:    fetcher,
		logger:     logger,
		publishers: pubs,
	}), nil
}

func newService(cfg Config, deps serviceDeps) *Service {
	log := deps.logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		cfg:        cfg,
		store:      deps.store,
		queue:      deps.queue,
		classifier: NewClassifier(cfg.Rules),
		fetcher:    deps.fetcher,
		offline:    newOfflineRouter(cfg.Offline.Page, cfg.Offline.Roles, log),
		hub:        newEventHub(log, deps.publishers...),
		tasks:      newTaskGroup(32, cfg.Network.refreshTimeoutDur, log),
		latency:    newLatencyTracker(0.01),
		stats:      newStatsCollector(),
		log:        log,
		storageLog: newRateLimitedLogger(log, time.Minute),
		now:        now,
		stopCh:     make(chan struct{}),
	}
	s.lc = newLifecycle(s)
	s.queue.notify = s.hub.Broadcast
	s.queue.now = now
	return s
}

// Start boots the lifecycle and starts the background schedules. A failed
// first install is logged, not returned: requests pass through to the origin
// and the drain schedule retries the install.
func (s *Service) Start(ctx context.Context) error {
	if err := s.lc.Boot(ctx); err != nil {
		s.log.Error("boot failed, serving without cache", "version", s.cfg.App.Version, "err", err)
	}
	if err := s.startSchedules(); err != nil {
		return err
	}
	if every := s.cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

// Close stops the schedules and background work and releases storage.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.wg.Wait()
		s.tasks.Stop()
		s.hub.Close()
		if err := s.queue.Close(); err != nil {
			s.log.Warn("close queue", "err", err)
		}
		if err := s.store.Close(); err != nil {
			s.log.Warn("close store", "err", err)
		}
	})
}

// WaitIdle blocks until detached cache writes and refreshes have finished.
func (s *Service) WaitIdle() {
	s.tasks.Wait()
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := newRequest(r, s.cfg.Queue.maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		setCacheHeader(w.Header(), SourceBypass)
		http.Error(w, err.Error(), status)
		return
	}

	route := s.classifier.Classify(req)
	switch {
	case route.Ignore, route.Bypass:
		s.proxyPass(w, r.Context(), req)
		return
	case route.Mutation:
		s.handleMutation(w, r.Context(), req)
		return
	}

	gen := s.lc.Serving()
	if gen == nil {
		s.proxyPass(w, r.Context(), req)
		return
	}
	s.writeResponse(w, s.serve(r.Context(), gen, req, route))
}

// proxyPass forwards the request without touching any cache.
func (s *Service) proxyPass(w http.ResponseWriter, ctx context.Context, req Request) {
	ent, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		s.log.Debug("passthrough failed", "url", req.URL.String(), "err", err)
		setCacheHeader(w.Header(), SourceBypass)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeResponse(w, Response{CacheEntry: ent, Source: SourceBypass})
}

// handleMutation forwards a non-GET request. When the network fails the
// request is queued for replay and the caller gets 202 with the queue id.
func (s *Service) handleMutation(w http.ResponseWriter, ctx context.Context, req Request) {
	// The first forward and any replay share one key, so an origin that
	// committed a request we timed out on can recognise the replay.
	key := req.Header.Get(idempotencyHeader)
	if key == "" {
		key = uuid.NewString()
		req.Header.Set(idempotencyHeader, key)
	}

	ent, err := s.fetch(ctx, req, s.cfg.Network.timeoutDur)
	if err == nil {
		s.writeResponse(w, Response{CacheEntry: ent, Source: SourceNetwork})
		return
	}
	s.log.Debug("mutation failed, queueing", "method", req.Method, "url", req.URL.String(), "err", err)

	id, qerr := s.queue.Enqueue(ctx, Mutation{
		Method:         req.Method,
		URL:            req.URL.RequestURI(),
		Header:         mutationHeaders(req.Header),
		Body:           req.Body,
		IdempotencyKey: key,
	})
	if qerr != nil {
		s.storageLog.Warn("enqueue mutation failed", "err", qerr)
		s.writeResponse(w, offlineJSON(s.now()))
		return
	}
	s.writeResponse(w, queuedJSON(s.now(), id))
}

// mutationHeaders keeps what the origin needs to replay the request later.
func mutationHeaders(h http.Header) http.Header {
	out := cloneHeader(h)
	for _, k := range []string{"Accept-Encoding", "Content-Length", "Sec-Fetch-Dest", "Sec-Fetch-Mode", "Sec-Fetch-Site"} {
		out.Del(k)
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

func (s *Service) writeResponse(w http.ResponseWriter, resp Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	setCacheHeader(h, resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	s.stats.Observe(resp.Source, len(resp.Body))
}

const cacheHeader = "X-SW-Cache"

func setCacheHeader(h http.Header, source string) {
	if source != "" {
		h.Set(cacheHeader, source)
	}
	// Cross-origin pages can only read custom headers that are exposed.
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
