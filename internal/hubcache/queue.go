package hubcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/singleflight"
)

// Mutation is a non-GET request that could not reach the origin. Records are
// immutable once enqueued.
type Mutation struct {
	ID             uint64
	Method         string
	URL            string // request URI, resolved against the origin on replay
	Header         http.Header
	Body           []byte
	EnqueuedAt     int64 // unix nanoseconds
	IdempotencyKey string
}

// DrainResult lists the ids replayed by one drain.
type DrainResult struct {
	Succeeded []uint64 `json:"succeeded"`
	Failed    []uint64 `json:"failed"`
	// Skipped is set when another process holds the queue lock.
	Skipped bool `json:"skipped,omitempty"`
}

// idempotencyHeader carries the mutation's key on the first forward and on
// every replay.
const idempotencyHeader = "Idempotency-Key"

const (
	queueKeyPrefix = "q:"
	queueSeqKey    = "s:seq"
)

// MutationQueue is a durable FIFO of failed mutations.
type MutationQueue struct {
	db   *leveldb.DB
	lock *flock.Flock

	replay Fetcher
	notify func(Event)
	log    *slog.Logger
	now    func() time.Time

	mu  sync.Mutex // guards seq
	seq uint64

	drainMu sync.Mutex
	sf      singleflight.Group
}

// OpenMutationQueue opens the queue DB in dir. The lock file next to it keeps
// two processes from replaying the same entries.
func OpenMutationQueue(dir string, replay Fetcher, log *slog.Logger) (*MutationQueue, error) {
	db, err := leveldb.OpenFile(dir+"/queue", nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open queue db in %s", dir)
	}
	q, err := newMutationQueue(db, flock.New(dir+"/queue.lock"), replay, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func newMutationQueue(db *leveldb.DB, lock *flock.Flock, replay Fetcher, log *slog.Logger) (*MutationQueue, error) {
	q := &MutationQueue{
		db:     db,
		lock:   lock,
		replay: replay,
		notify: func(Event) {},
		log:    log,
		now:    time.Now,
	}
	b, err := db.Get([]byte(queueSeqKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, errors.Wrap(err, errors.CodeDatabase, "read queue sequence")
	case len(b) == 8:
		q.seq = binary.BigEndian.Uint64(b)
	}
	return q, nil
}

func queueKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", queueKeyPrefix, id))
}

// Enqueue persists m and returns its id. ID and EnqueuedAt are assigned here,
// and IdempotencyKey too when the caller left it empty.
func (q *MutationQueue) Enqueue(ctx context.Context, m Mutation) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.seq + 1
	m.ID = id
	m.EnqueuedAt = q.now().UnixNano()
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	b, err := encodeGob(m)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "encode mutation")
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)

	batch := new(leveldb.Batch)
	batch.Put(queueKey(id), b)
	batch.Put([]byte(queueSeqKey), seq[:])
	if err := q.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "persist mutation")
	}
	q.seq = id
	q.log.Info("mutation queued", "id", id, "method", m.Method, "url", m.URL)
	return id, nil
}

// List returns every queued mutation in enqueue order.
func (q *MutationQueue) List() ([]Mutation, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queueKeyPrefix)), nil)
	defer it.Release()
	var out []Mutation
	for it.Next() {
		var m Mutation
		if err := decodeGob(it.Value(), &m); err != nil {
			q.log.Warn("skipping undecodable mutation", "key", string(it.Key()), "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list mutations")
	}
	return out, nil
}

func (q *MutationQueue) Len() (int, error) {
	ms, err := q.List()
	return len(ms), err
}

func (q *MutationQueue) get(id uint64) (Mutation, bool, error) {
	b, err := q.db.Get(queueKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Mutation{}, false, nil
	}
	if err != nil {
		return Mutation{}, false, errors.Wrap(err, errors.CodeDatabase, "read mutation")
	}
	var m Mutation
	if err := decodeGob(b, &m); err != nil {
		return Mutation{}, false, errors.Wrap(err, errors.CodeDatabase, "decode mutation")
	}
	return m, true, nil
}

// Drain replays the mutations present when it starts, oldest first. A failed
// replay keeps its entry and does not stop the loop. Calls that arrive while a
// drain is running share its result instead of starting another.
func (q *MutationQueue) Drain(ctx context.Context) (DrainResult, error) {
	v, err, shared := q.sf.Do("drain", func() (any, error) {
		return q.drain(ctx)
	})
	if shared {
		q.log.Debug("drain coalesced")
	}
	if err != nil {
		return DrainResult{}, err
	}
	return v.(DrainResult), nil
}

func (q *MutationQueue) drain(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	unlock, ok, err := q.lockProcess()
	if err != nil {
		return DrainResult{}, err
	}
	if !ok {
		q.log.Info("drain skipped, queue locked by another process")
		return DrainResult{Skipped: true}, nil
	}
	defer unlock()

	snapshot, err := q.List()
	if err != nil {
		return DrainResult{}, err
	}
	res := DrainResult{Succeeded: []uint64{}, Failed: []uint64{}}
	for _, m := range snapshot {
		if ctx.Err() != nil {
			res.Failed = append(res.Failed, m.ID)
			continue
		}
		if q.replayOne(ctx, m) {
			res.Succeeded = append(res.Succeeded, m.ID)
		} else {
			res.Failed = append(res.Failed, m.ID)
		}
	}
	if len(snapshot) > 0 {
		q.log.Info("queue drained", "succeeded", len(res.Succeeded), "failed", len(res.Failed))
	}
	return res, nil
}

// ReplayOne replays a single queued mutation. It reports false when the id is
// unknown or the replay failed.
func (q *MutationQueue) ReplayOne(ctx context.Context, id uint64) (bool, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	m, ok, err := q.get(id)
	if err != nil || !ok {
		return false, err
	}
	unlock, ok, err := q.lockProcess()
	if err != nil || !ok {
		return false, err
	}
	defer unlock()
	return q.replayOne(ctx, m), nil
}

func (q *MutationQueue) replayOne(ctx context.Context, m Mutation) bool {
	u, err := url.ParseRequestURI(m.URL)
	if err != nil {
		q.log.Warn("unreplayable mutation", "id", m.ID, "url", m.URL, "err", err)
		return false
	}
	h := cloneHeader(m.Header)
	h.Set(idempotencyHeader, m.IdempotencyKey)
	ent, err := q.replay.Fetch(ctx, Request{Method: m.Method, URL: u, Header: h, Body: m.Body})
	if err != nil {
		q.log.Debug("replay failed", "id", m.ID, "err", err)
		return false
	}
	if !ent.ok() {
		q.log.Warn("replay rejected by origin", "id", m.ID, "status", ent.Status)
		return false
	}
	if err := q.db.Delete(queueKey(m.ID), nil); err != nil {
		q.log.Error("replayed mutation not removed", "id", m.ID, "err", err)
		return false
	}
	q.notify(Event{Type: EventMutationSynced, Data: map[string]any{
		"id":     m.ID,
		"method": m.Method,
		"url":    m.URL,
		"status": ent.Status,
	}})
	return true
}

// lockProcess takes the cross-process queue lock without blocking.
func (q *MutationQueue) lockProcess() (func(), bool, error) {
	if q.lock == nil {
		return func() {}, true, nil
	}
	ok, err := q.lock.TryLock()
	if err != nil {
		return nil, false, errors.Wrap(err, errors.CodeUnavailable, "lock queue")
	}
	if !ok {
		return nil, false, nil
	}
	return func() { _ = q.lock.Unlock() }, true, nil
}

// Clear drops every queued mutation.
func (q *MutationQueue) Clear() error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	batch := new(leveldb.Batch)
	it := q.db.NewIterator(util.BytesPrefix([]byte(queueKeyPrefix)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "scan queue")
	}
	if err := q.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "clear queue")
	}
	return nil
}

func (q *MutationQueue) Close() error {
	return q.db.Close()
}
