package hubcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the cache DB:
//
//	n:<partition>                 partition marker
//	e:<partition>\x00<key>        gob(storedEntry)
//	o:<partition>\x00<seq hex>    key, in insertion order
//	meta:<name>                   metadata value
const (
	prefixName  = "n:"
	prefixEntry = "e:"
	prefixOrder = "o:"
	prefixMeta  = "meta:"
)

type storedEntry struct {
	Seq   uint64
	Entry CacheEntry
}

type levelStore struct {
	db *leveldb.DB

	mu     sync.Mutex
	seq    uint64
	counts map[string]int
	parts  map[string]*levelPartition
}

// OpenLevelStore opens (or creates) a leveldb-backed store at path.
func OpenLevelStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open cache db %s", path)
	}
	s, err := newLevelStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newLevelStore(db *leveldb.DB) (*levelStore, error) {
	s := &levelStore{
		db:     db,
		counts: map[string]int{},
		parts:  map[string]*levelPartition{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex rebuilds entry counts and the sequence counter from the order keys.
func (s *levelStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixOrder)), nil)
	defer it.Release()

	counts := map[string]int{}
	var maxSeq uint64
	for it.Next() {
		rest := bytes.TrimPrefix(it.Key(), []byte(prefixOrder))
		i := bytes.LastIndexByte(rest, 0)
		if i < 0 {
			continue
		}
		counts[string(rest[:i])]++
		seq, err := strconv.ParseUint(string(rest[i+1:]), 16, 64)
		if err == nil && seq > maxSeq {
			maxSeq = seq
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load cache index")
	}
	s.mu.Lock()
	s.counts = counts
	s.seq = maxSeq
	s.mu.Unlock()
	return nil
}

func (s *levelStore) Open(name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	if err := s.db.Put([]byte(prefixName+name), nil, nil); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "create partition %s", name)
	}
	p := &levelPartition{store: s, name: name}
	s.parts[name] = p
	return p, nil
}

func (s *levelStore) Names() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixName)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefixName))))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list partitions")
	}
	return out, nil
}

func (s *levelStore) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixName + name))
	for _, prefix := range []string{prefixEntry, prefixOrder} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return errors.Wrapf(err, errors.CodeDatabase, "scan partition %s", name)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "drop partition %s", name)
	}
	delete(s.counts, name)
	if p, ok := s.parts[name]; ok {
		p.dropped = true
		delete(s.parts, name)
	}
	return nil
}

func (s *levelStore) Meta(key string) (string, bool, error) {
	b, err := s.db.Get([]byte(prefixMeta+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, errors.CodeDatabase, "read meta %s", key)
	}
	return string(b), true, nil
}

func (s *levelStore) SetMeta(key, value string) error {
	if err := s.db.Put([]byte(prefixMeta+key), []byte(value), nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "write meta %s", key)
	}
	return nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

type levelPartition struct {
	store *levelStore
	name  string

	// dropped is set under store.mu once the partition is dropped; the
	// handle then ignores writes so a late writer cannot bring it back.
	dropped bool
}

func (p *levelPartition) Name() string { return p.name }

func (p *levelPartition) entryKey(key string) []byte {
	return []byte(prefixEntry + p.name + "\x00" + key)
}

func (p *levelPartition) orderKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%016x", prefixOrder, p.name, seq))
}

func (p *levelPartition) get(key string) (storedEntry, bool, error) {
	b, err := p.store.db.Get(p.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return storedEntry{}, false, nil
	}
	if err != nil {
		return storedEntry{}, false, errors.Wrapf(err, errors.CodeDatabase, "read %s", p.name)
	}
	var se storedEntry
	if err := decodeGob(b, &se); err != nil {
		return storedEntry{}, false, errors.Wrapf(err, errors.CodeDatabase, "decode entry in %s", p.name)
	}
	return se, true, nil
}

func (p *levelPartition) Match(key string) (CacheEntry, bool, error) {
	se, ok, err := p.get(key)
	if !ok || err != nil {
		return CacheEntry{}, false, err
	}
	return se.Entry, true, nil
}

func (p *levelPartition) Put(key string, ent CacheEntry) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.dropped {
		return nil
	}

	old, exists, err := p.get(key)
	if err != nil {
		return err
	}
	s.seq++
	b, err := encodeGob(storedEntry{Seq: s.seq, Entry: ent})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode entry")
	}

	batch := new(leveldb.Batch)
	if exists {
		batch.Delete(p.orderKey(old.Seq))
	}
	batch.Put(p.entryKey(key), b)
	batch.Put(p.orderKey(s.seq), []byte(key))
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "write %s", p.name)
	}
	if !exists {
		s.counts[p.name]++
	}
	return nil
}

func (p *levelPartition) Delete(key string) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists, err := p.get(key)
	if err != nil || !exists {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(p.entryKey(key))
	batch.Delete(p.orderKey(old.Seq))
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "delete from %s", p.name)
	}
	s.counts[p.name]--
	return nil
}

func (p *levelPartition) Keys() ([]string, error) {
	it := p.store.db.NewIterator(util.BytesPrefix([]byte(prefixOrder+p.name+"\x00")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "list keys of %s", p.name)
	}
	return out, nil
}

func (p *levelPartition) Len() (int, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	return p.store.counts[p.name], nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
