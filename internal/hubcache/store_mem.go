package hubcache

import "sync"

type memStore struct {
	mu    sync.Mutex
	parts map[string]*memPartition
	meta  map[string]string
}

// NewMemStore returns a Store that lives only as long as the process.
func NewMemStore() Store {
	return &memStore{
		parts: map[string]*memPartition{},
		meta:  map[string]string{},
	}
}

func (s *memStore) Open(name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	p := &memPartition{name: name, items: map[string]*memItem{}}
	s.parts[name] = p
	return p, nil
}

func (s *memStore) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.parts))
	for n := range s.parts {
		out = append(out, n)
	}
	return out, nil
}

func (s *memStore) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[name]; ok {
		p.drop()
		delete(s.parts, name)
	}
	return nil
}

func (s *memStore) Meta(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *memStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *memStore) Close() error { return nil }

type memItem struct {
	key  string
	ent  CacheEntry
	prev *memItem
	next *memItem
}

// memPartition keeps entries in a doubly linked list, oldest insert at head.
type memPartition struct {
	name string

	mu    sync.Mutex
	items map[string]*memItem
	head  *memItem
	tail  *memItem

	dropped bool
}

func (p *memPartition) Name() string { return p.name }

func (p *memPartition) Match(key string) (CacheEntry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.items[key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	return cloneEntry(it.ent), true, nil
}

func (p *memPartition) Put(key string, ent CacheEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return nil
	}
	if it, ok := p.items[key]; ok {
		p.remove(it)
		delete(p.items, key)
	}
	it := &memItem{key: key, ent: cloneEntry(ent)}
	p.items[key] = it
	p.pushBack(it)
	return nil
}

func (p *memPartition) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.items[key]
	if !ok {
		return nil
	}
	p.remove(it)
	delete(p.items, key)
	return nil
}

func (p *memPartition) Keys() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.items))
	for it := p.head; it != nil; it = it.next {
		out = append(out, it.key)
	}
	return out, nil
}

func (p *memPartition) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items), nil
}

// drop empties p and makes later writes through old handles no-ops.
func (p *memPartition) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = map[string]*memItem{}
	p.head, p.tail = nil, nil
	p.dropped = true
}

func (p *memPartition) pushBack(it *memItem) {
	it.next = nil
	it.prev = p.tail
	if p.tail != nil {
		p.tail.next = it
	}
	p.tail = it
	if p.head == nil {
		p.head = it
	}
}

func (p *memPartition) remove(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		p.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		p.tail = it.prev
	}
	it.prev, it.next = nil, nil
}
