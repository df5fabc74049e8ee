package hubcache

import (
	"sort"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
)

// Partition is one named cache bucket. Keys() lists keys in insertion order;
// writing an existing key moves it to the end.
type Partition interface {
	Name() string
	Match(key string) (CacheEntry, bool, error)
	Put(key string, ent CacheEntry) error
	Delete(key string) error
	Keys() ([]string, error)
	Len() (int, error)
}

// Store holds partitions and a handful of metadata values. It is the only
// state shared between generations.
type Store interface {
	Open(name string) (Partition, error)
	Names() ([]string, error)
	Drop(name string) error
	Meta(key string) (string, bool, error)
	SetMeta(key, value string) error
	Close() error
}

// Registry maps categories to the partitions of one generation.
type Registry struct {
	store   Store
	prefix  string
	version string

	mu   sync.Mutex
	open map[Category]Partition
}

func NewRegistry(store Store, prefix, version string) *Registry {
	return &Registry{
		store:   store,
		prefix:  prefix,
		version: version,
		open:    map[Category]Partition{},
	}
}

func (r *Registry) Version() string { return r.version }

// PartitionName is "<prefix>-<category>-<version>".
func (r *Registry) PartitionName(c Category) string {
	return r.prefix + "-" + string(c) + "-" + r.version
}

// CurrentNames returns the partition names this generation owns.
func (r *Registry) CurrentNames() []string {
	out := make([]string, 0, len(Categories))
	for _, c := range Categories {
		out = append(out, r.PartitionName(c))
	}
	return out
}

// Open returns the partition for c. Repeated calls return the same handle.
func (r *Registry) Open(c Category) (Partition, error) {
	if !c.valid() {
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown category %q", c)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.open[c]; ok {
		return p, nil
	}
	p, err := r.store.Open(r.PartitionName(c))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open partition %s", r.PartitionName(c))
	}
	r.open[c] = p
	return p, nil
}

// OpenName opens a partition by category name or full partition name. Names
// outside this app's prefix are refused.
func (r *Registry) OpenName(name string) (Partition, error) {
	if c := Category(name); c.valid() {
		return r.Open(c)
	}
	if !r.owns(name) {
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown cache %q", name)
	}
	for _, c := range Categories {
		if r.PartitionName(c) == name {
			return r.Open(c)
		}
	}
	p, err := r.store.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open partition %s", name)
	}
	return p, nil
}

// ListPartitions returns every partition owned by the app, any generation.
func (r *Registry) ListPartitions() ([]string, error) {
	names, err := r.store.Names()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list partitions")
	}
	out := names[:0]
	for _, n := range names {
		if r.owns(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DeleteStale drops every app partition that is not in keep. The partitions
// of this registry's generation are always kept.
func (r *Registry) DeleteStale(keep []string) ([]string, error) {
	names, err := r.ListPartitions()
	if err != nil {
		return nil, err
	}
	keepSet := make(map[string]struct{}, len(keep)+len(Categories))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	for _, k := range r.CurrentNames() {
		keepSet[k] = struct{}{}
	}

	var deleted []string
	for _, n := range names {
		if _, ok := keepSet[n]; ok {
			continue
		}
		if err := r.store.Drop(n); err != nil {
			return deleted, errors.Wrapf(err, errors.CodeDatabase, "drop partition %s", n)
		}
		deleted = append(deleted, n)
	}
	return deleted, nil
}

// Clear drops every partition the app owns, current generation included.
func (r *Registry) Clear() error {
	names, err := r.ListPartitions()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if err := r.store.Drop(n); err != nil {
			return errors.Wrapf(err, errors.CodeDatabase, "drop partition %s", n)
		}
	}
	r.open = map[Category]Partition{}
	return nil
}

// dropOwn drops only this generation's partitions.
func (r *Registry) dropOwn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.CurrentNames() {
		if err := r.store.Drop(n); err != nil {
			return errors.Wrapf(err, errors.CodeDatabase, "drop partition %s", n)
		}
	}
	r.open = map[Category]Partition{}
	return nil
}

// forget drops cached handles so the next Open goes back to the store.
func (r *Registry) forget() {
	r.mu.Lock()
	r.open = map[Category]Partition{}
	r.mu.Unlock()
}

func (r *Registry) owns(name string) bool {
	return strings.HasPrefix(name, r.prefix+"-")
}
