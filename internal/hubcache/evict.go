package hubcache

import (
	"time"

	"github.com/jmgilman/go/errors"
)

// Limits bounds one category's partition.
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// prune drops expired entries from p, then deletes the oldest inserted keys
// until at most lim.MaxEntries remain. It returns how many entries were
// removed.
func prune(p Partition, lim Limits, now time.Time) (int, error) {
	keys, err := p.Keys()
	if err != nil {
		return 0, err
	}

	removed := 0
	if lim.MaxAge > 0 {
		// Insertion order does not follow StoredAt (batched precache writes
		// land after their fetches), so every key is checked.
		live := keys[:0]
		for _, k := range keys {
			ent, ok, err := p.Match(k)
			if err != nil {
				return removed, err
			}
			if ok && !ent.expired(lim.MaxAge, now) {
				live = append(live, k)
				continue
			}
			if err := p.Delete(k); err != nil {
				return removed, err
			}
			removed++
		}
		keys = live
	}

	if lim.MaxEntries <= 0 || len(keys) <= lim.MaxEntries {
		return removed, nil
	}
	for _, k := range keys[:len(keys)-lim.MaxEntries] {
		if err := p.Delete(k); err != nil {
			return removed, errors.Wrapf(err, errors.CodeDatabase, "evict %s from %s", k, p.Name())
		}
		removed++
	}
	return removed, nil
}

// pruneCategory runs prune and logs failures; it never fails the caller.
func (s *Service) pruneCategory(p Partition, c Category) {
	n, err := prune(p, s.cfg.Limits(c), s.now())
	if err != nil {
		s.storageLog.Warn("prune failed", "partition", p.Name(), "err", err)
		return
	}
	if n > 0 {
		s.log.Debug("pruned", "partition", p.Name(), "removed", n)
	}
}

// sweep prunes every partition of the serving generation.
func (s *Service) sweep() {
	gen := s.lc.Serving()
	if gen == nil {
		return
	}
	for _, c := range Categories {
		p, err := gen.Registry.Open(c)
		if err != nil {
			s.storageLog.Warn("sweep: open partition failed", "category", c, "err", err)
			continue
		}
		s.pruneCategory(p, c)
	}
}
