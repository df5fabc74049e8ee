package hubcache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/jmgilman/go/errors"
)

// Control message types accepted from the foreground application.
const (
	MsgSkipWaiting = "skip-waiting"
	MsgClearCache  = "clear-cache"
	MsgCacheURLs   = "cache-urls"
	MsgDrainQueue  = "drain-queue"
	MsgGetStatus   = "get-status"
)

// Background sync tags.
const (
	SyncTagQueue         = "sync-mutations"
	SyncTagWorkoutPrefix = "sync-workout-"
)

// Message is the {type, data} envelope of the control channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Reply is sent back for messages that expect one.
type Reply struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Succeeded []uint64      `json:"succeeded,omitempty"`
	Failed    []uint64      `json:"failed,omitempty"`
	Status    *StatusReport `json:"status,omitempty"`
}

type cacheURLsData struct {
	URLs      []string `json:"urls"`
	CacheName string   `json:"cacheName,omitempty"`
}

// StatusReport describes the running generations and queue.
type StatusReport struct {
	Version        string   `json:"version,omitempty"`
	State          State    `json:"state,omitempty"`
	WaitingVersion string   `json:"waitingVersion,omitempty"`
	Partitions     []string `json:"partitions"`
	QueueLength    int      `json:"queueLength"`
}

func failReply(err error) *Reply {
	return &Reply{Success: false, Error: err.Error()}
}

// HandleMessage executes one control message. A nil reply means the message
// type has none. Malformed messages return a failed reply and a
// CodeInvalidInput error.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (*Reply, error) {
	switch msg.Type {
	case MsgSkipWaiting:
		if err := s.lc.Activate(ctx); err != nil {
			s.log.Error("skip-waiting activation failed", "err", err)
			return nil, err
		}
		return nil, nil

	case MsgClearCache:
		if err := s.clearCaches(); err != nil {
			return failReply(err), nil
		}
		return &Reply{Success: true}, nil

	case MsgCacheURLs:
		var data cacheURLsData
		if len(msg.Data) == 0 {
			err := errors.New(errors.CodeInvalidInput, "cache-urls: missing data")
			return failReply(err), err
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			err = errors.Wrap(err, errors.CodeInvalidInput, "cache-urls: invalid data")
			return failReply(err), err
		}
		if err := s.cacheURLs(ctx, data); err != nil {
			return failReply(err), nil
		}
		return &Reply{Success: true}, nil

	case MsgDrainQueue:
		res, err := s.queue.Drain(ctx)
		if err != nil {
			return failReply(err), nil
		}
		return &Reply{Success: true, Succeeded: res.Succeeded, Failed: res.Failed}, nil

	case MsgGetStatus:
		st, err := s.Status()
		if err != nil {
			return failReply(err), nil
		}
		return &Reply{Success: true, Status: &st}, nil

	case "":
		err := errors.New(errors.CodeInvalidInput, "message type is required")
		return failReply(err), err

	default:
		err := errors.Newf(errors.CodeInvalidInput, "unknown message type %q", msg.Type)
		return failReply(err), err
	}
}

// clearCaches drops every partition the app owns, whatever its generation.
func (s *Service) clearCaches() error {
	reg := NewRegistry(s.store, s.cfg.App.CachePrefix, s.cfg.App.Version)
	if gen := s.lc.Serving(); gen != nil {
		reg = gen.Registry
	}
	if err := reg.Clear(); err != nil {
		return err
	}
	if w := s.lc.Waiting(); w != nil && w.Registry != reg {
		w.Registry.forget()
	}
	s.log.Info("all caches cleared")
	return nil
}

// cacheURLs fetches every URL and stores them together: if one fetch fails
// nothing is written.
func (s *Service) cacheURLs(ctx context.Context, data cacheURLsData) error {
	gen := s.lc.Serving()
	if gen == nil {
		return errors.New(errors.CodeUnavailable, "no active generation")
	}
	name := data.CacheName
	if name == "" {
		name = string(CategoryDynamic)
	}
	p, err := gen.Registry.OpenName(name)
	if err != nil {
		return err
	}

	ents, err := s.fetchAll(ctx, data.URLs)
	if err != nil {
		return err
	}
	for i, u := range data.URLs {
		if err := p.Put(getRequest(u).Key(), ents[i]); err != nil {
			return errors.Wrapf(err, errors.CodeDatabase, "store %s", u)
		}
	}
	if c := categoryOf(gen.Registry, p.Name()); c != "" {
		s.pruneCategory(p, c)
	}
	return nil
}

func categoryOf(reg *Registry, partition string) Category {
	for _, c := range Categories {
		if reg.PartitionName(c) == partition {
			return c
		}
	}
	return ""
}

// HandleSync runs a background-sync tag: the queue tag drains everything,
// sync-workout-<id> replays one entry.
func (s *Service) HandleSync(ctx context.Context, tag string) (DrainResult, error) {
	switch {
	case tag == SyncTagQueue:
		return s.queue.Drain(ctx)
	case strings.HasPrefix(tag, SyncTagWorkoutPrefix):
		id, err := strconv.ParseUint(strings.TrimPrefix(tag, SyncTagWorkoutPrefix), 10, 64)
		if err != nil {
			return DrainResult{}, errors.Newf(errors.CodeInvalidInput, "invalid sync tag %q", tag)
		}
		ok, err := s.queue.ReplayOne(ctx, id)
		if err != nil {
			return DrainResult{}, err
		}
		if ok {
			return DrainResult{Succeeded: []uint64{id}, Failed: []uint64{}}, nil
		}
		return DrainResult{Succeeded: []uint64{}, Failed: []uint64{id}}, nil
	default:
		return DrainResult{}, errors.Newf(errors.CodeInvalidInput, "unknown sync tag %q", tag)
	}
}

// Status reports the generations, partitions and queue length.
func (s *Service) Status() (StatusReport, error) {
	var st StatusReport
	reg := NewRegistry(s.store, s.cfg.App.CachePrefix, s.cfg.App.Version)
	if gen := s.lc.Serving(); gen != nil {
		st.Version = gen.Version
		st.State = gen.State()
	}
	if w := s.lc.Waiting(); w != nil {
		st.WaitingVersion = w.Version
	}
	names, err := reg.ListPartitions()
	if err != nil {
		return st, err
	}
	st.Partitions = append([]string{}, names...)
	n, err := s.queue.Len()
	if err != nil {
		return st, err
	}
	st.QueueLength = n
	return st, nil
}
