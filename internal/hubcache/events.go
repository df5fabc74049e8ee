package hubcache

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types pushed to open pages.
const (
	EventMutationSynced   = "mutation-synced"
	EventNotification     = "notification"
	EventFocus            = "focus"
	EventControllerChange = "controllerchange"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Publisher forwards events beyond this process.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Client is one open page listening on the event stream.
type Client struct {
	ID  string
	URL string
	C   <-chan Event

	ch chan Event
}

// eventHub tracks open pages and fans events out to them.
type eventHub struct {
	mu      sync.Mutex
	clients map[string]*Client

	publishers []Publisher
	log        *slog.Logger
}

func newEventHub(log *slog.Logger, publishers ...Publisher) *eventHub {
	return &eventHub{
		clients:    map[string]*Client{},
		publishers: publishers,
		log:        log,
	}
}

// Subscribe registers a page showing pageURL.
func (h *eventHub) Subscribe(pageURL string) *Client {
	ch := make(chan Event, 16)
	c := &Client{ID: uuid.NewString(), URL: pageURL, C: ch, ch: ch}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	return c
}

func (h *eventHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.ch)
	}
}

// Clients returns a snapshot of the open pages.
func (h *eventHub) Clients() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast delivers ev to every page and publisher. Slow pages miss events
// rather than blocking the sender.
func (h *eventHub) Broadcast(ev Event) {
	h.mu.Lock()
	for _, c := range h.clients {
		select {
		case c.ch <- ev:
		default:
			h.log.Debug("event dropped for slow client", "client", c.ID, "type", ev.Type)
		}
	}
	h.mu.Unlock()

	if len(h.publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range h.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			h.log.Warn("publish event failed", "type", ev.Type, "err", err)
		}
	}
}

// SendTo delivers ev to a single page.
func (h *eventHub) SendTo(id string, ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	select {
	case c.ch <- ev:
		return true
	default:
		return false
	}
}

// FindByURL returns an open page showing target. Scheme and host are ignored
// so absolute and relative URLs compare equal.
func (h *eventHub) FindByURL(target string) (*Client, bool) {
	want := pageKey(target)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if pageKey(c.URL) == want {
			return c, true
		}
	}
	return nil, false
}

func (h *eventHub) Close() {
	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.ch)
	}
	h.mu.Unlock()
	for _, p := range h.publishers {
		_ = p.Close()
	}
}

func pageKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}
