package hubcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestEventHub_Broadcast(t *testing.T) {
	pub := &recordingPublisher{}
	h := newEventHub(discardLogger(), pub)
	a := h.Subscribe("/coach")
	b := h.Subscribe("/player")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, h.Clients(), 2)

	h.Broadcast(Event{Type: EventMutationSynced, Data: map[string]any{"id": uint64(1)}})
	assert.Equal(t, EventMutationSynced, (<-a.C).Type)
	assert.Equal(t, EventMutationSynced, (<-b.C).Type)
	require.Len(t, pub.events, 1)

	h.Close()
	assert.True(t, pub.closed)
	_, open := <-a.C
	assert.False(t, open)
}

func TestEventHub_SlowClientMissesEvents(t *testing.T) {
	h := newEventHub(discardLogger())
	c := h.Subscribe("/coach")
	for i := 0; i < 20; i++ {
		h.Broadcast(Event{Type: EventNotification})
	}
	assert.Len(t, c.C, 16)
	assert.False(t, h.SendTo(c.ID, Event{Type: EventFocus}))
}

func TestEventHub_FindByURLAndUnsubscribe(t *testing.T) {
	h := newEventHub(discardLogger())
	c := h.Subscribe("https://hub.example.com/coach/roster?team=2")

	got, ok := h.FindByURL("/coach/roster?team=2")
	require.True(t, ok)
	assert.Equal(t, c.ID, got.ID)
	_, ok = h.FindByURL("/coach/roster")
	assert.False(t, ok)

	assert.True(t, h.SendTo(c.ID, Event{Type: EventFocus}))
	assert.Equal(t, EventFocus, (<-c.C).Type)

	h.Unsubscribe(c.ID)
	_, open := <-c.C
	assert.False(t, open)
	assert.False(t, h.SendTo(c.ID, Event{Type: EventFocus}))
	h.Unsubscribe(c.ID)
}

func TestRedisPublisher_Unreachable(t *testing.T) {
	p := newRedisPublisher("127.0.0.1:1", "", 0, "hubcache-events")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Publish(ctx, Event{Type: EventControllerChange})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNetwork, errors.GetCode(err))
}
