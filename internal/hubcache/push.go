package hubcache

import (
	"encoding/json"
	"strings"
)

const (
	defaultPushTitle = "Hockey Hub"
	defaultPushBody  = "You have a new notification"
	defaultPushIcon  = "/icons/icon-192x192.png"
	defaultPushBadge = "/icons/icon-72x72.png"
)

// PushPayload is the body of an incoming push message.
type PushPayload struct {
	Title   string       `json:"title,omitempty"`
	Body    string       `json:"body,omitempty"`
	Data    PushData     `json:"data"`
	Actions []PushAction `json:"actions,omitempty"`
}

type PushData struct {
	URL string `json:"url,omitempty"`
}

type PushAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is what open pages receive for a push.
type Notification struct {
	Title   string       `json:"title"`
	Body    string       `json:"body"`
	Icon    string       `json:"icon"`
	Badge   string       `json:"badge"`
	URL     string       `json:"url"`
	Actions []PushAction `json:"actions,omitempty"`
}

// ClickResult tells the caller what happened to a notification click.
type ClickResult struct {
	Action   string `json:"action"` // "focus" or "open"
	URL      string `json:"url"`
	ClientID string `json:"clientId,omitempty"`
}

// HandlePush turns a push payload into a notification and broadcasts it. A
// body that is not JSON becomes the notification text.
func (s *Service) HandlePush(raw []byte) Notification {
	var p PushPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			p = PushPayload{Body: strings.TrimSpace(string(raw))}
		}
	}

	n := Notification{
		Title:   p.Title,
		Body:    p.Body,
		Icon:    defaultPushIcon,
		Badge:   defaultPushBadge,
		URL:     p.Data.URL,
		Actions: p.Actions,
	}
	if n.Title == "" {
		n.Title = defaultPushTitle
	}
	if n.Body == "" {
		n.Body = defaultPushBody
	}
	if n.URL == "" {
		n.URL = "/"
	}

	s.hub.Broadcast(Event{Type: EventNotification, Data: n})
	s.log.Debug("push delivered", "title", n.Title, "pages", len(s.hub.Clients()))
	return n
}

// HandleNotificationClick focuses a page already showing target, otherwise
// asks the caller to open one.
func (s *Service) HandleNotificationClick(target string) ClickResult {
	if target == "" {
		target = "/"
	}
	if c, ok := s.hub.FindByURL(target); ok && s.hub.SendTo(c.ID, Event{Type: EventFocus, Data: map[string]string{"url": target}}) {
		return ClickResult{Action: "focus", URL: target, ClientID: c.ID}
	}
	return ClickResult{Action: "open", URL: target}
}
