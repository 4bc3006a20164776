package swcache

import (
	"bytes"
	"encoding/json"

	"github.com/jmgilman/go/errors"
)

// Notification is the display data of a push message.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Data               map[string]any       `json:"data"`
	Actions            []NotificationAction `json:"actions"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Vibrate            []int                `json:"vibrate,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// ClickOutcome tells a consumer what to do after a notification action.
// Focus means bring the application to the foreground at URL.
type ClickOutcome struct {
	Focus bool   `json:"focus"`
	URL   string `json:"url,omitempty"`
}

type pushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// parsePush builds a Notification from a JSON push payload. An empty payload
// yields ok=false and no error.
func parsePush(payload []byte, cfg *Config) (n Notification, ok bool, err error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Notification{}, false, nil
	}
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Notification{}, false, errors.Wrap(err, errors.CodeInvalidInput, "decode push payload")
	}
	n = Notification{
		Title: p.Title,
		Body:  p.Body,
		Icon:  cfg.Push.Icon,
		Badge: cfg.Push.Badge,
		Data:  p.Data,
		Actions: []NotificationAction{
			{Action: ActionView, Title: "View"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
		RequireInteraction: true,
		Vibrate:            []int{200, 100, 200},
	}
	if n.Title == "" {
		n.Title = cfg.App.Name
	}
	if n.Body == "" {
		n.Body = "New message from " + cfg.App.Name
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	return n, true, nil
}

// Push delivers an external push message to every consumer. It returns the
// number of consumers that received it.
func (e *Engine) Push(payload []byte) (int, error) {
	n, ok, err := parsePush(payload, &e.cfg)
	if err != nil || !ok {
		return 0, err
	}
	return e.hub.Broadcast(PushReceived{Notification: n}), nil
}

// NotificationClick resolves a notification action. "view" brings the app
// to the foreground at its root; "dismiss" and anything else only close
// the notification.
func (e *Engine) NotificationClick(action string) ClickOutcome {
	if action == ActionView {
		return ClickOutcome{Focus: true, URL: e.cfg.App.Root}
	}
	return ClickOutcome{}
}
