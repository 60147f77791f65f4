// Package notify publishes push lifecycle events.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Lifecycle topics, relative to the deployment's topic base.
const (
	TopicStart    = "mashtask.start"
	TopicMashing  = "mashtask.mashing"
	TopicComplete = "mashtask.complete"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	PushID    string         `json:"push_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Msg       map[string]any `json:"msg"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

func newEvent(topic, pushID string, msg map[string]any) Event {
	if msg == nil {
		msg = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		PushID:    pushID,
		Timestamp: time.Now().UTC(),
		Msg:       msg,
	}
}

// Start announces a push.
func Start(pushID string) Event {
	return newEvent(TopicStart, pushID, nil)
}

// Mashing announces a work unit and the updates it carries.
func Mashing(pushID, repo string, updates []string) Event {
	return newEvent(TopicMashing, pushID, map[string]any{
		"repo":    repo,
		"updates": append([]string{}, updates...),
	})
}

// Complete reports the outcome of a work unit.
func Complete(pushID, repo string, success bool) Event {
	return newEvent(TopicComplete, pushID, map[string]any{
		"repo":    repo,
		"success": success,
	})
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
