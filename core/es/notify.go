package es

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Notification subject prefixes, one per component.
const (
	SubjectEventSourcing   = "eventsourcing"
	SubjectEventCache      = "eventcache"
	SubjectSnapshotManager = "snapshotmanager"
	SubjectEventReplay     = "eventreplay"
	SubjectEventProjection = "eventprojection"
)

// Notification is an outbound, timestamped message emitted on every
// stored event, snapshot lifecycle change, replay/projection lifecycle
// change and cleanup run.
type Notification struct {
	// Subject is "<component>.<action>", e.g. "eventsourcing.USER_CREATED"
	// or "snapshotmanager.created".
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewNotification builds a notification for the given component prefix
// and action.
func NewNotification(prefix, action string, payload map[string]any) Notification {
	return Notification{
		Subject:   fmt.Sprintf("%s.%s", prefix, action),
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Notifier delivers notifications to downstream subscribers. Delivery is
// fire-and-forget: implementations must never block the originating
// operation and must swallow (but may log) their own delivery errors.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}

var _ Notifier = NopNotifier{}

// ChanNotifier buffers notifications on a channel. When the buffer is
// full the notification is dropped rather than blocking the caller.
type ChanNotifier struct {
	ch        chan Notification
	closeOnce sync.Once
}

func NewChanNotifier(buffer int) *ChanNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanNotifier{ch: make(chan Notification, buffer)}
}

func (c *ChanNotifier) Chan() <-chan Notification { return c.ch }

func (c *ChanNotifier) Notify(_ context.Context, n Notification) {
	select {
	case c.ch <- n:
	default:
	}
}

func (c *ChanNotifier) Close() {
	c.closeOnce.Do(func() { close(c.ch) })
}

var _ Notifier = (*ChanNotifier)(nil)
