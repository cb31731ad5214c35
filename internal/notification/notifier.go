// Package notification delivers job-failure alerts to external
// channels (webhooks, Telegram). Delivery is best effort; a failed
// alert is logged and never fails the job that raised it.
package notification

import (
	"context"
	"log/slog"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// Fanout sends each alert to every backend and logs per-backend
// failures.
type Fanout struct {
	backends []Notifier
	log      *slog.Logger
}

// NewFanout creates a fanout over the given backends. An empty backend
// list yields a no-op notifier.
func NewFanout(log *slog.Logger, backends ...Notifier) *Fanout {
	return &Fanout{backends: backends, log: log}
}

func (f *Fanout) Send(ctx context.Context, alert Alert) error {
	for _, n := range f.backends {
		if err := n.Send(ctx, alert); err != nil {
			f.log.Warn("alert delivery failed", "title", alert.Title, "err", err)
		}
	}
	return nil
}
