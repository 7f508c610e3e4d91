// Package notification delivers operator alerts (emergency stops,
// ingestion failures) to logs, webhooks and Telegram.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Service string     `json:"service,omitempty"`
	Time    time.Time  `json:"ts"`
}

// Notifier delivers alerts.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	ev := n.log.Info()
	switch alert.Level {
	case AlertWarning:
		ev = n.log.Warn()
	case AlertCritical:
		ev = n.log.Error()
	}
	ev.Str("level_alert", string(alert.Level)).Str("title", alert.Title).Msg(alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
