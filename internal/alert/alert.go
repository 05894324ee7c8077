// Package alert delivers operator alerts raised by the relay supervisor.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pongrelay/internal/metrics"
)

// Alert is one operator notification.
type Alert struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	RunID   string    `json:"run_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Sender delivers alerts to one sink.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// LogSender writes alerts to the process log. It never fails.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Send(_ context.Context, a Alert) error {
	log.Printf("[alert] %s: %s", a.Subject, a.Body)
	return nil
}

// Multi fans an alert out to every sink. Every sink is tried; errors are
// joined.
type Multi []Sender

func (m Multi) Name() string { return "multi" }

func (m Multi) Send(ctx context.Context, a Alert) error {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, a); err != nil {
			metrics.Alerts.WithLabelValues(s.Name(), "error").Inc()
			log.Printf("[warn] alert sink %s failed: %v", s.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.Alerts.WithLabelValues(s.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}
