package minhash

import (
	"context"
	"strings"

	"minhash-go/internal/errclass"
)

// NotifyLevel decides which integrity reports trigger a notification.
type NotifyLevel string

const (
	NotifyNever   NotifyLevel = "NEVER"
	NotifyWarning NotifyLevel = "WARNING"
	NotifyError   NotifyLevel = "ERROR"
)

// ParseNotifyLevel accepts the level names case-insensitively.
func ParseNotifyLevel(s string) (NotifyLevel, error) {
	switch l := NotifyLevel(strings.ToUpper(s)); l {
	case NotifyNever, NotifyWarning, NotifyError:
		return l, nil
	case "":
		return NotifyNever, nil
	}
	return "", errclass.ErrMalformed.WithMessagef("unknown notification level %q", s)
}

// ShouldNotify applies the level to a report.
func (l NotifyLevel) ShouldNotify(r *IntegrityReport) bool {
	switch l {
	case NotifyError:
		return r.HasErrors()
	case NotifyWarning:
		return r.HasErrors() || r.HasWarnings()
	}
	return false
}

// Notification is a message for an external notification service.
type Notification struct {
	Recipient   []string `json:"recipient"`
	Subject     string   `json:"subject"`
	Message     string   `json:"message"`
	ContentType string   `json:"content_type"`
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
