package providers

import (
	"context"
)

// Email is one rendered message for one recipient.
type Email struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Channel sends email. Failed sends return an *errors.DeliveryError telling the caller
// whether the message may be retried; unclassified errors are treated as transient.
type Channel interface {
	// Name returns the channel name used in logs and metrics.
	Name() string
	// Send delivers a single email.
	Send(ctx context.Context, email Email) error
}
