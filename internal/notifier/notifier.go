package notifier

import (
	"context"
	"errors"
	"fmt"
)

// TestMessage confirms a chat is reachable.
const TestMessage = "👋 *Hello from taskflow*\n\nIf you can read this, your notification settings are correct. Daily digests will arrive here."

// Notifier delivers a Markdown text to a chat using the given bot token.
type Notifier interface {
	Send(ctx context.Context, botToken, chatID, text string) error
}

// DeliveryError is a failed delivery with a human-readable reason.
type DeliveryError struct {
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery failed: %s: %v", e.Reason, e.Err)
	}
	return "delivery failed: " + e.Reason
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Reason extracts the human-readable reason from any send error.
func Reason(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
