package events

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers out-of-band messages to users and partners. Delivery
// is best-effort: callers log send failures and move on, and a failed
// send must never block or reverse a reservation decision.
type Notifier interface {
	SendMessage(ctx context.Context, recipientID, text string) error
}

// LogNotifier writes notifications to the log instead of delivering
// them. Used in tests and when running without a broker.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) SendMessage(ctx context.Context, recipientID, text string) error {
	n.log.Info("Notification (log only)",
		zap.String("recipient_id", recipientID),
		zap.String("text", text),
	)
	return nil
}
