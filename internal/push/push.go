// Package push dispatches "new message" notifications to the external
// delivery service. Dispatch is fire-and-forget for the sender.
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper/daymatch/internal/messaging"
)

// Notification is the payload handed to the delivery service.
type Notification struct {
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

// Notifier dispatches notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher is the subset of the NATS client the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications on push.notify.
type NATSNotifier struct {
	pub Publisher
}

// NewNATSNotifier creates a notifier over pub.
func NewNATSNotifier(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}
	if err := n.pub.Publish(messaging.SubjectPushNotify, data); err != nil {
		return fmt.Errorf("push: publish: %w", err)
	}
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
