package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/daymatch/internal/realtime"
)

// PublishChange republishes a database row change on its db.* subject.
func (c *NATSClient) PublishChange(change realtime.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("messaging: marshal change: %w", err)
	}
	subject := ChangeSubject(change.Table, string(change.Type), change.Partition())
	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it on subject.
func (c *NATSClient) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal for %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}
