package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/realtime"
)

type fakePublisher struct {
	changes []realtime.Change
	err     error
}

func (f *fakePublisher) PublishChange(c realtime.Change) error {
	if f.err != nil {
		return f.err
	}
	f.changes = append(f.changes, c)
	return nil
}

func TestHandle_DeletePayload(t *testing.T) {
	pub := &fakePublisher{}
	r := New("", pub, DefaultConfig(), zap.NewNop())

	r.Handle(`{"table":"matches","type":"DELETE","old":{"id":"m1","user_a_id":"a","user_b_id":"b","match_date":"2024-05-01"},"new":null}`)

	require.Len(t, pub.changes, 1)
	c := pub.changes[0]
	assert.Equal(t, "matches", c.Table)
	assert.Equal(t, realtime.EventDelete, c.Type)
	assert.Nil(t, c.New)
	assert.Equal(t, "2024-05-01", c.Partition())
}

func TestHandle_InvalidPayloadDropped(t *testing.T) {
	pub := &fakePublisher{}
	r := New("", pub, DefaultConfig(), zap.NewNop())

	r.Handle(`not json`)
	r.Handle(`{"type":"INSERT"}`)

	assert.Empty(t, pub.changes)
}

func TestHandle_PublishFailureDoesNotPanic(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	r := New("", pub, DefaultConfig(), zap.NewNop())

	assert.NotPanics(t, func() {
		r.Handle(`{"table":"chat_messages","type":"INSERT","new":{"id":"m1","match_date":"2024-05-01"}}`)
	})
}
