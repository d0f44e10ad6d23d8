package realtime_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whisper/daymatch/internal/realtime"
	"github.com/whisper/daymatch/internal/realtime/memrt"
)

func TestNewKey_SortsUsers(t *testing.T) {
	k1 := realtime.NewKey(realtime.PurposeChat, "2024-05-01", "zoe", "adam")
	k2 := realtime.NewKey(realtime.PurposeChat, "2024-05-01", "adam", "zoe")

	assert.Equal(t, k1, k2)
	assert.Equal(t, "chat:2024-05-01:adam:zoe", k1.Topic())
	assert.Equal(t, "matches:u1", realtime.NewKey(realtime.PurposeMatches, "", "u1").Topic())
}

func TestRegistry_RefusesDuplicateKey(t *testing.T) {
	reg := realtime.NewRegistry(memrt.NewHub())
	ctx := context.Background()
	key := realtime.NewKey(realtime.PurposeChat, "2024-05-01", "a", "b")

	ch, err := reg.Join(ctx, key, realtime.Spec{}, realtime.Handlers{})
	require.NoError(t, err)

	_, err = reg.Join(ctx, key, realtime.Spec{}, realtime.Handlers{})
	assert.ErrorIs(t, err, realtime.ErrChannelExists)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, ch.Leave())
	assert.Zero(t, reg.Len())

	_, err = reg.Join(ctx, key, realtime.Spec{}, realtime.Handlers{})
	assert.NoError(t, err)
}

func TestRegistry_FailedJoinReleasesKey(t *testing.T) {
	hub := memrt.NewHub()
	reg := realtime.NewRegistry(hub)
	key := realtime.NewKey(realtime.PurposeMatches, "", "u1")

	hub.FailNextJoins(1)
	_, err := reg.Join(context.Background(), key, realtime.Spec{}, realtime.Handlers{})
	require.Error(t, err)
	assert.Empty(t, reg.Active())

	_, err = reg.Join(context.Background(), key, realtime.Spec{}, realtime.Handlers{})
	assert.NoError(t, err)
	assert.Equal(t, []realtime.Key{key}, reg.Active())
}

func TestChangeFilter_Matches(t *testing.T) {
	c := realtime.Change{Table: "matches", Type: realtime.EventDelete, Old: []byte(`{"match_date":"2024-05-01"}`)}

	assert.True(t, realtime.ChangeFilter{Table: "matches", Event: realtime.EventAll}.Matches(c))
	assert.True(t, realtime.ChangeFilter{Table: "matches", Event: realtime.EventDelete, Partition: "2024-05-01"}.Matches(c))
	assert.False(t, realtime.ChangeFilter{Table: "matches", Event: realtime.EventInsert}.Matches(c))
	assert.False(t, realtime.ChangeFilter{Table: "matches", Partition: "2024-05-02"}.Matches(c))
}
