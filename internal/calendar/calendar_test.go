package calendar

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whisper/daymatch/internal/clocktest"
)

func TestToday_UsesFixedZoneNotUTC(t *testing.T) {
	// 03:30 UTC on May 2 is still May 1 in New York.
	clk := clocktest.New(time.Date(2024, 5, 2, 3, 30, 0, 0, time.UTC))
	cal, err := New("America/New_York", clk)
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01", cal.Today())

	clk.Advance(2 * time.Hour)
	assert.Equal(t, "2024-05-02", cal.Today())
}

func TestNextAt(t *testing.T) {
	clk := clocktest.New(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cal, err := New("UTC", clk)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC), cal.NextAt(0, 5).UTC())
	assert.Equal(t, time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC), cal.NextAt(13, 0).UTC())
}

func TestNew_UnknownZone(t *testing.T) {
	_, err := New("Mars/Olympus_Mons", clockwork.NewRealClock())
	assert.Error(t, err)
}

func TestValidDate(t *testing.T) {
	assert.True(t, ValidDate("2024-02-29"))
	assert.False(t, ValidDate("2024-13-01"))
	assert.False(t, ValidDate(""))
}
