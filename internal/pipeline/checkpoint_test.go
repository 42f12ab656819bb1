package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotefeed/pkg/feed"
)

func TestNextWindowFromNeverLoaded(t *testing.T) {
	now := time.Date(2024, 6, 14, 15, 30, 0, 0, time.UTC)
	w, ok := NextWindowFrom(time.Time{}, false, now, 0, feed.Day, 30*24*time.Hour)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), w.From)
	require.Equal(t, time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), w.To)
}

func TestNextWindowFromResumesAfterCheckpoint(t *testing.T) {
	now := time.Date(2024, 6, 14, 15, 30, 0, 0, time.UTC)
	last := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	w, ok := NextWindowFrom(last, true, now, 0, feed.Day, 0)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC), w.From)
	require.Equal(t, time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), w.To)
}

func TestNextWindowFromCaughtUp(t *testing.T) {
	now := time.Date(2024, 6, 14, 15, 30, 0, 0, time.UTC)
	last := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	_, ok := NextWindowFrom(last, true, now, 0, feed.Day, 0)
	require.False(t, ok)
}

func TestNextWindowFromHonorsSourceDelay(t *testing.T) {
	now := time.Date(2024, 6, 14, 15, 30, 0, 0, time.UTC)
	last := time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC)

	// A 24h delay pulls the edge back to the previous session.
	w, ok := NextWindowFrom(last, true, now, 24*time.Hour, feed.Day, 0)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 6, 13, 0, 0, 0, 0, time.UTC), w.To)

	// With the checkpoint already at that edge there is nothing to fetch.
	_, ok = NextWindowFrom(w.To, true, now, 24*time.Hour, feed.Day, 0)
	require.False(t, ok)
}

func TestNextWindowFromUnsupportedGranularity(t *testing.T) {
	now := time.Now().UTC()
	_, ok := NextWindowFrom(time.Time{}, false, now, 0, feed.Granularity{Timespan: "fortnight", Multiplier: 1}, 0)
	require.False(t, ok)
}

func TestNextWindowFromHourly(t *testing.T) {
	now := time.Date(2024, 6, 14, 15, 30, 0, 0, time.UTC)
	last := time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	g := feed.Granularity{Timespan: "hour", Multiplier: 1}
	w, ok := NextWindowFrom(last, true, now, 0, g, 0)
	require.True(t, ok)
	require.Equal(t, last.Add(time.Hour), w.From)
	require.Equal(t, now, w.To)
}
