package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/types"
)

func TestVideoSnapshotPerRun(t *testing.T) {
	s := newTestStore(t)

	published := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	v := types.VideoSnapshot{
		VideoID: "abc123", URL: "https://youtube.com/watch?v=abc123", Title: "CRM demo",
		ChannelID: "UC123", ChannelTitle: "Acme Official",
		Views: 1000, Likes: 80, Comments: 20, DurationSecs: 300, Subscribers: 5000,
		PublishedAt: &published, RunID: "run-1",
	}
	require.NoError(t, s.UpsertVideoSnapshot(v))

	// A later run captures fresh statistics for the same video.
	v.RunID = "run-2"
	v.Views = 2000
	require.NoError(t, s.UpsertVideoSnapshot(v))

	n, err := s.CountVideoSnapshots("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run1, err := s.VideoSnapshotsForRun("run-1")
	require.NoError(t, err)
	require.Len(t, run1, 1)
	assert.Equal(t, int64(1000), run1[0].Views)

	run2, err := s.VideoSnapshotsForRun("run-2")
	require.NoError(t, err)
	require.Len(t, run2, 1)
	assert.Equal(t, int64(2000), run2[0].Views)
	require.NotNil(t, run2[0].PublishedAt)
	assert.InDelta(t, 0.05, run2[0].EngagementRate(), 0.001)
}

func TestUpsertVideoSnapshotRefreshesStats(t *testing.T) {
	s := newTestStore(t)

	v := types.VideoSnapshot{VideoID: "abc123", URL: "https://youtube.com/watch?v=abc123",
		ChannelID: "UC123", Views: 100, RunID: "run-1"}
	require.NoError(t, s.UpsertVideoSnapshot(v))

	v.Views = 150
	require.NoError(t, s.UpsertVideoSnapshot(v))

	snaps, err := s.VideoSnapshotsForRun("run-1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(150), snaps[0].Views)
}

func TestCachedVideoSnapshotFallback(t *testing.T) {
	s := newTestStore(t)

	missing, err := s.CachedVideoSnapshot("never-seen")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpsertVideoSnapshot(types.VideoSnapshot{
		VideoID: "abc123", URL: "https://youtube.com/watch?v=abc123",
		ChannelID: "UC123", Views: 1000, RunID: "run-1",
	}))

	cached, err := s.CachedVideoSnapshot("abc123")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(1000), cached.Views)
	assert.Equal(t, "run-1", cached.RunID)
}
