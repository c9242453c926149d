package store

import (
	"database/sql"
	"fmt"

	"marketvane/internal/types"
)

// ========== Video Snapshots ==========

// UpsertVideoSnapshot stores per-run statistics for one video.
func (s *Store) UpsertVideoSnapshot(v types.VideoSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var publishedAt interface{}
	if v.PublishedAt != nil {
		publishedAt = v.PublishedAt.UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO video_snapshots
		 (video_id, pipeline_execution_id, url, title, channel_id, channel_title,
		  view_count, like_count, comment_count, duration_seconds, subscriber_count, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(video_id, pipeline_execution_id) DO UPDATE SET
		 url = excluded.url,
		 title = excluded.title,
		 channel_id = excluded.channel_id,
		 channel_title = excluded.channel_title,
		 view_count = excluded.view_count,
		 like_count = excluded.like_count,
		 comment_count = excluded.comment_count,
		 duration_seconds = excluded.duration_seconds,
		 subscriber_count = excluded.subscriber_count,
		 published_at = COALESCE(excluded.published_at, video_snapshots.published_at)`,
		v.VideoID, nullString(v.RunID), v.URL, v.Title, v.ChannelID, v.ChannelTitle,
		v.Views, v.Likes, v.Comments, v.DurationSecs, v.Subscribers, publishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert video snapshot: %w", err)
	}
	return nil
}

// VideoSnapshotsForRun returns every snapshot a run captured.
func (s *Store) VideoSnapshotsForRun(runID string) ([]types.VideoSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT video_id, url, title, channel_id, channel_title,
		        view_count, like_count, comment_count, duration_seconds, subscriber_count,
		        published_at, captured_at
		 FROM video_snapshots WHERE pipeline_execution_id = ?
		 ORDER BY view_count DESC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.VideoSnapshot
	for rows.Next() {
		v := types.VideoSnapshot{RunID: runID}
		var url, title, channelID, channelTitle sql.NullString
		var publishedAt sql.NullTime
		if err := rows.Scan(&v.VideoID, &url, &title, &channelID, &channelTitle,
			&v.Views, &v.Likes, &v.Comments, &v.DurationSecs, &v.Subscribers,
			&publishedAt, &v.CapturedAt); err != nil {
			continue
		}
		v.URL = url.String
		v.Title = title.String
		v.ChannelID = channelID.String
		v.ChannelTitle = channelTitle.String
		v.PublishedAt = nullTime(publishedAt)
		out = append(out, v)
	}
	return out, nil
}

// CachedVideoSnapshot returns the most recent snapshot for a video across
// runs, used when the daily quota is exhausted. Nil when never captured.
func (s *Store) CachedVideoSnapshot(videoID string) (*types.VideoSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT video_id, pipeline_execution_id, url, title, channel_id, channel_title,
		        view_count, like_count, comment_count, duration_seconds, subscriber_count,
		        published_at, captured_at
		 FROM video_snapshots WHERE video_id = ?
		 ORDER BY captured_at DESC LIMIT 1`,
		videoID,
	)

	var v types.VideoSnapshot
	var runID, url, title, channelID, channelTitle sql.NullString
	var publishedAt sql.NullTime
	err := row.Scan(&v.VideoID, &runID, &url, &title, &channelID, &channelTitle,
		&v.Views, &v.Likes, &v.Comments, &v.DurationSecs, &v.Subscribers,
		&publishedAt, &v.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load video snapshot: %w", err)
	}

	v.RunID = runID.String
	v.URL = url.String
	v.Title = title.String
	v.ChannelID = channelID.String
	v.ChannelTitle = channelTitle.String
	v.PublishedAt = nullTime(publishedAt)
	return &v, nil
}

// CountVideoSnapshots counts a run's enriched videos.
func (s *Store) CountVideoSnapshots(runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM video_snapshots WHERE pipeline_execution_id = ?", runID,
	).Scan(&count)
	return count, err
}
