// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package store

import (
	"context"
	"fmt"
	"time"
)

// createTables creates the lifecycle schema. All statements are
// idempotent so startup after a crash is safe.
//
// DuckDB does not enforce ON DELETE CASCADE, so child rows in
// analysis_segments and analysis_summary are removed application-side
// inside DeleteVideo's transaction.
func (s *Store) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS videos (
			id VARCHAR PRIMARY KEY,
			filename VARCHAR NOT NULL,
			storage_path VARCHAR NOT NULL,
			audio_path VARCHAR,
			transcript_path VARCHAR,
			status VARCHAR NOT NULL DEFAULT 'uploaded',
			failure_stage VARCHAR,
			failure_reason VARCHAR,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE SEQUENCE IF NOT EXISTS analysis_segments_seq`,

		`CREATE TABLE IF NOT EXISTS analysis_segments (
			id BIGINT PRIMARY KEY DEFAULT nextval('analysis_segments_seq'),
			video_id VARCHAR NOT NULL,
			seq INTEGER NOT NULL,
			speaker_role VARCHAR NOT NULL,
			text_content VARCHAR NOT NULL,
			topic VARCHAR,
			emotion VARCHAR,
			confidence_score DOUBLE
		)`,

		`CREATE TABLE IF NOT EXISTS analysis_summary (
			video_id VARCHAR PRIMARY KEY,
			summary_text VARCHAR NOT NULL,
			recommendations VARCHAR,
			cognitive_distortions VARCHAR,
			therapist_interventions VARCHAR,
			model_version VARCHAR,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_videos_status ON videos(status)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_created ON videos(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_video ON analysis_segments(video_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
