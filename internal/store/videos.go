// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
)

// InsertVideo creates the lifecycle row for a newly uploaded video in
// status uploaded. The row must exist before the upload event is
// published so consumers always find it.
func (s *Store) InsertVideo(ctx context.Context, v *models.Video) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO videos (id, filename, storage_path, status) VALUES (?, ?, ?, ?)`,
		v.ID, v.Filename, v.StoragePath, string(models.StatusUploaded),
	)
	metrics.RecordDBQuery("insert", "videos", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("insert video %s: %w", v.ID, err)
	}
	return nil
}

// GetVideo returns the lifecycle row for a video, or ErrNotFound.
func (s *Store) GetVideo(ctx context.Context, videoID string) (*models.Video, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, filename, storage_path, audio_path, transcript_path,
		        status, failure_stage, failure_reason, created_at
		 FROM videos WHERE id = ?`, videoID)

	v, err := scanVideo(row)
	metrics.RecordDBQuery("select", "videos", time.Since(start), err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video %s: %w", videoID, err)
	}
	return v, nil
}

// GetStatus returns just the status of a video, or ErrNotFound.
func (s *Store) GetStatus(ctx context.Context, videoID string) (models.Status, error) {
	var status string
	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM videos WHERE id = ?`, videoID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", videoID, err)
	}
	return models.Status(status), nil
}

// ListVideos returns all lifecycle rows, newest first, each with its
// summary text when analysis has completed.
func (s *Store) ListVideos(ctx context.Context) ([]models.VideoOverview, error) {
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx,
		`SELECT v.id, v.filename, v.storage_path, v.audio_path, v.transcript_path,
		        v.status, v.failure_stage, v.failure_reason, v.created_at,
		        s.summary_text
		 FROM videos v
		 LEFT JOIN analysis_summary s ON s.video_id = v.id
		 ORDER BY v.created_at DESC`)
	metrics.RecordDBQuery("select", "videos", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.VideoOverview
	for rows.Next() {
		var (
			v       models.Video
			audio   sql.NullString
			trans   sql.NullString
			stage   sql.NullString
			reason  sql.NullString
			summary sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.Filename, &v.StoragePath, &audio, &trans,
			&v.Status, &stage, &reason, &v.CreatedAt, &summary); err != nil {
			return nil, fmt.Errorf("scan video row: %w", err)
		}
		v.AudioPath = audio.String
		v.TranscriptPath = trans.String
		v.FailureStage = stage.String
		v.FailureReason = reason.String

		ov := models.VideoOverview{Video: v}
		if summary.Valid {
			ov.Summary = &summary.String
		}
		out = append(out, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate video rows: %w", err)
	}
	return out, nil
}

// MarkAudioExtracted records the audio artifact and advances
// uploaded -> audio_extracted. A redelivered message hits the guard
// and gets a StateConflictError instead of a double effect.
func (s *Store) MarkAudioExtracted(ctx context.Context, videoID, audioPath string) error {
	return s.transition(ctx, videoID,
		models.StatusUploaded, models.StatusAudioExtracted,
		`UPDATE videos SET status = ?, audio_path = ? WHERE id = ? AND status = ?`,
		string(models.StatusAudioExtracted), audioPath, videoID, string(models.StatusUploaded))
}

// MarkTranscribed records the transcript artifact and advances
// audio_extracted -> transcribed.
func (s *Store) MarkTranscribed(ctx context.Context, videoID, transcriptPath string) error {
	return s.transition(ctx, videoID,
		models.StatusAudioExtracted, models.StatusTranscribed,
		`UPDATE videos SET status = ?, transcript_path = ? WHERE id = ? AND status = ?`,
		string(models.StatusTranscribed), transcriptPath, videoID, string(models.StatusAudioExtracted))
}

// MarkFailed moves a video to failed from any non-terminal status,
// recording the stage and reason so the read path can explain what
// went wrong. Marking an already-terminal video is a no-op.
func (s *Store) MarkFailed(ctx context.Context, videoID, stage, reason string) error {
	start := time.Now()
	res, err := s.conn.ExecContext(ctx,
		`UPDATE videos SET status = ?, failure_stage = ?, failure_reason = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(models.StatusFailed), stage, reason, videoID,
		string(models.StatusAnalysisComplete), string(models.StatusFailed))
	metrics.RecordDBQuery("update", "videos", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("mark video %s failed: %w", videoID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark failed rows affected: %w", err)
	}
	if affected == 0 {
		// Either the video does not exist or it is already terminal.
		if _, err := s.GetStatus(ctx, videoID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteVideo removes the video and all derived rows in one
// transaction and returns the deleted row so the caller can remove
// blobs from object storage.
func (s *Store) DeleteVideo(ctx context.Context, videoID string) (*models.Video, error) {
	v, err := s.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete tx: %w", err)
	}
	defer rollbackQuietly(tx)

	start := time.Now()
	for _, stmt := range []string{
		`DELETE FROM analysis_segments WHERE video_id = ?`,
		`DELETE FROM analysis_summary WHERE video_id = ?`,
		`DELETE FROM videos WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, videoID); err != nil {
			metrics.RecordDBQuery("delete", "videos", time.Since(start), err)
			return nil, fmt.Errorf("delete video %s: %w", videoID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordDBQuery("delete", "videos", time.Since(start), err)
		return nil, fmt.Errorf("commit delete tx: %w", err)
	}
	metrics.RecordDBQuery("delete", "videos", time.Since(start), nil)
	return v, nil
}

// transition runs one guarded status update and reports a
// StateConflictError with the row's actual status when the guard does
// not match.
func (s *Store) transition(ctx context.Context, videoID string, from, to models.Status, query string, args ...any) error {
	start := time.Now()
	res, err := s.conn.ExecContext(ctx, query, args...)
	metrics.RecordDBQuery("update", "videos", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("transition %s -> %s for %s: %w", from, to, videoID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	current, err := s.GetStatus(ctx, videoID)
	if err != nil {
		return err
	}

	metrics.RecordStateConflict(string(to))
	return &StateConflictError{
		VideoID:   videoID,
		Expected:  from,
		Attempted: to,
		Current:   current,
	}
}

// scanner abstracts sql.Row and sql.Rows for scanVideo.
type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (*models.Video, error) {
	var (
		v      models.Video
		audio  sql.NullString
		trans  sql.NullString
		stage  sql.NullString
		reason sql.NullString
	)
	err := row.Scan(&v.ID, &v.Filename, &v.StoragePath, &audio, &trans,
		&v.Status, &stage, &reason, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.AudioPath = audio.String
	v.TranscriptPath = trans.String
	v.FailureStage = stage.String
	v.FailureReason = reason.String
	return &v, nil
}
