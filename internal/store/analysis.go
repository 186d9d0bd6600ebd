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

	"github.com/goccy/go-json"

	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
)

// InsertAnalysis persists the structured insight for a video and
// advances transcribed -> analysis_complete, all in one transaction.
// The status guard runs first: on a redelivery the guard fails, the
// transaction aborts, and no duplicate segment or summary rows exist.
func (s *Store) InsertAnalysis(ctx context.Context, summary *models.AnalysisSummary, segments []models.AnalysisSegment) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analysis tx: %w", err)
	}
	defer rollbackQuietly(tx)

	start := time.Now()

	res, err := tx.ExecContext(ctx,
		`UPDATE videos SET status = ? WHERE id = ? AND status = ?`,
		string(models.StatusAnalysisComplete), summary.VideoID, string(models.StatusTranscribed))
	if err != nil {
		metrics.RecordDBQuery("insert", "analysis_summary", time.Since(start), err)
		return fmt.Errorf("guard analysis transition for %s: %w", summary.VideoID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("analysis guard rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.GetStatus(ctx, summary.VideoID)
		if err != nil {
			return err
		}
		metrics.RecordStateConflict(string(models.StatusAnalysisComplete))
		return &StateConflictError{
			VideoID:   summary.VideoID,
			Expected:  models.StatusTranscribed,
			Attempted: models.StatusAnalysisComplete,
			Current:   current,
		}
	}

	recommendations, err := json.Marshal(summary.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	distortions, err := json.Marshal(summary.Distortions)
	if err != nil {
		return fmt.Errorf("marshal distortions: %w", err)
	}
	interventions, err := json.Marshal(summary.Interventions)
	if err != nil {
		return fmt.Errorf("marshal interventions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO analysis_summary
		 (video_id, summary_text, recommendations, cognitive_distortions, therapist_interventions, model_version)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		summary.VideoID, summary.Summary, string(recommendations),
		string(distortions), string(interventions), summary.ModelVersion)
	if err != nil {
		metrics.RecordDBQuery("insert", "analysis_summary", time.Since(start), err)
		return fmt.Errorf("insert summary for %s: %w", summary.VideoID, err)
	}

	for _, seg := range segments {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO analysis_segments
			 (video_id, seq, speaker_role, text_content, topic, emotion, confidence_score)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			seg.VideoID, seg.Seq, string(seg.Speaker), seg.Text,
			seg.Topic, seg.Emotion, seg.Confidence)
		if err != nil {
			metrics.RecordDBQuery("insert", "analysis_segments", time.Since(start), err)
			return fmt.Errorf("insert segment %d for %s: %w", seg.Seq, seg.VideoID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordDBQuery("insert", "analysis_summary", time.Since(start), err)
		return fmt.Errorf("commit analysis tx: %w", err)
	}
	metrics.RecordDBQuery("insert", "analysis_summary", time.Since(start), nil)
	return nil
}

// GetAnalysis returns the persisted summary and its segments in
// transcript order, or ErrNotFound when no analysis exists for the
// video.
func (s *Store) GetAnalysis(ctx context.Context, videoID string) (*models.AnalysisSummary, []models.AnalysisSegment, error) {
	start := time.Now()

	var (
		summary         models.AnalysisSummary
		recommendations sql.NullString
		distortions     sql.NullString
		interventions   sql.NullString
		modelVersion    sql.NullString
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT video_id, summary_text, recommendations, cognitive_distortions,
		        therapist_interventions, model_version, created_at
		 FROM analysis_summary WHERE video_id = ?`, videoID).
		Scan(&summary.VideoID, &summary.Summary, &recommendations,
			&distortions, &interventions, &modelVersion, &summary.CreatedAt)
	metrics.RecordDBQuery("select", "analysis_summary", time.Since(start), err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get analysis for %s: %w", videoID, err)
	}

	summary.ModelVersion = modelVersion.String
	if err := unmarshalNullJSON(recommendations, &summary.Recommendations); err != nil {
		return nil, nil, fmt.Errorf("decode recommendations for %s: %w", videoID, err)
	}
	if err := unmarshalNullJSON(distortions, &summary.Distortions); err != nil {
		return nil, nil, fmt.Errorf("decode distortions for %s: %w", videoID, err)
	}
	if err := unmarshalNullJSON(interventions, &summary.Interventions); err != nil {
		return nil, nil, fmt.Errorf("decode interventions for %s: %w", videoID, err)
	}

	segments, err := s.getSegments(ctx, videoID)
	if err != nil {
		return nil, nil, err
	}

	return &summary, segments, nil
}

func (s *Store) getSegments(ctx context.Context, videoID string) ([]models.AnalysisSegment, error) {
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx,
		`SELECT video_id, seq, speaker_role, text_content, topic, emotion, confidence_score
		 FROM analysis_segments WHERE video_id = ? ORDER BY seq ASC`, videoID)
	metrics.RecordDBQuery("select", "analysis_segments", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("get segments for %s: %w", videoID, err)
	}
	defer closeQuietly(rows)

	var out []models.AnalysisSegment
	for rows.Next() {
		var (
			seg        models.AnalysisSegment
			topic      sql.NullString
			emotion    sql.NullString
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&seg.VideoID, &seg.Seq, &seg.Speaker, &seg.Text,
			&topic, &emotion, &confidence); err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		seg.Topic = topic.String
		seg.Emotion = emotion.String
		seg.Confidence = confidence.Float64
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows: %w", err)
	}
	return out, nil
}

func unmarshalNullJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}
