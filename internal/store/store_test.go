// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/mpreiss/clinsight/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		MaxMemory: "256MB",
		Threads:   2,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func insertTestVideo(t *testing.T, s *Store) string {
	t.Helper()

	id := uuid.New().String()
	err := s.InsertVideo(context.Background(), &models.Video{
		ID:          id,
		Filename:    "session.mp4",
		StoragePath: "videos/" + id + "/session.mp4",
	})
	if err != nil {
		t.Fatalf("InsertVideo() error = %v", err)
	}
	return id
}

func TestInsertAndGetVideo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertTestVideo(t, s)

	v, err := s.GetVideo(ctx, id)
	if err != nil {
		t.Fatalf("GetVideo() error = %v", err)
	}
	if v.Status != models.StatusUploaded {
		t.Errorf("Status = %q, want %q", v.Status, models.StatusUploaded)
	}
	if v.Filename != "session.mp4" {
		t.Errorf("Filename = %q, want session.mp4", v.Filename)
	}
	if v.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestGetVideoNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetVideo(context.Background(), uuid.New().String())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVideo() error = %v, want ErrNotFound", err)
	}
}

func TestLifecycleProgression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)

	if err := s.MarkAudioExtracted(ctx, id, "audio/"+id+".wav"); err != nil {
		t.Fatalf("MarkAudioExtracted() error = %v", err)
	}
	if err := s.MarkTranscribed(ctx, id, "transcripts/"+id+".json"); err != nil {
		t.Fatalf("MarkTranscribed() error = %v", err)
	}

	v, err := s.GetVideo(ctx, id)
	if err != nil {
		t.Fatalf("GetVideo() error = %v", err)
	}
	if v.Status != models.StatusTranscribed {
		t.Errorf("Status = %q, want %q", v.Status, models.StatusTranscribed)
	}
	if v.AudioPath == "" || v.TranscriptPath == "" {
		t.Errorf("artifact paths not recorded: audio=%q transcript=%q", v.AudioPath, v.TranscriptPath)
	}
}

func TestTransitionGuardRejectsReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)

	if err := s.MarkAudioExtracted(ctx, id, "a.wav"); err != nil {
		t.Fatalf("first MarkAudioExtracted() error = %v", err)
	}

	// Replaying the same effect must hit the guard, not double-apply.
	err := s.MarkAudioExtracted(ctx, id, "a.wav")
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("replay error = %v, want ErrStateConflict", err)
	}

	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatal("error does not carry StateConflictError")
	}
	if conflict.Current != models.StatusAudioExtracted {
		t.Errorf("Current = %q, want %q", conflict.Current, models.StatusAudioExtracted)
	}
}

func TestTransitionGuardRejectsSkip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)

	// Transcription before audio extraction must not apply.
	err := s.MarkTranscribed(ctx, id, "t.json")
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("skip error = %v, want ErrStateConflict", err)
	}

	status, err := s.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status != models.StatusUploaded {
		t.Errorf("status = %q, want unchanged %q", status, models.StatusUploaded)
	}
}

func TestMarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)

	if err := s.MarkFailed(ctx, id, models.StageTranscription, "upstream rejected job"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	v, err := s.GetVideo(ctx, id)
	if err != nil {
		t.Fatalf("GetVideo() error = %v", err)
	}
	if v.Status != models.StatusFailed {
		t.Errorf("Status = %q, want %q", v.Status, models.StatusFailed)
	}
	if v.FailureStage != models.StageTranscription {
		t.Errorf("FailureStage = %q, want %q", v.FailureStage, models.StageTranscription)
	}
	if v.FailureReason != "upstream rejected job" {
		t.Errorf("FailureReason = %q", v.FailureReason)
	}

	// Failing an already-failed video is a no-op, not an error.
	if err := s.MarkFailed(ctx, id, models.StageAnalysis, "other"); err != nil {
		t.Errorf("second MarkFailed() error = %v", err)
	}
	v, _ = s.GetVideo(ctx, id)
	if v.FailureStage != models.StageTranscription {
		t.Errorf("terminal failure overwritten: stage = %q", v.FailureStage)
	}
}

func TestMarkFailedNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.MarkFailed(context.Background(), uuid.New().String(), models.StageAudio, "x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFailed() error = %v, want ErrNotFound", err)
	}
}

func testSummary(videoID string) *models.AnalysisSummary {
	return &models.AnalysisSummary{
		VideoID:         videoID,
		Summary:         "Patient explored workplace anxiety.",
		Recommendations: []string{"practice grounding", "sleep hygiene"},
		Distortions: []models.Finding{
			{Kind: "catastrophizing", Evidence: "everything will fall apart", Count: 2},
		},
		Interventions: []models.Finding{
			{Kind: "socratic_questioning", Evidence: "what evidence supports that"},
		},
		ModelVersion: "insight-v3",
	}
}

func testSegments(videoID string) []models.AnalysisSegment {
	return []models.AnalysisSegment{
		{VideoID: videoID, Seq: 0, Speaker: models.RoleTherapist, Text: "How was the week?", Topic: "check-in", Emotion: "neutral", Confidence: 0.92},
		{VideoID: videoID, Seq: 1, Speaker: models.RolePatient, Text: "Rough, honestly.", Topic: "work stress", Emotion: "anxious", Confidence: 0.87},
	}
}

func advanceToTranscribed(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := s.MarkAudioExtracted(ctx, id, "a.wav"); err != nil {
		t.Fatalf("MarkAudioExtracted() error = %v", err)
	}
	if err := s.MarkTranscribed(ctx, id, "t.json"); err != nil {
		t.Fatalf("MarkTranscribed() error = %v", err)
	}
}

func TestInsertAnalysis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)
	advanceToTranscribed(t, s, id)

	if err := s.InsertAnalysis(ctx, testSummary(id), testSegments(id)); err != nil {
		t.Fatalf("InsertAnalysis() error = %v", err)
	}

	status, _ := s.GetStatus(ctx, id)
	if status != models.StatusAnalysisComplete {
		t.Errorf("status = %q, want %q", status, models.StatusAnalysisComplete)
	}

	summary, segments, err := s.GetAnalysis(ctx, id)
	if err != nil {
		t.Fatalf("GetAnalysis() error = %v", err)
	}
	if summary.Summary != "Patient explored workplace anxiety." {
		t.Errorf("Summary = %q", summary.Summary)
	}
	if len(summary.Recommendations) != 2 {
		t.Errorf("Recommendations length = %d, want 2", len(summary.Recommendations))
	}
	if len(summary.Distortions) != 1 || summary.Distortions[0].Kind != "catastrophizing" {
		t.Errorf("Distortions = %+v", summary.Distortions)
	}
	if len(segments) != 2 {
		t.Fatalf("segments length = %d, want 2", len(segments))
	}
	if segments[0].Seq != 0 || segments[1].Seq != 1 {
		t.Error("segments not in transcript order")
	}
	if segments[1].Speaker != models.RolePatient {
		t.Errorf("segments[1].Speaker = %q, want patient", segments[1].Speaker)
	}
}

func TestInsertAnalysisReplayLeavesSingleCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)
	advanceToTranscribed(t, s, id)

	if err := s.InsertAnalysis(ctx, testSummary(id), testSegments(id)); err != nil {
		t.Fatalf("first InsertAnalysis() error = %v", err)
	}

	err := s.InsertAnalysis(ctx, testSummary(id), testSegments(id))
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("replay error = %v, want ErrStateConflict", err)
	}

	_, segments, err := s.GetAnalysis(ctx, id)
	if err != nil {
		t.Fatalf("GetAnalysis() error = %v", err)
	}
	if len(segments) != 2 {
		t.Errorf("segments length = %d after replay, want 2", len(segments))
	}
}

func TestInsertAnalysisRequiresTranscribed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)

	err := s.InsertAnalysis(ctx, testSummary(id), testSegments(id))
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("error = %v, want ErrStateConflict", err)
	}

	// The aborted transaction must leave no orphan rows.
	if _, _, err := s.GetAnalysis(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAnalysis() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteVideoCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestVideo(t, s)
	advanceToTranscribed(t, s, id)
	if err := s.InsertAnalysis(ctx, testSummary(id), testSegments(id)); err != nil {
		t.Fatalf("InsertAnalysis() error = %v", err)
	}

	deleted, err := s.DeleteVideo(ctx, id)
	if err != nil {
		t.Fatalf("DeleteVideo() error = %v", err)
	}
	if deleted.ID != id {
		t.Errorf("deleted.ID = %q, want %q", deleted.ID, id)
	}

	if _, err := s.GetVideo(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVideo() after delete error = %v, want ErrNotFound", err)
	}
	if _, _, err := s.GetAnalysis(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAnalysis() after delete error = %v, want ErrNotFound", err)
	}

	if _, err := s.DeleteVideo(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteVideo() error = %v, want ErrNotFound", err)
	}
}

func TestListVideos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := insertTestVideo(t, s)
	second := insertTestVideo(t, s)
	advanceToTranscribed(t, s, second)
	if err := s.InsertAnalysis(ctx, testSummary(second), testSegments(second)); err != nil {
		t.Fatalf("InsertAnalysis() error = %v", err)
	}

	list, err := s.ListVideos(ctx)
	if err != nil {
		t.Fatalf("ListVideos() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}

	byID := make(map[string]models.VideoOverview, len(list))
	for _, ov := range list {
		byID[ov.ID] = ov
	}
	if byID[first].Summary != nil {
		t.Error("unanalyzed video has a summary")
	}
	if byID[second].Summary == nil {
		t.Error("analyzed video missing summary")
	} else if *byID[second].Summary != "Patient explored workplace anxiety." {
		t.Errorf("summary = %q", *byID[second].Summary)
	}
}
