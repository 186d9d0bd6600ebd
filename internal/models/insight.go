// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package models

import "time"

// Finding is one clinical observation keyed by kind, e.g. a cognitive
// distortion ("catastrophizing") or a therapist intervention
// ("socratic_questioning"), with the transcript evidence that supports
// it and an optional occurrence count.
type Finding struct {
	Kind     string `json:"kind" validate:"required"`
	Evidence string `json:"evidence" validate:"required"`
	Count    int    `json:"count,omitempty" validate:"gte=0"`
}

// SegmentAnnotation is the per-utterance output of the analysis
// collaborator, later persisted as an AnalysisSegment.
type SegmentAnnotation struct {
	Speaker    SpeakerRole `json:"speaker_role" validate:"required,oneof=therapist patient"`
	Text       string      `json:"text" validate:"required"`
	Topic      string      `json:"topic" validate:"required"`
	Emotion    string      `json:"emotion" validate:"required"`
	Confidence float64     `json:"confidence" validate:"gte=0,lte=1"`
}

// Insight is the structured clinical output of the analysis
// collaborator. The validate tags define the acceptance schema: output
// failing validation is never persisted.
type Insight struct {
	Summary         string              `json:"summary" validate:"required"`
	Recommendations []string            `json:"recommendations" validate:"dive,required"`
	Distortions     []Finding           `json:"cognitive_distortions" validate:"dive"`
	Interventions   []Finding           `json:"therapist_interventions" validate:"dive"`
	Segments        []SegmentAnnotation `json:"segments" validate:"dive"`
}

// AnalysisSummary is the persisted 1:1 projection of an Insight for a
// video, created in the same transaction that marks the video
// analysis_complete.
type AnalysisSummary struct {
	VideoID         string    `json:"video_id"`
	Summary         string    `json:"summary"`
	Recommendations []string  `json:"recommendations"`
	Distortions     []Finding `json:"cognitive_distortions"`
	Interventions   []Finding `json:"therapist_interventions"`
	ModelVersion    string    `json:"model_version"`
	CreatedAt       time.Time `json:"created_at"`
}
