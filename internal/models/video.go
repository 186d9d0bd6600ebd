// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package models defines the persisted domain types and the video
// lifecycle state machine shared by the store, the stage processors,
// and the reporting API.
package models

import "time"

// Status is the authoritative lifecycle state of a video. It advances
// monotonically along the stage order and never skips or regresses;
// the only exception is the terminal Failed state, reachable from any
// non-terminal state.
type Status string

const (
	// StatusUploaded is the initial state, set by the ingestion edge.
	StatusUploaded Status = "uploaded"
	// StatusAudioExtracted means the audio track has been produced.
	StatusAudioExtracted Status = "audio_extracted"
	// StatusTranscribed means a speaker-labeled transcript exists.
	StatusTranscribed Status = "transcribed"
	// StatusAnalysisComplete is the successful terminal state.
	StatusAnalysisComplete Status = "analysis_complete"
	// StatusFailed is the failure terminal state. The failure stage and
	// reason are recorded alongside it.
	StatusFailed Status = "failed"
)

// statusRank orders the success path. Failed is deliberately absent:
// it is not part of the monotonic order.
var statusRank = map[Status]int{
	StatusUploaded:         0,
	StatusAudioExtracted:   1,
	StatusTranscribed:      2,
	StatusAnalysisComplete: 3,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusAnalysisComplete || s == StatusFailed
}

// Rank returns the position of s on the success path and whether s is
// on that path at all (Failed and unknown values are not).
func (s Status) Rank() (int, bool) {
	r, ok := statusRank[s]
	return r, ok
}

// AtOrPast reports whether s has already reached target on the success
// path. A failed video is never "at or past" anything: its pipeline is
// over and the caller must treat it as terminal instead.
func (s Status) AtOrPast(target Status) bool {
	sr, ok := statusRank[s]
	if !ok {
		return false
	}
	tr, ok := statusRank[target]
	if !ok {
		return false
	}
	return sr >= tr
}

// CanTransition validates a single edge of the lifecycle state machine.
// Legal edges are the consecutive success-path steps plus Failed from
// any non-terminal state. Everything else, including self-transitions
// and skips, is rejected.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.Terminal()
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr == fr+1
}

// Stage names used in failure records and log output. A stage is one
// consume/produce cycle of the pipeline.
const (
	StageIngestion     = "ingestion"
	StageAudio         = "audio_extraction"
	StageTranscription = "transcription"
	StageAnalysis      = "analysis"
)

// Video is one uploaded therapy-session recording and its position in
// the processing lifecycle. Rows are created by the ingestion edge and
// mutated only by stage processors advancing Status.
type Video struct {
	ID             string    `json:"video_id"`
	Filename       string    `json:"filename"`
	StoragePath    string    `json:"storage_path"`
	AudioPath      string    `json:"audio_path,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	Status         Status    `json:"status"`
	FailureStage   string    `json:"failure_stage,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// VideoOverview is one row of the reporting list view: the lifecycle
// row with its summary text when analysis has completed.
type VideoOverview struct {
	Video
	Summary *string `json:"summary,omitempty"`
}

// SpeakerRole identifies who is talking in a transcript segment.
type SpeakerRole string

const (
	// RoleTherapist marks utterances by the clinician.
	RoleTherapist SpeakerRole = "therapist"
	// RolePatient marks utterances by the client.
	RolePatient SpeakerRole = "patient"
)

// Valid reports whether r is a known speaker role.
func (r SpeakerRole) Valid() bool {
	return r == RoleTherapist || r == RolePatient
}

// AnalysisSegment is one annotated utterance of the session. Segments
// are written exactly once by the analysis stage and never mutated;
// Seq preserves transcript chronological order.
type AnalysisSegment struct {
	VideoID    string      `json:"video_id"`
	Seq        int         `json:"seq"`
	Speaker    SpeakerRole `json:"speaker_role"`
	Text       string      `json:"text_content"`
	Topic      string      `json:"topic"`
	Emotion    string      `json:"emotion"`
	Confidence float64     `json:"confidence"`
}
