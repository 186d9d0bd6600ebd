// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package events

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Payload is implemented by every concrete event payload. EventKind
// ties the shape to its envelope kind; Video is the owning video id.
type Payload interface {
	EventKind() Kind
	Video() string
}

// VideoUploaded triggers the audio extraction stage.
type VideoUploaded struct {
	VideoID     string `json:"video_id" validate:"required,uuid"`
	StoragePath string `json:"storage_path" validate:"required"`
	Filename    string `json:"filename" validate:"required"`
}

// EventKind implements Payload.
func (p VideoUploaded) EventKind() Kind { return KindVideoUploaded }

// Video implements Payload.
func (p VideoUploaded) Video() string { return p.VideoID }

// AudioExtracted triggers the transcription stage.
type AudioExtracted struct {
	VideoID          string  `json:"video_id" validate:"required,uuid"`
	AudioStoragePath string  `json:"audio_storage_path" validate:"required"`
	DurationSeconds  float64 `json:"duration_seconds,omitempty" validate:"gte=0"`
}

// EventKind implements Payload.
func (p AudioExtracted) EventKind() Kind { return KindAudioExtracted }

// Video implements Payload.
func (p AudioExtracted) Video() string { return p.VideoID }

// Utterance is one speaker-labeled span of the transcript. Order in
// the Transcript slice is chronological order.
type Utterance struct {
	Speaker string `json:"speaker" validate:"required"`
	Text    string `json:"text" validate:"required"`
	StartMS int64  `json:"start_ms" validate:"gte=0"`
	EndMS   int64  `json:"end_ms" validate:"gte=0"`
}

// TranscriptReady triggers the analysis stage. The transcript travels
// in the event so the analysis stage needs no extra storage read.
type TranscriptReady struct {
	VideoID    string      `json:"video_id" validate:"required,uuid"`
	Transcript []Utterance `json:"transcript" validate:"dive"`
}

// EventKind implements Payload.
func (p TranscriptReady) EventKind() Kind { return KindTranscriptReady }

// Video implements Payload.
func (p TranscriptReady) Video() string { return p.VideoID }

// AnalysisComplete announces that structured insight for the video has
// been persisted. SummaryRef points at the summary row, keyed by video
// id, for consumers that want to fetch it.
type AnalysisComplete struct {
	VideoID    string `json:"video_id" validate:"required,uuid"`
	SummaryRef string `json:"summary_ref" validate:"required"`
}

// EventKind implements Payload.
func (p AnalysisComplete) EventKind() Kind { return KindAnalysisComplete }

// Video implements Payload.
func (p AnalysisComplete) Video() string { return p.VideoID }

// validate is the shared struct validator. validator.Validate is
// thread-safe and caches struct metadata, so one instance serves all
// produce/consume paths.
var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidatePayload applies the payload's validate tags. A failure is a
// contract violation, reported as ValidationError.
func ValidatePayload(p Payload) error {
	if !p.EventKind().Valid() {
		return &ValidationError{Field: "kind", Message: "unknown event kind"}
	}
	if err := structValidator().Struct(p); err != nil {
		return &ValidationError{Field: "payload", Message: err.Error()}
	}
	return nil
}

// DecodePayload unmarshals and validates the envelope payload into the
// concrete variant for the envelope's kind. The caller receives
// exactly one of the payload structs above; a kind/payload mismatch or
// tag violation is a ValidationError.
func DecodePayload(e *Envelope) (Payload, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var p Payload
	switch e.Kind {
	case KindVideoUploaded:
		p = &VideoUploaded{}
	case KindAudioExtracted:
		p = &AudioExtracted{}
	case KindTranscriptReady:
		p = &TranscriptReady{}
	case KindAnalysisComplete:
		p = &AnalysisComplete{}
	default:
		return nil, &ValidationError{Field: "kind", Message: "unknown event kind " + string(e.Kind)}
	}

	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, &ValidationError{Field: "payload", Message: fmt.Sprintf("decode %s payload: %v", e.Kind, err)}
	}

	// The envelope header and payload must agree on the video.
	if p.Video() != e.VideoID {
		return nil, &ValidationError{Field: "video_id", Message: "payload video_id does not match envelope"}
	}

	if err := structValidator().Struct(p); err != nil {
		return nil, &ValidationError{Field: "payload", Message: err.Error()}
	}

	return p, nil
}
