// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package events defines the canonical event envelope and the payload
// contracts exchanged between pipeline stages. Payloads are tagged
// variants: one concrete shape per event kind, validated at both
// produce and consume time, so a consumer can never receive a payload
// shape its handler wasn't built for.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// SchemaVersion is the current envelope schema version.
// Increment when making breaking changes to an envelope or payload.
const SchemaVersion = 1

// Kind identifies the event type and therefore the payload shape.
type Kind string

const (
	// KindVideoUploaded is emitted by the ingestion edge after the video
	// blob and lifecycle row are durable.
	KindVideoUploaded Kind = "video.uploaded"
	// KindAudioExtracted is emitted by the audio stage.
	KindAudioExtracted Kind = "audio.extracted"
	// KindTranscriptReady is emitted by the transcription stage.
	KindTranscriptReady Kind = "transcript.ready"
	// KindAnalysisComplete is emitted by the analysis stage.
	KindAnalysisComplete Kind = "analysis.complete"
)

// kindTopics maps event kinds to NATS subjects. All subjects live under
// the sessions.> hierarchy covered by the SESSION_EVENTS stream.
var kindTopics = map[Kind]string{
	KindVideoUploaded:    "sessions.uploaded",
	KindAudioExtracted:   "sessions.audio",
	KindTranscriptReady:  "sessions.transcript",
	KindAnalysisComplete: "sessions.analysis",
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	_, ok := kindTopics[k]
	return ok
}

// Topic returns the NATS subject for this kind, or "" if unknown.
func (k Kind) Topic() string {
	return kindTopics[k]
}

// PoisonTopic is the dead-letter subject for messages that exhaust
// their retries or fail validation.
const PoisonTopic = "sessions.poison"

// Envelope is the wire format for every event on the bus. Its effect
// on the lifecycle store must be derivable solely from the payload:
// no hidden cross-event state.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	Kind           Kind            `json:"kind"`
	VideoID        string          `json:"video_id"`
	ProducedAt     time.Time       `json:"produced_at"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// IdempotencyKey derives the deterministic dedup key for a (video,
// kind) pair. Redeliveries and re-emissions of the same logical event
// always carry the same key, so broker-level dedup windows and the
// store-level idempotency check agree on identity.
func IdempotencyKey(videoID string, kind Kind) string {
	sum := sha256.Sum256([]byte(videoID + ":" + string(kind)))
	return hex.EncodeToString(sum[:])
}

// NewEnvelope wraps a payload in a validated envelope. The payload's
// kind and video id determine the envelope header fields.
func NewEnvelope(p Payload) (*Envelope, error) {
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Envelope{
		SchemaVersion:  SchemaVersion,
		Kind:           p.EventKind(),
		VideoID:        p.Video(),
		ProducedAt:     time.Now().UTC(),
		IdempotencyKey: IdempotencyKey(p.Video(), p.EventKind()),
		Payload:        raw,
	}, nil
}

// EnsureSchemaVersion sets the schema version if not already set.
// Call this when consuming envelopes that may predate versioning.
func (e *Envelope) EnsureSchemaVersion() {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
}

// Validate checks the envelope header. Payload contents are validated
// separately by DecodePayload.
func (e *Envelope) Validate() error {
	if !e.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: "unknown event kind " + string(e.Kind)}
	}
	if e.VideoID == "" {
		return &ValidationError{Field: "video_id", Message: "required"}
	}
	if e.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Message: "required"}
	}
	if len(e.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "required"}
	}
	return nil
}

// ValidationError represents an envelope or payload contract violation.
// It is always a permanent condition: the message is dead-lettered,
// never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
