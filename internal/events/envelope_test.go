// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package events

import (
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

const testVideoID = "7b0f3a84-4a7e-4f43-a0c7-9f3f8d2f6a11"

func TestKindTopic(t *testing.T) {
	tests := []struct {
		kind  Kind
		topic string
		valid bool
	}{
		{KindVideoUploaded, "sessions.uploaded", true},
		{KindAudioExtracted, "sessions.audio", true},
		{KindTranscriptReady, "sessions.transcript", true},
		{KindAnalysisComplete, "sessions.analysis", true},
		{Kind("video.deleted"), "", false},
		{Kind(""), "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Topic(); got != tt.topic {
				t.Errorf("Topic() = %q, want %q", got, tt.topic)
			}
			if got := tt.kind.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey(testVideoID, KindAudioExtracted)
	k2 := IdempotencyKey(testVideoID, KindAudioExtracted)
	if k1 != k2 {
		t.Fatalf("same inputs produced different keys: %q vs %q", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(k1))
	}

	if k1 == IdempotencyKey(testVideoID, KindTranscriptReady) {
		t.Error("different kinds produced the same key")
	}
	if k1 == IdempotencyKey("b2c3d4e5-0000-0000-0000-000000000000", KindAudioExtracted) {
		t.Error("different videos produced the same key")
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(VideoUploaded{
		VideoID:     testVideoID,
		StoragePath: "videos/" + testVideoID + "/session.mp4",
		Filename:    "session.mp4",
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	if env.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", env.SchemaVersion, SchemaVersion)
	}
	if env.Kind != KindVideoUploaded {
		t.Errorf("Kind = %q, want %q", env.Kind, KindVideoUploaded)
	}
	if env.VideoID != testVideoID {
		t.Errorf("VideoID = %q, want %q", env.VideoID, testVideoID)
	}
	if env.IdempotencyKey != IdempotencyKey(testVideoID, KindVideoUploaded) {
		t.Error("IdempotencyKey does not match derived key")
	}
	if env.ProducedAt.IsZero() {
		t.Error("ProducedAt not stamped")
	}
}

func TestNewEnvelopeRejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"missing video id", VideoUploaded{StoragePath: "p", Filename: "f"}},
		{"non-uuid video id", VideoUploaded{VideoID: "not-a-uuid", StoragePath: "p", Filename: "f"}},
		{"missing storage path", VideoUploaded{VideoID: testVideoID, Filename: "f"}},
		{"missing audio path", AudioExtracted{VideoID: testVideoID}},
		{"negative duration", AudioExtracted{VideoID: testVideoID, AudioStoragePath: "a.wav", DurationSeconds: -1}},
		{"missing summary ref", AnalysisComplete{VideoID: testVideoID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEnvelope(tt.payload); err == nil {
				t.Error("NewEnvelope() accepted invalid payload")
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	orig, err := NewEnvelope(TranscriptReady{
		VideoID: testVideoID,
		Transcript: []Utterance{
			{Speaker: "therapist", Text: "How was the week?", StartMS: 0, EndMS: 2100},
			{Speaker: "patient", Text: "Rough, honestly.", StartMS: 2300, EndMS: 4000},
		},
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	data, err := Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Kind != orig.Kind || got.VideoID != orig.VideoID || got.IdempotencyKey != orig.IdempotencyKey {
		t.Errorf("round trip changed header: got %+v", got)
	}

	p, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	tr, ok := p.(*TranscriptReady)
	if !ok {
		t.Fatalf("DecodePayload() returned %T, want *TranscriptReady", p)
	}
	if len(tr.Transcript) != 2 {
		t.Fatalf("Transcript length = %d, want 2", len(tr.Transcript))
	}
	if tr.Transcript[1].Speaker != "patient" {
		t.Errorf("Transcript[1].Speaker = %q, want patient", tr.Transcript[1].Speaker)
	}
}

func TestDecodePayloadRejections(t *testing.T) {
	valid := func() *Envelope {
		env, err := NewEnvelope(AudioExtracted{
			VideoID:          testVideoID,
			AudioStoragePath: "audio/" + testVideoID + ".wav",
			DurationSeconds:  1800,
		})
		if err != nil {
			t.Fatalf("NewEnvelope() error = %v", err)
		}
		return env
	}

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"unknown kind", func(e *Envelope) { e.Kind = "audio.compressed" }},
		{"empty video id", func(e *Envelope) { e.VideoID = "" }},
		{"empty idempotency key", func(e *Envelope) { e.IdempotencyKey = "" }},
		{"empty payload", func(e *Envelope) { e.Payload = nil }},
		{"malformed payload", func(e *Envelope) { e.Payload = json.RawMessage(`{"video_id": 7`) }},
		{"video id mismatch", func(e *Envelope) { e.VideoID = "11111111-2222-3333-4444-555555555555" }},
		{"kind payload mismatch", func(e *Envelope) { e.Kind = KindAnalysisComplete }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(env)

			_, err := DecodePayload(env)
			if err == nil {
				t.Fatal("DecodePayload() accepted corrupt envelope")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

func TestUnmarshalBackfillsSchemaVersion(t *testing.T) {
	data := []byte(`{"kind":"video.uploaded","video_id":"` + testVideoID + `","idempotency_key":"` +
		IdempotencyKey(testVideoID, KindVideoUploaded) + `","payload":{"video_id":"` + testVideoID +
		`","storage_path":"p","filename":"f"}}`)

	env, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want backfilled %d", env.SchemaVersion, SchemaVersion)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "payload", Message: "decode failed"}
	if !strings.Contains(err.Error(), "payload") {
		t.Errorf("Error() = %q, missing field name", err.Error())
	}
}
