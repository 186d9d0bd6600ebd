// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package collab holds the adapters for the pipeline's external
// collaborators: the ffmpeg audio extractor, the transcription vendor
// and the LLM analyzer. Each adapter maps its failure modes onto the
// shared retryable/permanent taxonomy so the stage processors can decide
// between redelivery and dead-lettering without knowing vendor details.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/models"
)

// AudioExtractor turns a stored video file into an audio file suitable
// for transcription.
type AudioExtractor interface {
	// Extract transcodes the video at inputPath into an audio file at
	// outputPath. Returns the audio duration in seconds.
	Extract(ctx context.Context, inputPath, outputPath string) (float64, error)
}

// Transcriber produces a diarized transcript from an audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]events.Utterance, error)
}

// Analyzer derives clinical insight from a diarized transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript []events.Utterance) (*models.Insight, error)
	// ModelVersion identifies the model behind Analyze; it feeds the
	// cache fingerprint so insights from different models never alias.
	ModelVersion() string
}

// classifyHTTPStatus maps a vendor response status onto the retry
// taxonomy. 429 and 5xx are transient vendor conditions; any other
// non-2xx status means the request itself is bad and will never succeed.
func classifyHTTPStatus(collaborator string, status int, body string) error {
	msg := fmt.Sprintf("%s returned status %d: %s", collaborator, status, body)
	if status == http.StatusTooManyRequests || status >= 500 {
		return eventbus.NewRetryableError(msg, nil)
	}
	return eventbus.NewPermanentError(msg, nil)
}

// classifyTransport maps transport-level failures. Everything here is
// transient: timeouts, refused connections, reset streams.
func classifyTransport(collaborator string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return eventbus.NewRetryableError(collaborator+" call timed out", err)
	}
	return eventbus.NewRetryableError(collaborator+" connection failed", err)
}
