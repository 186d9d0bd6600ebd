// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package stage

import (
	"bytes"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/mpreiss/clinsight/internal/collab"
	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
	"github.com/mpreiss/clinsight/internal/objectstore"
	"github.com/mpreiss/clinsight/internal/store"
)

// TranscriptionStage consumes audio.extracted events, produces a
// diarized transcript and emits transcript.ready.
type TranscriptionStage struct {
	store       *store.Store
	blobs       objectstore.BlobStore
	transcriber collab.Transcriber
}

// NewTranscriptionStage wires the transcription stage.
func NewTranscriptionStage(st *store.Store, blobs objectstore.BlobStore, transcriber collab.Transcriber) *TranscriptionStage {
	return &TranscriptionStage{store: st, blobs: blobs, transcriber: transcriber}
}

// Handle implements the stage contract for transcription.
func (s *TranscriptionStage) Handle(msg *message.Message) ([]*message.Message, error) {
	start := time.Now()
	ctx := msg.Context()

	_, payload, err := decode(msg, events.KindAudioExtracted)
	if err != nil {
		metrics.RecordStageOutcome(models.StageTranscription, "invalid", time.Since(start))
		return nil, err
	}
	p := payload.(*events.AudioExtracted)
	log := logging.Ctx(ctx).With().Str("video_id", p.VideoID).Logger()

	proceed, err := precheck(ctx, s.store, p.VideoID, models.StatusAudioExtracted)
	if err != nil {
		return nil, err
	}
	if !proceed {
		log.Debug().Msg("transcription already applied, acking duplicate")
		metrics.RecordStageOutcome(models.StageTranscription, "skipped", time.Since(start))
		return nil, nil
	}

	audioPath, err := s.blobs.Path(p.AudioStoragePath)
	if err != nil {
		return nil, eventbus.NewPermanentError("resolve audio path", err)
	}

	transcript, err := s.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		if eventbus.IsPermanentError(err) {
			markFailed(ctx, s.store, p.VideoID, models.StageTranscription, err)
		}
		metrics.RecordStageOutcome(models.StageTranscription, "error", time.Since(start))
		return nil, err
	}

	key := transcriptKey(p.VideoID)
	if err := s.storeTranscript(msg, key, transcript); err != nil {
		metrics.RecordStageOutcome(models.StageTranscription, "error", time.Since(start))
		return nil, err
	}

	if err := s.store.MarkTranscribed(ctx, p.VideoID, key); err != nil {
		if resolved := resolveConflict(err, models.StatusTranscribed); resolved != nil {
			return nil, resolved
		}
		log.Debug().Msg("status already advanced by a concurrent delivery")
		metrics.RecordStageOutcome(models.StageTranscription, "skipped", time.Since(start))
		return nil, nil
	}

	next, err := envelopeMessage(&events.TranscriptReady{
		VideoID:    p.VideoID,
		Transcript: transcript,
	})
	if err != nil {
		return nil, err
	}
	next.SetContext(ctx)

	log.Info().
		Int("utterances", len(transcript)).
		Msg("transcription complete")
	metrics.RecordStageOutcome(models.StageTranscription, "success", time.Since(start))
	return []*message.Message{next}, nil
}

func (s *TranscriptionStage) storeTranscript(msg *message.Message, key string, transcript []events.Utterance) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return eventbus.NewPermanentError("marshal transcript", err)
	}

	if _, err := s.blobs.Put(msg.Context(), key, bytes.NewReader(data)); err != nil {
		if errors.Is(err, objectstore.ErrPathExists) {
			return nil
		}
		return eventbus.NewRetryableError("store transcript", err)
	}
	return nil
}
