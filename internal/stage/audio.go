// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package stage

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mpreiss/clinsight/internal/collab"
	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
	"github.com/mpreiss/clinsight/internal/objectstore"
	"github.com/mpreiss/clinsight/internal/store"
)

// AudioStage consumes video.uploaded events, extracts the audio track
// and emits audio.extracted.
type AudioStage struct {
	store     *store.Store
	blobs     objectstore.BlobStore
	extractor collab.AudioExtractor
}

// NewAudioStage wires the audio extraction stage.
func NewAudioStage(st *store.Store, blobs objectstore.BlobStore, extractor collab.AudioExtractor) *AudioStage {
	return &AudioStage{store: st, blobs: blobs, extractor: extractor}
}

// Handle implements the stage contract for audio extraction.
func (s *AudioStage) Handle(msg *message.Message) ([]*message.Message, error) {
	start := time.Now()
	ctx := msg.Context()

	env, payload, err := decode(msg, events.KindVideoUploaded)
	if err != nil {
		metrics.RecordStageOutcome(models.StageAudio, "invalid", time.Since(start))
		return nil, err
	}
	p := payload.(*events.VideoUploaded)
	log := logging.Ctx(ctx).With().Str("video_id", p.VideoID).Logger()

	proceed, err := precheck(ctx, s.store, p.VideoID, models.StatusUploaded)
	if err != nil {
		return nil, err
	}
	if !proceed {
		log.Debug().Msg("audio extraction already applied, acking duplicate")
		metrics.RecordStageOutcome(models.StageAudio, "skipped", time.Since(start))
		return nil, nil
	}

	inputPath, err := s.blobs.Path(p.StoragePath)
	if err != nil {
		return nil, eventbus.NewPermanentError("resolve video path", err)
	}

	key := audioKey(p.VideoID)
	tmpOut := filepath.Join(os.TempDir(), "audio-"+env.IdempotencyKey+".mp3")
	defer os.Remove(tmpOut)

	duration, err := s.extractor.Extract(ctx, inputPath, tmpOut)
	if err != nil {
		if eventbus.IsPermanentError(err) {
			markFailed(ctx, s.store, p.VideoID, models.StageAudio, err)
		}
		metrics.RecordStageOutcome(models.StageAudio, "error", time.Since(start))
		return nil, err
	}

	if err := s.storeArtifact(msg, key, tmpOut); err != nil {
		metrics.RecordStageOutcome(models.StageAudio, "error", time.Since(start))
		return nil, err
	}

	if err := s.store.MarkAudioExtracted(ctx, p.VideoID, key); err != nil {
		if resolved := resolveConflict(err, models.StatusAudioExtracted); resolved != nil {
			return nil, resolved
		}
		log.Debug().Msg("status already advanced by a concurrent delivery")
		metrics.RecordStageOutcome(models.StageAudio, "skipped", time.Since(start))
		return nil, nil
	}

	next, err := envelopeMessage(&events.AudioExtracted{
		VideoID:          p.VideoID,
		AudioStoragePath: key,
		DurationSeconds:  duration,
	})
	if err != nil {
		return nil, err
	}
	next.SetContext(ctx)

	log.Info().
		Float64("duration_seconds", duration).
		Msg("audio extracted")
	metrics.RecordStageOutcome(models.StageAudio, "success", time.Since(start))
	return []*message.Message{next}, nil
}

// storeArtifact moves the extracted audio into the blob store. A key
// already claimed by an earlier crashed attempt is the same content, so
// ErrPathExists is success.
func (s *AudioStage) storeArtifact(msg *message.Message, key, tmpPath string) error {
	f, err := os.Open(tmpPath)
	if err != nil {
		return eventbus.NewRetryableError("open extracted audio", err)
	}
	defer f.Close()

	if _, err := s.blobs.Put(msg.Context(), key, f); err != nil {
		if errors.Is(err, objectstore.ErrPathExists) {
			return nil
		}
		return eventbus.NewRetryableError("store extracted audio", err)
	}
	return nil
}
