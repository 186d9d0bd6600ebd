// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package stage

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
	"github.com/mpreiss/clinsight/internal/store"
)

// PoisonHandler consumes the dead-letter topic. Every poisoned event is
// recorded as a failure on its video row so the read path can explain
// why processing stopped; nothing dead-letters silently. The handler
// itself never errors: there is no queue after the poison queue.
type PoisonHandler struct {
	store *store.Store
}

// NewPoisonHandler wires the dead-letter consumer.
func NewPoisonHandler(st *store.Store) *PoisonHandler {
	return &PoisonHandler{store: st}
}

// Handle records the poisoned event's failure reason on the video.
func (h *PoisonHandler) Handle(msg *message.Message) error {
	ctx := msg.Context()
	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	if reason == "" {
		reason = "processing failed permanently"
	}

	videoID := msg.Metadata.Get(eventbus.MetadataVideoID)
	kind := events.Kind(msg.Metadata.Get(eventbus.MetadataKind))

	// Prefer the envelope when it still decodes; metadata is the
	// fallback for envelopes that were poisoned as undecodable.
	if env, err := events.Unmarshal(msg.Payload); err == nil {
		videoID = env.VideoID
		kind = env.Kind
	}
	stage := stageForKind(kind)

	log := logging.Ctx(ctx).With().
		Str("video_id", videoID).
		Str("stage", stage).
		Str("reason", reason).
		Logger()

	category := eventbus.Categorize(errors.New(reason))
	metrics.RecordStagePoisoned(stage, category.String())

	if videoID == "" {
		log.Error().Msg("poisoned event without a video id")
		return nil
	}

	if err := h.store.MarkFailed(ctx, videoID, stage, reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("poisoned event for unknown video")
			return nil
		}
		// Ack anyway: the failure is already in the logs and metrics,
		// and redelivering the poison message cannot make the store
		// healthier.
		log.Error().Err(err).Msg("failed to record poisoned event")
		return nil
	}

	log.Error().Msg("event dead-lettered, video marked failed")
	return nil
}

func stageForKind(kind events.Kind) string {
	switch kind {
	case events.KindVideoUploaded:
		return models.StageAudio
	case events.KindAudioExtracted:
		return models.StageTranscription
	case events.KindTranscriptReady:
		return models.StageAnalysis
	default:
		return models.StageIngestion
	}
}
