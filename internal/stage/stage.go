// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package stage holds the pipeline's message handlers. Every stage
// follows the same contract: decode and validate the event, consult the
// video's lifecycle status for idempotency, call its collaborator under
// a bounded timeout, persist output and status in one transaction, and
// only then emit the successor event. The broker's redelivery is the
// only retry mechanism; a handler either succeeds, asks for redelivery
// with a retryable error, or dead-letters with a permanent one.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/models"
	"github.com/mpreiss/clinsight/internal/store"
)

// decode parses, validates and type-checks an incoming envelope. Any
// failure is permanent: a message that cannot be decoded today cannot
// be decoded on redelivery either.
func decode(msg *message.Message, want events.Kind) (*events.Envelope, events.Payload, error) {
	env, err := events.Unmarshal(msg.Payload)
	if err != nil {
		return nil, nil, eventbus.NewPermanentError("validation failed: undecodable envelope", err)
	}
	if env.Kind != want {
		return nil, nil, eventbus.NewPermanentError(
			fmt.Sprintf("validation failed: kind %q on %q handler", env.Kind, want), nil)
	}
	payload, err := events.DecodePayload(env)
	if err != nil {
		return nil, nil, eventbus.NewPermanentError("validation failed: invalid payload", err)
	}
	return env, payload, nil
}

// precheck decides whether a stage should run its effect for a video.
// proceed=false with nil error means the effect already happened (or the
// video is terminally failed) and the message should simply be acked.
// A video still behind the stage's required status is an out-of-order
// redelivery; it resolves itself once the predecessor commits, so it is
// retryable.
func precheck(ctx context.Context, st *store.Store, videoID string, required models.Status) (bool, error) {
	status, err := st.GetStatus(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		return false, eventbus.NewPermanentError(
			fmt.Sprintf("video %s no longer exists", videoID), err)
	}
	if err != nil {
		return false, eventbus.NewRetryableError("database lookup failed", err)
	}

	if status == models.StatusFailed {
		return false, nil
	}
	if status == required {
		return true, nil
	}
	if status.AtOrPast(required) {
		// Past the required status means our effect (or a successor's)
		// already committed: duplicate delivery, ack without side effects.
		return false, nil
	}
	return false, eventbus.NewRetryableError(
		fmt.Sprintf("state conflict: video %s at %s, stage requires %s", videoID, status, required), nil)
}

// resolveConflict interprets a CAS failure from the store. A conflict
// where the video already reached (or passed) the stage's target is a
// duplicate effect and counts as success; anything else waits for
// redelivery.
func resolveConflict(err error, target models.Status) error {
	var conflict *store.StateConflictError
	if !errors.As(err, &conflict) {
		return eventbus.NewRetryableError("database update failed", err)
	}
	if conflict.Current == models.StatusFailed || conflict.Current.AtOrPast(target) {
		return nil
	}
	return eventbus.NewRetryableError(err.Error(), err)
}

// envelopeMessage wraps a payload in a validated envelope and prepares
// the Watermill message the router will publish after the handler
// returns. The envelope's idempotency key doubles as the message UUID,
// which the publisher propagates as the JetStream dedup id.
func envelopeMessage(p events.Payload) (*message.Message, error) {
	env, err := events.NewEnvelope(p)
	if err != nil {
		return nil, eventbus.NewPermanentError("build successor envelope", err)
	}
	data, err := events.Marshal(env)
	if err != nil {
		return nil, eventbus.NewPermanentError("marshal successor envelope", err)
	}

	msg := message.NewMessage(env.IdempotencyKey, data)
	msg.Metadata.Set(eventbus.MetadataKind, string(env.Kind))
	msg.Metadata.Set(eventbus.MetadataVideoID, env.VideoID)
	return msg, nil
}

// markFailed records a permanent stage failure on the video row so the
// read path can explain it. Best effort: the permanent error is about
// to dead-letter this message regardless.
func markFailed(ctx context.Context, st *store.Store, videoID, stage string, cause error) {
	if err := st.MarkFailed(ctx, videoID, stage, cause.Error()); err != nil {
		logging.Warn().Err(err).Str("video_id", videoID).Str("stage", stage).Msg("failed to record video failure")
	}
}

// Canonical artifact locations per video.
func audioKey(videoID string) string {
	return "videos/" + videoID + "/audio.mp3"
}

func transcriptKey(videoID string) string {
	return "videos/" + videoID + "/transcript.json"
}
