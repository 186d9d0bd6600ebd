// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package stage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mpreiss/clinsight/internal/cachegate"
	"github.com/mpreiss/clinsight/internal/collab"
	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
	"github.com/mpreiss/clinsight/internal/store"
)

// AnalysisStage consumes transcript.ready events, derives clinical
// insight (through the content-addressed cache gate) and persists it
// atomically with the final status transition.
type AnalysisStage struct {
	store    *store.Store
	cache    cachegate.InsightCache
	analyzer collab.Analyzer

	// malformedOnce remembers videos whose analysis came back malformed
	// on a previous delivery. One malformed generation is absorbed as
	// transient; the second for the same video is fatal. The bound is
	// per process: with N analysis replicas a video can absorb up to N
	// malformed generations before one replica sees its second, and the
	// broker's MaxDeliver still caps total attempts. Queue-group
	// redelivery usually lands on the same replica, so the practical
	// bound stays close to one.
	malformedOnce sync.Map
}

// NewAnalysisStage wires the analysis stage.
func NewAnalysisStage(st *store.Store, cache cachegate.InsightCache, analyzer collab.Analyzer) *AnalysisStage {
	return &AnalysisStage{store: st, cache: cache, analyzer: analyzer}
}

// Handle implements the stage contract for analysis.
func (s *AnalysisStage) Handle(msg *message.Message) ([]*message.Message, error) {
	start := time.Now()
	ctx := msg.Context()

	_, payload, err := decode(msg, events.KindTranscriptReady)
	if err != nil {
		metrics.RecordStageOutcome(models.StageAnalysis, "invalid", time.Since(start))
		return nil, err
	}
	p := payload.(*events.TranscriptReady)
	log := logging.Ctx(ctx).With().Str("video_id", p.VideoID).Logger()

	proceed, err := precheck(ctx, s.store, p.VideoID, models.StatusTranscribed)
	if err != nil {
		return nil, err
	}
	if !proceed {
		log.Debug().Msg("analysis already applied, acking duplicate")
		metrics.RecordStageOutcome(models.StageAnalysis, "skipped", time.Since(start))
		return nil, nil
	}

	if emptyTranscript(p.Transcript) {
		// Nothing to analyze. The video stays transcribed; the event is
		// consumed so it never redelivers.
		log.Warn().Msg("empty transcript, skipping analysis")
		metrics.RecordStageOutcome(models.StageAnalysis, "skipped", time.Since(start))
		return nil, nil
	}

	insight, err := s.obtainInsight(ctx, p.VideoID, p.Transcript)
	if err != nil {
		metrics.RecordStageOutcome(models.StageAnalysis, "error", time.Since(start))
		return nil, err
	}

	summary, segments := projectInsight(p.VideoID, insight, s.analyzer.ModelVersion())
	if err := s.store.InsertAnalysis(ctx, summary, segments); err != nil {
		if resolved := resolveConflict(err, models.StatusAnalysisComplete); resolved != nil {
			return nil, resolved
		}
		log.Debug().Msg("analysis already persisted by a concurrent delivery")
		metrics.RecordStageOutcome(models.StageAnalysis, "skipped", time.Since(start))
		return nil, nil
	}
	s.malformedOnce.Delete(p.VideoID)

	next, err := envelopeMessage(&events.AnalysisComplete{
		VideoID:    p.VideoID,
		SummaryRef: "videos/" + p.VideoID + "/summary",
	})
	if err != nil {
		return nil, err
	}
	next.SetContext(ctx)

	log.Info().
		Int("segments", len(segments)).
		Msg("analysis complete")
	metrics.RecordStageOutcome(models.StageAnalysis, "success", time.Since(start))
	return []*message.Message{next}, nil
}

// obtainInsight consults the cache gate before invoking the analyzer.
// On a miss the fresh insight is written through to the cache before the
// caller persists it, so a crash between the two only costs a cache
// entry, never correctness.
func (s *AnalysisStage) obtainInsight(ctx context.Context, videoID string, transcript []events.Utterance) (*models.Insight, error) {
	fp := cachegate.Fingerprint(transcript, s.analyzer.ModelVersion())
	log := logging.Ctx(ctx).With().Str("video_id", videoID).Logger()

	cached, hit, err := s.cache.Get(ctx, fp)
	if err != nil {
		log.Warn().Err(err).Msg("insight cache lookup failed")
	}
	if hit {
		log.Debug().Str("fingerprint", fp).Msg("insight cache hit")
		return cached, nil
	}

	insight, err := s.analyzer.Analyze(ctx, transcript)
	if err != nil {
		return nil, s.classifyAnalyzerError(ctx, videoID, err)
	}

	if err := s.cache.Set(ctx, fp, insight); err != nil {
		log.Warn().Err(err).Msg("insight cache write failed")
	}
	return insight, nil
}

func (s *AnalysisStage) classifyAnalyzerError(ctx context.Context, videoID string, err error) error {
	if errors.Is(err, collab.ErrMalformedInsight) {
		if _, seen := s.malformedOnce.LoadOrStore(videoID, struct{}{}); !seen {
			return eventbus.NewRetryableError("analysis output malformed, retrying once", err)
		}
		s.malformedOnce.Delete(videoID)
		perm := eventbus.NewPermanentError("analysis output malformed twice", err)
		markFailed(ctx, s.store, videoID, models.StageAnalysis, perm)
		return perm
	}

	if eventbus.IsPermanentError(err) {
		markFailed(ctx, s.store, videoID, models.StageAnalysis, err)
	}
	return err
}

func emptyTranscript(transcript []events.Utterance) bool {
	for _, u := range transcript {
		if strings.TrimSpace(u.Text) != "" {
			return false
		}
	}
	return true
}

// projectInsight flattens an Insight into the store's summary and
// segment rows. Segment order follows the transcript order the analyzer
// was given.
func projectInsight(videoID string, insight *models.Insight, modelVersion string) (*models.AnalysisSummary, []models.AnalysisSegment) {
	summary := &models.AnalysisSummary{
		VideoID:         videoID,
		Summary:         insight.Summary,
		Recommendations: insight.Recommendations,
		Distortions:     insight.Distortions,
		Interventions:   insight.Interventions,
		ModelVersion:    modelVersion,
		CreatedAt:       time.Now().UTC(),
	}

	segments := make([]models.AnalysisSegment, 0, len(insight.Segments))
	for i, seg := range insight.Segments {
		segments = append(segments, models.AnalysisSegment{
			VideoID:    videoID,
			Seq:        i,
			Speaker:    seg.Speaker,
			Text:       seg.Text,
			Topic:      seg.Topic,
			Emotion:    seg.Emotion,
			Confidence: seg.Confidence,
		})
	}
	return summary, segments
}
