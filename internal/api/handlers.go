// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
	"github.com/mpreiss/clinsight/internal/objectstore"
	"github.com/mpreiss/clinsight/internal/store"
)

// DefaultMaxUploadBytes bounds the multipart request body. Session
// recordings are typically under an hour of 720p video.
const DefaultMaxUploadBytes int64 = 4 << 30

// uploadExtensions lists the container formats accepted at the edge.
// Anything else is rejected before touching storage; the audio stage
// still treats unreadable content as a corrupt input.
var uploadExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
	".avi":  true,
}

// EventPublisher is the slice of the event bus the edge needs: one
// durable publish per accepted upload.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, env *events.Envelope) error
}

// Handler serves the video ingestion and reporting endpoints.
type Handler struct {
	store          *store.Store
	blobs          objectstore.BlobStore
	bus            EventPublisher
	busReady       func(context.Context) bool
	maxUploadBytes int64
	startTime      time.Time
}

// NewHandler wires the edge against its dependencies. busReady may be
// nil when no broker health probe is available; readiness then reports
// only the store.
func NewHandler(st *store.Store, blobs objectstore.BlobStore, bus EventPublisher, busReady func(context.Context) bool) *Handler {
	return &Handler{
		store:          st,
		blobs:          blobs,
		bus:            bus,
		busReady:       busReady,
		maxUploadBytes: DefaultMaxUploadBytes,
		startTime:      time.Now(),
	}
}

// SetMaxUploadBytes overrides the upload body cap. Values at or below
// zero keep the default.
func (h *Handler) SetMaxUploadBytes(n int64) {
	if n > 0 {
		h.maxUploadBytes = n
	}
}

// uploadResponse is the 202 body for an accepted upload.
type uploadResponse struct {
	VideoID  string        `json:"video_id"`
	Filename string        `json:"filename"`
	Status   models.Status `json:"status"`
}

// VideoDetail is the full reporting view of one video: the lifecycle
// row plus the analysis output when the pipeline has finished.
type VideoDetail struct {
	models.Video
	Analysis *models.AnalysisSummary  `json:"analysis,omitempty"`
	Segments []models.AnalysisSegment `json:"segments"`
}

// UploadVideo accepts a multipart session recording, claims its blob
// key, creates the lifecycle row, and publishes video.uploaded. The
// row and blob are compensated away if the publish fails: an upload is
// either fully in the pipeline or not in the system at all.
func (h *Handler) UploadVideo(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("video")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.RecordUpload("rejected", 0)
			rw.PayloadTooLarge("upload exceeds the size limit")
			return
		}
		metrics.RecordUpload("rejected", 0)
		rw.BadRequest("multipart field 'video' is required")
		return
	}
	defer file.Close() //nolint:errcheck

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !uploadExtensions[ext] {
		metrics.RecordUpload("rejected", 0)
		rw.Error(http.StatusBadRequest, ErrCodeValidationFailed,
			"unsupported file type "+ext)
		return
	}

	videoID := uuid.New().String()
	key := sourceKey(videoID, ext)
	log := logging.Ctx(ctx).With().
		Str("video_id", videoID).
		Str("filename", header.Filename).Logger()

	size, err := h.blobs.Put(ctx, key, file)
	if err != nil {
		log.Error().Err(err).Msg("failed to store upload")
		metrics.RecordUpload("error", 0)
		rw.Error(http.StatusInternalServerError, ErrCodeStorageError,
			"failed to store the uploaded file")
		return
	}

	video := &models.Video{
		ID:          videoID,
		Filename:    filepath.Base(header.Filename),
		StoragePath: key,
		Status:      models.StatusUploaded,
	}
	if err := h.store.InsertVideo(ctx, video); err != nil {
		log.Error().Err(err).Msg("failed to create lifecycle row")
		h.discardUpload(ctx, videoID)
		metrics.RecordUpload("error", size)
		rw.DatabaseError(err)
		return
	}

	env, err := events.NewEnvelope(events.VideoUploaded{
		VideoID:     videoID,
		StoragePath: key,
		Filename:    video.Filename,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build upload event")
		h.compensateUpload(ctx, videoID)
		metrics.RecordUpload("error", size)
		rw.InternalError("failed to start processing")
		return
	}
	if err := h.bus.PublishEnvelope(ctx, env); err != nil {
		log.Error().Err(err).Msg("failed to publish upload event, rolling back")
		h.compensateUpload(ctx, videoID)
		metrics.RecordUpload("error", size)
		rw.ServiceUnavailable(ErrCodeEventBusError,
			"processing pipeline unavailable, upload rolled back")
		return
	}

	log.Info().Int64("size_bytes", size).Msg("upload accepted")
	metrics.RecordUpload("accepted", size)
	rw.Accepted(uploadResponse{
		VideoID:  videoID,
		Filename: video.Filename,
		Status:   models.StatusUploaded,
	})
}

// ListVideos returns every lifecycle row, newest first, with summary
// text where analysis has completed.
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	videos, err := h.store.ListVideos(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if videos == nil {
		videos = []models.VideoOverview{}
	}
	rw.Success(videos)
}

// GetVideo returns one video with its analysis output. A video the
// pipeline has not finished yet returns the row with empty analysis;
// only an unknown id is a 404.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()
	videoID := chi.URLParam(r, "id")

	video, err := h.store.GetVideo(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		rw.NotFound("video " + videoID + " not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	detail := VideoDetail{Video: *video, Segments: []models.AnalysisSegment{}}
	summary, segments, err := h.store.GetAnalysis(ctx, videoID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Not analyzed yet.
	case err != nil:
		rw.DatabaseError(err)
		return
	default:
		detail.Analysis = summary
		detail.Segments = segments
	}

	rw.Success(detail)
}

// DeleteVideo removes a video, its analysis rows, and its stored
// artifacts. Deleting mid-pipeline is allowed; in-flight stage work for
// the video then terminates on the missing row.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()
	videoID := chi.URLParam(r, "id")

	video, err := h.store.DeleteVideo(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		rw.NotFound("video " + videoID + " not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	if err := h.blobs.DeletePrefix(ctx, videoPrefix(videoID)); err != nil {
		// Rows are gone; orphaned blobs are logged, not surfaced.
		logging.Ctx(ctx).Warn().Err(err).
			Str("video_id", videoID).
			Msg("failed to remove stored artifacts")
	}

	logging.Ctx(ctx).Info().
		Str("video_id", videoID).
		Str("status", string(video.Status)).
		Msg("video deleted")
	rw.Success(map[string]any{"video_id": videoID, "deleted": true})
}

// compensateUpload undoes the row and blob of an upload whose event
// never made it onto the bus.
func (h *Handler) compensateUpload(ctx context.Context, videoID string) {
	if _, err := h.store.DeleteVideo(ctx, videoID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.Ctx(ctx).Error().Err(err).
			Str("video_id", videoID).
			Msg("failed to compensate lifecycle row")
	}
	h.discardUpload(ctx, videoID)
}

func (h *Handler) discardUpload(ctx context.Context, videoID string) {
	if err := h.blobs.DeletePrefix(ctx, videoPrefix(videoID)); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("video_id", videoID).
			Msg("failed to discard uploaded blob")
	}
}

func sourceKey(videoID, ext string) string {
	return videoPrefix(videoID) + "/source" + ext
}

func videoPrefix(videoID string) string {
	return "videos/" + videoID
}
