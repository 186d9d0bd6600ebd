// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/mpreiss/clinsight/internal/auth"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/models"
	"github.com/mpreiss/clinsight/internal/objectstore"
	"github.com/mpreiss/clinsight/internal/store"
)

// fakePublisher records published envelopes and can be told to fail.
type fakePublisher struct {
	mu        sync.Mutex
	published []*events.Envelope
	err       error
}

func (p *fakePublisher) PublishEnvelope(_ context.Context, env *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, env)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type testEdge struct {
	store *store.Store
	blobs *objectstore.FSStore
	bus   *fakePublisher
	srv   *httptest.Server
}

func newTestEdge(t *testing.T) *testEdge {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "edge.duckdb")
	st, err := store.New(cfg)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	bus := &fakePublisher{}
	handler := NewHandler(st, blobs, bus, nil)
	router := NewRouter(handler, nil, nil, &RouterConfig{RateLimitDisabled: true})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEdge{store: st, blobs: blobs, bus: bus, srv: srv}
}

// apiEnvelope mirrors the wire response for decoding in assertions.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func doJSON(t *testing.T, method, url string, body io.Reader, contentType string) (*http.Response, *apiEnvelope) {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, &env
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("video", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func uploadTestVideo(t *testing.T, edge *testEdge) string {
	t.Helper()

	body, contentType := multipartBody(t, "session.mp4", "fake mp4 bytes")
	resp, env := doJSON(t, http.MethodPost, edge.srv.URL+"/api/v1/videos", body, contentType)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d, want 202", resp.StatusCode)
	}

	var data uploadResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal upload response: %v", err)
	}
	if data.VideoID == "" {
		t.Fatal("expected video_id in upload response")
	}
	return data.VideoID
}

func TestUploadAccepted(t *testing.T) {
	edge := newTestEdge(t)
	videoID := uploadTestVideo(t, edge)

	video, err := edge.store.GetVideo(context.Background(), videoID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if video.Status != models.StatusUploaded {
		t.Errorf("status = %s, want uploaded", video.Status)
	}
	if video.Filename != "session.mp4" {
		t.Errorf("filename = %q, want session.mp4", video.Filename)
	}

	rc, err := edge.blobs.Open(context.Background(), video.StoragePath)
	if err != nil {
		t.Fatalf("blob missing after upload: %v", err)
	}
	defer rc.Close() //nolint:errcheck

	if edge.bus.count() != 1 {
		t.Fatalf("published %d events, want 1", edge.bus.count())
	}
	env := edge.bus.published[0]
	if env.Kind != events.KindVideoUploaded {
		t.Errorf("event kind = %s, want video.uploaded", env.Kind)
	}
	if env.VideoID != videoID {
		t.Errorf("event video_id = %s, want %s", env.VideoID, videoID)
	}
}

func TestUploadRejectsMissingFile(t *testing.T) {
	edge := newTestEdge(t)

	resp, env := doJSON(t, http.MethodPost, edge.srv.URL+"/api/v1/videos",
		strings.NewReader("not multipart"), "text/plain")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != ErrCodeBadRequest {
		t.Errorf("error = %+v, want BAD_REQUEST", env.Error)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	edge := newTestEdge(t)

	body, contentType := multipartBody(t, "notes.txt", "plain text")
	resp, env := doJSON(t, http.MethodPost, edge.srv.URL+"/api/v1/videos", body, contentType)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != ErrCodeValidationFailed {
		t.Errorf("error = %+v, want VALIDATION_FAILED", env.Error)
	}
	if edge.bus.count() != 0 {
		t.Errorf("published %d events, want none", edge.bus.count())
	}
}

func TestUploadPublishFailureCompensates(t *testing.T) {
	edge := newTestEdge(t)
	edge.bus.err = errors.New("nats: timeout")

	body, contentType := multipartBody(t, "session.mp4", "fake mp4 bytes")
	resp, env := doJSON(t, http.MethodPost, edge.srv.URL+"/api/v1/videos", body, contentType)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != ErrCodeEventBusError {
		t.Errorf("error = %+v, want EVENT_BUS_ERROR", env.Error)
	}

	// Nothing half-committed: no lifecycle row survives the rollback.
	videos, err := edge.store.ListVideos(context.Background())
	if err != nil {
		t.Fatalf("ListVideos: %v", err)
	}
	if len(videos) != 0 {
		t.Errorf("found %d rows after rollback, want 0", len(videos))
	}
}

func TestListVideos(t *testing.T) {
	edge := newTestEdge(t)

	resp, env := doJSON(t, http.MethodGet, edge.srv.URL+"/api/v1/videos", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var empty []models.VideoOverview
	if err := json.Unmarshal(env.Data, &empty); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty list, got %d", len(empty))
	}

	first := uploadTestVideo(t, edge)
	second := uploadTestVideo(t, edge)

	_, env = doJSON(t, http.MethodGet, edge.srv.URL+"/api/v1/videos", nil, "")
	var list []models.VideoOverview
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	seen := map[string]bool{list[0].ID: true, list[1].ID: true}
	if !seen[first] || !seen[second] {
		t.Errorf("list missing uploaded ids: %v", seen)
	}
}

func TestGetVideoNotFound(t *testing.T) {
	edge := newTestEdge(t)

	resp, env := doJSON(t, http.MethodGet,
		edge.srv.URL+"/api/v1/videos/00000000-0000-0000-0000-000000000000", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != ErrCodeNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

func TestGetVideoUnprocessed(t *testing.T) {
	edge := newTestEdge(t)
	videoID := uploadTestVideo(t, edge)

	resp, env := doJSON(t, http.MethodGet, edge.srv.URL+"/api/v1/videos/"+videoID, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var detail VideoDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.ID != videoID {
		t.Errorf("id = %s, want %s", detail.ID, videoID)
	}
	if detail.Analysis != nil {
		t.Error("expected no analysis for unprocessed video")
	}
	if len(detail.Segments) != 0 {
		t.Errorf("segments = %d, want 0", len(detail.Segments))
	}
}

func TestGetVideoWithAnalysis(t *testing.T) {
	edge := newTestEdge(t)
	videoID := uploadTestVideo(t, edge)
	completeAnalysis(t, edge.store, videoID)

	_, env := doJSON(t, http.MethodGet, edge.srv.URL+"/api/v1/videos/"+videoID, nil, "")
	var detail VideoDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Status != models.StatusAnalysisComplete {
		t.Errorf("status = %s, want analysis_complete", detail.Status)
	}
	if detail.Analysis == nil || detail.Analysis.Summary == "" {
		t.Fatalf("expected populated analysis, got %+v", detail.Analysis)
	}
	if len(detail.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(detail.Segments))
	}
	for i, seg := range detail.Segments {
		if seg.Seq != i {
			t.Errorf("segment %d has seq %d, want %d", i, seg.Seq, i)
		}
	}
}

func TestDeleteVideoCascades(t *testing.T) {
	edge := newTestEdge(t)
	videoID := uploadTestVideo(t, edge)
	completeAnalysis(t, edge.store, videoID)

	resp, _ := doJSON(t, http.MethodDelete, edge.srv.URL+"/api/v1/videos/"+videoID, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	if _, err := edge.store.GetVideo(context.Background(), videoID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetVideo after delete = %v, want ErrNotFound", err)
	}
	if _, err := edge.blobs.Open(context.Background(), "videos/"+videoID+"/source.mp4"); err == nil {
		t.Error("expected blob removed after delete")
	}

	resp, _ = doJSON(t, http.MethodDelete, edge.srv.URL+"/api/v1/videos/"+videoID, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	edge := newTestEdge(t)

	resp, env := doJSON(t, http.MethodGet, edge.srv.URL+"/api/v1/health/live", nil, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("live = %d success=%v, want 200 true", resp.StatusCode, env.Success)
	}

	resp, env = doJSON(t, http.MethodGet, edge.srv.URL+"/api/v1/health/ready", nil, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("ready = %d success=%v, want 200 true", resp.StatusCode, env.Success)
	}
}

func TestHealthReadyReportsBusOutage(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "edge.duckdb")
	st, err := store.New(cfg)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	handler := NewHandler(st, blobs, &fakePublisher{}, func(context.Context) bool { return false })
	srv := httptest.NewServer(NewRouter(handler, nil, nil, &RouterConfig{RateLimitDisabled: true}))
	t.Cleanup(srv.Close)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health/ready", nil, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", resp.StatusCode)
	}
	if env.Success {
		t.Error("expected success=false when bus is down")
	}
}

func TestAuthProtectedEndpoints(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "edge.duckdb")
	st, err := store.New(cfg)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := objectstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	tokens, err := auth.NewTokenService(auth.Config{Secret: "edge-test-secret"})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	hash, err := auth.HashPassword("sekrit")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	handler := NewHandler(st, blobs, &fakePublisher{}, nil)
	authHandler := NewAuthHandler(tokens, "clinician", hash)
	srv := httptest.NewServer(NewRouter(handler, authHandler, tokens, &RouterConfig{RateLimitDisabled: true}))
	t.Cleanup(srv.Close)

	// No token: rejected.
	resp, err := http.Get(srv.URL + "/api/v1/videos")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Wrong password: rejected.
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login",
		strings.NewReader(`{"username":"clinician","password":"wrong"}`), "application/json")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp.StatusCode)
	}
	_ = env

	// Correct credentials: token issued.
	_, env = doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login",
		strings.NewReader(`{"username":"clinician","password":"sekrit"}`), "application/json")
	var login loginResponse
	if err := json.Unmarshal(env.Data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected token in login response")
	}

	// Token admits the protected route.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/videos", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

// completeAnalysis drives a video's lifecycle rows to
// analysis_complete directly through the store.
func completeAnalysis(t *testing.T, st *store.Store, videoID string) {
	t.Helper()
	ctx := context.Background()

	if err := st.MarkAudioExtracted(ctx, videoID, "videos/"+videoID+"/audio.mp3"); err != nil {
		t.Fatalf("MarkAudioExtracted: %v", err)
	}
	if err := st.MarkTranscribed(ctx, videoID, "videos/"+videoID+"/transcript.json"); err != nil {
		t.Fatalf("MarkTranscribed: %v", err)
	}

	summary := &models.AnalysisSummary{
		VideoID:         videoID,
		Summary:         "Patient explored workplace anxiety with good engagement.",
		Recommendations: []string{"Continue thought records"},
		Distortions:     []models.Finding{{Kind: "catastrophizing", Evidence: "I will definitely be fired", Count: 1}},
		Interventions:   []models.Finding{{Kind: "socratic_questioning", Evidence: "What evidence supports that?", Count: 1}},
		ModelVersion:    "test-model-1",
		CreatedAt:       time.Now().UTC(),
	}
	segments := make([]models.AnalysisSegment, 2)
	for i := range segments {
		segments[i] = models.AnalysisSegment{
			VideoID:    videoID,
			Seq:        i,
			Speaker:    models.RoleTherapist,
			Text:       fmt.Sprintf("utterance %d", i),
			Topic:      "work",
			Emotion:    "anxious",
			Confidence: 0.9,
		}
	}
	if err := st.InsertAnalysis(ctx, summary, segments); err != nil {
		t.Fatalf("InsertAnalysis: %v", err)
	}
}
