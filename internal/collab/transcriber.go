// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package collab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
)

// TranscriberConfig holds the transcription vendor settings.
type TranscriberConfig struct {
	// BaseURL is the vendor API root, e.g. https://api.assemblyai.com/v2.
	BaseURL string
	// APIKey authenticates requests.
	APIKey string
	// PollInterval is the delay between job status polls. Default 3s.
	PollInterval time.Duration
	// Timeout bounds the whole transcription (upload + job). Default
	// 30 minutes; therapy sessions run an hour of audio.
	Timeout time.Duration
}

// HTTPTranscriber submits audio to a hosted speech-to-text vendor with
// speaker diarization enabled and polls the job until it settles. The
// flow is upload, submit, poll: the vendor keeps the audio only for the
// job's lifetime.
type HTTPTranscriber struct {
	cfg        TranscriberConfig
	httpClient *http.Client
}

// NewHTTPTranscriber creates a transcriber client.
func NewHTTPTranscriber(cfg TranscriberConfig) *HTTPTranscriber {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &HTTPTranscriber{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	Utterances []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
		Start   int64  `json:"start"`
		End     int64  `json:"end"`
	} `json:"utterances"`
}

// Transcribe uploads the audio file, submits a diarized transcription
// job and polls until it completes. Vendor-side job errors are permanent;
// transport failures and 5xx/429 responses are transient.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string) ([]events.Utterance, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	utterances, err := t.transcribe(ctx, audioPath)
	metrics.RecordCollaboratorCall("transcriber", time.Since(start), err, eventbus.IsRetryableError(err))
	return utterances, err
}

func (t *HTTPTranscriber) transcribe(ctx context.Context, audioPath string) ([]events.Utterance, error) {
	audioURL, err := t.upload(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	jobID, err := t.submit(ctx, audioURL)
	if err != nil {
		return nil, err
	}

	return t.poll(ctx, jobID)
}

func (t *HTTPTranscriber) upload(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", eventbus.NewRetryableError("open audio file", err)
	}
	defer func() { _ = f.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/upload", f)
	if err != nil {
		return "", eventbus.NewPermanentError("build upload request", err)
	}
	req.Header.Set("Authorization", t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport("transcriber", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", classifyHTTPStatus("transcriber upload", resp.StatusCode, string(body))
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", eventbus.NewRetryableError("decode upload response", err)
	}
	if ur.UploadURL == "" {
		return "", eventbus.NewRetryableError("upload response missing upload_url", nil)
	}
	return ur.UploadURL, nil
}

func (t *HTTPTranscriber) submit(ctx context.Context, audioURL string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"audio_url":      audioURL,
		"speaker_labels": true,
	})
	if err != nil {
		return "", eventbus.NewPermanentError("marshal transcript request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", eventbus.NewPermanentError("build transcript request", err)
	}
	req.Header.Set("Authorization", t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport("transcriber", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", classifyHTTPStatus("transcriber submit", resp.StatusCode, string(body))
	}

	var job transcriptJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", eventbus.NewRetryableError("decode transcript submission", err)
	}
	if job.ID == "" {
		return "", eventbus.NewRetryableError("transcript submission missing job id", nil)
	}

	logging.Debug().Str("job_id", job.ID).Msg("transcription job submitted")
	return job.ID, nil
}

func (t *HTTPTranscriber) poll(ctx context.Context, jobID string) ([]events.Utterance, error) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := t.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch job.Status {
		case "completed":
			return convertUtterances(job), nil
		case "error":
			// The vendor decoded the audio and gave up; resubmitting the
			// same audio yields the same outcome.
			return nil, eventbus.NewPermanentError(
				fmt.Sprintf("transcription job failed: %s", job.Error), nil)
		}

		select {
		case <-ctx.Done():
			return nil, eventbus.NewRetryableError("transcription polling timed out", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *HTTPTranscriber) getJob(ctx context.Context, jobID string) (*transcriptJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/transcript/"+jobID, nil)
	if err != nil {
		return nil, eventbus.NewPermanentError("build transcript poll request", err)
	}
	req.Header.Set("Authorization", t.cfg.APIKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport("transcriber", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus("transcriber poll", resp.StatusCode, string(body))
	}

	var job transcriptJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, eventbus.NewRetryableError("decode transcript poll response", err)
	}
	return &job, nil
}

func convertUtterances(job *transcriptJob) []events.Utterance {
	utterances := make([]events.Utterance, 0, len(job.Utterances))
	for _, u := range job.Utterances {
		utterances = append(utterances, events.Utterance{
			Speaker: u.Speaker,
			Text:    u.Text,
			StartMS: u.Start,
			EndMS:   u.End,
		})
	}
	return utterances
}
