// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
)

// ErrMalformedInsight marks model output that parsed as a response but
// not as a usable insight. The analysis stage treats the first
// occurrence per video as transient (models occasionally emit broken
// JSON) and the second as fatal.
var ErrMalformedInsight = errors.New("malformed analysis output")

// AnalyzerConfig holds the LLM analyzer settings.
type AnalyzerConfig struct {
	// BaseURL is the model API root.
	BaseURL string
	// APIKey authenticates requests.
	APIKey string
	// Model names the generation model; it also versions the insight
	// cache fingerprint.
	Model string
	// Timeout bounds a single generation call. Default 5 minutes.
	Timeout time.Duration
	// RequestsPerMinute throttles calls model-side quotas. Default 30.
	RequestsPerMinute int
}

// LLMAnalyzer asks a hosted language model to annotate a therapy
// transcript and parses the JSON it returns into an Insight. Calls go
// through a rate limiter and a circuit breaker so a degraded model API
// sheds load instead of burning broker redeliveries.
type LLMAnalyzer struct {
	cfg        AnalyzerConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*models.Insight]
}

const analyzerSystemPrompt = `You are an expert clinical psychologist analyzing a therapy session transcript.
Identify which speaker is the therapist and which is the patient.
For every utterance produce a segment annotation with speaker role, primary topic, emotional tone and a confidence between 0 and 1.
Summarize the session, list actionable recommendations, and identify cognitive distortions shown by the patient and therapeutic interventions used by the therapist, each with supporting evidence quotes.
Respond with a single JSON object with keys: summary, recommendations, cognitive_distortions, therapist_interventions, segments. Respond with JSON only.`

// NewLLMAnalyzer creates an analyzer client.
func NewLLMAnalyzer(cfg AnalyzerConfig) *LLMAnalyzer {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}

	breaker := gobreaker.NewCircuitBreaker[*models.Insight](gobreaker.Settings{
		Name:        "llm-analyzer",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("analyzer circuit breaker state change")
			metrics.RecordCircuitBreakerTransition(name, from.String(), to.String())
		},
		IsSuccessful: func(err error) bool {
			// Malformed output is a model quality problem, not an outage;
			// it must not open the circuit.
			return err == nil || errors.Is(err, ErrMalformedInsight)
		},
	})

	return &LLMAnalyzer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		breaker: breaker,
	}
}

// ModelVersion identifies the generation model for cache fingerprinting.
func (a *LLMAnalyzer) ModelVersion() string {
	return a.cfg.Model
}

// Analyze annotates a transcript. Transport and quota failures map to
// transient errors; responses that are not a valid insight map to
// ErrMalformedInsight.
func (a *LLMAnalyzer) Analyze(ctx context.Context, transcript []events.Utterance) (*models.Insight, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eventbus.NewRetryableError("analyzer rate limit wait", err)
	}

	insight, err := a.breaker.Execute(func() (*models.Insight, error) {
		return a.generate(ctx, transcript)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = eventbus.NewRetryableError("analyzer circuit open", err)
	}

	metrics.RecordCollaboratorCall("analyzer", time.Since(start), err, eventbus.IsRetryableError(err))
	return insight, err
}

type generateRequest struct {
	SystemInstruction string  `json:"system_instruction"`
	Prompt            string  `json:"prompt"`
	ResponseMimeType  string  `json:"response_mime_type"`
	Temperature       float64 `json:"temperature"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (a *LLMAnalyzer) generate(ctx context.Context, transcript []events.Utterance) (*models.Insight, error) {
	payload, err := json.Marshal(generateRequest{
		SystemInstruction: analyzerSystemPrompt,
		Prompt:            renderTranscript(transcript),
		ResponseMimeType:  "application/json",
		Temperature:       0.2,
	})
	if err != nil {
		return nil, eventbus.NewPermanentError("marshal analyzer request", err)
	}

	url := fmt.Sprintf("%s/models/%s:generate", a.cfg.BaseURL, a.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, eventbus.NewPermanentError("build analyzer request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport("analyzer", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus("analyzer", resp.StatusCode, string(body))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, eventbus.NewRetryableError("decode analyzer response", err)
	}

	return ParseInsight([]byte(gr.Text))
}

// ParseInsight decodes and validates model output. Any shape or content
// problem maps to ErrMalformedInsight so callers can apply the
// retry-once policy uniformly.
func ParseInsight(data []byte) (*models.Insight, error) {
	var insight models.Insight
	if err := json.Unmarshal(bytes.TrimSpace(data), &insight); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInsight, err)
	}
	if err := insightValidator().Struct(&insight); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInsight, err)
	}
	if len(insight.Segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMalformedInsight)
	}
	return &insight, nil
}

// renderTranscript lays the transcript out as speaker-prefixed lines,
// the same shape the cache fingerprint hashes.
func renderTranscript(transcript []events.Utterance) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	for _, u := range transcript {
		b.WriteString(u.Speaker)
		b.WriteString(": ")
		b.WriteString(u.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

var (
	insightValidatorOnce sync.Once
	insightValidatorInst *validator.Validate
)

func insightValidator() *validator.Validate {
	insightValidatorOnce.Do(func() {
		insightValidatorInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return insightValidatorInst
}
