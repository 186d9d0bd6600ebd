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
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
)

// FFmpegConfig holds the audio extraction settings.
type FFmpegConfig struct {
	// FFmpegPath is the ffmpeg binary. Default "ffmpeg".
	FFmpegPath string
	// FFprobePath is the ffprobe binary used to measure duration.
	// Default "ffprobe".
	FFprobePath string
	// Bitrate is the output audio bitrate. Default "128k".
	Bitrate string
	// Timeout bounds a single extraction. Default 10 minutes.
	Timeout time.Duration
}

// FFmpegExtractor extracts the audio track of a video by shelling out
// to ffmpeg. Output is mono mp3 at the configured bitrate, which is what
// the transcription vendor expects.
type FFmpegExtractor struct {
	cfg FFmpegConfig
}

// NewFFmpegExtractor applies defaults and returns an extractor.
func NewFFmpegExtractor(cfg FFmpegConfig) *FFmpegExtractor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "128k"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &FFmpegExtractor{cfg: cfg}
}

// Extract transcodes inputPath into an mp3 at outputPath and returns the
// audio duration in seconds. The output lands in a temp file first so a
// killed ffmpeg never leaves a truncated file at outputPath.
func (e *FFmpegExtractor) Extract(ctx context.Context, inputPath, outputPath string) (float64, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	tmp, err := os.CreateTemp(os.TempDir(), "extract-*.mp3")
	if err != nil {
		return 0, eventbus.NewRetryableError("create temp audio file", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := e.ffmpegArgs(inputPath, tmpPath)
	cmd := exec.CommandContext(ctx, e.cfg.FFmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		cerr := classifyFFmpegFailure(ctx, err, stderr.String())
		metrics.RecordCollaboratorCall("ffmpeg", time.Since(start), cerr, eventbus.IsRetryableError(cerr))
		return 0, cerr
	}

	duration, err := e.probeDuration(ctx, tmpPath)
	if err != nil {
		metrics.RecordCollaboratorCall("ffmpeg", time.Since(start), err, eventbus.IsRetryableError(err))
		return 0, err
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return 0, eventbus.NewRetryableError("move extracted audio", err)
	}

	metrics.RecordCollaboratorCall("ffmpeg", time.Since(start), nil, false)
	logging.Debug().
		Str("input", inputPath).
		Float64("duration_seconds", duration).
		Msg("audio extracted")
	return duration, nil
}

// ffmpegArgs builds the transcode invocation: drop video, encode mp3,
// overwrite the (temp) output, keep ffmpeg quiet except for real errors.
func (e *FFmpegExtractor) ffmpegArgs(inputPath, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", e.cfg.Bitrate,
		"-y",
		outputPath,
	}
}

func (e *FFmpegExtractor) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return 0, eventbus.NewRetryableError("probe audio duration", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, eventbus.NewPermanentError("unreadable ffprobe duration output", err)
	}
	return duration, nil
}

// corruptInputMarkers are ffmpeg stderr fragments that identify input the
// decoder can never make sense of. Retrying these wastes redeliveries.
var corruptInputMarkers = []string{
	"invalid data found when processing input",
	"moov atom not found",
	"does not contain any stream",
	"invalid argument",
	"no such file or directory",
}

func classifyFFmpegFailure(ctx context.Context, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return eventbus.NewRetryableError("ffmpeg timed out", err)
	}

	lower := strings.ToLower(stderr)
	for _, marker := range corruptInputMarkers {
		if strings.Contains(lower, marker) {
			return eventbus.NewPermanentError(
				fmt.Sprintf("ffmpeg rejected input: %s", firstLine(stderr)), err)
		}
	}

	return eventbus.NewRetryableError(
		fmt.Sprintf("ffmpeg failed: %s", firstLine(stderr)), err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
