// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package collab

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mpreiss/clinsight/internal/eventbus"
)

func TestFFmpegArgs(t *testing.T) {
	e := NewFFmpegExtractor(FFmpegConfig{Bitrate: "96k"})

	args := e.ffmpegArgs("/in/video.mp4", "/out/audio.mp3")
	joined := strings.Join(args, " ")

	for _, want := range []string{"-i /in/video.mp4", "-vn", "-acodec libmp3lame", "-b:a 96k"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "/out/audio.mp3" {
		t.Errorf("output path not last arg: %v", args)
	}
}

func TestFFmpegDefaults(t *testing.T) {
	e := NewFFmpegExtractor(FFmpegConfig{})

	if e.cfg.FFmpegPath != "ffmpeg" || e.cfg.FFprobePath != "ffprobe" {
		t.Errorf("binary defaults = %q, %q", e.cfg.FFmpegPath, e.cfg.FFprobePath)
	}
	if e.cfg.Bitrate != "128k" {
		t.Errorf("bitrate default = %q", e.cfg.Bitrate)
	}
	if e.cfg.Timeout != 10*time.Minute {
		t.Errorf("timeout default = %v", e.cfg.Timeout)
	}
}

func TestClassifyFFmpegFailure(t *testing.T) {
	runErr := errors.New("exit status 1")

	tests := []struct {
		name          string
		stderr        string
		wantPermanent bool
	}{
		{"corrupt container", "file.mp4: Invalid data found when processing input", true},
		{"truncated mp4", "[mov,mp4,m4a] moov atom not found", true},
		{"no streams", "file.mp4 does not contain any stream", true},
		{"transient io", "av_interleaved_write_frame(): I/O error", false},
		{"empty stderr", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyFFmpegFailure(context.Background(), runErr, tt.stderr)
			if got := eventbus.IsPermanentError(err); got != tt.wantPermanent {
				t.Errorf("IsPermanentError() = %v, want %v (err=%v)", got, tt.wantPermanent, err)
			}
		})
	}
}

func TestClassifyFFmpegTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	// Killed by deadline even though the stderr mentions corrupt data:
	// the timeout wins, the input was never fully judged.
	err := classifyFFmpegFailure(ctx, errors.New("signal: killed"), "Invalid data found when processing input")
	if !eventbus.IsRetryableError(err) {
		t.Errorf("timeout classified as %v, want retryable", err)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo\nthree"); got != "one" {
		t.Errorf("firstLine() = %q", got)
	}
	if got := firstLine("  single  "); got != "single" {
		t.Errorf("firstLine() = %q", got)
	}
}
