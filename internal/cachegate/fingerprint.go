// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package cachegate provides a content-addressed cache in front of the
// analysis collaborator. Two transcripts that normalize to the same text,
// analyzed under the same model version, share a fingerprint and therefore
// a cached insight. The cache is advisory: a hit skips the collaborator
// call, a miss or a lost cache only costs latency, never correctness.
package cachegate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mpreiss/clinsight/internal/events"
)

// Fingerprint derives the cache key for a transcript under a given model
// version. The transcript is normalized to speaker-prefixed lines with
// collapsed whitespace so that formatting differences between otherwise
// identical transcripts do not defeat the cache. Timing information is
// deliberately excluded.
func Fingerprint(transcript []events.Utterance, modelVersion string) string {
	var b strings.Builder
	for _, u := range transcript {
		b.WriteString(strings.TrimSpace(u.Speaker))
		b.WriteString(": ")
		b.WriteString(strings.Join(strings.Fields(u.Text), " "))
		b.WriteByte('\n')
	}
	b.WriteString("model=")
	b.WriteString(modelVersion)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
