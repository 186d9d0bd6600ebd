// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package events

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Marshal encodes an envelope for the wire, validating the header
// first so malformed events are rejected at produce time.
func Marshal(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("validate envelope: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return data, nil
}

// Unmarshal decodes wire bytes into an envelope. Header validation is
// deferred to DecodePayload so the caller can distinguish transport
// errors from contract violations.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	e.EnsureSchemaVersion()

	return &e, nil
}
