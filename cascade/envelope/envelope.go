// envelope.go - Mix cascade envelope structure.
// Copyright (C) 2026  mixcascade authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package envelope implements the opaque unit of data routed through the
// mix cascade.
package envelope

import (
	"fmt"
	"time"
)

// NumStages is the number of mixing stages an envelope transits before it
// is sealed and eligible for delivery.
const NumStages = 3

// OutOfOrderStageError is returned by MarkProcessed when a stage attempts
// to record itself out of sequence.  This is always indicative of broken
// pipeline wiring and never of bad external input.
type OutOfOrderStageError struct {
	// Stage is the stage that attempted to mark the envelope.
	Stage int

	// Want is the stage that was expected to mark the envelope next.
	Want int
}

func (e *OutOfOrderStageError) Error() string {
	return fmt.Sprintf("envelope: out of order stage: got %d, want %d", e.Stage, e.Want)
}

// Envelope is the unit of data routed through the cascade.  The Payload and
// Destination are opaque to every mixing stage, and the cascade never reads,
// compares or mutates the Payload.
//
// Ownership of an Envelope transfers from stage to stage, at any instant
// exactly one stage (or the delivery sink) holds it, so no locking is
// required around the mutable routing metadata.
type Envelope struct {
	// ID uniquely identifies the envelope for the duration of its transit.
	ID string `cbor:"id"`

	// Payload is the opaque ciphertext being routed.
	Payload []byte `cbor:"payload"`

	// Destination is the routing token consumed by the delivery sink.
	Destination string `cbor:"destination"`

	// ProcessedBy records, in order, the stages that have flushed this
	// envelope.  It grows by exactly one entry per stage and never exceeds
	// NumStages entries.
	ProcessedBy []int `cbor:"processed_by"`

	// SubmittedAt is when the envelope entered the cascade.  Diagnostics
	// only, the stages never consult it.
	SubmittedAt time.Time `cbor:"submitted_at"`

	// Delay is the forwarding delay drawn for the current hop.
	Delay time.Duration `cbor:"delay"`
}

// New constructs an Envelope.  The payload is copied so later mutation by
// the submitter cannot alter the in-flight envelope.
func New(id string, payload []byte, destination string) *Envelope {
	return &Envelope{
		ID:          id,
		Payload:     append([]byte(nil), payload...),
		Destination: destination,
		ProcessedBy: make([]int, 0, NumStages),
		SubmittedAt: time.Now(),
	}
}

// MarkProcessed records that stage has flushed this envelope.  Stages are
// numbered from 1 and MUST mark the envelope strictly in cascade order, a
// violation returns an *OutOfOrderStageError.
func (e *Envelope) MarkProcessed(stage int) error {
	want := len(e.ProcessedBy) + 1
	if stage != want || stage > NumStages {
		return &OutOfOrderStageError{Stage: stage, Want: want}
	}
	e.ProcessedBy = append(e.ProcessedBy, stage)
	return nil
}

// IsSealed returns true iff the envelope has been flushed by every stage
// and is eligible for exactly-once delivery.
func (e *Envelope) IsSealed() bool {
	return len(e.ProcessedBy) == NumStages
}
