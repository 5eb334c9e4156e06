//go:build noprometheus
// +build noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2026  mixcascade authors.
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import "time"

// StartPrometheusListener does nothing.
func StartPrometheusListener(address string) {}

// EnvelopeSubmitted does nothing.
func EnvelopeSubmitted() {}

// EnvelopeDelivered does nothing.
func EnvelopeDelivered(transit time.Duration) {}

// EnvelopeDropped does nothing.
func EnvelopeDropped(stage string) {}

// BatchSize does nothing.
func BatchSize(size int) {}

// QueueDepth does nothing.
func QueueDepth(stage string, depth int) {}
