//go:build !noprometheus
// +build !noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2026  mixcascade authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes cascade metrics via prometheus.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	envelopesSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixcascade_envelopes_submitted_total",
			Help: "Number of envelopes accepted by Submit",
		},
	)
	envelopesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixcascade_envelopes_delivered_total",
			Help: "Number of envelopes delivered to the sink",
		},
	)
	envelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixcascade_envelopes_dropped_total",
			Help: "Number of envelopes dropped in transit",
		},
		[]string{"stage"},
	)
	batchSizes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mixcascade_batch_size",
			Help:    "Flushed batch sizes",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
	transitTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mixcascade_transit_seconds",
			Help:    "Submit to delivery transit time",
			Buckets: prometheus.DefBuckets,
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mixcascade_queue_depth",
			Help: "Per stage pending plus in-flight envelope count",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(envelopesSubmitted)
	prometheus.MustRegister(envelopesDelivered)
	prometheus.MustRegister(envelopesDropped)
	prometheus.MustRegister(batchSizes)
	prometheus.MustRegister(transitTime)
	prometheus.MustRegister(queueDepth)
}

// StartPrometheusListener exposes the registered metrics via HTTP.
func StartPrometheusListener(address string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(address, nil)
}

// EnvelopeSubmitted increments the counter for accepted submissions.
func EnvelopeSubmitted() {
	envelopesSubmitted.Inc()
}

// EnvelopeDelivered increments the delivery counter and observes the
// envelope's total transit time.
func EnvelopeDelivered(transit time.Duration) {
	envelopesDelivered.Inc()
	transitTime.Observe(transit.Seconds())
}

// EnvelopeDropped increments the drop counter for the given stage.
func EnvelopeDropped(stage string) {
	envelopesDropped.With(prometheus.Labels{"stage": stage}).Inc()
}

// BatchSize observes the size of a flushed batch.
func BatchSize(size int) {
	batchSizes.Observe(float64(size))
}

// QueueDepth observes the depth of a stage's queue.
func QueueDepth(stage string, depth int) {
	queueDepth.With(prometheus.Labels{"stage": stage}).Set(float64(depth))
}
