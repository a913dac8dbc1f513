// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	events            *prometheus.CounterVec
	jobFailures       *prometheus.CounterVec
	sendOutcomes      *prometheus.CounterVec
	sendAttempts      prometheus.Counter
	paginationLatency *prometheus.HistogramVec
	openWindows       prometheus.Gauge
	unreadDrift       prometheus.Counter
	expired           prometheus.Counter
	pendingTargets    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_events_total",
			Help: "Inbound events handled, by type and result",
		}, []string{"type", "result"}),
		jobFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_job_failures_total",
			Help: "Conversation jobs that returned an error or panicked",
		}, []string{"job"}),
		sendOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_send_outcomes_total",
			Help: "Final outcomes of outgoing message deliveries",
		}, []string{"outcome"}),
		sendAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "convsync_send_attempts_total",
			Help: "Transport send attempts",
		}),
		paginationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convsync_pagination_seconds",
			Help:    "Time taken to load a page into a conversation window",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		openWindows: f.NewGauge(prometheus.GaugeOpts{
			Name: "convsync_open_windows",
			Help: "Conversation windows currently open",
		}),
		unreadDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "convsync_unread_drift_total",
			Help: "Absolute unread counter drift corrected by reconciliation",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "convsync_expired_messages_total",
			Help: "Disappearing messages removed after their timer ran out",
		}),
		pendingTargets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "convsync_pending_targets",
			Help: "Recalls, quotes and reactions waiting for the message they refer to",
		}, []string{"kind"}),
	}
}
