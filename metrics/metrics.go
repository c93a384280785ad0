// Copyright 2025 The go-broadcast Authors
// This file is part of the go-broadcast library.
//
// The go-broadcast library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-broadcast library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-broadcast library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the engine's Prometheus collectors. Registration is
// on the default registry; consumers decide whether to serve it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts driver send attempts by transport and outcome.
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "sends_total",
		Help:      "Send attempts per transport and outcome.",
	}, []string{"transport", "outcome"})

	// InboundTotal counts inbound payloads per transport before dedup.
	InboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "inbound_total",
		Help:      "Inbound payloads per transport.",
	}, []string{"transport"})

	// DuplicateReceipts counts deduplicated arrivals per transport.
	DuplicateReceipts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "duplicate_receipts_total",
		Help:      "Arrivals deduplicated against an earlier transport.",
	}, []string{"transport"})

	// ReceiptLatency observes message-to-receipt latency per transport.
	// Negative samples from clock skew are clamped to zero here; the store
	// keeps them verbatim.
	ReceiptLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "receipt_latency_seconds",
		Help:      "Latency between a message timestamp and its receipt.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"transport"})

	// StoreRetries counts busy-database retries in the evidence store.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "store_busy_retries_total",
		Help:      "Evidence store mutations retried on a busy database.",
	})
)
