// Package metrics registers the Prometheus instrumentation SPEC_FULL.md
// §6 calls for: per-component counters and histograms in the
// promauto.New* style the teacher codebase uses throughout friggdb and
// tempodb, plus the default process/Go collectors. The vectors are
// package-level variables that conn.RequestHandler and chain.Client use
// directly; the storage package (internal/log) does not import this
// package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vonnegut"

var (
	// ProduceLatency observes the time from receiving a produce request
	// to replying to the client. On a head this spans the full chain
	// round trip, so it reflects end-to-end durability latency.
	ProduceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "produce",
		Name:      "latency_seconds",
		Help:      "Time to service a produce request, per partition result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})

	// ReplicateLatency observes a chain client's round-trip time to its
	// next hop for one replicate call.
	ReplicateLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "replicate",
		Name:      "round_trip_seconds",
		Help:      "Round-trip latency of a replicate call to the next hop.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"next_hop"})

	// FetchBytesServed counts bytes transferred by the fetch response
	// writer's file-range sends (zero-copy or pread+write fallback).
	FetchBytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "bytes_served_total",
		Help:      "Total log bytes served by fetch responses.",
	}, []string{"topic"})

	// WriteRepairTotal counts how many times a downstream replica
	// reported it was ahead of its upstream and returned a repair batch.
	WriteRepairTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replicate",
		Name:      "write_repair_total",
		Help:      "Count of write-repair responses received from a downstream replica.",
	}, []string{"topic"})
)
