/*
Package metrics exports bridge facade activity to Prometheus.

# Overview

Sink implements bridge.AnalyticsSink. Every completed facade operation is
turned into counters and a latency histogram labelled by resource and
operation, plus cache-hit, coalescing and error-code counters.

	sink, err := metrics.NewSink(&metrics.Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "apibridge",
	})
	if err != nil {
		log.Fatal(err)
	}

	facade, err := bridge.New[RFP]("rfps", transport, bridge.WithAnalytics(sink))

	mux.Handle("/metrics", sink.Handler())

# Live Gauges

Watch registers a stats source for a resource. Cache size, hit ratio,
evictions and coordinated calls in flight are read at scrape time:

	sink.Watch("rfps", facade.Stats)

# Exported Metrics

	<namespace>_operations_total{resource,operation,status}
	<namespace>_operation_duration_seconds{resource,operation}
	<namespace>_cache_hits_total{resource,operation}
	<namespace>_coalesced_total{resource,operation}
	<namespace>_errors_total{resource,operation,code,retryable}
	<namespace>_analytics_events_total{event,priority}
	<namespace>_cache_entries{resource}
	<namespace>_cache_hit_ratio{resource}
	<namespace>_cache_evictions{resource}
	<namespace>_in_flight_requests{resource}

A disabled Sink accepts every call and records nothing.
*/
package metrics
