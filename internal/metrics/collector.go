package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proposalhub/apibridge/internal/bridge"
)

// Sink turns facade analytics events into Prometheus metrics.
type Sink struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheHitCounter   *prometheus.CounterVec
	sharedCounter     *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	eventCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	resources *resourceCollector
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	// Runtime adds the Go runtime and process collectors to the registry.
	Runtime bool `yaml:"runtime"`
}

// DefaultConfig returns the metrics configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "apibridge",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks one resource operation.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	CacheHits     int64         `json:"cache_hits"`
	Shared        int64         `json:"shared"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
	LastCode      string        `json:"last_code,omitempty"`
}

// NewSink creates a metrics sink with its own registry.
func NewSink(config *Config) (*Sink, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Sink{config: config}, nil
	}

	sink := &Sink{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	sink.initMetrics()

	if err := sink.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return sink, nil
}

// Enabled reports whether events are recorded.
func (s *Sink) Enabled() bool {
	return s.config.Enabled
}

// Registry returns the Prometheus registry, nil when disabled.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	if !s.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Notify implements bridge.AnalyticsSink.
func (s *Sink) Notify(event string, payload map[string]any, priority bridge.Priority) {
	if !s.config.Enabled {
		return
	}

	s.eventCounter.With(prometheus.Labels{
		"event":    event,
		"priority": priority.String(),
	}).Inc()

	if event != bridge.EventOperation {
		return
	}

	resource := stringField(payload, bridge.FieldResource)
	operation := stringField(payload, bridge.FieldOperation)
	success := boolField(payload, bridge.FieldSuccess)
	cached := boolField(payload, bridge.FieldCached)
	shared := boolField(payload, bridge.FieldShared)
	code := stringField(payload, bridge.FieldCode)
	duration := time.Duration(floatField(payload, bridge.FieldDurationMs) * float64(time.Millisecond))

	s.RecordOperation(resource, operation, duration, success)

	if cached {
		s.cacheHitCounter.With(prometheus.Labels{
			"resource":  resource,
			"operation": operation,
		}).Inc()
	}
	if shared {
		s.sharedCounter.With(prometheus.Labels{
			"resource":  resource,
			"operation": operation,
		}).Inc()
	}
	if !success {
		if code == "" {
			code = "UNKNOWN_ERROR"
		}
		s.errorCounter.With(prometheus.Labels{
			"resource":  resource,
			"operation": operation,
			"code":      code,
			"retryable": fmt.Sprint(boolField(payload, bridge.FieldRetryable)),
		}).Inc()
	}

	s.mu.Lock()
	if m, ok := s.operations[operationKey(resource, operation)]; ok {
		if cached {
			m.CacheHits++
		}
		if shared {
			m.Shared++
		}
		m.LastCode = code
	}
	s.mu.Unlock()
}

// RecordOperation records one completed operation.
func (s *Sink) RecordOperation(resource, operation string, duration time.Duration, success bool) {
	if !s.config.Enabled {
		return
	}

	s.mu.Lock()
	key := operationKey(resource, operation)
	m, exists := s.operations[key]
	if !exists {
		m = &OperationMetrics{}
		s.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	s.mu.Unlock()

	s.operationCounter.With(prometheus.Labels{
		"resource":  resource,
		"operation": operation,
		"status":    map[bool]string{true: "success", false: "error"}[success],
	}).Inc()
	s.operationDuration.With(prometheus.Labels{
		"resource":  resource,
		"operation": operation,
	}).Observe(duration.Seconds())
}

// Watch exports live cache and coordinator gauges for a resource. Watching
// the same resource again replaces the previous source.
func (s *Sink) Watch(resource string, stats func() bridge.Stats) {
	if !s.config.Enabled || stats == nil {
		return
	}
	s.resources.watch(resource, stats)
}

// Unwatch stops exporting gauges for a resource.
func (s *Sink) Unwatch(resource string) {
	if !s.config.Enabled {
		return
	}
	s.resources.unwatch(resource)
}

// Snapshot returns a copy of the per-operation tracking, keyed by
// "resource:operation".
func (s *Sink) Snapshot() map[string]OperationMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(s.operations))
	for k, v := range s.operations {
		out[k] = *v
	}
	return out
}

// Uptime returns the time since the last reset.
func (s *Sink) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastReset)
}

// ResetMetrics resets the internal tracking. Prometheus counters keep
// counting.
func (s *Sink) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.operations = make(map[string]*OperationMetrics)
	s.lastReset = time.Now()
}

// Helper methods

func (s *Sink) initMetrics() {
	s.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   s.config.Namespace,
			Subsystem:   s.config.Subsystem,
			Name:        "operations_total",
			Help:        "Total number of completed bridge operations",
			ConstLabels: s.config.Labels,
		},
		[]string{"resource", "operation", "status"},
	)

	s.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   s.config.Namespace,
			Subsystem:   s.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of bridge operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			ConstLabels: s.config.Labels,
		},
		[]string{"resource", "operation"},
	)

	s.cacheHitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   s.config.Namespace,
			Subsystem:   s.config.Subsystem,
			Name:        "cache_hits_total",
			Help:        "Operations answered from the cache",
			ConstLabels: s.config.Labels,
		},
		[]string{"resource", "operation"},
	)

	s.sharedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   s.config.Namespace,
			Subsystem:   s.config.Subsystem,
			Name:        "coalesced_total",
			Help:        "Operations whose outcome was shared with concurrent callers",
			ConstLabels: s.config.Labels,
		},
		[]string{"resource", "operation"},
	)

	s.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   s.config.Namespace,
			Subsystem:   s.config.Subsystem,
			Name:        "errors_total",
			Help:        "Failed bridge operations by error code",
			ConstLabels: s.config.Labels,
		},
		[]string{"resource", "operation", "code", "retryable"},
	)

	s.eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   s.config.Namespace,
			Subsystem:   s.config.Subsystem,
			Name:        "analytics_events_total",
			Help:        "Analytics events received",
			ConstLabels: s.config.Labels,
		},
		[]string{"event", "priority"},
	)

	s.resources = newResourceCollector(s.config)
}

func (s *Sink) registerMetrics() error {
	metrics := []prometheus.Collector{
		s.operationCounter,
		s.operationDuration,
		s.cacheHitCounter,
		s.sharedCounter,
		s.errorCounter,
		s.eventCounter,
		s.resources,
	}
	if s.config.Runtime {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, metric := range metrics {
		if err := s.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func operationKey(resource, operation string) string {
	return resource + ":" + operation
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func boolField(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

func floatField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// resourceCollector exports per-resource cache and coordinator state at
// scrape time.
type resourceCollector struct {
	mu      sync.RWMutex
	sources map[string]func() bridge.Stats

	cacheEntries *prometheus.Desc
	cacheHitRate *prometheus.Desc
	evictions    *prometheus.Desc
	inFlight     *prometheus.Desc
}

func newResourceCollector(config *Config) *resourceCollector {
	name := func(n string) string {
		return prometheus.BuildFQName(config.Namespace, config.Subsystem, n)
	}
	labels := []string{"resource"}
	return &resourceCollector{
		sources:      make(map[string]func() bridge.Stats),
		cacheEntries: prometheus.NewDesc(name("cache_entries"), "Entries currently cached", labels, config.Labels),
		cacheHitRate: prometheus.NewDesc(name("cache_hit_ratio"), "Cache hit ratio since start", labels, config.Labels),
		evictions:    prometheus.NewDesc(name("cache_evictions"), "Entries evicted by the size bound", labels, config.Labels),
		inFlight:     prometheus.NewDesc(name("in_flight_requests"), "Coordinated calls currently running", labels, config.Labels),
	}
}

func (c *resourceCollector) watch(resource string, stats func() bridge.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[resource] = stats
}

func (c *resourceCollector) unwatch(resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, resource)
}

func (c *resourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntries
	ch <- c.cacheHitRate
	ch <- c.evictions
	ch <- c.inFlight
}

func (c *resourceCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make(map[string]func() bridge.Stats, len(c.sources))
	for name, fn := range c.sources {
		sources[name] = fn
	}
	c.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		stats := sources[name]()
		ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(stats.Cache.Entries), name)
		ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, stats.Cache.HitRate, name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Cache.Evictions), name)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(stats.Coordinator.InFlight), name)
	}
}
