package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aptforge"

// Metrics holds Prometheus metrics for aptforge. All helper methods are safe
// to call on a nil *Metrics, which is how components run with metrics off.
type Metrics struct {
	// Embedding provider metrics
	EmbeddingRequests *prometheus.CounterVec
	EmbeddingDuration prometheus.Histogram
	EmbeddingCache    *prometheus.CounterVec

	// Corpus metrics
	CorpusEntries  *prometheus.GaugeVec
	CorpusWarnings *prometheus.CounterVec

	// Matching and attribution metrics
	CandidatesSkipped *prometheus.CounterVec
	TechniqueMatches  *prometheus.CounterVec
	GroupAttributions *prometheus.CounterVec

	// Pipeline metrics
	StageDuration  *prometheus.HistogramVec
	PipelineRuns   *prometheus.CounterVec
	ReportsWritten *prometheus.CounterVec

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// NewMetrics registers the aptforge metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,
		EmbeddingRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_requests_total",
				Help:      "Embedding provider requests by outcome",
			},
			[]string{"status"},
		),
		EmbeddingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "embedding_duration_seconds",
				Help:      "Embedding provider request duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
		EmbeddingCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_total",
				Help:      "Embedding cache lookups by backend and result",
			},
			[]string{"backend", "result"},
		),
		CorpusEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "corpus_entries",
				Help:      "Entries loaded per corpus",
			},
			[]string{"corpus"},
		),
		CorpusWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corpus_warnings_total",
				Help:      "Corpus entries skipped at load",
			},
			[]string{"corpus"},
		),
		CandidatesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_skipped_total",
				Help:      "Extracted candidates skipped as malformed",
			},
			[]string{"reason"},
		),
		TechniqueMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "technique_matches_total",
				Help:      "Techniques returned by the similarity matcher",
			},
			[]string{"technique"},
		),
		GroupAttributions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "group_attributions_total",
				Help:      "Threat groups returned by the attribution engine",
			},
			[]string{"group"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"stage"},
		),
		PipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Analysis runs by outcome",
			},
			[]string{"status"},
		),
		ReportsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_written_total",
				Help:      "Report records written per sink",
			},
			[]string{"sink", "status"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// EmbeddingRequest records one provider call.
func (m *Metrics) EmbeddingRequest(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.EmbeddingRequests.WithLabelValues(status).Inc()
	m.EmbeddingDuration.Observe(d.Seconds())
}

// CacheResult records an embedding cache hit, miss or error.
func (m *Metrics) CacheResult(backend, result string) {
	if m == nil {
		return
	}
	m.EmbeddingCache.WithLabelValues(backend, result).Inc()
}

// SetCorpusSize records how many entries a corpus holds.
func (m *Metrics) SetCorpusSize(corpus string, n int) {
	if m == nil {
		return
	}
	m.CorpusEntries.WithLabelValues(corpus).Set(float64(n))
}

// CorpusWarning records a skipped corpus entry.
func (m *Metrics) CorpusWarning(corpus string) {
	if m == nil {
		return
	}
	m.CorpusWarnings.WithLabelValues(corpus).Inc()
}

// CandidateSkipped records a malformed candidate.
func (m *Metrics) CandidateSkipped(reason string) {
	if m == nil {
		return
	}
	m.CandidatesSkipped.WithLabelValues(reason).Inc()
}

// TechniqueMatched records a technique in a matcher result.
func (m *Metrics) TechniqueMatched(id string) {
	if m == nil {
		return
	}
	m.TechniqueMatches.WithLabelValues(id).Inc()
}

// GroupAttributed records a group in an attribution result.
func (m *Metrics) GroupAttributed(id string) {
	if m == nil {
		return
	}
	m.GroupAttributions.WithLabelValues(id).Inc()
}

// StageCompleted records the duration of a pipeline stage.
func (m *Metrics) StageCompleted(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// PipelineRun records the outcome of an analysis run.
func (m *Metrics) PipelineRun(status string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(status).Inc()
}

// ReportWritten records a report write to a sink.
func (m *Metrics) ReportWritten(sink, status string) {
	if m == nil {
		return
	}
	m.ReportsWritten.WithLabelValues(sink, status).Inc()
}

// HTTPRequest records an API request.
func (m *Metrics) HTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// SinkStats is a point-in-time snapshot of a report sink's delivery counters.
type SinkStats struct {
	Sent       int64
	Failed     int64
	Bytes      int64
	LastSendAt time.Time
}

// RegisterSinkStats exports the counters reported by fn, labelled with the
// sink name. fn is called on every scrape.
func (m *Metrics) RegisterSinkStats(sink string, fn func() SinkStats) error {
	if m == nil || m.registerer == nil {
		return nil
	}
	return m.registerer.Register(newSinkCollector(sink, fn))
}

type sinkCollector struct {
	stats    func() SinkStats
	sent     *prometheus.Desc
	failed   *prometheus.Desc
	bytes    *prometheus.Desc
	lastSend *prometheus.Desc
}

func newSinkCollector(sink string, fn func() SinkStats) *sinkCollector {
	labels := prometheus.Labels{"sink": sink}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "sink", name), help, nil, labels)
	}
	return &sinkCollector{
		stats:    fn,
		sent:     desc("events_sent_total", "Reports delivered by the sink"),
		failed:   desc("events_failed_total", "Reports the sink failed to deliver"),
		bytes:    desc("bytes_sent_total", "Payload bytes delivered by the sink"),
		lastSend: desc("last_send_timestamp_seconds", "Unix time of the last successful delivery"),
	}
}

func (c *sinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.failed
	ch <- c.bytes
	ch <- c.lastSend
}

func (c *sinkCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.Sent))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.Bytes))

	var last float64
	if !s.LastSendAt.IsZero() {
		last = float64(s.LastSendAt.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(c.lastSend, prometheus.GaugeValue, last)
}
