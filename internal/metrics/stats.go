// Package metrics tracks aggregate throughput and cost statistics (spec
// §4.10, SPEC_FULL §3 "Stats cost estimation"), exposing them as
// Prometheus gauges/counters and, optionally, mirroring them into Redis
// for multi-process aggregation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// costPerThousandTokens holds a rough per-model price table, grounded on
// batched_openai.py's Stats.cost_estimate. Prices are in USD per 1000
// tokens and are intentionally approximate; they exist to give operators
// a ballpark, not an invoice.
var costPerThousandTokens = map[string]float64{
	"gpt-4":             0.03,
	"gpt-3.5-turbo":     0.0015,
	"text-davinci-003":  0.02,
}

// Stats accumulates counters for one scheduler instance's lifetime.
type Stats struct {
	mu            sync.Mutex
	tokens        int64
	requests      int64
	errors        int64
	retries       int64
	sumBatchSize  int64
	batchCount    int64

	tokensCounter   prometheus.Counter
	requestsCounter prometheus.Counter
	errorsCounter   prometheus.Counter
	retriesCounter  prometheus.Counter
	batchSizeHist   prometheus.Histogram
}

// NewStats registers this Stats' metrics on reg.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		tokensCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmrouter_tokens_total",
			Help: "Total tokens produced across all requests.",
		}),
		requestsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmrouter_requests_total",
			Help: "Total requests completed.",
		}),
		errorsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmrouter_errors_total",
			Help: "Total requests that ended in an unrecoverable error.",
		}),
		retriesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmrouter_retries_total",
			Help: "Total provider-call attempts retried, at connect time or as a mid-stream recovery.",
		}),
		batchSizeHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmrouter_batch_size",
			Help:    "Distribution of provider-call batch sizes.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
	}
	reg.MustRegister(s.tokensCounter, s.requestsCounter, s.errorsCounter, s.retriesCounter, s.batchSizeHist)
	return s
}

// RecordTokens adds n tokens to the running total.
func (s *Stats) RecordTokens(n int) {
	s.mu.Lock()
	s.tokens += int64(n)
	s.mu.Unlock()
	s.tokensCounter.Add(float64(n))
}

// RecordRequest marks one request complete.
func (s *Stats) RecordRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
	s.requestsCounter.Inc()
}

// RecordError marks one request as having ended in an unrecoverable error.
func (s *Stats) RecordError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
	s.errorsCounter.Inc()
}

// RecordRetry marks one retried provider-call attempt, whether a
// connect-time retry or a mid-stream recovery.
func (s *Stats) RecordRetry() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
	s.retriesCounter.Inc()
}

// RecordBatch records the size of one dispatched provider call.
func (s *Stats) RecordBatch(size int) {
	s.mu.Lock()
	s.sumBatchSize += int64(size)
	s.batchCount++
	s.mu.Unlock()
	s.batchSizeHist.Observe(float64(size))
}

// Snapshot is a point-in-time copy of the counters, used for mirroring
// to Redis.
type Snapshot struct {
	Tokens       int64
	Requests     int64
	Errors       int64
	Retries      int64
	AverageBatch float64
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.batchCount > 0 {
		avg = float64(s.sumBatchSize) / float64(s.batchCount)
	}
	return Snapshot{Tokens: s.tokens, Requests: s.requests, Errors: s.errors, Retries: s.retries, AverageBatch: avg}
}

// CostEstimate returns an approximate USD cost for n tokens of model,
// mirroring Stats.cost_estimate. Unknown models return 0.
func CostEstimate(model string, tokens int) float64 {
	price, ok := costPerThousandTokens[model]
	if !ok {
		return 0
	}
	return price * float64(tokens) / 1000.0
}
