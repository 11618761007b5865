// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// persistNodes counts persist recursion results per document
	persistNodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagraph_persist_nodes_total",
		Help: "Documents visited by persist, by kind and outcome",
	}, []string{"kind", "outcome"})

	// repairs counts repair passes per document
	repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagraph_repair_total",
		Help: "Documents visited by repair, by kind and whether they changed",
	}, []string{"kind", "changed"})

	// operationDuration tracks top-level operation latency
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metagraph_operation_duration_seconds",
		Help:    "Graph operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation", "kind"})

	// droppedRefs counts references dropped while synthesizing drafts
	droppedRefs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagraph_synthesis_dropped_refs_total",
		Help: "Child references dropped during draft synthesis",
	}, []string{"kind"})

	// httpRequests counts served requests by method and status
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagraph_http_requests_total",
		Help: "HTTP requests by method and status code",
	}, []string{"method", "status"})
)

// Persist outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeUnchanged = "unchanged"
	OutcomeLinked    = "linked"
)

func PersistNode(kind, outcome string) {
	persistNodes.WithLabelValues(kind, outcome).Inc()
}

func Repair(kind string, changed bool) {
	repairs.WithLabelValues(kind, strconv.FormatBool(changed)).Inc()
}

func DroppedRef(kind string) {
	droppedRefs.WithLabelValues(kind).Inc()
}

// ObserveOperation records the time since start under operation and kind.
func ObserveOperation(operation, kind string, start time.Time) {
	operationDuration.WithLabelValues(operation, kind).Observe(time.Since(start).Seconds())
}

func HTTPRequest(method string, status int) {
	httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
