// Package metrics holds the Prometheus collectors of the exchange client.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alapierre/ksef-exchange/ksef/api"
)

const namespace = "ksef"

// Metrics ma własny rejestr, więc kilka instancji (np. w testach) nie koliduje ze sobą.
type Metrics struct {
	Registry *prometheus.Registry

	fetches   *prometheus.CounterVec
	stages    *prometheus.HistogramVec
	polls     *prometheus.HistogramVec
	calls     *prometheus.CounterVec
	callTime  *prometheus.HistogramVec
	documents *prometheus.CounterVec
	imports   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "fetches_total", Help: "Invoice fetches by final state and failure reason."},
			[]string{"state", "reason"},
		),
		stages: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "stage_duration_seconds", Help: "Duration of fetch pipeline stages.", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}},
			[]string{"stage"},
		),
		polls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "poll_attempts", Help: "Status polls needed per auth or export job.", Buckets: []float64{1, 2, 3, 5, 10, 20, 40}},
			[]string{"kind"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "http_calls_total", Help: "KSeF API calls by operation and HTTP status."},
			[]string{"operation", "status"},
		),
		callTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "http_call_duration_seconds", Help: "KSeF API call latency.", Buckets: prometheus.DefBuckets},
			[]string{"operation"},
		),
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "documents_total", Help: "Package documents by parse outcome."},
			[]string{"outcome"},
		),
		imports: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "ledger_records_total", Help: "Parsed records offered to the ledger by outcome."},
			[]string{"outcome"},
		),
	}
	m.Registry.MustRegister(m.fetches, m.stages, m.polls, m.calls, m.callTime, m.documents, m.imports)
	m.Registry.MustRegister(collectors.NewGoCollector())
	return m
}

// ObserveCall implements api.Observer.
func (m *Metrics) ObserveCall(op api.OperationName, status int, took time.Duration, err error) {
	label := strconv.Itoa(status)
	if status == 0 {
		label = "error"
	}
	m.calls.WithLabelValues(string(op), label).Inc()
	m.callTime.WithLabelValues(string(op)).Observe(took.Seconds())
}

func (m *Metrics) FetchFinished(state, reason string) {
	m.fetches.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) StageFinished(stage string, took time.Duration) {
	m.stages.WithLabelValues(stage).Observe(took.Seconds())
}

// Polls rejestruje liczbę zapytań o status: kind to "auth" albo "export".
func (m *Metrics) Polls(kind string, n int) {
	m.polls.WithLabelValues(kind).Observe(float64(n))
}

func (m *Metrics) Documents(parsed, failed int) {
	m.documents.WithLabelValues("parsed").Add(float64(parsed))
	m.documents.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) LedgerImport(imported, skipped, failed int) {
	m.imports.WithLabelValues("imported").Add(float64(imported))
	m.imports.WithLabelValues("skipped").Add(float64(skipped))
	m.imports.WithLabelValues("failed").Add(float64(failed))
}

// WriteTextfile zapisuje metryki w formacie textfile collectora node_exportera.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
