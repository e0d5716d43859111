// Package metrics registers the process's prometheus counters and
// gauges and serves them over HTTP, mirroring the teacher's habit of
// keeping a small package-level registry (miner/worker.go registers
// its counters with metrics.NewRegisteredCounter at init time) except
// backed by github.com/prometheus/client_golang, the library actually
// named in the domain stack (§10.4, §11).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the named set of counters and gauges every subsystem
// increments. A single Registry is constructed at startup and passed
// down to the client, engine and sink packages; nil is a
// valid Registry and every method is a no-op on it, so metrics stay
// fully optional per ENABLE_METRICS (§10.4).
type Registry struct {
	RequestsTotal        prometheus.Counter
	FailedRequestsTotal  prometheus.Counter
	SlotsProcessedTotal  prometheus.Counter
	BlocksSkippedTotal   prometheus.Counter
	RecordsPublishedTotal *prometheus.CounterVec
	PublishFailuresTotal prometheus.Counter
	CurrentSlot          prometheus.Gauge
	TipSlot              prometheus.Gauge
}

// NewRegistry constructs and registers every metric against a fresh
// prometheus.Registry.
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Registry{
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "solana_etl_requests_total",
			Help: "Total RPC requests attempted, including retries.",
		}),
		FailedRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "solana_etl_failed_requests_total",
			Help: "Total RPC requests that did not receive a response.",
		}),
		SlotsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "solana_etl_slots_processed_total",
			Help: "Total slots successfully indexed.",
		}),
		BlocksSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "solana_etl_blocks_skipped_total",
			Help: "Total slots skipped because no block exists at that slot.",
		}),
		RecordsPublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "solana_etl_records_published_total",
			Help: "Total messages published, by record family (\"bundle\" for single-stream).",
		}, []string{"family"}),
		PublishFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "solana_etl_publish_failures_total",
			Help: "Total publish attempts that failed before succeeding.",
		}),
		CurrentSlot: factory.NewGauge(prometheus.GaugeOpts{
			Name: "solana_etl_current_slot",
			Help: "Most recently processed slot.",
		}),
		TipSlot: factory.NewGauge(prometheus.GaugeOpts{
			Name: "solana_etl_tip_slot",
			Help: "Most recently observed chain tip slot.",
		}),
	}
	return r, reg
}

func (r *Registry) incRequests() {
	if r == nil {
		return
	}
	r.RequestsTotal.Inc()
}

func (r *Registry) incFailedRequests() {
	if r == nil {
		return
	}
	r.FailedRequestsTotal.Inc()
}

// IncRequests increments the attempted-request counter. No-op on a
// nil Registry.
func (r *Registry) IncRequests() { r.incRequests() }

// IncFailedRequests increments the failed-request counter. No-op on a
// nil Registry.
func (r *Registry) IncFailedRequests() { r.incFailedRequests() }

// IncSlotsProcessed increments the processed-slot counter.
func (r *Registry) IncSlotsProcessed() {
	if r == nil {
		return
	}
	r.SlotsProcessedTotal.Inc()
}

// IncBlocksSkipped increments the skipped-slot counter.
func (r *Registry) IncBlocksSkipped() {
	if r == nil {
		return
	}
	r.BlocksSkippedTotal.Inc()
}

// IncRecordsPublished adds n to the published-record counter for the
// given record family.
func (r *Registry) IncRecordsPublished(family string, n int) {
	if r == nil {
		return
	}
	r.RecordsPublishedTotal.WithLabelValues(family).Add(float64(n))
}

// IncPublishFailures increments the publish-failure counter.
func (r *Registry) IncPublishFailures() {
	if r == nil {
		return
	}
	r.PublishFailuresTotal.Inc()
}

// SetCurrentSlot records the most recently processed slot.
func (r *Registry) SetCurrentSlot(slot uint64) {
	if r == nil {
		return
	}
	r.CurrentSlot.Set(float64(slot))
}

// SetTipSlot records the most recently observed chain tip.
func (r *Registry) SetTipSlot(slot uint64) {
	if r == nil {
		return
	}
	r.TipSlot.Set(float64(slot))
}

// Serve starts an HTTP server exposing /metrics against reg, returning
// once ctx is canceled. Intended to run in its own goroutine from
// main when ENABLE_METRICS is set (§10.4).
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Welcome to ETL Metrics Server.")
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
