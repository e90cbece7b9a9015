// Package metrics exposes Prometheus counters for the upload pipeline and a
// standalone metrics HTTP server, kept off the API listener so scrapes never
// compete with uploads.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uploads_total",
		Help: "Uploads processed, by result (ok, deduplicated, rejected, failed).",
	}, []string{"result"})

	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downloads_total",
		Help: "Download requests, by result (ok, not_found, failed).",
	}, []string{"result"})

	BackendOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_operations_total",
		Help: "Backend operations, by backend name, operation and result.",
	}, []string{"backend", "op", "result"})

	BackendHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_healthy",
		Help: "Last health probe result per backend (1 healthy, 0 unhealthy).",
	}, []string{"backend"})

	LedgerSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_sync_total",
		Help: "Ledger sync attempts, by result (confirmed, retried, dropped).",
	}, []string{"result"})

	UploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upload_size_bytes",
		Help:    "Distribution of uploaded file sizes before transforms.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dedup_hits_total",
		Help: "Uploads short-circuited by an existing content hash.",
	})

	DedupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dedup_misses_total",
		Help: "Uploads whose content hash was not previously stored.",
	})

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_bytes_written_total",
		Help: "Bytes written to storage backends, by backend name.",
	}, []string{"backend"})
)

// MetricsServer serves the Prometheus registry on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server bound to addr.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
