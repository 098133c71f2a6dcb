package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultReadHeaderTimeout = 10 * time.Second

// Exporter serves /metrics and /health for one Collector.
type Exporter struct {
	addr      string
	collector *Collector

	mu      sync.Mutex
	server  *http.Server
	started bool
}

func NewExporter(addr string, collector *Collector) *Exporter {
	return &Exporter{addr: addr, collector: collector}
}

func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.collector.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// Start listens on addr and serves in the background. The returned address is
// the bound one, which matters when addr used port 0.
func (e *Exporter) Start() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return e.addr, nil
	}
	if e.collector == nil {
		return "", errors.New("metrics exporter needs a collector")
	}

	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return "", err
	}
	e.server = &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	e.started = true
	e.addr = ln.Addr().String()
	go func() {
		_ = e.server.Serve(ln)
	}()

	return e.addr, nil
}

func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil || !e.started {
		return nil
	}
	e.started = false

	return e.server.Shutdown(ctx)
}
