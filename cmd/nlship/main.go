// Command nlship is the log-shipping agent binary: it wires the config
// loader, clock service, structured logger, metrics registry, transport
// sink and watcher engine together, then runs until interrupted (spec §5,
// §6). Grounded on the teacher's own supervisor/worker split
// (AddMainWorker/WorkerDone in producer/file.go's host), translated into a
// plain context.Context plus os/signal shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kdresser/nl2xlog/internal/clock"
	"github.com/kdresser/nl2xlog/internal/config"
	"github.com/kdresser/nl2xlog/internal/logging"
	"github.com/kdresser/nl2xlog/internal/metrics"
	"github.com/kdresser/nl2xlog/internal/transport"
	"github.com/kdresser/nl2xlog/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nlship:", err)
		os.Exit(1)
	}
}

func run() error {
	iniPath := os.Getenv("NLSHIP_INI")
	cfg, err := config.Load(os.Args[1:], iniPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logging.New(cfg.LogLevel)

	clk, err := clock.New(cfg.Zone)
	if err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	log.WithField("zone", clk.Location().String()).Info("clock zone configured")

	reg := prometheus.NewRegistry()
	mstore := metrics.New("nlship", reg)

	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer closeSink()

	w, err := watcher.New(cfg, clk, sink, log, mstore)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if metricsAddr := os.Getenv("NLSHIP_METRICS_ADDR"); metricsAddr != "" {
		startMetricsServer(ctx, log, metricsAddr, reg)
	}

	var wg sync.WaitGroup
	var reportStop chan struct{}
	if cfg.ReportPath != "" {
		reportStop = startReporter(cfg.ReportPath, mstore, &wg)
	}

	log.WithField("watch", cfg.Watch).Info("nlship starting")
	runErr := w.Run(ctx)

	if reportStop != nil {
		close(reportStop)
	}
	wg.Wait()

	log.Info("nlship stopped")
	return runErr
}

// buildSink picks the TCP or file sink per spec §6's xfile rule: "host:port"
// (IPv4 quad plus port) dials TCP, anything else is a file path.
func buildSink(cfg config.Config) (transport.Sink, func(), error) {
	if config.IsTCPTarget(cfg.XFile) {
		sink, err := transport.DialTCP(cfg.XFile, cfg.TxRate, 4096)
		if err != nil {
			return nil, func() {}, err
		}
		return sink, func() { sink.Close() }, nil
	}
	sink, err := transport.NewFileSink(cfg.XFile)
	if err != nil {
		return nil, func() {}, err
	}
	return sink, func() { sink.Close() }, nil
}

// startMetricsServer exposes the Prometheus registry over HTTP until ctx is
// canceled. Grounded on the wider pack's habit of pairing
// prometheus/client_golang with promhttp.Handler (etalazz-vsa,
// runZeroInc-sockstats).
func startMetricsServer(ctx context.Context, log logrus.FieldLogger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server exited")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// startReporter periodically writes a JSON metrics snapshot to path (spec
// §6 "rpt": "optional path for an operator-visible report file").
func startReporter(path string, mstore *metrics.Store, wg *sync.WaitGroup) chan struct{} {
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeReport(path, mstore)
			case <-stop:
				writeReport(path, mstore)
				return
			}
		}
	}()
	return stop
}

func writeReport(path string, mstore *metrics.Store) {
	data, err := json.MarshalIndent(mstore.Snapshot(), "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}
