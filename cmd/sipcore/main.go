// Command sipcore is the process entry point: it loads configuration,
// wires the event bus, metrics and SessionManager together, and
// listens for incoming INVITEs (SPEC_FULL.md §2 component 9).
//
// No pack example carries a CLI framework that fits a single-binary
// daemon like this one, so flag parsing here stays on the standard
// library flag package rather than reaching for an unjustified
// dependency (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipsession/internal/config"
	"github.com/arzzra/sipsession/internal/logging"
	"github.com/arzzra/sipsession/pkg/eventbus"
	"github.com/arzzra/sipsession/pkg/metrics"
	"github.com/arzzra/sipsession/pkg/sipcore/session"
	"github.com/arzzra/sipsession/pkg/sipcore/sessionmanager"
	"github.com/arzzra/sipsession/pkg/sipcore/stream"
)

func main() {
	configPath := flag.String("config", "sipcore.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "sipcore:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics, registry, logger)
	}

	bus := eventbus.New(cfg.Session.EventBusPartitions, cfg.Session.ChannelCapacity)
	defer bus.Close()

	portManager, err := stream.NewPortManager(stream.PortRange{Min: cfg.PortMin, Max: cfg.PortMax})
	if err != nil {
		return fmt.Errorf("init port manager: %w", err)
	}
	factory := stream.NewFactory(portManager)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("sipcore"))
	if err != nil {
		return fmt.Errorf("init user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	sessionCfg := session.Config{
		ChannelCapacity:   cfg.Session.ChannelCapacity,
		DisconnectTimeout: cfg.Session.DisconnectTimeout,
		LocalAddress:      cfg.Listen,
	}
	manager := sessionmanager.New(cfg.Accounts, bus, client, srv, factory, logger, m, sessionCfg)
	manager.SetOnTerminated(func(s *session.Session) {
		logger.WithField("session_id", s.ID()).Info("session terminated")
	})

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		if _, err := manager.HandleInvite(req, tx); err != nil {
			logger.WithError(err).Warn("rejected incoming invite")
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.WithField("listen", cfg.Listen).Info("sipcore listening")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, "udp", cfg.Listen) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return fmt.Errorf("sip listener: %w", err)
	}
}

// serveMetrics runs the Prometheus HTTP exporter, grounded on
// firestige-Otus/internal/metrics/server.go's promhttp.HandlerFor wiring.
func serveMetrics(cfg config.MetricsConfig, registry *prometheus.Registry, logger logrus.FieldLogger) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("metrics server failed")
	}
}
