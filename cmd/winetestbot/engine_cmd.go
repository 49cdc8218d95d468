package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fgouget/wine-tools-sub001/internal/engine"
	"github.com/fgouget/wine-tools-sub001/internal/events"
	"github.com/fgouget/wine-tools-sub001/internal/fleet"
	"github.com/fgouget/wine-tools-sub001/internal/metrics"
	"github.com/fgouget/wine-tools-sub001/internal/notify"
	"github.com/fgouget/wine-tools-sub001/internal/procsup"
	"github.com/fgouget/wine-tools-sub001/internal/trigger"
	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the long-running dispatcher that owns every VM and drains Jobs (ED)",
	RunE:  runEngine,
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	metrics.SetVersion(Version)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	binary, err := os.Executable()
	if err != nil {
		return environmentError(err)
	}
	spawner := procsup.NewSpawner(binary)

	eng := engine.New(s, cfg, broker, spawner, binary)
	nt := notify.New(s, cfg, broker)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			wtlog.WithComponent("engine").Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer srv.Close()

	stagingDir := filepath.Join(cfg.DataDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return environmentError(err)
	}
	sw := &trigger.StagingWatcher{Broker: broker}

	errCh := make(chan error, 4)
	total := 3
	go func() { errCh <- eng.Run(ctx) }()
	go func() { errCh <- nt.Run(ctx) }()
	go func() { errCh <- sw.Watch(ctx, stagingDir) }()

	if cfg.FleetFile != "" {
		def, ferr := fleet.Load(cfg.FleetFile)
		if ferr != nil {
			return environmentError(ferr)
		}
		if ferr := fleet.Reconcile(s, def); ferr != nil {
			return environmentError(ferr)
		}
		total++
		go func() { errCh <- fleet.Watch(ctx, s, cfg.FleetFile) }()
	}

	err = <-errCh
	cancel()
	for i := 0; i < total-1; i++ {
		<-errCh
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
