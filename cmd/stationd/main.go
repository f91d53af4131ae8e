package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/adaptive-link/core"
	"github.com/signalsfoundry/adaptive-link/internal/config"
	"github.com/signalsfoundry/adaptive-link/internal/logging"
	"github.com/signalsfoundry/adaptive-link/internal/observability"
	"github.com/signalsfoundry/adaptive-link/negotiation"
	"github.com/signalsfoundry/adaptive-link/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/station.json", "path to the station profile JSON")
	simSeed := flag.Int64("sim-seed", 1, "seed for the simulated telemetry source")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *simSeed, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "station daemon exited", logging.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, simSeed int64, log logging.Logger) error {
	cfg, err := config.LoadStation(configPath)
	if err != nil {
		return err
	}
	log = log.With(logging.String("station_id", cfg.StationID))

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewLinkCollector(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	estimator := core.NewEstimator(cfg.EstimatorConfig())
	controller := core.NewController(cfg.ControllerConfig())
	controller.OnModeChange(collector.ObserveModeChange)
	controller.OnModeChange(func(change core.ModeChange) {
		log.Info(ctx, "mode changed",
			logging.String("from", change.From.String()),
			logging.String("to", change.To.String()),
			logging.String("reason", string(change.Reason)),
		)
	})

	transport, err := negotiation.NewUDPTransport(cfg.ListenAddr, cfg.PeerAddr, log)
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	defer transport.Close()

	engine := negotiation.NewEngine(cfg.EngineConfig(), transport, controller, log, collector)
	if cfg.AutoNegotiation {
		engine.SetAutoNegotiation(true, cfg.PeerID)
	}

	pump, err := telemetry.NewPump(
		telemetry.PumpConfig{
			Interval:      cfg.UpdatePeriod,
			FeedbackEvery: cfg.FeedbackEvery,
			PeerID:        cfg.PeerID,
		},
		telemetry.NewSimSource(simSeed),
		nil, // receive-only until a PTT integration keys the gate
		estimator,
		controller,
		engine,
		collector,
		log,
	)
	if err != nil {
		return err
	}

	log.Info(ctx, "station starting",
		logging.String("peer_id", cfg.PeerID),
		logging.String("listen_addr", cfg.ListenAddr),
		logging.String("initial_mode", controller.ModulationMode().String()),
		logging.Int("data_rate_bps", controller.DataRate()),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pump.Run(ctx) })

	inbound := transport.Receive(ctx)
	g.Go(func() error { return engine.Consume(ctx, inbound) })

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
