package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/capturer"
	"github.com/web3tea/activity-sentinel/config"
	"github.com/web3tea/activity-sentinel/delivery"
	"github.com/web3tea/activity-sentinel/guard"
	"github.com/web3tea/activity-sentinel/metrics"
	"github.com/web3tea/activity-sentinel/pkg/ids"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
	"github.com/web3tea/activity-sentinel/pkg/log"
	"github.com/web3tea/activity-sentinel/processor"
	"github.com/web3tea/activity-sentinel/registry"
	"github.com/web3tea/activity-sentinel/sentinel"
	"github.com/web3tea/activity-sentinel/sink"
	"github.com/web3tea/activity-sentinel/store"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the activity worker",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:  "full",
			Usage: "actually start the worker; without it the command exits immediately",
		},
		&cli.StringFlag{
			Name:  "sink",
			Usage: "override the configured sink (websocket or console)",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		if !c.Bool("full") {
			log.Infof("Run mode not enabled, pass --full to start the worker")
			return nil
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		reg, err := registry.New(cfg.Schema.RegistrySchema())
		if err != nil {
			return fmt.Errorf("failed to build table registry: %w", err)
		}
		hierarchy := cfg.Schema.Hierarchy()

		probe := guard.StatfsProbe{}
		walLimit, err := guard.CheckStartup(cfg.Guard.StartupConfig(), probe, cfg.Guard.DiskPath)
		if err != nil {
			return err
		}
		guardCfg := cfg.Guard.GuardConfig(cfg.Replication.Slot)
		if guardCfg.Thresholds.WALShutdownBytes == 0 {
			guardCfg.Thresholds.WALShutdownBytes = walLimit
		}
		log.Info().Str("limit", humanize.IBytes(uint64(walLimit))).Msg("derived WAL retention limit")

		pg, err := setupStore(ctx, cfg, walLimit)
		if err != nil {
			return err
		}
		defer pg.Close()

		m := metrics.New(prometheus.DefaultRegisterer)
		if err := m.Register(); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}

		state := sentinel.NewState()
		snk, err := setupSink(cfg, state)
		if err != nil {
			return err
		}

		capt := capturer.NewPostgresCapturer(cfg.CapturerConfig(reg.Tables()), log.New("capturer"))
		proc := processor.NewProcessorChain(pg, hierarchy, cfg.Retry.Policy(), log.New("processor"))

		var s *sentinel.Sentinel
		g := guard.New(guardCfg, pg, probe, state,
			func(status guard.ResourceStatus) { s.OnEmergency(status) },
			log.New("guard"),
			guard.WithStatusHook(func(status guard.ResourceStatus) {
				m.SetResources(status.WALBytes, status.FreeDiskBytes)
			}))

		s = sentinel.NewSentinel(capt, activity.NewRouter(reg, hierarchy), proc, pg, snk, state,
			sentinel.WithLogger(log.New("sentinel")),
			sentinel.WithMetrics(m),
			sentinel.WithGuard(g),
			sentinel.WithSubscriptionRetryDelay(cfg.Replication.SubscriptionRetryDelay.Std()),
		)

		if cfg.Metrics.Listen != "" {
			srv := serveMetrics(cfg.Metrics.Listen, s)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sentinel: %w", err)
		}
		log.Infof("Sentinel started, tracking %d tables", reg.Len())

		select {
		case sig := <-sigChan:
			log.Infof("Received signal: %s", sig.String())
			if err := s.Stop(); err != nil {
				log.Errorf("Failed to stop sentinel cleanly: %v", err)
			}
			log.Infof("Sentinel stopped")
			return nil
		case status := <-s.Emergency():
			pg.Close()
			log.Fatalf("Emergency shutdown: %v", status.Warnings)
			return nil
		}
	},
}

func setupStore(ctx context.Context, cfg *config.Config, walLimit int64) (*store.Postgres, error) {
	connString, err := cfg.Database.PoolConnString()
	if err != nil {
		return nil, err
	}
	pg, err := store.Open(ctx, connString, log.New("store"))
	if err != nil {
		return nil, err
	}
	if cfg.Guard.ApplyWALKeepSize {
		if err := pg.SetMaxSlotWALKeepSize(ctx, walLimit); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return pg, nil
}

func setupSink(cfg *config.Config, listener delivery.Listener) (sink.Sink, error) {
	switch cfg.Sink {
	case config.SinkConsole:
		return sink.NewConsoleSink(listener), nil
	case config.SinkWebsocket:
		return delivery.New(cfg.Delivery.ChannelConfig(ids.NewInstanceID()), listener, log.New("delivery"))
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Sink)
	}
}

func serveMetrics(addr string, s *sentinel.Sentinel) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := s.Health()
		body, err := jsoncodec.Marshal(health)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if health.Status == sentinel.HealthUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	log.Infof("Serving metrics on %s", addr)
	return srv
}
