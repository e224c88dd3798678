package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alimk/fieldwatch/pkg/broker"
	"github.com/alimk/fieldwatch/pkg/config"
	"github.com/alimk/fieldwatch/pkg/ingest"
	"github.com/alimk/fieldwatch/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the broker and ingest telemetry until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func pipelineOptions(c config.Config) ingest.Options {
	return ingest.Options{
		Topics: ingest.Topics{
			Environmental: c.Topics.Environmental,
			System:        c.Topics.System,
			Detection:     c.Topics.Detection,
			CPU:           c.Topics.CPU,
			RAM:           c.Topics.RAM,
			Storage:       c.Topics.Storage,
		},
		DedupWindow: c.Ingest.DedupWindow,
		MergeWindow: c.Ingest.MergeWindow,
	}
}

func brokerConfig(c config.Config) broker.Config {
	return broker.Config{
		BrokerURL:      c.MQTT.Broker,
		Username:       c.MQTT.Username,
		Password:       c.MQTT.Password,
		ClientID:       c.MQTT.ClientID,
		Topics:         c.Topics.All(),
		QoS:            c.MQTT.QoS,
		KeepAlive:      c.MQTT.KeepAlive,
		ConnectTimeout: c.MQTT.ConnectTimeout,
		BaseDelay:      c.MQTT.ReconnectBase,
		MaxDelay:       c.MQTT.ReconnectMax,
	}
}

// refreshStats updates the store gauges and storeUp.
func refreshStats(ctx context.Context, st store.Store) {
	if _, err := ingest.RefreshStoreGauges(ctx, st); err != nil {
		storeUp.Set(0)
		logger.Error("store stats refresh failed", "error", err)
		return
	}
	storeUp.Set(1)
}

func newScheduler(ctx context.Context, st store.Store, syncer *ingest.Synchronizer, c config.SyncConfig) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if _, err := s.NewJob(
		gocron.DurationJob(c.StatsInterval),
		gocron.NewTask(func() { refreshStats(ctx, st) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("schedule stats refresh: %w", err)
	}
	if c.ResyncInterval > 0 {
		if _, err := s.NewJob(
			gocron.DurationJob(c.ResyncInterval),
			gocron.NewTask(func() {
				if _, err := syncer.Resync(ctx, c.ResyncWindow); err != nil {
					logger.Error("scheduled pest count resync failed", "error", err)
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, fmt.Errorf("schedule resync: %w", err)
		}
	}
	return s, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger.Info("starting ingestor",
		"version", version,
		"broker", cfg.MQTT.Broker,
		"store_driver", cfg.Store.Driver,
		"addr", cfg.HTTP.Addr,
		"metrics_addr", cfg.HTTP.MetricsAddr,
		"workers", cfg.Ingest.Workers,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	refreshStats(ctx, st)

	pipe := ingest.NewPipeline(st, pipelineOptions(cfg), logger)

	// Workers keep the background context so the queue can drain after a
	// shutdown signal.
	queue := ingest.NewQueue(cfg.Ingest.QueueSize, cfg.Ingest.Workers, pipe.Process, logger)
	queue.Start(context.Background())

	mgr, err := broker.NewManager(brokerConfig(cfg), func(m broker.Message) {
		queue.Enqueue(ingest.Message{Topic: m.Topic, Payload: m.Payload})
	}, logger)
	if err != nil {
		return err
	}
	if err := mgr.Connect(ctx); err != nil {
		queue.Close(cfg.HTTP.ShutdownTimeout)
		return fmt.Errorf("initial broker connect: %w", err)
	}

	sched, err := newScheduler(ctx, st, pipe.Synchronizer(), cfg.Sync)
	if err != nil {
		mgr.Disconnect()
		queue.Close(cfg.HTTP.ShutdownTimeout)
		return err
	}
	sched.Start()

	srv := newOpsServer(cfg.HTTP.Addr, opsDeps{store: st, broker: mgr, queueLen: queue.Len})
	metricsSrv := newMetricsServer(cfg.HTTP.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(srv, "ops") })
	g.Go(func() error { return listen(metricsSrv, "metrics") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down ingestor gracefully")

		mgr.Disconnect()
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown failed", "error", err)
		}
		queue.Close(cfg.HTTP.ShutdownTimeout)

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		_ = metricsSrv.Shutdown(shutCtx)
		return nil
	})

	err = g.Wait()
	logger.Info("ingestor stopped")
	return err
}

func listen(srv *http.Server, name string) error {
	logger.Info("http server listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// nowUTC is the clock used by the maintenance commands.
func nowUTC() time.Time { return time.Now().UTC() }
