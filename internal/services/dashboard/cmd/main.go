package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/config"
	"github.com/LeonardoBeccarini/agriedge/internal/model"
	"github.com/LeonardoBeccarini/agriedge/internal/services/dashboard"
	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
	"github.com/LeonardoBeccarini/agriedge/internal/services/persistence"
	"github.com/LeonardoBeccarini/agriedge/internal/services/session"
	"github.com/LeonardoBeccarini/agriedge/pkg/dedup"
)

func main() {
	cfgPath := flag.String("c", "", "path to a YAML config file (environment variables override it)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// run returns only after its deferred cleanups have completed
	err = run(cfg, logger)
	if err != nil {
		logger.Error("agriedge stopped", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// === Storage ===
	store, err := persistence.Open(cfg.Storage.DataFile, cfg.Storage.RetentionRows, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := persistence.RegisterMetrics(reg, store); err != nil {
		return err
	}

	sched := cron.New()
	if _, err := persistence.ScheduleRetention(sched, cfg.Storage.RetentionSchedule, store, logger); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// === InfluxDB mirror (opzionale) ===
	var mirror ingestion.Mirror
	var ager dashboard.ErrorAger
	if cfg.Influx.Enabled() {
		m, err := persistence.NewInfluxMirror(persistence.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger)
		if err != nil {
			return err
		}
		go m.Run(ctx)
		mirror, ager = m, m
		logger.Info("influx mirror enabled", zap.String("url", cfg.Influx.URL), zap.String("bucket", cfg.Influx.Bucket))
	}

	// === Ingestion + session ===
	metrics, err := ingestion.NewMetrics(reg)
	if err != nil {
		return err
	}
	soil, stage := model.SoilType(cfg.Dashboard.SoilType), model.Stage(cfg.Dashboard.CropStage)
	ctrl := session.NewController(session.Config{
		Settings:           cfg.ConnectionSettings(),
		FreshnessThreshold: cfg.Dashboard.FreshnessThreshold,
		HistoryWindow:      cfg.Dashboard.HistoryWindow,
		SoilType:           soil,
		CropStage:          stage,
	}, store, func(rec ingestion.Recorder, onStatus ingestion.StatusFunc) session.Source {
		return ingestion.NewClient(ingestion.Options{
			Recorder:       rec,
			OnStatus:       onStatus,
			Logger:         logger,
			Metrics:        metrics,
			Dedup:          dedup.New(10*time.Minute, 20000),
			Mirror:         mirror,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ConnectRetries: cfg.MQTT.ConnectRetries,
			AutoReconnect:  cfg.MQTT.AutoReconnect,
			ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
		})
	}, logger)
	defer ctrl.StopMonitoring()

	// === HTTP ===
	srv := dashboard.NewServer(ctx, dashboard.Config{RefreshInterval: cfg.Dashboard.RefreshInterval},
		ctrl, store, ager, reg, logger)
	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Dashboard.HTTPPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		logger.Info("HTTP listening", zap.String("addr", hs.Addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	// === gRPC health ===
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Dashboard.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	gs, health := dashboard.NewGRPCServer()
	go dashboard.RunHealthUpdater(ctx, health, ctrl, cfg.Dashboard.RefreshInterval, logger)
	go func() {
		logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if cfg.Dashboard.AutoStart {
		if err := ctrl.StartMonitoring(); err != nil {
			logger.Warn("auto start failed", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = hs.Shutdown(shutdownCtx)
	gs.GracefulStop()
	return err
}
