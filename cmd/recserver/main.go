// Command recserver starts the recording-fleet coordinator: the HTTP
// control API, the Kafka-backed transport to remote recorder clients, the
// monitoring loop, and the job-history store's Postgres write-behind log.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/ecal-fleet/rec-coordinator/internal/adapter/ftpprovisioner"
	"github.com/ecal-fleet/rec-coordinator/internal/adapter/httpserver"
	"github.com/ecal-fleet/rec-coordinator/internal/adapter/observability"
	"github.com/ecal-fleet/rec-coordinator/internal/adapter/repo/postgres"
	"github.com/ecal-fleet/rec-coordinator/internal/adapter/transport/kafka"
	"github.com/ecal-fleet/rec-coordinator/internal/config"
	"github.com/ecal-fleet/rec-coordinator/internal/connection"
	"github.com/ecal-fleet/rec-coordinator/internal/connection/pingrate"
	"github.com/ecal-fleet/rec-coordinator/internal/coordinator"
	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/jobhistory"
	"github.com/ecal-fleet/rec-coordinator/internal/jobtemplate"
	"github.com/ecal-fleet/rec-coordinator/internal/monitor"
)

// disabledLocalRecorder backs the coordinator's own host when no built-in
// recorder is compiled in: every call reports "not initialized" rather than
// panicking, so a coordinator running with BuiltInRecorderEnabled=false
// still has a well-defined local connection.
type disabledLocalRecorder struct{}

func (disabledLocalRecorder) SetConfig(_ domain.Context, _ domain.RecorderSettings) (domain.ResponseStatus, error) {
	return domain.ResponseStatus{}, domain.ErrNotInitialized
}

func (disabledLocalRecorder) SetCommand(_ domain.Context, _ domain.RecorderCommand) (domain.ResponseStatus, error) {
	return domain.ResponseStatus{}, domain.ErrNotInitialized
}

func (disabledLocalRecorder) GetState(_ domain.Context) (domain.RecorderStatusReport, error) {
	return domain.RecorderStatusReport{}, domain.ErrNotInitialized
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: DB pool and the job-history write-behind repo.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	jobRepo := postgres.NewJobHistoryRepo(pool, logger)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	history := jobhistory.New(jobRepo, logger)

	// Infra: Kafka/Redpanda transport to the recorder fleet.
	tr, err := kafka.New(kafka.Config{
		Brokers:               cfg.KafkaBrokers,
		DiscoveryTopic:        cfg.DiscoveryTopic,
		MonitoringTopic:       cfg.MonitoringTopic,
		BroadcastTopic:        cfg.BroadcastTopic,
		RPCRequestTopicPrefix: cfg.RPCRequestTopicPrefix,
		RPCReplyTopic:         cfg.RPCReplyTopic,
		GroupID:               "rec-coordinator",
		RPCTimeout:            2 * time.Second,
	}, logger)
	if err != nil {
		slog.Error("kafka transport connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			slog.Error("failed to close kafka transport", slog.Any("error", err))
		}
	}()

	// Infra: Redis-backed ping rate limiter. RedisURL defaults to a localhost
	// URL, so a client is created unless the URL is empty; a nil client makes
	// the limiter a pass-through, and a Redis error lets the ping proceed.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
	}
	limiter := pingrate.New(rdb, map[string]pingrate.BucketConfig{}, logger)

	// Coordinator wiring: local (in-process) connection vs. remote
	// (Kafka RPC) connection, picked by comparing against LocalHost.
	coordCfg := coordinator.Config{
		LocalHost:              domain.HostName(cfg.LocalHost),
		BuiltInRecorderEnabled: cfg.BuiltInRecorderEnabled,
		JobTemplate: jobtemplate.Template{
			MeasRootDir:     "/recordings/{{.Time.Format \"20060102\"}}",
			MeasNamePattern: "meas_{{.Time.Format \"150405\"}}",
			Description:     "",
			MaxFileSizeMiB:  1024,
			OneFilePerTopic: false,
		},
	}

	initialBackoff, maxBackoff, multiplier := cfg.GetPingBackoffConfig()

	var coord *coordinator.Coordinator
	remoteFactory := func(host domain.HostName) domain.Connection {
		remoteCfg := connection.DefaultRemoteConnectionConfig()
		remoteCfg.PingInterval = cfg.PingInterval
		remoteCfg.RPCTimeout = 2 * time.Second
		remoteCfg.Limiter = limiter
		if eb, ok := remoteCfg.Backoff.(*backoff.ExponentialBackOff); ok {
			eb.InitialInterval = initialBackoff
			eb.MaxInterval = maxBackoff
			eb.Multiplier = multiplier
			eb.Reset()
		}
		limiter.SetBucketConfig(string(host), pingrate.NewBucketConfigFromPerSecond(cfg.PingRateLimitPerSecond))
		return connection.NewRemoteConnection(host, tr, remoteCfg,
			func(h domain.HostName, report domain.RecorderStatusReport) {
				if err := history.UpdateFromClientStatus(ctx, h, report); err != nil {
					observability.RecordJobHistoryPersistFailure()
					logger.Error("job history update failed", slog.Any("error", err))
				}
			},
			func(jobID int64, h domain.HostName, resp domain.ResponseStatus) {
				if err := history.UpdateFromCommandResponse(ctx, jobID, h, resp); err != nil {
					observability.RecordJobHistoryPersistFailure()
					logger.Error("job history update failed", slog.Any("error", err))
				}
			}, logger)
	}
	localFactory := func(host domain.HostName) domain.Connection {
		return connection.NewLocalConnection(host, disabledLocalRecorder{},
			func(h domain.HostName, report domain.RecorderStatusReport) {
				if err := history.UpdateFromClientStatus(ctx, h, report); err != nil {
					observability.RecordJobHistoryPersistFailure()
				}
			},
			func(jobID int64, h domain.HostName, resp domain.ResponseStatus) {
				if err := history.UpdateFromCommandResponse(ctx, jobID, h, resp); err != nil {
					observability.RecordJobHistoryPersistFailure()
				}
			}, logger)
	}

	coord = coordinator.New(coordCfg, localFactory, remoteFactory, coordinator.NewCounterIDGenerator(0), history, logger)

	uploadProtocol := domain.UploadProtocolInternalFTP
	if cfg.UploadProtocol == domain.UploadProtocolExternalFTP.String() {
		uploadProtocol = domain.UploadProtocolExternalFTP
	}
	coord.SetUploadConfig(domain.UploadConfig{
		Protocol:          uploadProtocol,
		Host:              cfg.UploadHost,
		Port:              cfg.UploadPort,
		RootPath:          cfg.UploadRootPath,
		DeleteAfterUpload: cfg.UploadDeleteAfterUpload,
	})

	// Monitoring loop: the coordinator's connection-topology update hook
	// must run first, per the monitor's own tick contract, with the
	// Prometheus snapshot hook following.
	mon := monitor.New(tr, cfg.MonitorTickInterval, monitor.ClientUnitNames{"eCALRecClient": {}, "eCALRecGUI": {}}, nil, logger)
	mon.AddHook(coord.UpdateConnections)
	mon.AddHook(func(ctx domain.Context, running monitor.RunningClients) {
		hostsRunning := len(running)
		hostsConnected := 0
		for _, cl := range coord.Status(ctx).Clients {
			if cl.Alive {
				hostsConnected++
			}
		}
		observability.RecordMonitorSnapshot(hostsRunning, hostsConnected, len(mon.Topics()))
	})
	go mon.Run(ctx)
	defer mon.Stop()

	// HTTP control API.
	ftpProv := ftpprovisioner.New(os.Getenv("FTP_USER_STORE_PATH"), logger)
	srv := httpserver.NewServer(cfg, coord, ftpProv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
