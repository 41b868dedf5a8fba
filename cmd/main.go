package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vitals-monitor/internal/api"
	"vitals-monitor/internal/cache"
	"vitals-monitor/internal/config"
	"vitals-monitor/internal/database"
	"vitals-monitor/internal/handler"
	"vitals-monitor/internal/httpapi"
	"vitals-monitor/internal/logging"
	"vitals-monitor/internal/metrics"
	"vitals-monitor/internal/monitor"
	"vitals-monitor/internal/session"
)

func main() {
	cfg := config.LoadConfig()
	logger := logging.NewLogger(logging.Options{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: cfg.ServiceName,
		File:        cfg.LogFile,
		ToConsole:   cfg.LogToConsole,
	})
	defer logger.Sync() //nolint:errcheck

	logger.Info("Starting vitals monitor service...")
	logConfiguration(logger, cfg)

	if err := run(cfg, logger); err != nil {
		if errors.Is(err, session.ErrExpired) || errors.Is(err, session.ErrUnauthorized) {
			logger.Error("Session rejected, login required", zap.Error(err))
		} else {
			logger.Error("Service stopped with error", zap.Error(err))
		}
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
	logger.Info("All services closed. Exiting.")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()

	client := api.New(cfg.APIURL,
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithTimeout(cfg.APITimeout),
		api.WithRetry(cfg.APIRetryCount, 500*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := authenticate(ctx, cfg, client)
	if err != nil {
		return err
	}
	client.SetSession(sess)
	logger.Info("Session established",
		zap.String("user_id", sess.UserID()),
		zap.String("company_id", sess.CompanyID()),
		zap.Time("expires_at", sess.ExpiresAt()),
	)

	repo, err := database.NewRepository(cfg.DBPath, cfg.DBTimezone, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	processor, err := monitor.NewProcessor(sess, monitor.Options{
		StaleTimeout:   cfg.StaleTimeout,
		SuppressWindow: cfg.FallSuppressWindow,
		ChartCapacity:  cfg.ChartCapacity,
		ConfirmGForce:  cfg.ConfirmGForce,
		ZeroIsNoSignal: cfg.ZeroIsNoSignal,
		Location:       loadLocation(cfg.DBTimezone, logger),
	}, logger,
		monitor.WithTickInterval(cfg.TickInterval),
		monitor.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	var snapshots *cache.SnapshotPublisher
	if cfg.RedisEnabled {
		snapshots = cache.NewSnapshotPublisher(
			cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
			cfg.SnapshotPrefix, cfg.SnapshotTTL, logger)
		defer snapshots.Close()
		if err := snapshots.Ping(ctx); err != nil {
			logger.Warn("Redis not reachable, snapshots will retry", zap.Error(err))
		}
	}

	var watcherOpts []handler.WatcherOption
	watcherOpts = append(watcherOpts, handler.WithHistoryDays(cfg.HistoryDays))
	if snapshots != nil {
		watcherOpts = append(watcherOpts, handler.WithSnapshotCache(snapshots))
	}
	viewerID := uuid.NewString()
	watcher := handler.NewWatcher(client, processor, repo, viewerID, sess.CompanyID(), logger, watcherOpts...)

	stream, err := handler.NewStreamClient(cfg.StreamURL, sess, processor, logger,
		handler.WithNamespace(cfg.StreamNamespace),
		handler.WithReconnectBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
		handler.WithStreamMetrics(m),
	)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, closing consumers...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				logger.Error("Component failed", zap.String("component", name), zap.Error(err))
				fail(err)
			}
		}()
	}

	spawn("processor", func() error { return processor.Run(ctx) })
	spawn("stream", func() error { return stream.Run(ctx) })

	housekeeper := handler.NewHousekeeper(processor, repo, sinkOrNil(snapshots), cfg.HousekeepingInterval, logger)
	spawn("housekeeping", func() error {
		housekeeper.RunHousekeepingCycle(ctx)
		return nil
	})
	if snapshots != nil {
		spawn("snapshots", func() error {
			housekeeper.RunSnapshotPublisher(ctx, cfg.SnapshotInterval)
			return nil
		})
	}

	if cfg.MQTTEnabled {
		bridge := handler.NewMQTTBridge(ctx, cfg, processor, watcher, logger, m)
		mqttClient, err := handler.InitializeMQTT(cfg, cfg.MQTTClientID+"-"+viewerID[:8], bridge)
		if err != nil {
			logger.Error("Failed to initialize MQTT client", zap.Error(err))
		} else {
			spawn("mqtt", func() error {
				<-ctx.Done()
				logger.Info("Shutting down MQTT client...")
				mqttClient.Disconnect(250)
				return nil
			})
		}
	}

	if cfg.KafkaEnabled {
		bridge := handler.NewKafkaBridge(processor, logger, m)
		spawn("kafka", func() error { return bridge.RunConsumer(ctx, cfg) })
	}

	server := httpapi.NewServer(cfg.HTTPAddr, processor, watcher, client, repo, m.Handler(), logger)
	spawn("http", func() error { return server.Run(ctx) })

	restoreAndWatch(ctx, cfg, client, watcher, logger)

	logger.Info("🚀 Service started successfully. Waiting for vitals...")
	wg.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}

// authenticate uses API_TOKEN when set and otherwise logs in with the
// configured credentials.
func authenticate(ctx context.Context, cfg *config.Config, client *api.Client) (*session.Session, error) {
	token := cfg.APIToken
	if token == "" {
		if cfg.APIEmail == "" || cfg.APIPassword == "" {
			return nil, errors.New("API_TOKEN or API_EMAIL/API_PASSWORD must be set")
		}
		var err error
		token, err = client.Login(ctx, cfg.APIEmail, cfg.APIPassword)
		if err != nil {
			return nil, err
		}
	}
	return session.New(token, time.Now())
}

// restoreAndWatch resumes the sessions left running by the previous process,
// then watches WATCH_PATIENTS, or every active patient when the list is empty.
func restoreAndWatch(ctx context.Context, cfg *config.Config, client *api.Client, watcher *handler.Watcher, logger *zap.Logger) {
	if n, err := watcher.Restore(ctx); err != nil {
		logger.Error("Failed to restore monitoring sessions", zap.Error(err))
	} else if n > 0 {
		logger.Info("Restored monitoring sessions", zap.Int("count", n))
	}

	ids := cfg.WatchPatients
	if len(ids) == 0 {
		patients, err := client.ListPatients(ctx)
		if err != nil {
			logger.Error("Failed to list patients", zap.Error(err))
			return
		}
		for _, p := range patients {
			if p.Active {
				ids = append(ids, p.ID)
			}
		}
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := watcher.Watch(ctx, id); err != nil {
			logger.Error("Failed to watch patient", zap.String("patient_id", id), zap.Error(err))
		}
	}
}

func loadLocation(name string, logger *zap.Logger) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("Unknown timezone, using local time", zap.String("timezone", name), zap.Error(err))
		return time.Local
	}
	return loc
}

func sinkOrNil(p *cache.SnapshotPublisher) handler.SnapshotSink {
	if p == nil {
		return nil
	}
	return p
}

func logConfiguration(logger *zap.Logger, cfg *config.Config) {
	logger.Info("--- Service Configuration ---")
	logger.Info("API URL: " + cfg.APIURL)
	logger.Info("Stream URL: " + cfg.StreamURL)
	logger.Info("DB Path: " + cfg.DBPath)
	logger.Info("HTTP Address: " + cfg.HTTPAddr)
	logger.Info("Stale timeout: " + cfg.StaleTimeout.String())
	logger.Info("Fall suppression window: " + cfg.FallSuppressWindow.String())

	logger.Info("API Token: " + setOrNot(cfg.APIToken))
	logger.Info("API Password: " + setOrNot(cfg.APIPassword))
	if cfg.MQTTEnabled {
		logger.Info("MQTT Broker URL: " + cfg.MQTTBroker)
		logger.Info("MQTT Password: " + setOrNot(cfg.MQTTPassword))
	}
	if cfg.KafkaEnabled {
		logger.Info("Kafka Brokers: " + cfg.KafkaBrokers)
	}
	if cfg.RedisEnabled {
		logger.Info("Redis Address: " + cfg.RedisAddr)
		logger.Info("Redis Password: " + setOrNot(cfg.RedisPassword))
	}
	logger.Info("---------------------------")
}

func setOrNot(v string) string {
	if v != "" {
		return "[SET]"
	}
	return "[NOT SET]"
}
