package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/config"
	"github.com/taskflow/taskflow/internal/db"
	"github.com/taskflow/taskflow/internal/dlq"
	"github.com/taskflow/taskflow/internal/eventstore"
	httpSrv "github.com/taskflow/taskflow/internal/http"
	"github.com/taskflow/taskflow/internal/inbox"
	"github.com/taskflow/taskflow/internal/listener"
	"github.com/taskflow/taskflow/internal/logger"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/outbox"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/saga"
	"github.com/taskflow/taskflow/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		log := logger.L()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		outboxRepo := repository.NewOutboxRepository(mysqlDB)
		inboxRepo := repository.NewInboxRepository(mysqlDB)
		dlqRepo := repository.NewDLQRepository(mysqlDB)
		eventRepo := repository.NewEventStoreRepository(mysqlDB)
		sagaRepo := repository.NewSagaRepository(mysqlDB)
		webhookRepo := repository.NewWebhookRepository(mysqlDB)

		b := bus.New(log)
		listener.NewAuditListener(log).Register(b)
		listener.NewNotificationListener(redisClient, log).Register(b)
		listener.NewRealtimeListener(redisClient, log).Register(b)
		dispatcher := webhook.NewDispatcher(webhookRepo, log)
		dispatcher.SetTimeout(time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond)
		dispatcher.Register(b)

		eventsSvc := eventstore.NewService(eventRepo, b, log)
		outboxSvc := outbox.NewService(outboxRepo)

		inboxSvc := inbox.NewService(inboxRepo, b, log)
		if cfg.Inbox.TTLDays > 0 {
			inboxSvc.TTLDays = cfg.Inbox.TTLDays
		}

		dlqSvc := dlq.NewService(dlqRepo, inboxSvc, inboxRepo, outboxRepo, b, log)
		if cfg.DLQ.MaxRetries > 0 {
			dlqSvc.MaxRetries = cfg.DLQ.MaxRetries
		}

		registry := saga.NewRegistry()
		registry.Register(saga.NewCreateProjectDefinition(saga.NewEventSteps(eventsSvc, outboxSvc, log)))
		orchestrator := saga.NewOrchestrator(sagaRepo, registry, log)

		server := httpSrv.NewServer(cfg.HTTP.Addr, httpSrv.Deps{
			DLQ:        dlqSvc,
			Inbox:      inboxSvc,
			Sagas:      orchestrator,
			Events:     eventsSvc,
			Webhooks:   webhook.NewService(webhookRepo, log),
			Dispatcher: dispatcher,
			Log:        log,
		})

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
