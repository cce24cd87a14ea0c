package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/db"
	"github.com/taskflow/taskflow/internal/inbox"
	"github.com/taskflow/taskflow/internal/kafka"
	"github.com/taskflow/taskflow/internal/listener"
	"github.com/taskflow/taskflow/internal/logger"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/webhook"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Consume broker events through the inbox",
	RunE:  runConsumer,
}

func runConsumer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level)
	log := logger.L()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dbx, err := connectMySQL(cfg)
	if err != nil {
		return err
	}
	defer dbx.Close()

	redisClient, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	b := bus.New(log)
	listener.NewAuditListener(log).Register(b)
	listener.NewNotificationListener(redisClient, log).Register(b)
	listener.NewRealtimeListener(redisClient, log).Register(b)
	dispatcher := webhook.NewDispatcher(repository.NewWebhookRepository(dbx), log)
	dispatcher.SetTimeout(time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond)
	dispatcher.Register(b)

	inboxSvc := inbox.NewService(repository.NewInboxRepository(dbx), b, log)
	if cfg.Inbox.TTLDays > 0 {
		inboxSvc.TTLDays = cfg.Inbox.TTLDays
	}

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "taskflow-consumer"
	}
	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("consumer started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group", groupID))

	maxAttempts := cfg.DLQ.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	for {
		m, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("fetch message", zap.Error(err))
			continue
		}

		processMessage(ctx, log, inboxSvc, m, maxAttempts)

		// commit regardless of outcome: failures are tracked in the inbox
		// and escalated by the sweeper, never redelivered by the broker
		if err := consumer.Commit(ctx, m); err != nil && ctx.Err() == nil {
			log.Error("commit message", zap.Error(err))
		}
	}
}

// processMessage runs the inbox flow with a bounded in-place retry. Each
// failed attempt is recorded on the inbox row, so when the budget runs out
// the row is already at the ceiling the dead letter sweep looks for.
func processMessage(ctx context.Context, log *zap.Logger, svc *inbox.Service, m kafka.Message, maxAttempts int) {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.ID == "" {
		log.Warn("skipping undecodable message",
			zap.Int64("offset", m.Offset),
			zap.Error(err))
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := svc.ProcessMessage(ctx, env, "kafka")
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		log.Warn("message attempt failed",
			zap.String("message_id", env.ID),
			zap.String("event_type", env.EventType),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	log.Error("message exhausted its retry budget",
		zap.String("message_id", env.ID),
		zap.String("event_type", env.EventType))
}
