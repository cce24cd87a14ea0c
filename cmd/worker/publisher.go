package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/kafka"
	"github.com/taskflow/taskflow/internal/logger"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/outbox"
	"github.com/taskflow/taskflow/internal/repository"
)

var publisherCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Run the outbox publisher loop",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()

		pub := outbox.NewPublisher(repository.NewOutboxRepository(dbx), producer, log)
		if cfg.Outbox.PublishInterval > 0 {
			pub.Interval = cfg.Outbox.PublishInterval
		}
		if cfg.Outbox.BatchSize > 0 {
			pub.BatchSize = cfg.Outbox.BatchSize
		}
		if cfg.Outbox.MaxRetries > 0 {
			pub.MaxRetries = cfg.Outbox.MaxRetries
		}
		if cfg.Outbox.RetentionDays > 0 {
			pub.RetentionDays = cfg.Outbox.RetentionDays
		}
		if cfg.Outbox.RetentionInterval > 0 {
			pub.RetentionInterval = cfg.Outbox.RetentionInterval
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			_ = pub.RunRetention(ctx)
		}()

		log.Info("outbox publisher started",
			zap.String("topic", cfg.Kafka.Topic),
			zap.Duration("interval", pub.Interval),
			zap.Int("batch_size", pub.BatchSize))

		if err := pub.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}
