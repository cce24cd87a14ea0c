package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/dlq"
	"github.com/taskflow/taskflow/internal/inbox"
	"github.com/taskflow/taskflow/internal/logger"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/repository"
)

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Run the dead letter sweep and retention cleanups",
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

		inboxRepo := repository.NewInboxRepository(dbx)
		outboxRepo := repository.NewOutboxRepository(dbx)

		inboxSvc := inbox.NewService(inboxRepo, bus.New(log), log)
		if cfg.Inbox.TTLDays > 0 {
			inboxSvc.TTLDays = cfg.Inbox.TTLDays
		}

		// the sweeper never dispatches events itself, so its bus stays empty
		dlqSvc := dlq.NewService(repository.NewDLQRepository(dbx), inboxSvc, inboxRepo, outboxRepo, bus.New(log), log)
		if cfg.DLQ.MaxRetries > 0 {
			dlqSvc.MaxRetries = cfg.DLQ.MaxRetries
		}
		if cfg.DLQ.SweepInterval > 0 {
			dlqSvc.SweepInterval = cfg.DLQ.SweepInterval
		}
		cleanupInterval := cfg.Inbox.CleanupInterval
		if cleanupInterval <= 0 {
			cleanupInterval = time.Hour
		}

		retentionDays := cfg.Outbox.RetentionDays
		if retentionDays <= 0 {
			retentionDays = 30
		}
		retentionInterval := cfg.Outbox.RetentionInterval
		if retentionInterval <= 0 {
			retentionInterval = 24 * time.Hour
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("sweeper started",
			zap.Duration("dlq_sweep_interval", dlqSvc.SweepInterval),
			zap.Duration("inbox_cleanup_interval", cleanupInterval),
			zap.Duration("outbox_retention_interval", retentionInterval))

		sweepTick := time.NewTicker(dlqSvc.SweepInterval)
		defer sweepTick.Stop()
		cleanupTick := time.NewTicker(cleanupInterval)
		defer cleanupTick.Stop()
		retentionTick := time.NewTicker(retentionInterval)
		defer retentionTick.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sweepTick.C:
				if _, err := dlqSvc.SweepStuck(ctx); err != nil {
					log.Error("dead letter sweep failed", zap.Error(err))
				}
			case <-cleanupTick.C:
				if _, err := inboxSvc.CleanupExpired(ctx); err != nil {
					log.Error("inbox cleanup failed", zap.Error(err))
				}
			case <-retentionTick.C:
				cutoff := time.Now().AddDate(0, 0, -retentionDays)
				n, err := outboxRepo.DeleteProcessedBefore(ctx, cutoff)
				if err != nil {
					log.Error("outbox retention failed", zap.Error(err))
				} else if n > 0 {
					log.Info("outbox retention", zap.Int64("deleted", n))
				}
			}
		}
	},
}
