package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/taskflow/taskflow/internal/config"
	"github.com/taskflow/taskflow/internal/db"
	"github.com/taskflow/taskflow/internal/model"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo webhooks and events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo data...")

		if err := seedWebhooks(sqlDB); err != nil {
			return err
		}
		if err := seedEvents(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// seedWebhooks inserts a deterministic demo webhook (idempotent). The fixed
// secret is for local development only.
func seedWebhooks(dbx *sqlx.DB) error {
	const q = `
INSERT INTO webhooks
    (id, tenant_id, url, events, secret, is_active, failure_count, created_at)
VALUES
    (?, ?, ?, ?, ?, 1, 0, NOW())
ON DUPLICATE KEY UPDATE
    url      = VALUES(url),
    events   = VALUES(events),
    is_active = VALUES(is_active)
`
	_, err := dbx.Exec(q,
		"01SEED0WEBHOOK00000000000A",
		"demo-tenant",
		"http://localhost:9099/hooks/taskflow",
		`["task.**","project.created"]`,
		"6465762d6f6e6c792d7365637265742d646f2d6e6f742d7573652d70726f6421")
	if err != nil {
		return fmt.Errorf("seed webhook: %w", err)
	}
	return nil
}

// seedEvents writes a short task history so replay and rebuild have
// something to chew on in a fresh environment.
func seedEvents(dbx *sqlx.DB) error {
	type seedEvent struct {
		id        string
		eventType string
		version   int
		data      string
	}
	events := []seedEvent{
		{"01SEED0EVENT0000000000000A", model.EventTaskCreated, 1,
			`{"taskId":"demo-task-1","tenantId":"demo-tenant","title":"Try TaskFlow","status":"todo"}`},
		{"01SEED0EVENT0000000000000B", model.EventTaskStatusChanged, 2,
			`{"taskId":"demo-task-1","tenantId":"demo-tenant","newStatus":"in_progress"}`},
		{"01SEED0EVENT0000000000000C", model.EventTaskStatusChanged, 3,
			`{"taskId":"demo-task-1","tenantId":"demo-tenant","newStatus":"done"}`},
	}

	const q = `
INSERT INTO event_store
    (id, aggregate_id, aggregate_type, event_type, version, event_data, metadata, occurred_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE id = id
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	base := time.Now().Add(-time.Hour)
	for i, e := range events {
		_, err := tx.Exec(q,
			e.id, "demo-task-1", "task", e.eventType, e.version,
			e.data, `{"tenantId":"demo-tenant"}`, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			return fmt.Errorf("seed event %s: %w", e.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}
