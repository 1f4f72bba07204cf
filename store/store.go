// Package store is the Postgres persistence layer. Every operation is
// workspace-scoped; no query may return rows from another workspace.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/config"
	"github.com/SaintWyss/ragcore/model"
)

// Open connects to Postgres, applies pool limits and the statement timeout,
// and runs schema migration. The pgvector extension must already exist; the
// vector column type fails migration without it.
func Open(cfg *config.Config) (*gorm.DB, error) {
	dsn, err := withStatementTimeout(cfg.DatabaseURL, cfg.DBStatementTimeoutMS)
	if err != nil {
		return nil, fmt.Errorf("store: invalid DATABASE_URL: %w", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.DBPoolMinSize)
	sqlDB.SetMaxOpenConns(cfg.DBPoolMaxSize)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	common.Logger.WithField("pool_max", cfg.DBPoolMaxSize).Info("postgres connected")
	return db, nil
}

// Migrate creates or updates the schema for every persisted model.
func Migrate(db *gorm.DB) error {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("store: enable pgvector: %w", err)
	}
	if err := db.AutoMigrate(
		&model.Workspace{},
		&model.WorkspaceAclEntry{},
		&model.Document{},
		&model.DocumentChunk{},
		&model.ConnectorSource{},
		&model.ConnectorAccount{},
		&model.AuditEvent{},
	); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// DBPinger adapts the gorm handle to a readiness probe.
type DBPinger struct {
	db *gorm.DB
}

func NewPinger(db *gorm.DB) *DBPinger { return &DBPinger{db: db} }

func (p *DBPinger) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// withStatementTimeout injects options=-c statement_timeout into the DSN so
// every session inherits the cap.
func withStatementTimeout(rawURL string, timeoutMS int) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	directive := fmt.Sprintf("-c statement_timeout=%d", timeoutMS)
	if opts == "" {
		q.Set("options", directive)
	} else if !strings.Contains(opts, "statement_timeout") {
		q.Set("options", opts+" "+directive)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
