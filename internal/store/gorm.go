package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Gorm is a Store backed by SQLite or PostgreSQL.
type Gorm struct {
	db *gorm.DB
}

func errDuplicate(id string) error {
	return fmt.Errorf("store: duplicate record id %s", id)
}

// OpenGorm opens the database and migrates the schema. logLevel is the
// service log level; gorm output is routed through the global logger.
func OpenGorm(driver, dsn, logLevel string) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(log.Logger, logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: get sql.DB: %w", err)
	}
	if driver == "sqlite" {
		// One writer; in-memory databases are per-connection.
		sqlDB.SetMaxOpenConns(1)
		if !strings.Contains(dsn, ":memory:") {
			if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
				return nil, fmt.Errorf("store: set WAL mode: %w", err)
			}
		}
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, fmt.Errorf("store: auto migrate: %w", err)
	}

	log.Info().Str("driver", driver).Msg("store: database ready")
	return &Gorm{db: db}, nil
}

// gormLogLevel maps the service log level onto gorm's. Statements are
// traced only at debug; info and warn keep slow queries and errors.
func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return logger.Info
	case "info", "warn", "warning":
		return logger.Warn
	case "error":
		return logger.Error
	}
	return logger.Silent
}

// gormWriter feeds gorm's formatted lines into zerolog.
type gormWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.logger.WithLevel(w.level).Msgf("store: "+format, args...)
}

func newGormLogger(l zerolog.Logger, level string) logger.Interface {
	lvl := gormLogLevel(level)
	zl := zerolog.WarnLevel
	if lvl == logger.Info {
		zl = zerolog.DebugLevel
	}
	return logger.New(gormWriter{logger: l, level: zl}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  lvl,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})
}

func (g *Gorm) Create(ctx context.Context, rec *TradeRecord) error {
	prepare(rec, time.Now())
	if err := g.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errDuplicate(rec.ID)
		}
		return fmt.Errorf("store: create %s: %w", rec.ID, err)
	}
	return nil
}

func (g *Gorm) Update(ctx context.Context, id string, u Update) (*TradeRecord, error) {
	var out TradeRecord
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := out.Apply(u, time.Now()); err != nil {
			return err
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("store: update %s: %w", id, err)
	}
	return &out, nil
}

func (g *Gorm) Get(ctx context.Context, id string) (*TradeRecord, error) {
	var rec TradeRecord
	if err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return &rec, nil
}

func (g *Gorm) QueryTradesByUser(ctx context.Context, userID string, limit int) ([]TradeRecord, error) {
	q := g.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []TradeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: query trades: %w", err)
	}
	return recs, nil
}

func (g *Gorm) ListStale(ctx context.Context, olderThan time.Duration) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := g.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPreparing, time.Now().Add(-olderThan)).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list stale: %w", err)
	}
	return recs, nil
}

func (g *Gorm) ConfirmedHistory(ctx context.Context, userID string) ([]TradeRecord, error) {
	q := g.db.WithContext(ctx).Where("status = ?", StatusConfirmed)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var recs []TradeRecord
	if err := q.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: confirmed history: %w", err)
	}
	return recs, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
