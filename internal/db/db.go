package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arwahdevops/schemasync/internal/logger"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver
)

const (
	// SQLiteDriverPure is modernc.org/sqlite, usable without cgo.
	SQLiteDriverPure = "sqlite"
	// SQLiteDriverCGO is mattn/go-sqlite3, pulled in by gorm.io/driver/sqlite.
	SQLiteDriverCGO = "sqlite3"
)

// Options tunes how a Connector opens its pool.
type Options struct {
	SQLiteDriver string
}

type Connector struct {
	DB      *gorm.DB
	Dialect string
}

func New(dialect, dsn string, opts Options, gl gormlogger.Interface) (*Connector, error) {
	var dialector gorm.Dialector

	lcDialect := strings.ToLower(dialect)
	switch lcDialect {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		driverName := opts.SQLiteDriver
		if driverName == "" {
			driverName = SQLiteDriverPure
		}
		dialector = &sqlite.Dialector{DriverName: driverName, DSN: dsn}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	if gl == nil {
		gl = gormlogger.Discard
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database (%s): %w", lcDialect, err)
	}

	return &Connector{
		DB:      db,
		Dialect: lcDialect,
	}, nil
}

// Optimize configures the underlying connection pool.
func (c *Connector) Optimize(poolSize int, maxLifetime time.Duration) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB for optimization: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 10
	}
	if maxLifetime <= 0 {
		maxLifetime = time.Hour
	}

	switch c.Dialect {
	case "mysql", "postgres":
		sqlDB.SetMaxIdleConns(poolSize / 2)
		sqlDB.SetMaxOpenConns(poolSize)
		sqlDB.SetConnMaxLifetime(maxLifetime)
	case "sqlite":
		// One writer at a time; more connections only produce SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}
	return nil
}

// Session pins one pooled connection and returns a gorm handle bound to it.
// Every statement issued through the handle, transactions included, runs on
// that connection. The caller owns conn and must Close it to return it.
func (c *Connector) Session(ctx context.Context) (*gorm.DB, *sql.Conn, error) {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB for session: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection from pool: %w", err)
	}
	tx := c.DB.Session(&gorm.Session{NewDB: true, Context: ctx})
	tx.Statement.ConnPool = conn
	return tx, conn, nil
}

// Stats returns the pool statistics of the underlying sql.DB.
func (c *Connector) Stats() (sql.DBStats, error) {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return sql.DBStats{}, fmt.Errorf("failed to get sql.DB for stats: %w", err)
	}
	return sqlDB.Stats(), nil
}

func (c *Connector) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB for ping: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

func (c *Connector) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		logger.Log.Warn("Failed to get sql.DB for closing", zap.Error(err))
		return fmt.Errorf("failed to get sql.DB handle to close: %w", err)
	}
	logger.Log.Info("Closing database connection pool", zap.String("dialect", c.Dialect))
	return sqlDB.Close()
}
