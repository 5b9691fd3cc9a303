package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay-farm/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

// ErrStoreUnavailable wraps every failure of the persistence layer. It is
// fatal to the run.
var ErrStoreUnavailable = errors.New("store unavailable")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver string
	DSN    string
}

// DB is the account/proxy store. Every operation takes mu for its whole
// duration and never holds it across a network call.
type DB struct {
	*bun.DB

	logger *slog.Logger
	mu     sync.Mutex

	quarantineReset bool

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

func NewDB(config Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var bdb *bun.DB
	switch config.Driver {
	case DriverSQLite, "":
		sqldb, err := sql.Open("sqlite", config.DSN)
		if err != nil {
			return nil, storeErr("open sqlite", err)
		}
		// one connection keeps sqlite a single writer and lets in-memory
		// databases survive between queries
		sqldb.SetMaxOpenConns(1)
		bdb = bun.NewDB(sqldb, sqlitedialect.New())
	case DriverPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(config.DSN)))
		bdb = bun.NewDB(sqldb, pgdialect.New())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	if err := bdb.Ping(); err != nil {
		bdb.Close()
		return nil, storeErr("ping database", err)
	}

	return &DB{DB: bdb, logger: logger}, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, model := range []interface{}{
		(*models.Account)(nil),
		(*models.Proxy)(nil),
		(*models.PointStat)(nil),
	} {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return storeErr("create table", err)
		}
	}

	return nil
}

// StartQuarantineJanitor clears the quarantine every interval until Close.
// A non-positive interval disables it.
func (db *DB) StartQuarantineJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}

	db.mu.Lock()
	if db.janitorCancel != nil {
		db.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	db.janitorCancel = cancel
	db.janitorDone = make(chan struct{})
	db.mu.Unlock()

	go func() {
		defer close(db.janitorDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := db.ClearQuarantine(ctx)
				if err != nil {
					if ctx.Err() == nil {
						db.logger.Error("Periodic quarantine clear failed", "error", err)
					}
					continue
				}
				db.logger.Info("Quarantine cleared periodically", "released", n)
			}
		}
	}()
}

// Close stops the quarantine janitor and closes the underlying database.
func (db *DB) Close() error {
	db.mu.Lock()
	cancel, done := db.janitorCancel, db.janitorDone
	db.janitorCancel = nil
	db.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	return db.DB.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
