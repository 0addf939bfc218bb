package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/order-sync-service/internal/config"
	"github.com/richardliu001/order-sync-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type dialectorMaker func(dsn string) gorm.Dialector

var dialectors = map[string]dialectorMaker{
	"postgres": func(dsn string) gorm.Dialector { return postgres.Open(dsn) },
	"mysql": func(dsn string) gorm.Dialector {
		return mysql.New(mysql.Config{DSN: mysqlDSN(dsn), DefaultStringSize: 256})
	},
	"sqlite": func(dsn string) gorm.Dialector { return sqlite.Open(dsn) },
}

// mysqlDSN adds parseTime=True unless the DSN already sets parseTime.
// Without it DATETIME columns do not scan into time.Time.
func mysqlDSN(dsn string) string {
	if strings.Contains(strings.ToLower(dsn), "parsetime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=True"
	}
	return dsn + "?parseTime=True"
}

// Models lists every table the services own.
func Models() []interface{} {
	return []interface{}{
		&model.Order{},
		&model.Transaction{},
		&model.SyncState{},
		&model.OutboxEvent{},
	}
}

// Open connects with the configured driver and pool settings. SQL logging
// is limited to slow queries and errors, routed to log.
func Open(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*gorm.DB, error) {
	mk, ok := dialectors[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gormLog := logger.New(zapWriter{log}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
	db, err := gorm.Open(mk(cfg.DSN), &gorm.Config{PrepareStmt: cfg.Driver != "sqlite", Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql.DB from gorm: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		sqlDB.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		sqlDB.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

type zapWriter struct{ log *zap.SugaredLogger }

func (w zapWriter) Printf(format string, args ...interface{}) {
	w.log.Warnf(format, args...)
}
