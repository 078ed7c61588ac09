package storage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type kvEntry struct {
	Key       string `gorm:"column:kv_key;primaryKey;type:varchar(128)"`
	Value     []byte
	UpdatedAt int64 `gorm:"autoUpdateTime:milli"`
}

func (kvEntry) TableName() string {
	return "kv_entries"
}

// SQL implements KV on a single gorm-managed table, one row per key.
type SQL struct {
	g *gorm.DB
}

// NewSQL opens the database selected by cfg.Backend (sqlite or postgres)
// and migrates the key-value table.
func NewSQL(cfg *config.Store) (*SQL, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}

	logger.Debugf("connected to the %s store", cfg.Backend)

	if cfg.DB.DropTableAtStart {
		logger.Info("store table dropped at start")

		if err := db.Migrator().DropTable(&kvEntry{}); err != nil {
			return nil, err
		}
	}

	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, errors.Wrap(err, "migrate store table")
	}

	return &SQL{g: db}, nil
}

func Connect(cfg *config.Store) (*gorm.DB, error) {
	gormCfg := gorm.Config{
		Logger: gormlogger.Default.LogMode(getGormLogLevel(&cfg.DB)),
	}

	switch cfg.Backend {
	case config.BackendSQLite:
		return gorm.Open(sqlite.Open(cfg.Path), &gormCfg)
	case config.BackendPostgres:
		return gorm.Open(postgres.Open(formatDSN(&cfg.DB)), &gormCfg)
	default:
		return nil, errors.Errorf("backend %q is not an SQL backend", cfg.Backend)
	}
}

func getGormLogLevel(cfg *config.DB) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}

func formatDSN(cfg *config.DB) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.DBName,
	}

	return u.String()
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var entry kvEntry
	err := s.g.WithContext(ctx).Where("kv_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return entry.Value, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	entry := kvEntry{Key: key, Value: value}

	return s.g.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kv_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).
		Error
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	return s.g.WithContext(ctx).Where("kv_key = ?", key).Delete(&kvEntry{}).Error
}

func (s *SQL) Close() error {
	db, err := s.g.DB()
	if err != nil {
		return err
	}

	return db.Close()
}
