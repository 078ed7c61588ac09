package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/pkg/errors"
)

var envOverrides = map[string]func(*BaseConfig, string){
	"FLAPPY_PRIVATE_KEY": func(c *BaseConfig, v string) { c.Ledger.PrivateKey = v },
	"FLAPPY_RPC_ENDPOINTS": func(c *BaseConfig, v string) {
		c.Ledger.Endpoints = splitList(v)
	},
	"FLAPPY_DB_USERNAME": func(c *BaseConfig, v string) { c.Store.DB.Username = v },
	"FLAPPY_DB_PASSWORD": func(c *BaseConfig, v string) { c.Store.DB.Password = v },
}

type BaseConfig struct {
	Store   Store         `toml:"store"`
	Queue   Queue         `toml:"queue"`
	Ledger  Ledger        `toml:"ledger"`
	Session Session       `toml:"session"`
	Metrics Metrics       `toml:"metrics"`
	Logger  logger.Config `toml:"logger"`
}

var DefaultBaseConfig = BaseConfig{
	Store:   defaultStore,
	Queue:   defaultQueue,
	Ledger:  defaultLedger,
	Session: defaultSession,
	Logger:  logger.DefaultConfig(),
}

const (
	BackendLevelDB  = "leveldb"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Store struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"` // directory for leveldb/file, database file for sqlite
	DB      DB     `toml:"db"`
}

var defaultStore = Store{
	Backend: BackendLevelDB,
	Path:    "flappyfuse-data",
	DB:      defaultDB,
}

type DB struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	DBName           string `toml:"db_name"`
	LogQueries       bool   `toml:"log_queries"`
	DropTableAtStart bool   `toml:"drop_table_at_start"`
}

var defaultDB = DB{
	Host: "localhost",
	Port: 5432,
}

type Queue struct {
	FlushIntervalSeconds     int `toml:"flush_interval_seconds"`
	PruneIntervalSeconds     int `toml:"prune_interval_seconds"`
	ReconcileIntervalSeconds int `toml:"reconcile_interval_seconds"`
	RetentionSeconds         int `toml:"retention_seconds"`
}

var defaultQueue = Queue{
	FlushIntervalSeconds:     10,
	PruneIntervalSeconds:     300,
	ReconcileIntervalSeconds: 5,
	RetentionSeconds:         3600,
}

func (q Queue) FlushInterval() time.Duration {
	return time.Duration(q.FlushIntervalSeconds) * time.Second
}

func (q Queue) PruneInterval() time.Duration {
	return time.Duration(q.PruneIntervalSeconds) * time.Second
}

func (q Queue) ReconcileInterval() time.Duration {
	return time.Duration(q.ReconcileIntervalSeconds) * time.Second
}

func (q Queue) Retention() time.Duration {
	return time.Duration(q.RetentionSeconds) * time.Second
}

type Ledger struct {
	Endpoints                 []string `toml:"endpoints"`
	ChainID                   uint64   `toml:"chain_id"`
	ContractAddress           string   `toml:"contract_address"`
	PrivateKey                string   `toml:"private_key"`
	RequestTimeoutMillis      int      `toml:"request_timeout_millis"`
	ConfirmTimeoutSeconds     int      `toml:"confirm_timeout_seconds"`
	GasPriceMultiplierPercent uint64   `toml:"gas_price_multiplier_percent"`
	GasLimitMultiplierPercent uint64   `toml:"gas_limit_multiplier_percent"`
	FallbackGasPriceGwei      uint64   `toml:"fallback_gas_price_gwei"`
	FallbackGasLimit          uint64   `toml:"fallback_gas_limit"`
	BalanceCheckGasUnits      uint64   `toml:"balance_check_gas_units"`
	MaxSubmittedJumps         int      `toml:"max_submitted_jumps"`
	LeaderboardSize           int      `toml:"leaderboard_size"`
	LeaderboardCacheSeconds   int      `toml:"leaderboard_cache_seconds"`
}

var defaultLedger = Ledger{
	Endpoints: []string{
		"https://ancient-quiet-shape.fuse-flash.quiknode.pro/0dacde97e109a50913bcc7fae9ee69d964f84fe2/",
		"wss://ancient-quiet-shape.fuse-flash.quiknode.pro/0dacde97e109a50913bcc7fae9ee69d964f84fe2/",
	},
	ChainID:                   0x2AA8,
	ContractAddress:           "0xFE00F7fA21e5cF4568eA6A2Ecb7C15B8b2A6101d",
	RequestTimeoutMillis:      5000,
	ConfirmTimeoutSeconds:     60,
	GasPriceMultiplierPercent: 150,
	GasLimitMultiplierPercent: 150,
	FallbackGasPriceGwei:      20,
	FallbackGasLimit:          1_000_000,
	BalanceCheckGasUnits:      500_000,
	MaxSubmittedJumps:         5,
	LeaderboardSize:           10,
	LeaderboardCacheSeconds:   30,
}

func (l Ledger) RequestTimeout() time.Duration {
	return time.Duration(l.RequestTimeoutMillis) * time.Millisecond
}

func (l Ledger) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutSeconds) * time.Second
}

func (l Ledger) LeaderboardCacheTTL() time.Duration {
	return time.Duration(l.LeaderboardCacheSeconds) * time.Second
}

type Session struct {
	CountdownTicks        int `toml:"countdown_ticks"`
	CountdownTickMillis   int `toml:"countdown_tick_millis"`
	ScriptedJumps         int `toml:"scripted_jumps"`
	ScriptedJumpMillis    int `toml:"scripted_jump_millis"`
	ScriptedPointsPerJump int `toml:"scripted_points_per_jump"`
}

var defaultSession = Session{
	CountdownTicks:        3,
	CountdownTickMillis:   800,
	ScriptedJumps:         10,
	ScriptedJumpMillis:    250,
	ScriptedPointsPerJump: 1,
}

func (s Session) CountdownTick() time.Duration {
	return time.Duration(s.CountdownTickMillis) * time.Millisecond
}

type Metrics struct {
	Address string `toml:"address"`
}

func ReadFile(filepath string, cfg interface{}) error {
	_, err := toml.DecodeFile(filepath, cfg)
	return err
}

func (cfg *BaseConfig) ApplyEnvOverrides() {
	for env, override := range envOverrides {
		if val, ok := os.LookupEnv(env); ok {
			override(cfg, val)
		}
	}
}

func CheckParameters(cfg *BaseConfig) error {
	switch cfg.Store.Backend {
	case BackendLevelDB, BackendFile, BackendSQLite:
		if cfg.Store.Path == "" {
			return errors.Errorf("store.path must be set for the %s backend", cfg.Store.Backend)
		}
	case BackendPostgres:
		if cfg.Store.DB.DBName == "" {
			return errors.New("store.db.db_name must be set for the postgres backend")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if len(cfg.Ledger.Endpoints) == 0 {
		return errors.New("at least one ledger endpoint must be configured")
	}

	if cfg.Ledger.ConfirmTimeoutSeconds <= 0 {
		return errors.New("ledger.confirm_timeout_seconds should be set to a positive integer")
	}

	if cfg.Ledger.RequestTimeoutMillis <= 0 {
		return errors.New("ledger.request_timeout_millis should be set to a positive integer")
	}

	if cfg.Ledger.GasPriceMultiplierPercent < 100 || cfg.Ledger.GasLimitMultiplierPercent < 100 {
		return errors.New("gas multipliers must be at least 100 percent")
	}

	if cfg.Queue.FlushIntervalSeconds <= 0 || cfg.Queue.PruneIntervalSeconds <= 0 ||
		cfg.Queue.ReconcileIntervalSeconds <= 0 {
		return errors.New("queue intervals should be set to positive integers")
	}

	if cfg.Queue.RetentionSeconds <= 0 {
		return errors.New("queue.retention_seconds should be set to a positive integer")
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
