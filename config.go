package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// MigrationConfig holds the full TOML-driven migration configuration.
type MigrationConfig struct {
	Table        string          `toml:"table"`
	Filter       string          `toml:"filter"`
	AtomicSwitch *bool           `toml:"atomic_switch"` // unset: decide from server version
	Printer      string          `toml:"printer"`       // percentage|dot|quiet
	Journal      string          `toml:"journal"`
	ChangesFile  string          `toml:"changes_file"`
	MySQL        MySQLConfig     `toml:"mysql"`
	Chunk        ChunkConfig     `toml:"chunk"`
	Throttler    ThrottlerConfig `toml:"throttler"`
	Retry        RetryTOML       `toml:"retry"`
	Log          LogConfig       `toml:"log"`
	Changes      []ChangeConfig  `toml:"changes"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

type MySQLConfig struct {
	DSN string `toml:"dsn"`
}

type ChunkConfig struct {
	Start *int64 `toml:"start"`
	Limit *int64 `toml:"limit"`
}

type ThrottlerConfig struct {
	Type            string `toml:"type"` // time|replica_lag
	Stride          int    `toml:"stride"`
	DelayMS         int    `toml:"delay_ms"`
	AllowedLag      int    `toml:"allowed_lag"` // seconds
	CheckOnly       string `toml:"check_only"`
	ReplicaUser     string `toml:"replica_user"`
	ReplicaPassword string `toml:"replica_password"`
}

// RetryTOML overrides the default retry policy field by field.
type RetryTOML struct {
	Tries          *int     `toml:"tries"`
	BaseIntervalMS *int     `toml:"base_interval_ms"`
	Multiplier     *float64 `toml:"multiplier"`
	RandFactor     *float64 `toml:"rand_factor"`
	MaxIntervalMS  *int     `toml:"max_interval_ms"`
	MaxElapsedMS   *int     `toml:"max_elapsed_ms"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console|json
}

// ChangeConfig is one schema change applied to the shadow table.
type ChangeConfig struct {
	Op         string   `toml:"op"`
	Column     string   `toml:"column"`
	NewName    string   `toml:"new_name"`
	Definition string   `toml:"definition"`
	Columns    []string `toml:"columns"`
	IndexName  string   `toml:"index_name"`
	Statement  string   `toml:"statement"`
}

// loadConfig reads a TOML config file and returns a MigrationConfig with defaults applied.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := MigrationConfig{
		Printer: "percentage",
		Throttler: ThrottlerConfig{
			Type:       "time",
			DelayMS:    int(defaultTimeDelay / time.Millisecond),
			AllowedLag: int(defaultAllowedLag / time.Second),
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, errors.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve config path")
	}
	cfg.configDir = filepath.Dir(absPath)

	cfg.Table = strings.TrimSpace(cfg.Table)
	if cfg.Table == "" {
		return nil, errors.New("table is required")
	}
	if cfg.MySQL.DSN == "" {
		return nil, errors.New("mysql.dsn is required")
	}
	if _, err := extractMySQLDBName(cfg.MySQL.DSN); err != nil {
		return nil, errors.Wrap(err, "mysql.dsn")
	}
	if _, err := classifyFilter(cfg.Filter); err != nil {
		return nil, errors.Wrap(err, "filter")
	}

	switch cfg.Printer {
	case "percentage", "dot", "quiet":
	default:
		return nil, errors.New("printer must be one of: percentage, dot, quiet")
	}

	switch cfg.Throttler.Type {
	case "time":
		if cfg.Throttler.Stride == 0 {
			cfg.Throttler.Stride = defaultTimeStride
		}
	case "replica_lag":
		if cfg.Throttler.Stride == 0 {
			cfg.Throttler.Stride = defaultReplicaStride
		}
	default:
		return nil, errors.New("throttler.type must be one of: time, replica_lag")
	}
	if cfg.Throttler.Stride < 0 {
		return nil, errors.New("throttler.stride must be positive")
	}
	if cfg.Throttler.DelayMS < 0 {
		return nil, errors.New("throttler.delay_ms must not be negative")
	}
	if cfg.Throttler.AllowedLag <= 0 {
		return nil, errors.New("throttler.allowed_lag must be positive")
	}

	if cfg.Chunk.Start != nil && cfg.Chunk.Limit != nil && *cfg.Chunk.Start > *cfg.Chunk.Limit {
		return nil, errors.Wrap(ErrImpossibleChunk, "chunk.start must not exceed chunk.limit")
	}

	if _, err := cfg.RetryConfig(); err != nil {
		return nil, err
	}

	switch cfg.Log.Format {
	case "console", "json":
	default:
		return nil, errors.New("log.format must be one of: console, json")
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return nil, errors.Wrap(err, "log.level")
	}

	for i, ch := range cfg.Changes {
		if err := ch.validate(); err != nil {
			return nil, errors.Wrapf(err, "changes[%d]", i)
		}
	}

	return &cfg, nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// RetryConfig applies the [retry] overrides to the default policy.
func (c *MigrationConfig) RetryConfig() (RetryConfig, error) {
	r := c.Retry
	o := RetryOverrides{Tries: r.Tries, Multiplier: r.Multiplier, RandFactor: r.RandFactor}
	if r.Tries != nil && *r.Tries < 1 {
		return RetryConfig{}, errors.New("retry.tries must be at least 1")
	}
	if r.Multiplier != nil && *r.Multiplier < 1 {
		return RetryConfig{}, errors.New("retry.multiplier must be at least 1")
	}
	if r.RandFactor != nil && (*r.RandFactor < 0 || *r.RandFactor >= 1) {
		return RetryConfig{}, errors.New("retry.rand_factor must be in [0, 1)")
	}
	ms := func(name string, v *int) (*time.Duration, error) {
		if v == nil {
			return nil, nil
		}
		if *v < 0 {
			return nil, errors.Errorf("retry.%s must not be negative", name)
		}
		d := time.Duration(*v) * time.Millisecond
		return &d, nil
	}
	var err error
	if o.BaseInterval, err = ms("base_interval_ms", r.BaseIntervalMS); err != nil {
		return RetryConfig{}, err
	}
	if o.MaxInterval, err = ms("max_interval_ms", r.MaxIntervalMS); err != nil {
		return RetryConfig{}, err
	}
	if o.MaxElapsedTime, err = ms("max_elapsed_ms", r.MaxElapsedMS); err != nil {
		return RetryConfig{}, err
	}
	return DefaultRetryConfig().WithOverrides(o), nil
}

func (ch ChangeConfig) validate() error {
	need := func(field, v string) error {
		if strings.TrimSpace(v) == "" {
			return errors.Errorf("%s requires %s", ch.Op, field)
		}
		return nil
	}
	switch ch.Op {
	case "add_column", "change_column":
		if err := need("column", ch.Column); err != nil {
			return err
		}
		return need("definition", ch.Definition)
	case "rename_column":
		if err := need("column", ch.Column); err != nil {
			return err
		}
		return need("new_name", ch.NewName)
	case "remove_column":
		return need("column", ch.Column)
	case "add_index", "add_unique_index":
		if len(ch.Columns) == 0 {
			return errors.Errorf("%s requires columns", ch.Op)
		}
	case "remove_index":
		if len(ch.Columns) == 0 && ch.IndexName == "" {
			return errors.New("remove_index requires columns or index_name")
		}
	case "ddl":
		return need("statement", ch.Statement)
	default:
		return errors.Errorf("unknown op %q", ch.Op)
	}
	return nil
}

// applyChanges records the configured changes, then the statements from
// changes_file, on the migrator.
func (c *MigrationConfig) applyChanges(m *Migrator) error {
	for _, ch := range c.Changes {
		var err error
		switch ch.Op {
		case "add_column":
			m.AddColumn(ch.Column, ch.Definition)
		case "change_column":
			m.ChangeColumn(ch.Column, ch.Definition)
		case "rename_column":
			m.RenameColumn(ch.Column, ch.NewName)
		case "remove_column":
			m.RemoveColumn(ch.Column)
		case "add_index":
			err = m.AddIndex(ch.Columns, ch.IndexName)
		case "add_unique_index":
			err = m.AddUniqueIndex(ch.Columns, ch.IndexName)
		case "remove_index":
			err = m.RemoveIndex(ch.Columns, ch.IndexName)
		case "ddl":
			m.DDL(ch.Statement)
		}
		if err != nil {
			return errors.Wrapf(err, "%s", ch.Op)
		}
	}

	if c.ChangesFile != "" {
		stmts, err := loadChangesFile(c.resolvePath(c.ChangesFile))
		if err != nil {
			return err
		}
		for _, s := range stmts {
			m.DDL(s)
		}
	}

	if c.Filter != "" {
		return m.Filter(c.Filter)
	}
	return nil
}

// runOptions turns the config into RunOptions for the invoker.
func (c *MigrationConfig) runOptions(primary Connection, logger zerolog.Logger) (RunOptions, error) {
	retry, err := c.RetryConfig()
	if err != nil {
		return RunOptions{}, err
	}
	printer, err := newPrinter(c.Printer, os.Stdout)
	if err != nil {
		return RunOptions{}, err
	}
	throttler, err := c.newThrottler(primary, logger)
	if err != nil {
		return RunOptions{}, err
	}
	return RunOptions{
		AtomicSwitch: c.AtomicSwitch,
		Bounds:       ChunkBounds{Start: c.Chunk.Start, Limit: c.Chunk.Limit},
		Throttler:    throttler,
		Printer:      printer,
		Retry:        retry,
	}, nil
}

func (c *MigrationConfig) newThrottler(primary Connection, logger zerolog.Logger) (Throttler, error) {
	t := c.Throttler
	if t.Type == "time" {
		return NewTimeThrottler(t.Stride, time.Duration(t.DelayMS)*time.Millisecond), nil
	}
	base, err := mysql.ParseDSN(c.MySQL.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	return NewReplicaLagThrottler(primary, ReplicaLagOptions{
		Stride:        t.Stride,
		AllowedLag:    time.Duration(t.AllowedLag) * time.Second,
		CheckOnly:     t.CheckOnly,
		ReplicaConfig: replicaConfigFrom(base, t.ReplicaUser, t.ReplicaPassword),
	}, logger), nil
}
