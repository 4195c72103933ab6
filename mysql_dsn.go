package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
)

const defaultDialTimeout = 10 * time.Second

// mysqlConfigForMigration parses the DSN and applies the driver options the
// migration session relies on.
func mysqlConfigForMigration(baseDSN string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(baseDSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	if cfg.DBName == "" {
		return nil, errors.New("mysql dsn must name a database")
	}
	cfg.InterpolateParams = true
	cfg.MultiStatements = false
	cfg.Loc = time.UTC
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultDialTimeout
	}
	return cfg, nil
}

// extractMySQLDBName pulls the database name from a MySQL DSN.
func extractMySQLDBName(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	if cfg.DBName == "" {
		return "", errors.New("cannot extract database name from DSN: empty name")
	}
	return cfg.DBName, nil
}
