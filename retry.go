package main

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockDeadlock    = 1213
)

var transientMessagePattern = regexp.MustCompile(`Lock wait timeout exceeded|Deadlock found when trying to get lock`)

// isTransientSQLError reports lock contention errors worth retrying.
func isTransientSQLError(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrLockWaitTimeout || mysqlErr.Number == mysqlErrLockDeadlock
	}
	return transientMessagePattern.MatchString(err.Error())
}

// RetryConfig controls how SQLRetry backs off. Treat it as a value: derive
// variants with WithOverrides.
type RetryConfig struct {
	Tries          int           // attempts including the first one
	BaseInterval   time.Duration // wait before the first retry
	Multiplier     float64       // growth factor per retry
	RandFactor     float64       // +/- jitter applied to each wait
	MaxInterval    time.Duration // cap on a single wait
	MaxElapsedTime time.Duration // 0 retries without a time limit
	Retryable      func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Tries:          7200,
		BaseInterval:   500 * time.Millisecond,
		Multiplier:     1,
		RandFactor:     0.25,
		MaxInterval:    60 * time.Second,
		MaxElapsedTime: 0,
		Retryable:      isTransientSQLError,
	}
}

// RetryOverrides holds optional replacements for RetryConfig fields.
type RetryOverrides struct {
	Tries          *int
	BaseInterval   *time.Duration
	Multiplier     *float64
	RandFactor     *float64
	MaxInterval    *time.Duration
	MaxElapsedTime *time.Duration
	Retryable      func(error) bool
}

// WithOverrides returns a copy of c with every set override applied.
func (c RetryConfig) WithOverrides(o RetryOverrides) RetryConfig {
	if o.Tries != nil {
		c.Tries = *o.Tries
	}
	if o.BaseInterval != nil {
		c.BaseInterval = *o.BaseInterval
	}
	if o.Multiplier != nil {
		c.Multiplier = *o.Multiplier
	}
	if o.RandFactor != nil {
		c.RandFactor = *o.RandFactor
	}
	if o.MaxInterval != nil {
		c.MaxInterval = *o.MaxInterval
	}
	if o.MaxElapsedTime != nil {
		c.MaxElapsedTime = *o.MaxElapsedTime
	}
	if o.Retryable != nil {
		c.Retryable = o.Retryable
	}
	return c
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.BaseInterval
	exp.Multiplier = c.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.RandomizationFactor = c.RandFactor
	exp.MaxInterval = c.MaxInterval
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.MaxElapsedTime = c.MaxElapsedTime

	tries := c.Tries
	if tries < 1 {
		tries = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(tries-1)), ctx)
}

// SQLRetry runs statements against a connection, retrying transient lock
// contention errors and propagating everything else on the first failure.
type SQLRetry struct {
	conn   Connection
	cfg    RetryConfig
	prefix string
	logger zerolog.Logger
}

func NewSQLRetry(conn Connection, cfg RetryConfig, logger zerolog.Logger) *SQLRetry {
	if cfg.Retryable == nil {
		cfg.Retryable = isTransientSQLError
	}
	return &SQLRetry{conn: conn, cfg: cfg, logger: logger}
}

// WithPrefix returns a copy whose retry records carry the given label.
func (r *SQLRetry) WithPrefix(prefix string) *SQLRetry {
	cp := *r
	cp.prefix = prefix
	return &cp
}

// Connection is the session statements run on.
func (r *SQLRetry) Connection() Connection { return r.conn }

// WithRetries calls fn until it succeeds, fails permanently, or the retry
// budget runs out. The last error is returned unchanged.
func (r *SQLRetry) WithRetries(ctx context.Context, fn func(ctx context.Context, conn Connection) error) error {
	start := time.Now()
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx, r.conn)
		if err != nil && !r.cfg.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logRetry(err, attempt, time.Since(start), next)
	}
	return backoff.RetryNotify(op, r.cfg.backOff(ctx), notify)
}

// Exec runs one tagged statement with retries and returns affected rows.
func (r *SQLRetry) Exec(ctx context.Context, stmt string) (int64, error) {
	var affected int64
	err := r.WithRetries(ctx, func(ctx context.Context, conn Connection) error {
		n, err := conn.Exec(ctx, tagged(stmt))
		affected = n
		return err
	})
	return affected, err
}

func (r *SQLRetry) logRetry(err error, attempt int, elapsed, next time.Duration) {
	msg := fmt.Sprintf("%T: '%s' - %d tries in %.3f seconds and %.3f seconds until the next try.",
		err, err.Error(), attempt, elapsed.Seconds(), next.Seconds())
	ev := r.logger.Info().
		Str("error_class", fmt.Sprintf("%T", err)).
		Str("error", err.Error()).
		Int("attempt", attempt).
		Dur("elapsed", elapsed).
		Dur("next_interval", next)
	if r.prefix != "" {
		ev = ev.Str("prefix", r.prefix)
		msg = "[" + r.prefix + "] " + msg
	}
	ev.Msg(msg)
}
