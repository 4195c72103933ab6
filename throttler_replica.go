package main

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReplicaStride     = 2000
	defaultAllowedLag        = 10 * time.Second
	initialReplicaTimeout    = 100 * time.Millisecond
	maxReplicaTimeout        = initialReplicaTimeout * 1024
	selectReplicaHostsSQL    = "SELECT host FROM information_schema.processlist WHERE command LIKE 'Binlog Dump%'"
	showReplicaStatusSQL     = "SHOW REPLICA STATUS"
	showLegacySlaveStatusSQL = "SHOW SLAVE STATUS"
)

// replicaSession is the part of a replica connection the throttler uses.
type replicaSession interface {
	SelectValues(ctx context.Context, query string) ([]string, error)
	SelectRow(ctx context.Context, query string) (map[string]sql.NullString, error)
	Close() error
}

type replica struct {
	host    string
	session replicaSession
}

// ReplicaLagOptions configures a ReplicaLagThrottler. Zero values take the
// defaults.
type ReplicaLagOptions struct {
	Stride     int
	AllowedLag time.Duration
	// CheckOnly monitors this single host instead of discovering replicas.
	CheckOnly string
	// ReplicaConfig builds the connection config for a replica host.
	ReplicaConfig func(host string) *mysql.Config
}

// ReplicaLagThrottler pauses between chunks for a timeout that doubles while
// any replica lags more than allowed and halves once they catch up.
type ReplicaLagThrottler struct {
	stride     int
	allowedLag time.Duration
	timeout    time.Duration
	checkOnly  string

	primary       Connection
	replicaConfig func(host string) *mysql.Config
	dial          func(ctx context.Context, cfg *mysql.Config) (replicaSession, error)
	sleep         func(ctx context.Context, d time.Duration) error
	logger        zerolog.Logger

	replicas   []*replica
	discovered bool
}

func NewReplicaLagThrottler(primary Connection, opts ReplicaLagOptions, logger zerolog.Logger) *ReplicaLagThrottler {
	t := &ReplicaLagThrottler{
		stride:        opts.Stride,
		allowedLag:    opts.AllowedLag,
		timeout:       initialReplicaTimeout,
		checkOnly:     opts.CheckOnly,
		primary:       primary,
		replicaConfig: opts.ReplicaConfig,
		dial:          dialReplica,
		sleep:         sleepContext,
		logger:        logger.With().Str("component", "throttler").Logger(),
	}
	if t.stride <= 0 {
		t.stride = defaultReplicaStride
	}
	if t.allowedLag <= 0 {
		t.allowedLag = defaultAllowedLag
	}
	if t.replicaConfig == nil {
		t.replicaConfig = replicaConfigFrom(mysql.NewConfig(), "", "")
	}
	return t
}

func (t *ReplicaLagThrottler) Stride() int { return t.stride }

// Timeout is the pause applied by the next Run before adjustment.
func (t *ReplicaLagThrottler) Timeout() time.Duration { return t.timeout }

func (t *ReplicaLagThrottler) Run(ctx context.Context) error {
	lag, err := t.maxLag(ctx)
	if err != nil {
		return err
	}
	t.adjust(lag)
	return t.sleep(ctx, t.timeout)
}

// adjust doubles or halves the timeout within [initial, max].
func (t *ReplicaLagThrottler) adjust(lag time.Duration) {
	switch {
	case lag > t.allowedLag && t.timeout < maxReplicaTimeout:
		t.logger.Info().
			Dur("lag", lag).Dur("allowed_lag", t.allowedLag).
			Dur("from", t.timeout).Dur("to", t.timeout*2).
			Msg("increasing timeout between strides")
		t.timeout *= 2
	case lag <= t.allowedLag && t.timeout > initialReplicaTimeout:
		t.logger.Info().
			Dur("lag", lag).Dur("allowed_lag", t.allowedLag).
			Dur("from", t.timeout).Dur("to", t.timeout/2).
			Msg("decreasing timeout between strides")
		t.timeout /= 2
	}
}

// Close releases every replica connection.
func (t *ReplicaLagThrottler) Close() error {
	var first error
	for _, r := range t.replicas {
		if err := r.session.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.replicas = nil
	return first
}

// maxLag probes all replicas concurrently. Replicas that fail are dropped and
// count as zero lag.
func (t *ReplicaLagThrottler) maxLag(ctx context.Context) (time.Duration, error) {
	if !t.discovered {
		if err := t.discover(ctx); err != nil {
			return 0, err
		}
		t.discovered = true
	}

	lags := make([]time.Duration, len(t.replicas))
	failed := make([]bool, len(t.replicas))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range t.replicas {
		g.Go(func() error {
			lag, err := replicaLag(gctx, r.session)
			if err != nil {
				t.logger.Warn().Err(err).Str("host", r.host).Msg("unable to query replica, dropping it")
				failed[i] = true
				return nil
			}
			lags[i] = lag
			return nil
		})
	}
	_ = g.Wait()

	var highest time.Duration
	kept := t.replicas[:0]
	for i, r := range t.replicas {
		if failed[i] {
			_ = r.session.Close()
			continue
		}
		kept = append(kept, r)
		if lags[i] > highest {
			highest = lags[i]
		}
	}
	t.replicas = kept
	t.logger.Info().Dur("lag", highest).Int("replicas", len(kept)).Msg("max current replica lag")
	return highest, nil
}

// discover walks the replication topology from the primary, visiting every
// reachable host once.
func (t *ReplicaLagThrottler) discover(ctx context.Context) error {
	if t.checkOnly != "" {
		if r := t.connect(ctx, t.checkOnly); r != nil {
			t.replicas = []*replica{r}
		}
		return nil
	}

	raw, err := t.primary.SelectValues(ctx, selectReplicaHostsSQL)
	if err != nil {
		return errors.Wrap(err, "list replicas")
	}
	queue := formatHosts(raw)
	visited := make(map[string]bool)
	for len(queue) > 0 {
		host := queue[0]
		queue = queue[1:]
		if visited[host] {
			continue
		}
		visited[host] = true

		r := t.connect(ctx, host)
		if r == nil {
			continue
		}
		t.replicas = append(t.replicas, r)

		sub, err := r.session.SelectValues(ctx, selectReplicaHostsSQL)
		if err != nil {
			t.logger.Warn().Err(err).Str("host", host).Msg("unable to list sub-replicas")
			continue
		}
		queue = append(queue, formatHosts(sub)...)
	}
	return nil
}

func (t *ReplicaLagThrottler) connect(ctx context.Context, host string) *replica {
	cfg := t.replicaConfig(host)
	t.logger.Info().Str("host", host).Str("database", cfg.DBName).Msg("connecting to replica")
	session, err := t.dial(ctx, cfg)
	if err != nil {
		t.logger.Warn().Err(err).Str("host", host).Msg("error connecting to replica")
		return nil
	}
	return &replica{host: host, session: session}
}

// replicaLag reads seconds behind the source. Stopped or unconfigured
// replication reports zero.
func replicaLag(ctx context.Context, s replicaSession) (time.Duration, error) {
	row, err := s.SelectRow(ctx, showReplicaStatusSQL)
	if err != nil {
		// servers before 8.0.22 only know the legacy statement
		var legacyErr error
		row, legacyErr = s.SelectRow(ctx, showLegacySlaveStatusSQL)
		if legacyErr != nil {
			return 0, err
		}
	}
	v, ok := row["Seconds_Behind_Source"]
	if !ok {
		v = row["Seconds_Behind_Master"]
	}
	if !v.Valid || v.String == "" {
		return 0, nil
	}
	secs, err := strconv.ParseInt(v.String, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse lag %q", v.String)
	}
	return time.Duration(secs) * time.Second, nil
}

// formatHosts strips ports and drops local addresses.
func formatHosts(hosts []string) []string {
	var out []string
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		if isLocalHost(h) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func isLocalHost(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// replicaConfigFrom returns a ReplicaConfig func that copies the primary's
// settings, points them at the replica host and optionally swaps the
// credentials.
func replicaConfigFrom(primary *mysql.Config, user, password string) func(host string) *mysql.Config {
	port := "3306"
	if primary.Net == "tcp" {
		if _, p, err := net.SplitHostPort(primary.Addr); err == nil {
			port = p
		}
	}
	return func(host string) *mysql.Config {
		cfg := primary.Clone()
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(host, port)
		if user != "" {
			cfg.User = user
			cfg.Passwd = password
		}
		return cfg
	}
}

type replicaDB struct {
	*mysqlConnection
	db *sql.DB
}

func (r *replicaDB) Close() error { return r.db.Close() }

func dialReplica(ctx context.Context, cfg *mysql.Config) (replicaSession, error) {
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &replicaDB{mysqlConnection: newConnection(db), db: db}, nil
}
