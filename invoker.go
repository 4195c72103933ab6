package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// lockWaitTimeoutDelta is subtracted from the global lock wait timeouts for
// the migration session.
const lockWaitTimeoutDelta = 2

// InvokerState is a step of a migration run.
type InvokerState string

const (
	StateValidating        InvokerState = "validating"
	StateSessionConfigured InvokerState = "session_configured"
	StateEntangled         InvokerState = "entangled"
	StateCopying           InvokerState = "copying"
	StateSwitching         InvokerState = "switching"
	StateDone              InvokerState = "done"
	StateFailed            InvokerState = "failed"
)

// RunOptions tune a single run.
type RunOptions struct {
	// AtomicSwitch picks the switch strategy. Nil decides from the server
	// version and fails when the server is affected by the rename bug.
	AtomicSwitch *bool
	Bounds       ChunkBounds
	Throttler    Throttler
	Printer      Printer
	Retry        RetryConfig
}

// Invoker drives one migration from validation to the table switch. All
// statements run on one session so the lock wait settings stick.
type Invoker struct {
	q        queryer
	conn     Connection
	migrator *Migrator
	logger   zerolog.Logger
	now      func() time.Time

	state        InvokerState
	onTransition func(InvokerState)
}

func NewInvoker(q queryer, migrator *Migrator, logger zerolog.Logger) *Invoker {
	return &Invoker{
		q:        q,
		conn:     newConnection(q),
		migrator: migrator,
		logger:   logger.With().Str("table", migrator.Name()).Logger(),
		now:      time.Now,
	}
}

func (i *Invoker) State() InvokerState { return i.state }

func (i *Invoker) setState(s InvokerState) {
	i.state = s
	i.logger.Info().Str("state", string(s)).Msg("migration state")
	if i.onTransition != nil {
		i.onTransition(s)
	}
}

// Run performs the migration. The returned Migration is nil when the run
// failed before the shadow table was built.
func (i *Invoker) Run(ctx context.Context, opts RunOptions) (*Migration, error) {
	i.logger.Info().Msg("starting run")
	m, err := i.run(ctx, opts)
	if err != nil {
		i.setState(StateFailed)
		i.logger.Error().Err(err).Msg("run failed")
		return m, err
	}
	i.setState(StateDone)
	return m, nil
}

func (i *Invoker) run(ctx context.Context, opts RunOptions) (*Migration, error) {
	i.setState(StateValidating)
	atomic, err := i.decideSwitch(ctx, opts.AtomicSwitch)
	if err != nil {
		return nil, err
	}
	if err := opts.Bounds.Validate(); err != nil {
		return nil, err
	}
	if opts.Throttler == nil {
		opts.Throttler = NewTimeThrottler(defaultTimeStride, defaultTimeDelay)
	}
	if opts.Retry.Tries == 0 {
		opts.Retry = DefaultRetryConfig()
	}

	if err := i.setSessionLockWaitTimeouts(ctx); err != nil {
		return nil, err
	}
	i.setState(StateSessionConfigured)

	retry := NewSQLRetry(i.conn, opts.Retry, i.logger)
	m, err := i.migrator.Run(ctx, i.q, retry, i.now())
	if err != nil {
		return nil, errors.Wrap(err, "prepare shadow table")
	}

	var switcher Switcher
	if atomic {
		switcher = NewAtomicSwitcher(m, retry, i.logger)
	} else {
		switcher = NewLockedSwitcher(m, retry, i.logger)
	}

	entangler := NewEntangler(m, retry, i.logger)
	err = entangler.Run(ctx, func(ctx context.Context) error {
		i.setState(StateEntangled)
		// Bounds are read only once the triggers mirror new rows.
		finder, err := NewChunkFinder(ctx, m, i.conn, opts.Bounds)
		if err != nil {
			return err
		}
		chunker := NewChunker(m, finder, retry, opts.Throttler, opts.Printer, i.logger)
		if err := chunker.Validate(); err != nil {
			return err
		}

		i.setState(StateCopying)
		if err := chunker.Run(ctx); err != nil {
			return errors.Wrap(err, "copy")
		}
		i.setState(StateSwitching)
		if err := switcher.Switch(ctx); err != nil {
			return errors.Wrap(err, "switch")
		}
		return nil
	})
	return m, err
}

func (i *Invoker) decideSwitch(ctx context.Context, choice *bool) (bool, error) {
	if choice != nil {
		return *choice, nil
	}
	v, err := i.conn.SelectValue(ctx, "select version()")
	if err != nil {
		return false, errors.Wrap(err, "read server version")
	}
	if !supportsAtomicSwitch(v.String) {
		return false, errorf(ErrAtomicSwitchUndecided, "server version %s", v.String)
	}
	return true, nil
}

// setSessionLockWaitTimeouts shortens both lock wait timeouts for this
// session so statements give up before other sessions' timeouts fire.
func (i *Invoker) setSessionLockWaitTimeouts(ctx context.Context) error {
	innodb, ok, err := selectInt(ctx, i.conn, "select @@global.innodb_lock_wait_timeout")
	if err != nil {
		return errors.Wrap(err, "read innodb_lock_wait_timeout")
	}
	if !ok {
		return errorf(ErrUnsafeLockWait, "innodb_lock_wait_timeout is not set")
	}
	lock, ok, err := selectInt(ctx, i.conn, "select @@global.lock_wait_timeout")
	if err != nil {
		return errors.Wrap(err, "read lock_wait_timeout")
	}
	if !ok {
		return errorf(ErrUnsafeLockWait, "lock_wait_timeout is not set")
	}

	if innodb <= lockWaitTimeoutDelta || lock <= lockWaitTimeoutDelta {
		return errorf(ErrUnsafeLockWait,
			"lock_wait_timeout %d or innodb_lock_wait_timeout %d is not above %d",
			lock, innodb, lockWaitTimeoutDelta)
	}

	for _, stmt := range []string{
		fmt.Sprintf("set session innodb_lock_wait_timeout = %d", innodb-lockWaitTimeoutDelta),
		fmt.Sprintf("set session lock_wait_timeout = %d", lock-lockWaitTimeoutDelta),
	} {
		if _, err := i.conn.Exec(ctx, tagged(stmt)); err != nil {
			return errors.Wrap(err, "configure session")
		}
	}
	return nil
}
