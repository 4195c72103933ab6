package main

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// Entangler mirrors every write on the origin table onto the destination
// table through AFTER triggers for as long as the copy runs.
type Entangler struct {
	migration *Migration
	retry     *SQLRetry
	logger    zerolog.Logger
}

func NewEntangler(m *Migration, retry *SQLRetry, logger zerolog.Logger) *Entangler {
	return &Entangler{
		migration: m,
		retry:     retry.WithPrefix("Entangler"),
		logger:    logger.With().Str("component", "entangler").Logger(),
	}
}

// Triggers lists the trigger names in creation order.
func (e *Entangler) Triggers() []string {
	names := make([]string, len(triggerOps))
	for i, op := range triggerOps {
		names[i] = triggerName(op, e.migration.OriginName())
	}
	return names
}

// Entangle returns the insert, update and delete trigger definitions.
func (e *Entangler) Entangle() []string {
	return []string{
		e.replaceTrigger(TriggerInsert, "insert"),
		e.replaceTrigger(TriggerUpdate, "update"),
		e.deleteTrigger(),
	}
}

// Untangle returns statements dropping the triggers. They succeed when the
// triggers are already gone.
func (e *Entangler) Untangle() []string {
	stmts := make([]string, 0, len(triggerOps))
	for _, name := range e.Triggers() {
		stmts = append(stmts, fmt.Sprintf("drop trigger if exists %s", quoteIdent(name)))
	}
	return stmts
}

func (e *Entangler) replaceTrigger(op TriggerOp, event string) string {
	m := e.migration
	return fmt.Sprintf(
		"create trigger %s after %s on %s for each row replace into %s (%s) %s values (%s)",
		quoteIdent(triggerName(op, m.OriginName())),
		event,
		quoteIdent(m.OriginName()),
		quoteIdent(m.DestinationName()),
		m.DestinationColumns(),
		sqlTag,
		rowColumns("NEW", m.Intersection().Origin),
	)
}

func (e *Entangler) deleteTrigger() string {
	m := e.migration
	return fmt.Sprintf(
		"create trigger %s after delete on %s for each row delete ignore from %s %s where %s.%s = OLD.%s",
		quoteIdent(triggerName(TriggerDelete, m.OriginName())),
		quoteIdent(m.OriginName()),
		quoteIdent(m.DestinationName()),
		sqlTag,
		quoteIdent(m.DestinationName()),
		quoteIdent(m.DestinationKey()),
		quoteIdent(m.Key()),
	)
}

// Validate checks that both tables exist.
func (e *Entangler) Validate(ctx context.Context) error {
	return validateTablePair(ctx, e.retry.Connection(), e.migration.OriginName(), e.migration.DestinationName())
}

// Before installs the triggers.
func (e *Entangler) Before(ctx context.Context) error {
	for _, stmt := range e.Entangle() {
		if _, err := e.retry.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "create trigger")
		}
	}
	e.logger.Info().Strs("triggers", e.Triggers()).Msg("triggers installed")
	return nil
}

// After drops the triggers.
func (e *Entangler) After(ctx context.Context) error {
	for _, stmt := range e.Untangle() {
		if _, err := e.retry.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "drop trigger")
		}
	}
	e.logger.Info().Strs("triggers", e.Triggers()).Msg("triggers removed")
	return nil
}

// Run validates, installs the triggers, calls fn and removes the triggers
// exactly once whatever happened before.
func (e *Entangler) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.Validate(ctx); err != nil {
		return err
	}

	err := e.Before(ctx)
	if err != nil {
		err = errors.Wrap(err, "entangle")
	} else if fnErr := fn(ctx); fnErr != nil {
		err = fnErr
	}

	// Drop triggers even when the caller's context is already cancelled.
	if afterErr := e.After(context.WithoutCancel(ctx)); afterErr != nil {
		if err == nil {
			return errors.Wrap(afterErr, "untangle")
		}
		e.logger.Error().Err(afterErr).Msg("untangle failed")
		return errors.Wrapf(err, "untangle also failed (%v)", afterErr)
	}
	return err
}

// validateTablePair fails unless both tables currently exist.
func validateTablePair(ctx context.Context, conn Connection, origin, destination string) error {
	for _, name := range []string{origin, destination} {
		ok, err := conn.TableExists(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			return errorf(ErrTableMissing, "%s", name)
		}
	}
	return nil
}
