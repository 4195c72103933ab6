package main

import (
	"context"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntangler(t *testing.T, conn *fakeConn) *Entangler {
	t.Helper()
	return NewEntangler(testMigration(t, ""), testRetry(conn), zerolog.Nop())
}

func TestEntanglerStatements(t *testing.T) {
	e := newTestEntangler(t, newFakeConn())

	assert.Equal(t, []string{
		"create trigger `lhmt_ins_origin` after insert on `origin` for each row " +
			"replace into `lhmn_origin` (`email`, `id`, `name`) /* shadowswap */ " +
			"values (NEW.`email`, NEW.`id`, NEW.`name`)",
		"create trigger `lhmt_upd_origin` after update on `origin` for each row " +
			"replace into `lhmn_origin` (`email`, `id`, `name`) /* shadowswap */ " +
			"values (NEW.`email`, NEW.`id`, NEW.`name`)",
		"create trigger `lhmt_del_origin` after delete on `origin` for each row " +
			"delete ignore from `lhmn_origin` /* shadowswap */ " +
			"where `lhmn_origin`.`id` = OLD.`id`",
	}, e.Entangle())

	assert.Equal(t, []string{
		"drop trigger if exists `lhmt_ins_origin`",
		"drop trigger if exists `lhmt_upd_origin`",
		"drop trigger if exists `lhmt_del_origin`",
	}, e.Untangle())
}

func TestEntanglerValidate(t *testing.T) {
	e := newTestEntangler(t, newFakeConn("origin"))
	err := e.Validate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTableMissing))
	assert.Contains(t, err.Error(), "lhmn_origin")

	e = newTestEntangler(t, newFakeConn("origin", "lhmn_origin"))
	assert.NoError(t, e.Validate(context.Background()))
}

func TestEntanglerRunOrdering(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	e := newTestEntangler(t, conn)

	var seenBeforeFn int
	err := e.Run(context.Background(), func(context.Context) error {
		seenBeforeFn = len(conn.statements())
		_, err := conn.Exec(context.Background(), "copy")
		return err
	})
	require.NoError(t, err)

	stmts := conn.statements()
	require.Len(t, stmts, 7)
	assert.Equal(t, 3, seenBeforeFn)
	for i := 0; i < 3; i++ {
		assert.True(t, strings.HasPrefix(stmts[i], "create trigger"), stmts[i])
		assert.True(t, strings.HasSuffix(stmts[i], sqlTag))
	}
	assert.Equal(t, "copy", stmts[3])
	for i := 4; i < 7; i++ {
		assert.True(t, strings.HasPrefix(stmts[i], "drop trigger if exists"), stmts[i])
	}
}

func TestEntanglerUntanglesOnFailure(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	e := newTestEntangler(t, conn)
	boom := errors.New("copy failed")

	err := e.Run(context.Background(), func(context.Context) error { return boom })
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	drops := conn.statementsMatching("drop trigger")
	assert.Len(t, drops, 3)
	for _, name := range e.Triggers() {
		assert.Len(t, conn.statementsMatching("drop trigger if exists `"+name+"`"), 1)
	}
}

func TestEntanglerUntanglesWhenEntangleFails(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	denied := errors.New("TRIGGER command denied")
	conn.execFn = func(q string) (int64, error) {
		if strings.Contains(q, "lhmt_upd_origin") && strings.HasPrefix(q, "create") {
			return 0, denied
		}
		return 0, nil
	}
	e := newTestEntangler(t, conn)

	called := false
	err := e.Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, denied))
	assert.Contains(t, err.Error(), "entangle")
	assert.False(t, called)
	assert.Len(t, conn.statementsMatching("drop trigger"), 3)
}

func TestEntanglerSkipsEverythingWhenTablesMissing(t *testing.T) {
	conn := newFakeConn("origin")
	e := newTestEntangler(t, conn)

	err := e.Run(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTableMissing))
	assert.Empty(t, conn.statements())
}

func TestEntanglerRetriesLockWait(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	failures := 0
	conn.execFn = func(q string) (int64, error) {
		if strings.Contains(q, "lhmt_ins_origin") && strings.HasPrefix(q, "create") && failures < 2 {
			failures++
			return 0, errLockWait
		}
		return 0, nil
	}
	e := newTestEntangler(t, conn)

	require.NoError(t, e.Before(context.Background()))
	assert.Len(t, conn.statementsMatching("create trigger `lhmt_ins_origin`"), 3)
}
