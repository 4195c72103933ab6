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

func TestAtomicSwitcher(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	s := NewAtomicSwitcher(testMigration(t, ""), testRetry(conn), zerolog.Nop())

	assert.Equal(t,
		"rename table `origin` to `lhma_2024_03_05_10_11_12_345_origin`, `lhmn_origin` to `origin`",
		s.Statement())
	require.NoError(t, s.Switch(context.Background()))
	assert.Equal(t, []string{s.Statement() + " " + sqlTag}, conn.statements())
}

func TestAtomicSwitcherRetriesLockWait(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	calls := 0
	conn.execFn = func(string) (int64, error) {
		calls++
		if calls == 1 {
			return 0, errLockWait
		}
		return 0, nil
	}
	s := NewAtomicSwitcher(testMigration(t, ""), testRetry(conn), zerolog.Nop())
	require.NoError(t, s.Switch(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestSwitchersValidate(t *testing.T) {
	for _, tables := range [][]string{{"origin"}, {"lhmn_origin"}, nil} {
		conn := newFakeConn(tables...)
		m := testMigration(t, "")
		for _, s := range []Switcher{
			NewAtomicSwitcher(m, testRetry(conn), zerolog.Nop()),
			NewLockedSwitcher(m, testRetry(conn), zerolog.Nop()),
		} {
			err := s.Switch(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTableMissing))
		}
		assert.Empty(t, conn.statements())
	}
}

func TestLockedSwitcher(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	s := NewLockedSwitcher(testMigration(t, ""), testRetry(conn), zerolog.Nop())

	want := []string{
		"set @lhm_auto_commit = @@session.autocommit, session autocommit = 0",
		"lock table `origin` write, `lhmn_origin` write",
		"alter table `origin` rename `lhma_2024_03_05_10_11_12_345_origin`",
		"alter table `lhmn_origin` rename `origin`",
		"commit",
		"unlock tables",
		"set session autocommit = @lhm_auto_commit",
	}
	assert.Equal(t, want, s.Statements())

	require.NoError(t, s.Switch(context.Background()))
	got := conn.statements()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i]+" "+sqlTag, got[i])
	}
}

func TestLockedSwitcherRevertsOnFailure(t *testing.T) {
	conn := newFakeConn("origin", "lhmn_origin")
	denied := errors.New("ALTER command denied")
	conn.execFn = func(q string) (int64, error) {
		if strings.HasPrefix(q, "alter table `lhmn_origin`") {
			return 0, denied
		}
		return 0, nil
	}
	s := NewLockedSwitcher(testMigration(t, ""), testRetry(conn), zerolog.Nop())

	err := s.Switch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, denied))

	got := conn.statements()
	require.Len(t, got, 7)
	assert.Equal(t, "alter table `lhma_2024_03_05_10_11_12_345_origin` rename `origin` "+sqlTag, got[4])
	assert.Equal(t, "unlock tables "+sqlTag, got[5])
	assert.Equal(t, "set session autocommit = @lhm_auto_commit "+sqlTag, got[6])
}

func TestLockedSwitcherRevert(t *testing.T) {
	for _, tt := range []struct {
		name   string
		failAt string
		undo   []string
	}{
		{
			name:   "lock",
			failAt: "lock table",
		},
		{
			name:   "commit",
			failAt: "commit",
			undo: []string{
				"alter table `origin` rename `lhmn_origin`",
				"alter table `lhma_2024_03_05_10_11_12_345_origin` rename `origin`",
			},
		},
		{
			name:   "unlock",
			failAt: "unlock tables",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn("origin", "lhmn_origin")
			failed := errors.New("lost connection")
			once := false
			conn.execFn = func(q string) (int64, error) {
				if once || !strings.HasPrefix(q, tt.failAt) {
					return 0, nil
				}
				once = true
				return 0, failed
			}
			s := NewLockedSwitcher(testMigration(t, ""), testRetry(conn), zerolog.Nop())

			err := s.Switch(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, failed))

			var undo []string
			for _, q := range tt.undo {
				undo = append(undo, q+" "+sqlTag)
			}
			undo = append(undo,
				"unlock tables "+sqlTag,
				"set session autocommit = @lhm_auto_commit "+sqlTag,
			)
			got := conn.statements()
			assert.Equal(t, undo, got[len(got)-len(undo):])
		})
	}
}
