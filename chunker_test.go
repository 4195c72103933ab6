package main

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runChunker(t *testing.T, sim *tableSim, bounds ChunkBounds, throttler Throttler, printer Printer) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	sim.wire(conn)
	m := testMigration(t, "")
	finder, err := NewChunkFinder(context.Background(), m, conn, bounds)
	require.NoError(t, err)
	c := NewChunker(m, finder, testRetry(conn), throttler, printer, zerolog.Nop())
	require.NoError(t, c.Validate())
	require.NoError(t, c.Run(context.Background()))
	return conn
}

// assertCoverage checks that chunks tile [start, limit] without gaps or
// overlaps and end exactly at limit.
func assertCoverage(t *testing.T, chunks [][2]int64, start, limit int64) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Equal(t, start, chunks[0][0])
	for i, c := range chunks {
		assert.LessOrEqual(t, c[0], c[1], "chunk %d inverted", i)
		if i > 0 {
			assert.Equal(t, chunks[i-1][1]+1, c[0], "gap or overlap before chunk %d", i)
		}
	}
	assert.Equal(t, limit, chunks[len(chunks)-1][1])
}

func TestChunkerCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		var ids []int64
		next := int64(rng.Intn(20) + 1)
		for n := rng.Intn(200) + 1; n > 0; n-- {
			ids = append(ids, next)
			next += int64(rng.Intn(5) + 1)
		}
		stride := rng.Intn(30) + 1

		sim := newTableSim(ids...)
		throttler := &recordingThrottler{stride: stride}
		runChunker(t, sim, ChunkBounds{}, throttler, nil)

		assertCoverage(t, sim.chunks, ids[0], ids[len(ids)-1])
		assert.Len(t, sim.dest, len(ids))
		for _, c := range sim.chunks[:len(sim.chunks)-1] {
			rows := 0
			for _, id := range ids {
				if id >= c[0] && id <= c[1] {
					rows++
				}
			}
			assert.Equal(t, stride, rows, "full chunks hold exactly stride rows")
		}
	}
}

func TestChunkerExplicitBounds(t *testing.T) {
	sim := newTableSim(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	runChunker(t, sim, ChunkBounds{Start: int64Ptr(3), Limit: int64Ptr(8)}, &recordingThrottler{stride: 4}, nil)

	assert.Equal(t, [][2]int64{{3, 6}, {7, 8}}, sim.chunks)
	assert.Len(t, sim.dest, 6)
}

func TestChunkerStopsAtLargestKey(t *testing.T) {
	sim := newTableSim(math.MaxInt64-3, math.MaxInt64-1, math.MaxInt64)
	runChunker(t, sim, ChunkBounds{}, &recordingThrottler{stride: 2}, nil)

	assert.Equal(t, [][2]int64{
		{math.MaxInt64 - 3, math.MaxInt64 - 1},
		{math.MaxInt64, math.MaxInt64},
	}, sim.chunks)
	assert.Len(t, sim.dest, 3)
}

func TestChunkerSingleRow(t *testing.T) {
	sim := newTableSim(42)
	printer := &recordingPrinter{}
	runChunker(t, sim, ChunkBounds{}, &recordingThrottler{stride: 100}, printer)

	assert.Equal(t, [][2]int64{{42, 42}}, sim.chunks)
	assert.Equal(t, [][2]int64{{42, 42}}, printer.notified)
	assert.Equal(t, 1, printer.ended)
}

func TestChunkerEmptyTable(t *testing.T) {
	sim := newTableSim()
	printer := &recordingPrinter{}
	conn := runChunker(t, sim, ChunkBounds{}, &recordingThrottler{stride: 10}, printer)

	assert.Empty(t, sim.chunks)
	assert.Empty(t, conn.statementsMatching("insert ignore"))
	assert.Empty(t, printer.notified)
}

func TestChunkerStrideChangesBetweenChunks(t *testing.T) {
	var ids []int64
	for i := int64(1); i <= 20; i++ {
		ids = append(ids, i)
	}
	sim := newTableSim(ids...)
	throttler := &recordingThrottler{stride: 2, onRun: func(t *recordingThrottler) { t.stride *= 2 }}
	runChunker(t, sim, ChunkBounds{}, throttler, nil)

	assert.Equal(t, [][2]int64{{1, 2}, {3, 6}, {7, 14}, {15, 20}}, sim.chunks)
	assert.Equal(t, []int{2, 4, 8, 16}, throttler.strides)
	assertCoverage(t, sim.chunks, 1, 20)
}

func TestChunkerThrottlesOnlyAfterCopiedRows(t *testing.T) {
	sim := newTableSim(1, 2, 3, 4)
	// rows 1 and 2 were already written by the triggers
	sim.dest[1], sim.dest[2] = "trigger", "trigger"
	throttler := &recordingThrottler{stride: 2}
	runChunker(t, sim, ChunkBounds{}, throttler, nil)

	assert.Equal(t, [][2]int64{{1, 2}, {3, 4}}, sim.chunks)
	assert.Equal(t, 1, throttler.runs)
}

func TestChunkerConvergence(t *testing.T) {
	sim := newTableSim(1, 2, 3, 4, 5, 6, 7, 8)
	// a trigger replaced row 5 before its chunk ran
	sim.dest[5] = "updated-by-trigger"
	runChunker(t, sim, ChunkBounds{}, &recordingThrottler{stride: 3}, nil)

	assert.Equal(t, "updated-by-trigger", sim.dest[5])
	for _, id := range []int64{1, 2, 3, 4, 6, 7, 8} {
		assert.Equal(t, sim.origin[id], sim.dest[id])
	}
}

func TestChunkerProgress(t *testing.T) {
	sim := newTableSim(1, 2, 3, 4, 5)
	printer := &recordingPrinter{}
	runChunker(t, sim, ChunkBounds{}, &recordingThrottler{stride: 2}, printer)

	assert.Equal(t, [][2]int64{{1, 5}, {3, 5}, {5, 5}}, printer.notified)
	assert.Equal(t, 1, printer.ended)
}

func TestChunkerRetriesLockWait(t *testing.T) {
	sim := newTableSim(1, 2, 3)
	conn := newFakeConn()
	sim.wire(conn)
	insert := conn.execFn
	failed := false
	conn.execFn = func(q string) (int64, error) {
		if !failed {
			failed = true
			return 0, errLockWait
		}
		return insert(q)
	}

	m := testMigration(t, "")
	finder, err := NewChunkFinder(context.Background(), m, conn, ChunkBounds{})
	require.NoError(t, err)
	c := NewChunker(m, finder, testRetry(conn), &recordingThrottler{stride: 10}, nil, zerolog.Nop())
	require.NoError(t, c.Run(context.Background()))

	assert.Len(t, conn.statementsMatching("insert ignore"), 2)
	assert.Len(t, sim.dest, 3)
}

func TestChunkerPropagatesOtherErrors(t *testing.T) {
	sim := newTableSim(1, 2, 3)
	conn := newFakeConn()
	sim.wire(conn)
	boom := errors.New("table is read only")
	conn.execFn = func(string) (int64, error) { return 0, boom }

	m := testMigration(t, "")
	finder, err := NewChunkFinder(context.Background(), m, conn, ChunkBounds{})
	require.NoError(t, err)
	c := NewChunker(m, finder, testRetry(conn), &recordingThrottler{stride: 10}, nil, zerolog.Nop())

	err = c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Len(t, conn.statements(), 1)
}
