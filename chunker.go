package main

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// Chunker copies the existing rows of origin into destination one key range
// at a time.
type Chunker struct {
	migration *Migration
	finder    *ChunkFinder
	retry     *SQLRetry
	throttler Throttler
	printer   Printer
	logger    zerolog.Logger
}

func NewChunker(m *Migration, finder *ChunkFinder, retry *SQLRetry, throttler Throttler, printer Printer, logger zerolog.Logger) *Chunker {
	if printer == nil {
		printer = nopPrinter{}
	}
	return &Chunker{
		migration: m,
		finder:    finder,
		retry:     retry.WithPrefix("Chunker"),
		throttler: throttler,
		printer:   printer,
		logger:    logger.With().Str("component", "chunker").Logger(),
	}
}

func (c *Chunker) Validate() error {
	return c.finder.Validate()
}

// Run copies [start, limit]. The stride is re-read before every chunk so the
// throttler may change it between chunks.
func (c *Chunker) Run(ctx context.Context) error {
	start, hasStart := c.finder.Start()
	limit, hasLimit := c.finder.Limit()
	if !hasStart || !hasLimit {
		c.logger.Info().Str("table", c.migration.OriginName()).Msg("nothing to copy")
		return nil
	}

	var copied int64
	next := start
	for {
		stride := c.throttler.Stride()
		if stride < 1 {
			stride = 1
		}
		top, err := c.upperID(ctx, next, stride, limit)
		if err != nil {
			return err
		}

		affected, err := NewChunkInsert(c.migration, next, top).Insert(ctx, c.retry)
		if err != nil {
			return errors.Wrapf(err, "copy rows %d..%d", next, top)
		}
		copied += affected
		if affected > 0 {
			if err := c.throttler.Run(ctx); err != nil {
				return errors.Wrap(err, "throttle")
			}
		}
		c.printer.Notify(next, limit)

		// top can be MaxInt64, so compare before advancing
		if start == limit || top >= limit {
			break
		}
		next = top + 1
	}
	c.printer.End()
	c.logger.Info().Int64("rows", copied).Int64("start", start).Int64("limit", limit).Msg("copy finished")
	return nil
}

// upperID returns the key of the stride-th row at or after next, capped at
// limit. Near the end of the table there may be no such row.
func (c *Chunker) upperID(ctx context.Context, next int64, stride int, limit int64) (int64, error) {
	key := quoteIdent(c.migration.Key())
	q := fmt.Sprintf("select %s from %s where %s >= %d order by %s limit 1 offset %d",
		key, quoteIdent(c.migration.OriginName()), key, next, key, stride-1)

	var top int64
	var ok bool
	err := c.retry.WithRetries(ctx, func(ctx context.Context, conn Connection) error {
		var err error
		top, ok, err = selectInt(ctx, conn, q)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "select chunk upper bound")
	}
	if !ok || top > limit {
		return limit, nil
	}
	return top, nil
}
