package main

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ChunkBounds are optional explicit bounds on the ordering key.
type ChunkBounds struct {
	Start *int64
	Limit *int64
}

// ChunkFinder resolves the inclusive key range to copy. Bounds are read once
// and never refreshed: rows added above the limit later are handled by the
// triggers.
type ChunkFinder struct {
	start, limit       int64
	hasStart, hasLimit bool
}

// Validate rejects explicit bounds with start above limit.
func (b ChunkBounds) Validate() error {
	if b.Start != nil && b.Limit != nil && *b.Start > *b.Limit {
		return errorf(ErrImpossibleChunk, "limit (%d) must be greater than start (%d)", *b.Limit, *b.Start)
	}
	return nil
}

func NewChunkFinder(ctx context.Context, m *Migration, conn Connection, bounds ChunkBounds) (*ChunkFinder, error) {
	f := &ChunkFinder{}
	var err error

	if bounds.Start != nil {
		f.start, f.hasStart = *bounds.Start, true
	} else {
		q := fmt.Sprintf("select min(%s) from %s", quoteIdent(m.Key()), quoteIdent(m.OriginName()))
		if f.start, f.hasStart, err = selectInt(ctx, conn, q); err != nil {
			return nil, errors.Wrap(err, "select chunk start")
		}
	}

	if bounds.Limit != nil {
		f.limit, f.hasLimit = *bounds.Limit, true
	} else {
		q := fmt.Sprintf("select max(%s) from %s", quoteIdent(m.Key()), quoteIdent(m.OriginName()))
		if f.limit, f.hasLimit, err = selectInt(ctx, conn, q); err != nil {
			return nil, errors.Wrap(err, "select chunk limit")
		}
	}
	return f, nil
}

func (f *ChunkFinder) Start() (int64, bool) { return f.start, f.hasStart }

func (f *ChunkFinder) Limit() (int64, bool) { return f.limit, f.hasLimit }

// TableEmpty is true when neither bound could be determined.
func (f *ChunkFinder) TableEmpty() bool { return !f.hasStart && !f.hasLimit }

// Validate rejects a start above the limit. Missing bounds are not an error.
func (f *ChunkFinder) Validate() error {
	if f.hasStart && f.hasLimit && f.start > f.limit {
		return errorf(ErrImpossibleChunk, "limit (%d) must be greater than start (%d)", f.limit, f.start)
	}
	return nil
}
