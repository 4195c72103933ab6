package main

import "github.com/go-faster/errors"

var (
	// ErrTableMissing reports that origin or destination does not exist.
	ErrTableMissing = errors.New("table does not exist")
	// ErrImpossibleChunk reports chunk bounds with start above limit.
	ErrImpossibleChunk = errors.New("impossible chunk options")
	// ErrUnsafeLockWait reports global lock wait timeouts too small to shorten.
	ErrUnsafeLockWait = errors.New("unsafe lock wait timeout")
	// ErrAtomicSwitchUndecided reports a server that needs an explicit switch choice.
	ErrAtomicSwitchUndecided = errors.New("atomic switch must be set explicitly")
	ErrInvalidFilter         = errors.New("invalid filter")
	ErrNoOrderingKey         = errors.New("no usable ordering key")
	ErrEmptyIntersection     = errors.New("no common columns")
)

// errorf annotates a sentinel so callers can still match it with errors.Is.
func errorf(sentinel error, format string, args ...any) error {
	return errors.Wrapf(sentinel, format, args...)
}

// ErrInvalidRename reports a rename whose columns are missing on either side.
var ErrInvalidRename = errors.New("invalid column rename")

// ErrShadowExists reports a shadow table left over from an earlier run.
var ErrShadowExists = errors.New("shadow table already exists")
