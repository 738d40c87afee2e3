package fstrans

import (
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout is returned when another transaction holds the target
	// directory for longer than the configured wait budget.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrClone is returned when materializing a working or independent copy fails.
	// Partial output has been removed by the time it is returned.
	ErrClone = errors.New("clone failed")
	// ErrIO is returned for read, write, unlink or rename failures not otherwise classified.
	ErrIO = errors.New("i/o error")
	// ErrCommit is returned when the rename sequence of a commit fails.
	ErrCommit = errors.New("commit failed")
	// ErrInvalidState is returned when an operation is invoked on a transaction
	// that is not in the required lifecycle state.
	ErrInvalidState = errors.New("invalid transaction state")
	// ErrTransaction is returned when a transaction could not be started after
	// its lock was acquired.
	ErrTransaction = errors.New("transaction failed")
	// ErrOutsideTree is returned for paths that escape the working tree.
	ErrOutsideTree = errors.New("path outside working tree")
	// ErrLockLost is returned when releasing a lock whose marker no longer
	// belongs to the releasing transaction.
	ErrLockLost = errors.New("lock not held")
	// ErrCleanup reports that a discarded tree could not be removed. The
	// transaction outcome is unaffected.
	ErrCleanup = errors.New("cleanup failed")
)

// Error records a failed operation together with its kind and the path it
// was applied to.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause, so errors.Is
// matches either.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, path string, err error) error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// ioError classifies err as ErrIO unless it already carries a kind.
func ioError(op, path string, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return newError(ErrIO, op, path, err)
}

func invalidState(op string, s State) error {
	return newError(ErrInvalidState, op, "", fmt.Errorf("transaction is %s", s))
}
