package fstrans

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Transaction
type State int

const (
	// Idle transactions have not acquired their lock yet.
	Idle State = iota
	// Active transactions hold the lock and own a working tree.
	Active
	// Committed transactions replaced the final tree with their working tree.
	Committed
	// RolledBack transactions discarded their working tree.
	RolledBack
	// Aborted transactions failed to commit. The final tree was restored and
	// the working tree discarded.
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transaction stages modifications to a directory tree in a working copy
// which is swapped into place by Commit or thrown away by Rollback.
//
// Regular files of the working tree start out as hard links to the final
// tree's files. Writing through OpenFile, PutFile and the other
// Transaction methods detaches a file before touching it; writing to
// working-tree paths by other means mutates the live tree as well.
type Transaction struct {
	final  string
	work   string
	opts   *options
	fsys   *osFs
	lock   *lock
	logger log.FieldLogger

	mu    sync.Mutex
	state State
}

// Begin locks the directory at path and materializes its working tree.
// It waits up to the configured timeout for a concurrent transaction on
// the same directory, failing with ErrLockTimeout after that.
func Begin(path string, opts ...Option) (*Transaction, error) {
	return BeginContext(context.Background(), path, opts...)
}

// BeginContext is Begin with a context bounding the lock wait.
func BeginContext(ctx context.Context, path string, opts ...Option) (*Transaction, error) {
	o := newOptions(opts)
	if err := o.validate(); err != nil {
		return nil, newError(ErrTransaction, "begin", path, err)
	}
	final, err := resolveDir(path)
	if err != nil {
		return nil, newError(ErrTransaction, "begin", path, err)
	}

	tx := &Transaction{
		final:  final,
		work:   workPath(final),
		opts:   o,
		fsys:   newOsFs(o.copyBufferSize),
		logger: o.logger.WithField("final", final),
		state:  Idle,
	}

	l, err := acquireLock(ctx, tx.fsys, final, o)
	if err != nil {
		TransactionsTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, err
	}
	tx.lock = l

	if err := tx.materialize(); err != nil {
		TransactionsTotal.WithLabelValues(outcomeFailed).Inc()
		_ = tx.unlock()
		return nil, newError(ErrTransaction, "begin", final, err)
	}

	tx.state = Active
	TransactionsTotal.WithLabelValues(outcomeBegun).Inc()
	tx.logger.WithField("work", tx.work).Debug("transaction begun")
	return tx, nil
}

// Do runs fn inside a transaction on path. The transaction commits if fn
// returns nil and rolls back if fn returns an error or panics. fn may end
// the transaction itself, in which case Do leaves it alone.
func Do(ctx context.Context, path string, fn func(*Transaction) error, opts ...Option) error {
	tx, err := BeginContext(ctx, path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if tx.State() == Active {
				_ = tx.Rollback()
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if tx.State() != Active {
			return err
		}
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	if tx.State() != Active {
		return nil
	}
	return tx.Commit()
}

// resolveDir returns the absolute, symlink-free path of the directory at path.
func resolveDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory")
	}
	if filepath.Dir(real) == real {
		return "", fmt.Errorf("cannot transact on a filesystem root")
	}
	return real, nil
}

// materialize clears leftovers of interrupted transactions and clones the
// final tree into the working tree. Called with the lock held.
func (tx *Transaction) materialize() error {
	if _, err := tx.fsys.Lstat(tx.work); err == nil {
		tx.logger.WithField("path", tx.work).Warn("removing working tree left by an interrupted transaction")
		if err := tx.fsys.removeTree(tx.work); err != nil {
			return ioError("remove", tx.work, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return ioError("stat", tx.work, err)
	}
	tx.sweepDiscards()

	return tx.fsys.cloneTree(tx.final, tx.work, false)
}

// sweepDiscards removes discard trees whose deletion was interrupted.
func (tx *Transaction) sweepDiscards() {
	prefix := "." + filepath.Base(tx.final) + discardSuffix
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(tx.final), prefix+"*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if !strings.HasPrefix(filepath.Base(m), prefix) {
			continue
		}
		tx.logger.WithField("path", m).Warn("removing tree left by an interrupted cleanup")
		_ = tx.remove(m)
	}
}

// Root returns the top of the tree being modified: the working tree while
// the transaction is active, and the final tree otherwise.
func (tx *Transaction) Root() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == Active {
		return tx.work
	}
	return tx.final
}

// Final returns the path of the tree the transaction replaces.
func (tx *Transaction) Final() string {
	return tx.final
}

// State returns the current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Path maps name to its location in the working tree. Relative names are
// taken relative to the working root; absolute names must lie in the
// working tree or in the final tree, in which case they are translated to
// the corresponding working-tree location.
func (tx *Transaction) Path(name string) (string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return "", invalidState("path", tx.state)
	}
	return tx.resolve(name)
}

func (tx *Transaction) resolve(name string) (string, error) {
	if !filepath.IsAbs(name) {
		p := filepath.Join(tx.work, name)
		if !within(tx.work, p) {
			return "", newError(ErrOutsideTree, "resolve", name, nil)
		}
		return p, nil
	}
	p := filepath.Clean(name)
	if within(tx.work, p) {
		return p, nil
	}
	if within(tx.final, p) {
		rel, err := filepath.Rel(tx.final, p)
		if err != nil {
			return "", newError(ErrOutsideTree, "resolve", name, err)
		}
		return filepath.Join(tx.work, rel), nil
	}
	return "", newError(ErrOutsideTree, "resolve", name, nil)
}

// Commit makes the working tree the final tree: the final tree is renamed
// to a discard name (or snapshot name), the working tree is renamed into
// its place, and the old tree is deleted. Between the two renames the
// final path briefly does not exist.
//
// If either rename fails the pre-commit tree is restored, the working tree
// is discarded, and an error matching ErrCommit is returned. If only the
// deletion of the old tree fails the commit stands and the returned error
// matches ErrCleanup.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("commit", tx.state)
	}

	old := discardPath(tx.final)
	if tx.opts.snapshot != "" {
		old = filepath.Join(filepath.Dir(tx.final), time.Now().Format(tx.opts.snapshot))
		if _, err := tx.fsys.Lstat(old); err == nil {
			return tx.abort(newError(ErrCommit, "commit", old, fs.ErrExist))
		}
	}

	if err := tx.fsys.Rename(tx.final, old); err != nil {
		return tx.abort(newError(ErrCommit, "commit", tx.final, err))
	}
	if err := tx.fsys.Rename(tx.work, tx.final); err != nil {
		cause := err
		if rerr := tx.fsys.Rename(old, tx.final); rerr != nil {
			cause = fmt.Errorf("%w; previous tree left at %s: %v", err, tx.rescue(old), rerr)
		}
		return tx.abort(newError(ErrCommit, "commit", tx.final, cause))
	}

	tx.state = Committed
	TransactionsTotal.WithLabelValues(outcomeCommitted).Inc()
	tx.logger.Debug("transaction committed")

	var errs []error
	if tx.opts.snapshot == "" {
		if err := tx.remove(old); err != nil {
			errs = append(errs, err)
		}
	} else {
		tx.logger.WithField("snapshot", old).Info("previous tree retained")
	}
	if err := tx.unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Rollback discards the working tree. The final tree is never touched; a
// returned error only reports that cleanup was incomplete.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return invalidState("rollback", tx.state)
	}
	tx.state = RolledBack
	TransactionsTotal.WithLabelValues(outcomeRolledBack).Inc()
	tx.logger.Debug("transaction rolled back")

	var errs []error
	if err := tx.discard(tx.work); err != nil {
		errs = append(errs, err)
	}
	if err := tx.unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// rescue moves a previous tree that could not be restored out of the
// discard namespace, so that a later Begin does not sweep it away. It
// returns where the tree ended up.
func (tx *Transaction) rescue(old string) string {
	if tx.opts.snapshot != "" {
		return old
	}
	kept := rescuePath(tx.final)
	if err := tx.fsys.Rename(old, kept); err != nil {
		tx.logger.WithFields(log.Fields{"path": old, "err": err}).Error("failed to move previous tree to a rescue name")
		return old
	}
	tx.logger.WithField("path", kept).Error("previous tree could not be restored")
	return kept
}

// abort ends a failed commit. The final tree has been put back unless the
// previous tree had to be rescued.
func (tx *Transaction) abort(cause error) error {
	tx.state = Aborted
	TransactionsTotal.WithLabelValues(outcomeAborted).Inc()
	tx.logger.WithField("err", cause).Warn("commit failed")

	errs := []error{cause}
	if err := tx.discard(tx.work); err != nil {
		errs = append(errs, err)
	}
	if err := tx.unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// discard renames tree out of sight and deletes it.
func (tx *Transaction) discard(tree string) error {
	grave := discardPath(tx.final)
	if err := tx.fsys.Rename(tree, grave); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		CleanupFailuresTotal.Inc()
		tx.logger.WithFields(log.Fields{"path": tree, "err": err}).Warn("failed to discard tree")
		return newError(ErrCleanup, "discard", tree, err)
	}
	return tx.remove(grave)
}

// remove deletes a discarded tree, reporting but not acting on failure.
func (tx *Transaction) remove(tree string) error {
	if err := tx.fsys.removeTree(tree); err != nil {
		CleanupFailuresTotal.Inc()
		tx.logger.WithFields(log.Fields{"path": tree, "err": err}).Warn("failed to remove discarded tree")
		return newError(ErrCleanup, "remove", tree, err)
	}
	return nil
}

func (tx *Transaction) unlock() error {
	if err := tx.lock.release(); err != nil {
		tx.logger.WithField("err", err).Warn("failed to release lock")
		return err
	}
	return nil
}
