package fstrans

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// LockOwner is the record stored in a lock marker.
type LockOwner struct {
	PID      int       `json:"pid"`
	Host     string    `json:"host"`
	Acquired time.Time `json:"acquired"`
	Token    string    `json:"token"`
}

// stale reports whether the owner is a dead process on this host whose
// marker has outlived the grace period.
func (o *LockOwner) stale(host string, grace time.Duration) bool {
	if o.Host != host {
		return false
	}
	if time.Since(o.Acquired) < grace {
		return false
	}
	return !processAlive(o.PID)
}

// lock is a held lock marker
type lock struct {
	fsys  *osFs
	path  string
	owner LockOwner
}

// acquireLock creates the lock marker for final, retrying while another
// owner holds it until the timeout elapses or ctx is done.
func acquireLock(ctx context.Context, fsys *osFs, final string, o *options) (*lock, error) {
	path := lockPath(final)
	logger := o.logger.WithField("final", final)
	host, _ := os.Hostname()

	start := time.Now()
	deadline := start.Add(o.timeout)
	waiting := false

	for {
		l, err := tryLock(fsys, path, host)
		if err == nil {
			LockWaitSeconds.Observe(time.Since(start).Seconds())
			return l, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, ioError("lock", path, err)
		}

		reclaimed, err := reclaimStale(fsys, path, host, o.staleAfter, logger)
		if err != nil {
			logger.WithField("err", err).Warn("failed to inspect lock marker")
		} else if reclaimed {
			continue
		}

		if !waiting {
			logger.Info("directory already locked, waiting")
			waiting = true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			LockWaitSeconds.Observe(time.Since(start).Seconds())
			return nil, newError(ErrLockTimeout, "lock", final,
				fmt.Errorf("still held after %s", o.timeout))
		}
		wait := o.retryInterval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, newError(ErrLockTimeout, "lock", final, ctx.Err())
		case <-timer.C:
		}
	}
}

// tryLock makes a single exclusive-create attempt.
func tryLock(fsys *osFs, path, host string) (*lock, error) {
	owner := LockOwner{
		PID:      os.Getpid(),
		Host:     host,
		Acquired: time.Now().UTC(),
		Token:    uuid.NewString(),
	}
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}

	err = json.NewEncoder(f).Encode(&owner)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fsys.Remove(path)
		return nil, err
	}
	return &lock{fsys: fsys, path: path, owner: owner}, nil
}

// reclaimStale removes the marker at path if its owner is stale. It
// returns true when the caller should retry immediately: either the marker
// was reclaimed or it disappeared on its own.
func reclaimStale(fsys *osFs, path, host string, grace time.Duration, logger log.FieldLogger) (bool, error) {
	raw, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	} else if err != nil {
		return false, err
	}

	var owner LockOwner
	if jerr := json.Unmarshal(raw, &owner); jerr == nil {
		if !owner.stale(host, grace) {
			return false, nil
		}
	} else {
		// Unparseable, likely a crash between create and write. Judge by age.
		info, err := fsys.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		} else if err != nil {
			return false, err
		}
		if time.Since(info.ModTime()) < grace {
			return false, nil
		}
	}

	// Move the marker aside, then confirm it is the one inspected above.
	grave := tempPath(path)
	if err := fsys.Rename(path, grave); errors.Is(err, fs.ErrNotExist) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	taken, err := afero.ReadFile(fsys, grave)
	if err != nil || !bytes.Equal(taken, raw) {
		// Another process reclaimed and re-locked in between. Put its marker back.
		if lerr := fsys.Link(grave, path); lerr != nil {
			logger.WithFields(log.Fields{"err": lerr, "path": path}).
				Warn("failed to restore lock marker")
		}
		_ = fsys.Remove(grave)
		return false, nil
	}
	if err := fsys.Remove(grave); err != nil {
		logger.WithFields(log.Fields{"err": err, "path": grave}).Warn("failed to remove stale lock marker")
	}

	logger.WithFields(log.Fields{
		"pid":      owner.PID,
		"host":     owner.Host,
		"acquired": owner.Acquired,
	}).Warn("reclaimed stale lock")
	StaleLocksReclaimed.Inc()
	return true, nil
}

// release removes the marker if it still belongs to this lock.
func (l *lock) release() error {
	raw, err := afero.ReadFile(l.fsys, l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(ErrLockLost, "unlock", l.path, err)
		}
		return ioError("unlock", l.path, err)
	}
	var owner LockOwner
	if err := json.Unmarshal(raw, &owner); err != nil || owner.Token != l.owner.Token {
		return newError(ErrLockLost, "unlock", l.path,
			fmt.Errorf("marker belongs to pid %d on %q", owner.PID, owner.Host))
	}
	if err := l.fsys.Remove(l.path); err != nil {
		return ioError("unlock", l.path, err)
	}
	return nil
}

// ReadLockOwner returns the owner recorded in dir's lock marker. The
// boolean is false when dir is not locked. dir is resolved the way Begin
// resolves it.
func ReadLockOwner(dir string) (LockOwner, bool, error) {
	final, err := resolveDir(dir)
	if err != nil {
		return LockOwner{}, false, ioError("read lock", dir, err)
	}
	path := lockPath(final)

	raw, err := afero.ReadFile(newOsFs(DefaultCopyBufferSize), path)
	if errors.Is(err, fs.ErrNotExist) {
		return LockOwner{}, false, nil
	} else if err != nil {
		return LockOwner{}, false, ioError("read lock", path, err)
	}
	var owner LockOwner
	if err := json.Unmarshal(raw, &owner); err != nil {
		return LockOwner{}, true, ioError("read lock", path, err)
	}
	return owner, true, nil
}
