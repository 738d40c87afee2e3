//go:build unix

package fstrans

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func lockOptions(opts ...Option) *options {
	return newOptions(append([]Option{
		WithLogger(quietLogger()),
		WithTimeout(100 * time.Millisecond),
		WithRetryInterval(10 * time.Millisecond),
	}, opts...))
}

// deadPID returns the pid of a process which has already exited
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	return cmd.Process.Pid
}

// writeMarker plants a lock marker for final with the given owner
func writeMarker(t *testing.T, final string, owner LockOwner) {
	t.Helper()
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatalf("failed to encode owner: %v", err)
	}
	if err := os.WriteFile(lockPath(final), data, 0644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}
}

func TestLockAcquireRelease(t *testing.T) {
	_, final := newTree(t)
	o := lockOptions()
	fsys := newOsFs(o.copyBufferSize)

	l, err := acquireLock(context.Background(), fsys, final, o)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	owner, locked, err := ReadLockOwner(final)
	if err != nil {
		t.Fatalf("failed to read owner: %v", err)
	}
	if !locked {
		t.Fatal("expected directory to be locked")
	}
	if owner.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), owner.PID)
	}
	if owner.Token != l.owner.Token {
		t.Errorf("expected token %q, got %q", l.owner.Token, owner.Token)
	}

	if err := l.release(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath(final)); !os.IsNotExist(err) {
		t.Errorf("expected marker to be removed, got %v", err)
	}
	if _, locked, _ := ReadLockOwner(final); locked {
		t.Error("expected directory to be unlocked")
	}
}

func TestLockTimeout(t *testing.T) {
	_, final := newTree(t)
	o := lockOptions()
	fsys := newOsFs(o.copyBufferSize)

	l, err := acquireLock(context.Background(), fsys, final, o)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer l.release()

	start := time.Now()
	_, err = acquireLock(context.Background(), fsys, final, o)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("gave up after %s, before the timeout", elapsed)
	}
}

func TestLockContextCancel(t *testing.T) {
	_, final := newTree(t)
	o := lockOptions(WithTimeout(time.Minute))
	fsys := newOsFs(o.copyBufferSize)

	l, err := acquireLock(context.Background(), fsys, final, o)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer l.release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = acquireLock(ctx, fsys, final, o)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context error to be wrapped, got %v", err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	_, final := newTree(t)
	host, _ := os.Hostname()
	writeMarker(t, final, LockOwner{
		PID:      deadPID(t),
		Host:     host,
		Acquired: time.Now().Add(-time.Hour),
		Token:    "stale",
	})

	before := testutil.ToFloat64(StaleLocksReclaimed)
	o := lockOptions(WithStaleAfter(time.Second))
	l, err := acquireLock(context.Background(), newOsFs(o.copyBufferSize), final, o)
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
	defer l.release()

	if got := testutil.ToFloat64(StaleLocksReclaimed) - before; got != 1 {
		t.Errorf("expected one reclaim, got %v", got)
	}
	owner, _, err := ReadLockOwner(final)
	if err != nil {
		t.Fatalf("failed to read owner: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("expected marker to be ours, got pid %d", owner.PID)
	}
}

func TestLockNotReclaimed(t *testing.T) {
	host, _ := os.Hostname()

	tests := []struct {
		name  string
		owner func(t *testing.T) LockOwner
	}{
		{"live owner", func(t *testing.T) LockOwner {
			return LockOwner{PID: os.Getpid(), Host: host, Acquired: time.Now().Add(-time.Hour), Token: "live"}
		}},
		{"other host", func(t *testing.T) LockOwner {
			return LockOwner{PID: deadPID(t), Host: "elsewhere.invalid", Acquired: time.Now().Add(-time.Hour), Token: "remote"}
		}},
		{"within grace", func(t *testing.T) LockOwner {
			return LockOwner{PID: deadPID(t), Host: host, Acquired: time.Now(), Token: "fresh"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, final := newTree(t)
			writeMarker(t, final, tt.owner(t))

			o := lockOptions(WithStaleAfter(30 * time.Second))
			_, err := acquireLock(context.Background(), newOsFs(o.copyBufferSize), final, o)
			if !errors.Is(err, ErrLockTimeout) {
				t.Fatalf("expected ErrLockTimeout, got %v", err)
			}
			if _, err := os.Stat(lockPath(final)); err != nil {
				t.Errorf("expected foreign marker to survive, got %v", err)
			}
		})
	}
}

func TestCorruptMarkerReclaimedByAge(t *testing.T) {
	_, final := newTree(t)
	marker := lockPath(final)
	if err := os.WriteFile(marker, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}

	o := lockOptions(WithStaleAfter(time.Hour))
	fsys := newOsFs(o.copyBufferSize)
	if _, err := acquireLock(context.Background(), fsys, final, o); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected fresh corrupt marker to hold, got %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(marker, old, old); err != nil {
		t.Fatalf("failed to age marker: %v", err)
	}
	l, err := acquireLock(context.Background(), fsys, final, o)
	if err != nil {
		t.Fatalf("expected old corrupt marker to be reclaimed, got %v", err)
	}
	l.release()
}

func TestReleaseForeignMarker(t *testing.T) {
	_, final := newTree(t)
	o := lockOptions()
	l, err := acquireLock(context.Background(), newOsFs(o.copyBufferSize), final, o)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	writeMarker(t, final, LockOwner{PID: 1, Host: "elsewhere.invalid", Acquired: time.Now(), Token: "foreign"})

	if err := l.release(); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if _, err := os.Stat(lockPath(final)); err != nil {
		t.Errorf("expected foreign marker to survive release, got %v", err)
	}
}

func TestLockPathIsSibling(t *testing.T) {
	got := lockPath("/srv/www")
	if got != filepath.Join("/srv", ".www.fstrans-lock") {
		t.Errorf("unexpected lock path %q", got)
	}
	if workPath("/srv/www") != "/srv/.www.fstrans-work" {
		t.Errorf("unexpected work path %q", workPath("/srv/www"))
	}
}
