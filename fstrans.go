package fstrans

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// reservedInfix marks every sibling path the engine creates next to a
	// final tree.
	reservedInfix = ".fstrans-"

	workSuffix    = reservedInfix + "work"
	lockSuffix    = reservedInfix + "lock"
	discardSuffix = reservedInfix + "discard-"
	rescueSuffix  = reservedInfix + "rescue-"
	tempSuffix    = reservedInfix + "tmp-"
)

const (
	// DefaultTimeout is how long Begin waits for a held lock.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryInterval is the pause between lock attempts.
	DefaultRetryInterval = 500 * time.Millisecond
	// DefaultStaleAfter is the grace period before a dead owner's lock may be reclaimed.
	DefaultStaleAfter = time.Minute
	// DefaultCopyBufferSize is the buffer used for content copies.
	DefaultCopyBufferSize = 32 * 1024
)

// options configures transactions and clones
type options struct {
	timeout        time.Duration
	retryInterval  time.Duration
	staleAfter     time.Duration
	snapshot       string
	copyBufferSize int
	logger         log.FieldLogger
}

// Option is a functional option for configuring a transaction
type Option func(*options)

// WithTimeout sets how long Begin waits for another transaction to
// release the target directory
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRetryInterval sets the pause between lock acquisition attempts
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

// WithStaleAfter sets how old a lock marker left by a dead process must be
// before it is reclaimed
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		o.staleAfter = d
	}
}

// WithSnapshot retains the previous tree on commit instead of deleting it.
// The tree is renamed to a sibling named by formatting the commit time
// with layout (see time.Time.Format). The layout must not produce a path
// separator.
func WithSnapshot(layout string) Option {
	return func(o *options) {
		o.snapshot = layout
	}
}

// WithCopyBufferSize sets the buffer size for content copies
func WithCopyBufferSize(size int) Option {
	return func(o *options) {
		o.copyBufferSize = size
	}
}

// WithLogger sets the logger used for recoverable anomalies such as stale
// lock reclamation and cleanup failures
func WithLogger(l log.FieldLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		timeout:        DefaultTimeout,
		retryInterval:  DefaultRetryInterval,
		staleAfter:     DefaultStaleAfter,
		copyBufferSize: DefaultCopyBufferSize,
		logger:         log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.copyBufferSize <= 0 {
		o.copyBufferSize = DefaultCopyBufferSize
	}
	if o.retryInterval <= 0 {
		o.retryInterval = DefaultRetryInterval
	}
	return o
}

func (o *options) validate() error {
	if o.snapshot == "" {
		return nil
	}
	name := time.Now().Format(o.snapshot)
	if strings.ContainsRune(name, filepath.Separator) || name == "." || name == ".." {
		return fmt.Errorf("snapshot layout %q produces an invalid name %q", o.snapshot, name)
	}
	return nil
}

// reservedSibling returns the path next to final used for the given role.
func reservedSibling(final, suffix string) string {
	dir, base := filepath.Split(final)
	return filepath.Join(dir, "."+base+suffix)
}

func workPath(final string) string { return reservedSibling(final, workSuffix) }

func lockPath(final string) string { return reservedSibling(final, lockSuffix) }

// discardPath returns a fresh, unique rename target for a tree about to be deleted.
func discardPath(final string) string {
	return reservedSibling(final, fmt.Sprintf("%s%d-%s", discardSuffix, time.Now().UnixNano(), shortID()))
}

// rescuePath returns a unique sibling for a previous tree that could not be
// put back after a failed commit. Begin never removes it.
func rescuePath(final string) string {
	return reservedSibling(final, fmt.Sprintf("%s%d-%s", rescueSuffix, time.Now().UnixNano(), shortID()))
}

// tempPath returns a unique sibling of path for staging a replacement.
func tempPath(path string) string {
	return reservedSibling(path, tempSuffix+shortID())
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
