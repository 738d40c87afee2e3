package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/absfs/fstrans"
)

type cmdRun struct {
	Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"How long to wait for a concurrent transaction on DIR"`
	Snapshot string        `long:"snapshot" description:"Keep the previous tree on commit, named by formatting the commit time with this Go time layout"`
	Shared   bool          `long:"shared" description:"Skip detaching files before running CMD. Only safe if CMD replaces files instead of editing them in place"`
}

func (cmd *cmdRun) Execute(args []string) error {
	if len(args) < 2 {
		return errors.New("expected DIR -- CMD [ARGS...]")
	}
	dir, argv := args[0], args[1:]

	opts := []fstrans.Option{
		fstrans.WithTimeout(cmd.Timeout),
		fstrans.WithLogger(log.StandardLogger()),
	}
	if cmd.Snapshot != "" {
		opts = append(opts, fstrans.WithSnapshot(cmd.Snapshot))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return fstrans.Do(ctx, dir, func(tx *fstrans.Transaction) error {
		if !cmd.Shared {
			if err := tx.DetachTree("."); err != nil {
				return errors.Wrap(err, "detaching working tree")
			}
		}

		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Dir = tx.Root()
		c.Env = append(os.Environ(), "FSTRANS_ROOT="+tx.Root(), "FSTRANS_FINAL="+tx.Final())
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr

		log.WithFields(log.Fields{
			"final": tx.Final(),
			"root":  tx.Root(),
			"cmd":   argv,
		}).Info("running command in transaction")

		if err := c.Run(); err != nil {
			return errors.Wrapf(err, "running %s", argv[0])
		}
		return nil
	}, opts...)
}

type cmdClone struct{}

func (cmd *cmdClone) Execute(args []string) error {
	if len(args) != 2 {
		return errors.New("expected SRC DST")
	}
	src, dst := args[0], args[1]

	info, err := os.Lstat(src)
	if err != nil {
		return errors.Wrap(err, "inspecting clone source")
	}
	logger := fstrans.WithLogger(log.StandardLogger())
	if info.IsDir() {
		err = fstrans.CloneTree(src, dst, logger)
	} else {
		err = fstrans.CloneFile(src, dst, logger)
	}
	return errors.Wrapf(err, "cloning %s to %s", src, dst)
}

type cmdStatus struct{}

func (cmd *cmdStatus) Execute(args []string) error {
	if len(args) != 1 {
		return errors.New("expected DIR")
	}
	dir := args[0]

	if _, err := os.Stat(dir); err != nil {
		return errors.Wrap(err, "inspecting directory")
	}
	owner, locked, err := fstrans.ReadLockOwner(dir)
	if err != nil {
		return errors.Wrap(err, "reading lock marker")
	}
	if !locked {
		fmt.Fprintln(stdout, "unlocked")
		return nil
	}
	fmt.Fprintf(stdout, "locked by pid %d on %s, acquired %s\n",
		owner.PID, owner.Host, humanize.Time(owner.Acquired))
	return nil
}
