// Command fstrans runs programs against a directory tree transactionally,
// makes independent copies of trees and reports lock ownership.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// stdout receives command output. Swapped out by tests.
var stdout io.Writer = os.Stdout

func main() {
	cfg := new(config)
	parser, err := newParser(cfg)
	if err != nil {
		log.WithField("err", err).Fatal("failed to build command line parser")
	}

	_, err = parser.Parse()
	if merr := writeMetrics(cfg.Metrics); merr != nil {
		log.WithField("err", merr).Error("failed to write metrics")
	}
	os.Exit(exitCode(err))
}

// newParser builds the command tree around cfg. Logging is configured from
// cfg before any sub-command runs.
func newParser(cfg *config) (*flags.Parser, error) {
	parser := flags.NewNamedParser("fstrans", flags.HelpFlag|flags.PassDoubleDash)
	parser.EnvNamespace = envNamespace
	parser.LongDescription = `fstrans modifies directory trees transactionally.

A transaction works on a private copy of a tree which replaces the live
tree in one rename on commit, or is thrown away on rollback. Readers of the
live tree never observe a partially modified state.`

	if _, err := parser.AddGroup("Global", "", cfg); err != nil {
		return nil, err
	}
	if _, err := parser.AddCommand("run", "Run a command inside a transaction", `
Run CMD with its working directory set to a working copy of DIR and commit
the copy if CMD exits with status zero. Any other outcome rolls back and
leaves DIR unchanged.

The working copy's path is exported to CMD as FSTRANS_ROOT, and the path of
DIR as FSTRANS_FINAL. Unless --shared is given every file in the working
copy is detached from DIR first, so CMD may edit files in place.

Usage: fstrans run [OPTIONS] DIR -- CMD [ARGS...]
`, &cmdRun{}); err != nil {
		return nil, err
	}
	if _, err := parser.AddCommand("clone", "Make an independent copy of a file or tree", `
Copy SRC to DST such that no file of DST shares storage with SRC. A tree
is copied recursively and DST must not exist; a file replaces DST.

Usage: fstrans clone SRC DST
`, &cmdClone{}); err != nil {
		return nil, err
	}
	if _, err := parser.AddCommand("status", "Show the lock owner of a directory", `
Print the process holding the transaction lock of DIR, or "unlocked".

Usage: fstrans status DIR
`, &cmdStatus{}); err != nil {
		return nil, err
	}

	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if err := initLog(cfg.Log); err != nil {
			return err
		}
		if command == nil {
			return nil
		}
		return command.Execute(args)
	}
	return parser, nil
}

// exitCode reports err and maps it to a process exit status. A failed
// command run inside a transaction passes its own status through.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var flagErr *flags.Error
	if errors.As(err, &flagErr) {
		if flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, flagErr.Message)
			return 0
		}
		fmt.Fprintln(os.Stderr, flagErr.Message)
		return 2
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.WithField("err", err).Error("command failed, transaction rolled back")
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
		return 1
	}

	log.WithField("err", err).Error("fstrans failed")
	return 1
}
