/*
Package fstrans provides transactional modification of directory trees for Go.

# Overview

A process that rewrites a directory tree while other processes read it (a web
server serving a static site, a daemon loading a configuration directory)
must never expose a half-written state. fstrans stages every change in a
private working copy of the tree and then publishes the whole copy with two
renames, or throws it away and leaves the live tree byte-for-byte unchanged.

# Key Features

  - Cooperative, filesystem-visible locking with stale-owner reclamation
  - Cheap working copies built from hard links
  - Copy-on-write: files are detached from the live tree before any write
  - Commit and rollback by rename, with optional snapshots of the old tree
  - Independent deep copies for tools that modify files in place
  - An absfs.FileSystem view of the working tree

# Layout

For a final tree at /srv/www the engine only ever creates siblings with a
reserved name:

	/srv/www                           the final (live) tree
	/srv/.www.fstrans-work             the working tree of the active transaction
	/srv/.www.fstrans-lock             the lock marker
	/srv/.www.fstrans-discard-<id>     a tree on its way to deletion
	/srv/.www.fstrans-rescue-<id>      a previous tree a failed commit could not put back

All of them live in the same directory, hence on the same filesystem, which
keeps renames atomic.

# Basic Usage

	package main

	import (
	    "context"
	    "log"

	    "github.com/absfs/fstrans"
	)

	func main() {
	    err := fstrans.Do(context.Background(), "/srv/www", func(tx *fstrans.Transaction) error {
	        f, err := tx.Create("index.html") // detached from /srv/www/index.html
	        if err != nil {
	            return err
	        }
	        defer f.Close()
	        _, err = f.Write([]byte("<h1>v2</h1>"))
	        return err
	    })
	    if err != nil {
	        log.Fatal(err)
	    }
	}

Do commits when the function returns nil and rolls back otherwise. Begin,
Commit and Rollback give explicit control over the same lifecycle.

# Copy-on-Write

Every regular file in a fresh working tree is a hard link to the live file,
so writing to it in place would also change the live tree. Transaction
methods guard against this: OpenFile with any write flag, PutFile, Chmod,
Chown and Chtimes first replace a shared file with a private copy. Removing
or renaming entries needs no copy, since it never touches file content.

External programs that edit files in place should be handed files prepared
with Detach or DetachTree, or independent copies made with CloneFile and
CloneTree.

# Locking

Begin creates the lock marker with exclusive-create semantics and records
the owner's pid, host and acquisition time in it. Contending transactions
retry until their timeout expires and then fail with ErrLockTimeout. A marker
whose owner process has died on this host is reclaimed once it is older
than the stale grace period. Locking is advisory: only processes that go
through fstrans are serialized, and readers are never blocked.

# Commit

Commit renames the final tree to a discard name, renames the working tree to
the final name, and deletes the discarded tree. Between the two renames the
final name does not exist; readers that retry on "not found" then see the
new tree. If a rename fails the previous tree is put back and the error
matches ErrCommit. Should putting it back fail as well, the previous tree is
moved to a rescue name, which Begin never deletes, and the error names it.

# Limitations

  - The final tree, its working tree and discard trees must share a filesystem
  - Writes that bypass Transaction methods can reach the live tree
  - Ownership of detached files is not preserved
*/
package fstrans
