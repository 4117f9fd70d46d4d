// Package newfile provides scoped temporary output files with atomic
// commit-or-abandon semantics. Every produced artifact goes through a
// NewFile: the content is written to a uniquely named sibling of the
// final path and renamed over it on commit, so readers never observe a
// partially written file.
package newfile

import (
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"

	"dexoptd/internal/dexoptd/fsperm"
	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// seq feeds the temp-name allocator. The random suffix guards against
// collisions with leftovers of a previous daemon instance.
var seq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("%d-%08x", seq.Add(1), rand.Uint32())
}

// NewFile is a transient ownership token for one output file. Exactly
// one of Commit, Keep, or Abandon terminates it; Cleanup (deferred by
// the creator) abandons anything left unterminated.
type NewFile struct {
	plat      platform.Platform
	logger    *logger.Logger
	finalPath string
	tmpPath   string
	id        string
	file      *os.File
	perm      fsperm.FsPermission
	done      bool
}

// Create allocates a uniquely named temp sibling of finalPath, opens it
// writable with O_EXCL, and applies the policy's ownership. The temp
// lives in the same directory, and therefore the same filesystem, as
// its commit target, so commit is a rename.
func Create(plat platform.Platform, finalPath string, perm fsperm.FsPermission) (*NewFile, error) {
	var file *os.File
	var id, tmpPath string
	for attempt := 0; ; attempt++ {
		id = nextID()
		tmpPath = fmt.Sprintf("%s.%s.tmp", finalPath, id)

		f, err := plat.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			file = f
			break
		}
		if plat.IsExist(err) && attempt < 3 {
			continue
		}
		return nil, errors.NewFilesystemError(tmpPath, "create", err)
	}

	nf := &NewFile{
		plat:      plat,
		logger:    logger.WithField("component", "new-file"),
		finalPath: finalPath,
		tmpPath:   tmpPath,
		id:        id,
		file:      file,
		perm:      perm,
	}

	if perm.UID >= 0 || perm.GID >= 0 {
		if err := plat.Chown(tmpPath, perm.UID, perm.GID); err != nil {
			nf.Abandon()
			return nil, errors.NewFilesystemError(tmpPath, "chown", err)
		}
	}

	return nf, nil
}

// File returns the open writable file of the temp path.
func (nf *NewFile) File() *os.File { return nf.file }

// Fd returns the raw file descriptor of the temp path.
func (nf *NewFile) Fd() uintptr { return nf.file.Fd() }

// ID returns the opaque allocator id embedded in the temp name.
func (nf *NewFile) ID() string { return nf.id }

// TmpPath returns the temporary path.
func (nf *NewFile) TmpPath() string { return nf.tmpPath }

// FinalPath returns the commit target.
func (nf *NewFile) FinalPath() string { return nf.finalPath }

// Keep persists the temp file and clears the cleanup guard. The caller
// becomes responsible for committing or removing it later.
func (nf *NewFile) Keep() (tmpPath string, id string) {
	nf.done = true
	if nf.file != nil {
		_ = nf.file.Close()
		nf.file = nil
	}
	return nf.tmpPath, nf.id
}

// Commit fsyncs and closes the temp file, applies the policy's final
// mode bits, and renames it over the target. On failure the temp is
// unlinked.
func (nf *NewFile) Commit() error {
	if nf.done {
		return errors.NewIllegalState("new file for %q already finalized", nf.finalPath)
	}

	if err := nf.file.Sync(); err != nil {
		nf.Abandon()
		return errors.NewFilesystemError(nf.tmpPath, "fsync", err)
	}
	if err := nf.file.Close(); err != nil {
		nf.file = nil
		nf.Abandon()
		return errors.NewFilesystemError(nf.tmpPath, "close", err)
	}
	nf.file = nil

	if err := fsperm.ApplyFilePermissions(nf.plat, nf.tmpPath, nf.perm); err != nil {
		nf.Abandon()
		return err
	}

	if err := nf.plat.Rename(nf.tmpPath, nf.finalPath); err != nil {
		nf.Abandon()
		return errors.NewFilesystemError(nf.finalPath, "rename", err)
	}

	nf.done = true
	return nil
}

// Abandon unlinks the temp file.
func (nf *NewFile) Abandon() {
	if nf.done {
		return
	}
	nf.done = true
	if nf.file != nil {
		_ = nf.file.Close()
		nf.file = nil
	}
	if err := nf.plat.Remove(nf.tmpPath); err != nil && !nf.plat.IsNotExist(err) {
		nf.logger.Warn("failed to remove temp file", "path", nf.tmpPath, "error", err)
	}
}

// Cleanup abandons the file unless it was committed, kept, or already
// abandoned. Callers defer this immediately after Create.
func (nf *NewFile) Cleanup() {
	if !nf.done {
		nf.Abandon()
	}
}

// CommitAll commits the files in order. Already-committed renames stay;
// the first failure abandons the remaining files and returns the error.
// Callers are expected to arrange commits so that rollback is never
// needed in practice.
func CommitAll(files []*NewFile) error {
	for i, nf := range files {
		if err := nf.Commit(); err != nil {
			for _, rest := range files[i+1:] {
				rest.Abandon()
			}
			return err
		}
	}
	return nil
}
