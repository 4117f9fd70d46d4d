// Package fsperm inspects and adjusts file visibility and ownership so
// produced artifacts match the permission policy a caller requested.
package fsperm

import (
	"os"

	"golang.org/x/sys/unix"

	"dexoptd/pkg/errors"
	"dexoptd/pkg/platform"
)

// FsPermission is the permission policy applied to produced files and
// directories. A UID or GID of -1 means "do not change".
type FsPermission struct {
	UID int
	GID int
	// IsOtherReadable grants world read access.
	IsOtherReadable bool
	// IsOtherExecutable grants world execute access on directories.
	IsOtherExecutable bool
	// SeContext, when non-empty, is the security label to apply.
	SeContext string
}

// Visibility of a file to processes other than the owner and group.
type Visibility int

const (
	VisibilityNotFound Visibility = iota
	VisibilityOtherReadable
	VisibilityNotOtherReadable
)

func (v Visibility) String() string {
	switch v {
	case VisibilityOtherReadable:
		return "other-readable"
	case VisibilityNotOtherReadable:
		return "not-other-readable"
	case VisibilityNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// GetVisibility reports whether a file is readable by others. A missing
// file is not an error; any other stat failure is.
func GetVisibility(plat platform.Platform, path string) (Visibility, error) {
	info, err := plat.Stat(path)
	if err != nil {
		if plat.IsNotExist(err) {
			return VisibilityNotFound, nil
		}
		return VisibilityNotFound, errors.NewFilesystemError(path, "stat", err)
	}
	if info.Mode().Perm()&0o004 != 0 {
		return VisibilityOtherReadable, nil
	}
	return VisibilityNotOtherReadable, nil
}

// Ownership returns the uid and gid of a file.
func Ownership(plat platform.Platform, path string) (uid, gid uint32, err error) {
	var st unix.Stat_t
	if err := plat.StatRaw(path, &st); err != nil {
		return 0, 0, errors.NewFilesystemError(path, "stat", err)
	}
	return st.Uid, st.Gid, nil
}

// FileMode returns the mode bits for a regular file under the policy.
func (p FsPermission) FileMode() os.FileMode {
	if p.IsOtherReadable {
		return 0o644
	}
	return 0o640
}

// DirMode returns the mode bits for a directory under the policy.
func (p FsPermission) DirMode() os.FileMode {
	mode := os.FileMode(0o750)
	if p.IsOtherReadable {
		mode |= 0o004
	}
	if p.IsOtherExecutable {
		mode |= 0o001
	}
	return mode
}

// chown applies the policy's ownership, skipping any component set to
// -1.
func chown(plat platform.Platform, path string, p FsPermission) error {
	if p.UID < 0 && p.GID < 0 {
		return nil
	}
	if err := plat.Chown(path, p.UID, p.GID); err != nil {
		return errors.NewFilesystemError(path, "chown", err)
	}
	return nil
}

func applySeContext(plat platform.Platform, path string, p FsPermission) error {
	if p.SeContext == "" {
		return nil
	}
	err := plat.Setxattr(path, "security.selinux", []byte(p.SeContext), 0)
	if err == nil || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
		// Platforms without SELinux support silently skip the label.
		return nil
	}
	return errors.NewFilesystemError(path, "setxattr", err)
}

// ApplyFilePermissions makes a file match the policy: ownership, mode
// bits, and security label.
func ApplyFilePermissions(plat platform.Platform, path string, p FsPermission) error {
	if err := chown(plat, path, p); err != nil {
		return err
	}
	if err := plat.Chmod(path, p.FileMode()); err != nil {
		return errors.NewFilesystemError(path, "chmod", err)
	}
	return applySeContext(plat, path, p)
}

// ApplyDirPermissions makes a directory match the directory variant of
// the policy.
func ApplyDirPermissions(plat platform.Platform, path string, p FsPermission) error {
	if err := chown(plat, path, p); err != nil {
		return err
	}
	if err := plat.Chmod(path, p.DirMode()); err != nil {
		return errors.NewFilesystemError(path, "chmod", err)
	}
	return applySeContext(plat, path, p)
}
