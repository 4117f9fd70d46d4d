package fsperm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexoptd/pkg/platform"
)

func TestGetVisibility(t *testing.T) {
	plat := platform.NewPlatform()
	dir := t.TempDir()

	readable := filepath.Join(dir, "readable")
	require.NoError(t, os.WriteFile(readable, []byte("x"), 0o644))

	private := filepath.Join(dir, "private")
	require.NoError(t, os.WriteFile(private, []byte("x"), 0o640))

	v, err := GetVisibility(plat, readable)
	require.NoError(t, err)
	assert.Equal(t, VisibilityOtherReadable, v)

	v, err = GetVisibility(plat, private)
	require.NoError(t, err)
	assert.Equal(t, VisibilityNotOtherReadable, v)

	v, err = GetVisibility(plat, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, VisibilityNotFound, v)
}

func TestFileMode(t *testing.T) {
	assert.Equal(t, os.FileMode(0o644), FsPermission{IsOtherReadable: true}.FileMode())
	assert.Equal(t, os.FileMode(0o640), FsPermission{}.FileMode())
}

func TestDirMode(t *testing.T) {
	assert.Equal(t, os.FileMode(0o750), FsPermission{}.DirMode())
	assert.Equal(t, os.FileMode(0o754), FsPermission{IsOtherReadable: true}.DirMode())
	assert.Equal(t, os.FileMode(0o755),
		FsPermission{IsOtherReadable: true, IsOtherExecutable: true}.DirMode())
}

func TestApplyFilePermissions(t *testing.T) {
	plat := platform.NewPlatform()
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.odex")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	// UID/GID of -1 leave ownership untouched, so this works without
	// privileges.
	err := ApplyFilePermissions(plat, path, FsPermission{UID: -1, GID: -1, IsOtherReadable: true})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestApplyDirPermissions(t *testing.T) {
	plat := platform.NewPlatform()
	dir := t.TempDir()
	sub := filepath.Join(dir, "oat")
	require.NoError(t, os.Mkdir(sub, 0o700))

	err := ApplyDirPermissions(plat, sub, FsPermission{
		UID: -1, GID: -1,
		IsOtherReadable:   true,
		IsOtherExecutable: true,
	})
	require.NoError(t, err)

	info, err := os.Stat(sub)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestOwnership(t *testing.T) {
	plat := platform.NewPlatform()
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	uid, gid, err := Ownership(plat, path)
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getuid()), uid)
	assert.Equal(t, uint32(os.Getgid()), gid)

	_, _, err = Ownership(plat, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
