//go:build linux

package platform

import (
	"golang.org/x/sys/unix"
)

// LinuxPlatform implements the Linux-specific syscall surface on top of
// the shared base operations.
type LinuxPlatform struct {
	*BasePlatform
}

func (lp *LinuxPlatform) StatRaw(path string, st *unix.Stat_t) error {
	return unix.Stat(path, st)
}

func (lp *LinuxPlatform) Setxattr(path string, attr string, data []byte, flags int) error {
	return unix.Setxattr(path, attr, data, flags)
}

func (lp *LinuxPlatform) Mount(source string, target string, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (lp *LinuxPlatform) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (lp *LinuxPlatform) MemfdCreate(name string, flags int) (int, error) {
	return unix.MemfdCreate(name, flags)
}

func (lp *LinuxPlatform) InotifyInit1(flags int) (int, error) {
	return unix.InotifyInit1(flags)
}

func (lp *LinuxPlatform) InotifyAddWatch(fd int, path string, mask uint32) (int, error) {
	return unix.InotifyAddWatch(fd, path, mask)
}

func (lp *LinuxPlatform) PidfdOpen(pid int, flags int) (int, error) {
	return unix.PidfdOpen(pid, flags)
}

func (lp *LinuxPlatform) Poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	return unix.Poll(fds, timeoutMs)
}

func (lp *LinuxPlatform) ReadFd(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (lp *LinuxPlatform) CloseFd(fd int) error {
	return unix.Close(fd)
}
