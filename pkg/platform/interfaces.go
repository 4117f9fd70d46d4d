package platform

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Platform provides a unified interface for all platform-specific
// operations. It is the injection point for unit tests: everything the
// daemon does to the outside world (kill, stat, poll, mount, spawning
// the child tools) goes through here.
type Platform interface {
	OSOperations
	SyscallOperations
	CommandFactory
	ExecOperations
}

// OSOperations defines file system and OS-level operations
type OSOperations interface {
	// File operations
	WriteFile(name string, data []byte, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	Remove(path string) error
	RemoveAll(dir string) error
	Rename(oldPath, newPath string) error
	MkdirAll(dir string, perm os.FileMode) error
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	Chmod(path string, mode os.FileMode) error
	Chown(path string, uid, gid int) error

	// File info operations
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	ReadDir(dir string) ([]os.DirEntry, error)
	IsNotExist(err error) bool
	IsExist(err error) bool

	// Process info
	Getpid() int

	// Environment
	Environ() []string
	Getenv(key string) string
	Setenv(key, value string) error
	Unsetenv(key string) error

	// Additional helpers
	DirExists(path string) bool
	FileExists(path string) bool
}

// SyscallOperations defines low-level system call operations
type SyscallOperations interface {
	// Process control
	Kill(pid int, sig syscall.Signal) error
	CreateProcessGroup() *syscall.SysProcAttr

	// Raw stat carrying ownership and mode bits
	StatRaw(path string, st *unix.Stat_t) error

	// Extended attributes (security labels)
	Setxattr(path string, attr string, data []byte, flags int) error

	// Mount operations
	Mount(source string, target string, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error

	// Anonymous memory-backed files
	MemfdCreate(name string, flags int) (int, error)

	// Directory watches and fd polling
	InotifyInit1(flags int) (int, error)
	InotifyAddWatch(fd int, path string, mask uint32) (int, error)
	PidfdOpen(pid int, flags int) (int, error)
	Poll(fds []unix.PollFd, timeoutMs int) (int, error)
	ReadFd(fd int, p []byte) (int, error)
	CloseFd(fd int) error
}

// CommandFactory creates and manages command execution
type CommandFactory interface {
	CreateCommand(name string, args ...string) Command
}

// Command represents an executing command
type Command interface {
	Start() error
	Wait() error
	Process() Process
	ProcessState() *os.ProcessState
	SetStdout(w interface{})
	SetStderr(w interface{})
	SetSysProcAttr(attr *syscall.SysProcAttr)
	SetEnv(env []string)
	SetExtraFiles(files []*os.File)
	Kill()
}

// Process represents a running process
type Process interface {
	Pid() int
	Kill() error
}

// ExecOperations defines executable resolution operations
type ExecOperations interface {
	LookPath(file string) (string, error)
}
