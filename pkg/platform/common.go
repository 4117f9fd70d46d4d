package platform

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// BasePlatform provides common functionality shared across platforms
type BasePlatform struct{}

// NewBasePlatform creates a new base platform
func NewBasePlatform() *BasePlatform {
	return &BasePlatform{}
}

// Common OS operations
func (bp *BasePlatform) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (bp *BasePlatform) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (bp *BasePlatform) Remove(path string) error {
	return os.Remove(path)
}

func (bp *BasePlatform) RemoveAll(dir string) error {
	return os.RemoveAll(dir)
}

func (bp *BasePlatform) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (bp *BasePlatform) MkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (bp *BasePlatform) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (bp *BasePlatform) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

func (bp *BasePlatform) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

func (bp *BasePlatform) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (bp *BasePlatform) Lstat(name string) (os.FileInfo, error) {
	return os.Lstat(name)
}

func (bp *BasePlatform) ReadDir(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}

func (bp *BasePlatform) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}

func (bp *BasePlatform) IsExist(err error) bool {
	return os.IsExist(err)
}

func (bp *BasePlatform) Getpid() int {
	return os.Getpid()
}

func (bp *BasePlatform) Environ() []string {
	return os.Environ()
}

func (bp *BasePlatform) Getenv(key string) string {
	return os.Getenv(key)
}

func (bp *BasePlatform) Setenv(key, value string) error {
	return os.Setenv(key, value)
}

func (bp *BasePlatform) Unsetenv(key string) error {
	return os.Unsetenv(key)
}

func (bp *BasePlatform) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Common syscall operations
func (bp *BasePlatform) Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (bp *BasePlatform) CreateProcessGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// Common command operations
func (bp *BasePlatform) CreateCommand(name string, args ...string) Command {
	return &ExecCommand{cmd: exec.Command(name, args...)}
}

// DirExists checks if a directory exists
func (bp *BasePlatform) DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FileExists checks if a file exists
func (bp *BasePlatform) FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ExecCommand wraps exec.Cmd to implement Command interface
type ExecCommand struct {
	cmd *exec.Cmd
}

func (e *ExecCommand) Start() error {
	return e.cmd.Start()
}

func (e *ExecCommand) Wait() error {
	return e.cmd.Wait()
}

func (e *ExecCommand) Process() Process {
	if e.cmd.Process == nil {
		return nil
	}
	return &ExecProcess{process: e.cmd.Process}
}

func (e *ExecCommand) ProcessState() *os.ProcessState {
	return e.cmd.ProcessState
}

func (e *ExecCommand) Kill() {
	if e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
}

func (e *ExecCommand) SetExtraFiles(files []*os.File) {
	e.cmd.ExtraFiles = files
}

func (e *ExecCommand) SetStdout(w interface{}) {
	e.cmd.Stdout = w.(io.Writer)
}

func (e *ExecCommand) SetStderr(w interface{}) {
	e.cmd.Stderr = w.(io.Writer)
}

func (e *ExecCommand) SetSysProcAttr(attr *syscall.SysProcAttr) {
	e.cmd.SysProcAttr = attr
}

func (e *ExecCommand) SetEnv(env []string) {
	e.cmd.Env = env
}

// ExecProcess wraps os.Process to implement Process interface
type ExecProcess struct {
	process *os.Process
}

func (p *ExecProcess) Pid() int {
	return p.process.Pid
}

func (p *ExecProcess) Kill() error {
	return p.process.Kill()
}
