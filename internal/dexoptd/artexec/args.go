package artexec

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// childFdBase is the first fd number the runtime assigns to extra
// files in the child (after stdin, stdout, stderr).
const childFdBase = 3

// Cmdline assembles the argv of one child tool run through the
// art_exec wrapper. The wrapper drops capabilities, closes every fd
// not listed in --keep-fds, and applies the scheduling class before
// exec'ing the tool. Files added through AddFile are both passed to
// the child and registered in --keep-fds, so an fd number can only
// appear in a tool option if the wrapper keeps it open.
type Cmdline struct {
	wrapper     string
	tool        string
	args        []string
	files       []*os.File
	keepFds     []int
	priority    string
	taskProfile string
}

// NewCmdline starts an argv for the given tool binary, run through the
// given wrapper binary.
func NewCmdline(wrapper, tool string) *Cmdline {
	return &Cmdline{wrapper: wrapper, tool: tool}
}

// Add appends literal tool arguments.
func (c *Cmdline) Add(args ...string) *Cmdline {
	c.args = append(c.args, args...)
	return c
}

// Addf appends one formatted tool argument.
func (c *Cmdline) Addf(format string, a ...interface{}) *Cmdline {
	c.args = append(c.args, fmt.Sprintf(format, a...))
	return c
}

// AddFile passes file to the child, allocates its child-side fd
// number, and appends the tool argument produced by formatting argFmt
// with that number (e.g. "--profile-file-fd=%d"). The fd is kept open
// by the wrapper.
func (c *Cmdline) AddFile(file *os.File, argFmt string) *Cmdline {
	fd := c.registerFile(file)
	c.args = append(c.args, fmt.Sprintf(argFmt, fd))
	return c
}

// AddFiles passes files to the child and appends one tool argument
// formatted with the colon-joined list of their child-side fd numbers
// (e.g. "--class-loader-context-fds=%s").
func (c *Cmdline) AddFiles(files []*os.File, argFmt string) *Cmdline {
	fds := make([]string, len(files))
	for i, f := range files {
		fds[i] = strconv.Itoa(c.registerFile(f))
	}
	c.args = append(c.args, fmt.Sprintf(argFmt, strings.Join(fds, ":")))
	return c
}

func (c *Cmdline) registerFile(file *os.File) int {
	fd := childFdBase + len(c.files)
	c.files = append(c.files, file)
	c.keepFds = append(c.keepFds, fd)
	return fd
}

// SetPriority sets the nice class the wrapper applies to the child.
func (c *Cmdline) SetPriority(priority string) *Cmdline {
	c.priority = priority
	return c
}

// SetTaskProfile sets the cgroup task profile the wrapper joins the
// child to.
func (c *Cmdline) SetTaskProfile(profile string) *Cmdline {
	c.taskProfile = profile
	return c
}

// ExtraFiles returns the files to pass to the child, in fd order.
func (c *Cmdline) ExtraFiles() []*os.File { return c.files }

// Build produces the final argv: the wrapper with its own options,
// a "--" separator, then the tool and its arguments.
func (c *Cmdline) Build() []string {
	argv := []string{c.wrapper, "--drop-capabilities"}
	if len(c.keepFds) > 0 {
		fds := make([]string, len(c.keepFds))
		for i, fd := range c.keepFds {
			fds[i] = strconv.Itoa(fd)
		}
		argv = append(argv, "--keep-fds="+strings.Join(fds, ":"))
	}
	if c.priority != "" {
		argv = append(argv, "--set-priority="+c.priority)
	}
	if c.taskProfile != "" {
		argv = append(argv, "--set-task-profile="+c.taskProfile)
	}
	argv = append(argv, "--", c.tool)
	argv = append(argv, c.args...)
	return argv
}
