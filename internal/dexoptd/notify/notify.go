// Package notify waits for a running app to save its current profile.
// A notification watches two events at once: the profile file
// appearing in its directory, and the target process exiting (a dead
// process will never save, so waiting longer is pointless).
package notify

import (
	"encoding/binary"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// Notification is a one-shot watch handle. Wait may be called
// repeatedly; each call restarts the timeout. Close releases the
// kernel watches.
type Notification struct {
	plat platform.Platform
	log  *logger.Logger

	mu        sync.Mutex
	fired     bool
	closed    bool
	pidFd     int
	inotifyFd int
	target    string
}

// Init opens the watches for the given profile path and process. A
// process that is already gone yields a notification born fired.
func Init(plat platform.Platform, profilePath string, pid int) (*Notification, error) {
	n := &Notification{
		plat:      plat,
		log:       logger.WithFields("component", "notify", "pid", pid),
		pidFd:     -1,
		inotifyFd: -1,
		target:    filepath.Base(profilePath),
	}

	pidFd, err := plat.PidfdOpen(pid, 0)
	if err != nil {
		if err == unix.ESRCH {
			n.fired = true
			return n, nil
		}
		return nil, errors.NewFilesystemError(profilePath, "pidfd_open", err)
	}
	n.pidFd = pidFd

	inFd, err := plat.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		n.Close()
		return nil, errors.NewFilesystemError(profilePath, "inotify_init", err)
	}
	n.inotifyFd = inFd

	dir := filepath.Dir(profilePath)
	if _, err := plat.InotifyAddWatch(inFd, dir, unix.IN_CREATE|unix.IN_MOVED_TO); err != nil {
		n.Close()
		return nil, errors.NewFilesystemError(dir, "inotify_add_watch", err)
	}

	// The save may have happened before the watch existed.
	if plat.FileExists(profilePath) {
		n.fired = true
	}
	return n, nil
}

// Wait blocks until the profile appears, the process exits, or the
// timeout elapses. It reports true when fired. Events on unrelated
// files in the watched directory re-arm the wait.
func (n *Notification) Wait(timeoutMs int) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.fired {
		return true, nil
	}
	if n.closed {
		return false, errors.NewIllegalState("notification already closed")
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		remaining := int(time.Until(deadline).Milliseconds())
		if remaining < 0 {
			return false, nil
		}

		fds := []unix.PollFd{
			{Fd: int32(n.inotifyFd), Events: unix.POLLIN},
			{Fd: int32(n.pidFd), Events: unix.POLLIN},
		}
		ready, err := n.plat.Poll(fds, remaining)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false, errors.NewFilesystemError(n.target, "poll", err)
		}
		if ready == 0 {
			return false, nil
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			created, err := n.drainEvents()
			if err != nil {
				return false, err
			}
			if created {
				n.fired = true
				return true, nil
			}
			// Unrelated activity in the directory; keep waiting.
			continue
		}

		if fds[1].Revents != 0 {
			n.log.Debug("watched process exited before saving")
			n.fired = true
			return true, nil
		}
	}
}

// drainEvents consumes pending inotify events and reports whether the
// target file was among them.
func (n *Notification) drainEvents() (bool, error) {
	buf := make([]byte, 4096)
	read, err := n.plat.ReadFd(n.inotifyFd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, errors.NewFilesystemError(n.target, "read", err)
	}

	created := false
	for offset := 0; offset+unix.SizeofInotifyEvent <= read; {
		nameLen := int(binary.LittleEndian.Uint32(buf[offset+12 : offset+16]))
		nameStart := offset + unix.SizeofInotifyEvent
		name := strings.TrimRight(string(buf[nameStart:nameStart+nameLen]), "\x00")
		if name == n.target {
			created = true
		}
		offset = nameStart + nameLen
	}
	return created, nil
}

// Close releases the kernel watches. Further waits fail.
func (n *Notification) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	if n.inotifyFd >= 0 {
		if err := n.plat.CloseFd(n.inotifyFd); err != nil {
			n.log.Warn("failed to close inotify fd", "error", err)
		}
		n.inotifyFd = -1
	}
	if n.pidFd >= 0 {
		if err := n.plat.CloseFd(n.pidFd); err != nil {
			n.log.Warn("failed to close pid fd", "error", err)
		}
		n.pidFd = -1
	}
}
