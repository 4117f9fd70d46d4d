// Package prereboot prepares the update chroot for staged compilation
// and promotes staged files after the reboot. Preparation runs once:
// it recovers the chroot's environment block, derives the boot class
// path, bind-mounts the runtime data directories, and refreshes the
// boot images.
package prereboot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"dexoptd/internal/dexoptd/artexec"
	"dexoptd/internal/dexoptd/paths"
	"dexoptd/internal/dexoptd/props"
	"dexoptd/pkg/config"
	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// Sentinel files under the pre-reboot tmp dir. The attempt marker is
// written before any work; the done marker replaces it only after full
// success and carries the captured environment block for replay.
const (
	attemptMarker = "attempted"
	doneMarker    = "prepared"
)

// Canonical chroot paths the runtime data directories are bind-mounted
// onto.
const (
	artApexDataMount = "/data/misc/apexdata/com.android.art"
	odrefreshMount   = "/data/misc/odrefresh"
)

const releaseProp = "ro.build.version.release"

// Manager owns pre-reboot preparation and staged-file promotion.
type Manager struct {
	plat    platform.Platform
	cfg     *config.Config
	res     *paths.Resolver
	run     artexec.Runner
	running props.Properties
	log     *logger.Logger
}

func NewManager(plat platform.Platform, cfg *config.Config, run artexec.Runner, running props.Properties) *Manager {
	return &Manager{
		plat:    plat,
		cfg:     cfg,
		res:     paths.NewResolver(cfg),
		run:     run,
		running: running,
		log:     logger.WithField("component", "prereboot"),
	}
}

func (m *Manager) attemptPath() string {
	return filepath.Join(m.cfg.PreReboot.TmpDir, attemptMarker)
}

func (m *Manager) donePath() string {
	return filepath.Join(m.cfg.PreReboot.TmpDir, doneMarker)
}

// Init prepares the chroot for staged compilation. It returns false
// without error when the refresher was cancelled. A previous failed or
// cancelled attempt leaves the attempt marker behind; further calls
// then fail with an illegal-state error until the tmp dir is cleaned.
// After a successful preparation, re-entry only replays the captured
// environment block.
func (m *Manager) Init(ctx context.Context, cancel *artexec.CancellationSignal) (bool, error) {
	if m.plat.FileExists(m.donePath()) {
		env, err := m.loadEnvironment()
		if err != nil {
			return false, err
		}
		m.applyEnvironment(env)
		m.log.Info("preparation already done, environment restored")
		return true, nil
	}
	if m.plat.FileExists(m.attemptPath()) {
		return false, errors.NewIllegalState(
			"a previous preparation attempt did not finish; clean %q before retrying",
			m.cfg.PreReboot.TmpDir)
	}

	if err := m.plat.MkdirAll(m.cfg.PreReboot.TmpDir, 0o700); err != nil {
		return false, errors.NewFilesystemError(m.cfg.PreReboot.TmpDir, "mkdir", err)
	}
	if err := m.plat.WriteFile(m.attemptPath(), nil, 0o600); err != nil {
		return false, errors.NewFilesystemError(m.attemptPath(), "create", err)
	}

	env, err := m.parseInitRc()
	if err != nil {
		return false, err
	}

	bootClasspath, err := m.deriveBootClasspath(ctx, cancel, env)
	if err != nil {
		return false, err
	}
	if bootClasspath == "" {
		// Cancelled while deriving.
		return false, nil
	}
	env["BOOTCLASSPATH"] = bootClasspath
	m.applyEnvironment(env)

	if err := m.mountRuntimeDirs(); err != nil {
		return false, err
	}

	ok, err := m.refreshBootImages(ctx, cancel, env)
	if err != nil || !ok {
		return false, err
	}

	if err := m.plat.WriteFile(m.donePath(), serializeEnvironment(env), 0o600); err != nil {
		return false, errors.NewFilesystemError(m.donePath(), "create", err)
	}
	m.log.Info("pre-reboot preparation done")
	return true, nil
}

// parseInitRc recovers the intended environment block from the init
// script snapshot: every "export KEY VALUE" line.
func (m *Manager) parseInitRc() (map[string]string, error) {
	data, err := m.plat.ReadFile(m.cfg.PreReboot.InitRc)
	if err != nil {
		return nil, errors.NewFilesystemError(m.cfg.PreReboot.InitRc, "read", err)
	}

	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "export" {
			env[fields[1]] = strings.Join(fields[2:], " ")
		}
	}
	if len(env) == 0 {
		return nil, errors.NewInvalidArgument("no environment exports found in %q", m.cfg.PreReboot.InitRc)
	}
	return env, nil
}

// deriveBootClasspath runs the classpath-derivation tool, which writes
// a shell-style export block to the given fd. An empty return with nil
// error means the run was cancelled.
func (m *Manager) deriveBootClasspath(ctx context.Context, cancel *artexec.CancellationSignal, env map[string]string) (string, error) {
	scratch := filepath.Join(m.cfg.PreReboot.TmpDir, "classpath")
	out, err := m.plat.OpenFile(scratch, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", errors.NewFilesystemError(scratch, "create", err)
	}
	defer out.Close()
	defer m.plat.Remove(scratch)

	cmd := artexec.NewCmdline(
		m.cfg.ToolPath(m.cfg.Tools.ArtExec),
		m.cfg.ToolPath(m.cfg.Tools.DeriveClasspath)).
		AddFile(out, "/proc/self/fd/%d")

	res, err := m.run.Run(ctx, cmd.Build(), &artexec.RunOptions{
		Cancel:     cancel,
		ExtraFiles: cmd.ExtraFiles(),
		Env:        flattenEnvironment(env),
	})
	if err != nil {
		return "", err
	}
	if res.Status == artexec.StatusCancelled {
		return "", nil
	}
	if res.Status != artexec.StatusExited || res.ExitCode != 0 {
		return "", errors.NewToolError(m.cfg.Tools.DeriveClasspath, res.ExitCode, int(res.Signal))
	}

	data, err := m.plat.ReadFile(scratch)
	if err != nil {
		return "", errors.NewFilesystemError(scratch, "read", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "export" && fields[1] == "BOOTCLASSPATH" {
			return fields[2], nil
		}
	}
	return "", errors.NewInvalidArgument("classpath tool produced no BOOTCLASSPATH export")
}

// mountRuntimeDirs bind-mounts the runtime data directories onto their
// canonical chroot paths, private so the mounts do not propagate back
// to the host namespace.
func (m *Manager) mountRuntimeDirs() error {
	mounts := []struct{ source, target string }{
		{m.cfg.PreReboot.ArtApexDataDir, artApexDataMount},
		{m.cfg.PreReboot.OdrefreshDir, odrefreshMount},
	}
	for _, mt := range mounts {
		if err := m.plat.Mount(mt.source, mt.target, "", unix.MS_BIND, ""); err != nil {
			return errors.NewFilesystemError(mt.target, "mount", err)
		}
		if err := m.plat.Mount("", mt.target, "", unix.MS_PRIVATE, ""); err != nil {
			return errors.NewFilesystemError(mt.target, "mount", err)
		}
	}
	return nil
}

// refreshBootImages runs the boot-image refresher. False with nil
// error means the run was cancelled.
func (m *Manager) refreshBootImages(ctx context.Context, cancel *artexec.CancellationSignal, env map[string]string) (bool, error) {
	cmd := artexec.NewCmdline(
		m.cfg.ToolPath(m.cfg.Tools.ArtExec),
		m.cfg.ToolPath(m.cfg.Tools.Odrefresh)).
		Add("--only-boot-images", "--compile")

	res, err := m.run.Run(ctx, cmd.Build(), &artexec.RunOptions{
		Cancel: cancel,
		Env:    flattenEnvironment(env),
	})
	if err != nil {
		return false, err
	}
	switch {
	case res.Status == artexec.StatusCancelled:
		m.log.Info("boot image refresh cancelled")
		return false, nil
	case res.Status != artexec.StatusExited || res.ExitCode != 0:
		return false, errors.NewToolError(m.cfg.Tools.Odrefresh, res.ExitCode, int(res.Signal))
	}
	return true, nil
}

func (m *Manager) applyEnvironment(env map[string]string) {
	for key, value := range env {
		if err := m.plat.Setenv(key, value); err != nil {
			m.log.Warn("failed to set environment variable", "key", key, "error", err)
		}
	}
}

func (m *Manager) loadEnvironment() (map[string]string, error) {
	data, err := m.plat.ReadFile(m.donePath())
	if err != nil {
		return nil, errors.NewFilesystemError(m.donePath(), "read", err)
	}
	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if key, value, ok := strings.Cut(line, "="); ok {
			env[key] = value
		}
	}
	return env, nil
}

func serializeEnvironment(env map[string]string) []byte {
	var sb strings.Builder
	for _, key := range sortedKeys(env) {
		fmt.Fprintf(&sb, "%s=%s\n", key, env[key])
	}
	return []byte(sb.String())
}

func flattenEnvironment(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, key := range sortedKeys(env) {
		out = append(out, key+"="+env[key])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckSystemRequirements reports whether the staged system under
// chrootDir is close enough to the running one for staged compilation:
// its release must not be more than one major version ahead. A
// codename release is a future version and never qualifies.
func (m *Manager) CheckSystemRequirements(chrootDir string) (bool, error) {
	propPath := filepath.Join(chrootDir, "system", "build.prop")
	data, err := m.plat.ReadFile(propPath)
	if err != nil {
		return false, errors.NewFilesystemError(propPath, "read", err)
	}
	values, err := props.ParsePropFile(data)
	if err != nil {
		return false, err
	}

	staged := values[releaseProp]
	if staged == "" {
		return false, errors.NewInvalidArgument("%q missing from %q", releaseProp, propPath)
	}
	running := m.running.Get(releaseProp)
	if running == "" {
		return false, errors.NewInvalidArgument("running system release is unknown")
	}

	ok := releaseMajor(staged) <= releaseMajor(running)+1
	if !ok {
		m.log.Warn("staged system too far ahead", "staged", staged, "running", running)
	}
	return ok, nil
}

// releaseMajor parses the leading major version number. Codenames sort
// after every numbered release.
func releaseMajor(release string) int {
	head, _, _ := strings.Cut(release, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

// CommitStagedFiles promotes staged artifacts and profiles to their
// authoritative paths. A staged code file without a staged image also
// deletes the live image, which the staged code invalidates. Reports
// whether anything was committed.
func (m *Manager) CommitStagedFiles(artifacts []paths.ArtifactPath, profiles []paths.ProfilePath) (bool, error) {
	committed := false

	for _, artifact := range artifacts {
		triple, err := m.res.OatPaths(artifact)
		if err != nil {
			return committed, err
		}
		staged := triple.Staged()

		oatMoved, err := m.renameIfExists(staged.Oat, triple.Oat)
		if err != nil {
			return committed, err
		}
		vdexMoved, err := m.renameIfExists(staged.Vdex, triple.Vdex)
		if err != nil {
			return committed, err
		}
		artMoved, err := m.renameIfExists(staged.Art, triple.Art)
		if err != nil {
			return committed, err
		}

		if oatMoved && !artMoved {
			if err := m.plat.Remove(triple.Art); err != nil && !m.plat.IsNotExist(err) {
				return committed, errors.NewFilesystemError(triple.Art, "remove", err)
			}
		}
		committed = committed || oatMoved || vdexMoved || artMoved
	}

	for _, profile := range profiles {
		final, err := m.res.BuildProfilePath(profile)
		if err != nil {
			return committed, err
		}
		moved, err := m.renameIfExists(final+paths.StagedSuffix, final)
		if err != nil {
			return committed, err
		}
		committed = committed || moved
	}

	return committed, nil
}

func (m *Manager) renameIfExists(src, dst string) (bool, error) {
	if !m.plat.FileExists(src) {
		return false, nil
	}
	if err := m.plat.Rename(src, dst); err != nil {
		return false, errors.NewFilesystemError(dst, "rename", err)
	}
	m.log.Debug("staged file committed", "from", src, "to", dst)
	return true, nil
}
