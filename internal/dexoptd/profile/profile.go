// Package profile orchestrates the profile-manager tool: usability
// checks, rewriting shipped profiles against an installed APK, and
// merging current profiles into a reference profile. Produced profiles
// go through temp new-files; the caller commits them separately.
package profile

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"

	"dexoptd/internal/dexoptd/artexec"
	"dexoptd/internal/dexoptd/fsperm"
	"dexoptd/internal/dexoptd/newfile"
	"dexoptd/internal/dexoptd/paths"
	"dexoptd/pkg/config"
	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// Exit codes of the profile-manager tool. Zero drives compilation (or
// reports a successful copy); the skip codes are normal negative
// outcomes; bad-profiles covers load failures and key mismatches.
const (
	exitCompile           = 0
	exitSkipSmallDelta    = 1
	exitSkipEmptyProfiles = 2
	exitBadProfiles       = 3
)

// embeddedProfileEntry is where an APK carries its baseline profile.
const embeddedProfileEntry = "assets/art-profile/baseline.prof"

// archiveProfileEntry is the profile entry of a dex-metadata archive.
const archiveProfileEntry = "primary.prof"

// CopyStatus classifies a copy-and-rewrite outcome. Bad and missing
// profiles are normal results, not errors.
type CopyStatus int

const (
	CopyStatusSuccess CopyStatus = iota
	CopyStatusNoProfile
	CopyStatusBadProfile
)

func (s CopyStatus) String() string {
	switch s {
	case CopyStatusSuccess:
		return "success"
	case CopyStatusNoProfile:
		return "no_profile"
	case CopyStatusBadProfile:
		return "bad_profile"
	default:
		return "unknown"
	}
}

// OutputProfile names the final destination of a produced profile and
// the permission policy of the file.
type OutputProfile struct {
	Final paths.ProfilePath
	Perm  fsperm.FsPermission
}

// WrittenProfile identifies a kept temp profile awaiting commit.
type WrittenProfile struct {
	TmpPath string
	ID      string
}

// CopyResult is the outcome of one copy-and-rewrite. TmpPath and ID
// are set only on success; Message carries tool diagnostics for bad
// profiles.
type CopyResult struct {
	Status  CopyStatus
	Message string
	TmpPath string
	ID      string
}

// MergeOptions tune a profile merge.
type MergeOptions struct {
	// ForceMerge merges regardless of the delta heuristics.
	ForceMerge bool
	// ForBootImage selects boot-image merge semantics.
	ForBootImage bool
	// DumpOnly produces a textual dump instead of a merged profile.
	DumpOnly bool
	// DumpClassesAndMethods produces a class/method listing dump.
	DumpClassesAndMethods bool
}

func (o MergeOptions) dump() bool { return o.DumpOnly || o.DumpClassesAndMethods }

// Manager runs profile operations through the subprocess executor.
type Manager struct {
	plat platform.Platform
	cfg  *config.Config
	res  *paths.Resolver
	run  artexec.Runner
	log  *logger.Logger
}

func NewManager(plat platform.Platform, cfg *config.Config, run artexec.Runner) *Manager {
	return &Manager{
		plat: plat,
		cfg:  cfg,
		res:  paths.NewResolver(cfg),
		run:  run,
		log:  logger.WithField("component", "profile"),
	}
}

// IsUsable reports whether the given profile should drive compilation
// of the given dex file. A missing profile is not usable.
func (m *Manager) IsUsable(ctx context.Context, profile paths.ProfilePath, dexPath string) (bool, error) {
	profilePath, err := m.res.BuildProfilePath(profile)
	if err != nil {
		return false, err
	}

	prof, err := m.openReadOnly(profilePath)
	if err != nil {
		return false, err
	}
	if prof == nil {
		return false, nil
	}
	defer prof.Close()

	dex, err := m.openRequired(dexPath)
	if err != nil {
		return false, err
	}
	defer dex.Close()

	cmd := m.profmanCmdline().
		AddFile(prof, "--reference-profile-file-fd=%d").
		AddFile(dex, "--apk-fd=%d")

	var stderr bytes.Buffer
	res, err := m.run.Run(ctx, cmd.Build(), &artexec.RunOptions{
		ExtraFiles: cmd.ExtraFiles(),
		Stderr:     &stderr,
	})
	if err != nil {
		return false, err
	}
	if res.Status != artexec.StatusExited {
		return false, errors.NewToolError(m.cfg.Tools.Profman, -1, int(res.Signal))
	}

	switch res.ExitCode {
	case exitCompile:
		return true, nil
	case exitSkipSmallDelta, exitSkipEmptyProfiles:
		return false, nil
	default:
		m.log.Warn("profile analysis failed", "profile", profilePath, "output", stderr.String())
		return false, errors.NewToolError(m.cfg.Tools.Profman, res.ExitCode, 0)
	}
}

// CopyAndRewrite rewrites the source profile so its keys match the
// given dex file, writing the result into a kept temp sibling of the
// output's final path. A missing or empty source is a no-profile
// outcome, not an error.
func (m *Manager) CopyAndRewrite(ctx context.Context, src paths.ProfilePath, out *OutputProfile, dexPath string) (*CopyResult, error) {
	srcPath, err := m.res.BuildProfilePath(src)
	if err != nil {
		return nil, err
	}

	var srcFile *os.File
	if _, isArchive := src.(paths.DexMetadataProfilePath); isArchive {
		archive, err := m.openReadOnly(srcPath)
		if err != nil {
			return nil, err
		}
		if archive == nil {
			return &CopyResult{Status: CopyStatusNoProfile}, nil
		}
		defer archive.Close()

		srcFile, err = m.extractZipEntry(archive, archiveProfileEntry)
		if err != nil {
			return nil, err
		}
	} else {
		srcFile, err = m.openReadOnly(srcPath)
		if err != nil {
			return nil, err
		}
	}
	if srcFile == nil {
		return &CopyResult{Status: CopyStatusNoProfile}, nil
	}
	defer srcFile.Close()

	return m.copyAndRewriteFd(ctx, srcFile, out, dexPath)
}

// CopyAndRewriteEmbedded extracts the profile embedded in the APK
// itself and rewrites it. A plain dex file carries no embedded profile;
// formats other than zip or plain dex are errors.
func (m *Manager) CopyAndRewriteEmbedded(ctx context.Context, out *OutputProfile, dexPath string) (*CopyResult, error) {
	dex, err := m.openRequired(dexPath)
	if err != nil {
		return nil, err
	}
	defer dex.Close()

	magic := make([]byte, 4)
	n, err := dex.ReadAt(magic, 0)
	if err != nil && err != io.EOF {
		return nil, errors.NewFilesystemError(dexPath, "read", err)
	}
	magic = magic[:n]

	switch {
	case bytes.HasPrefix(magic, []byte("dex\n")):
		return &CopyResult{Status: CopyStatusNoProfile}, nil
	case bytes.HasPrefix(magic, []byte("PK")):
		srcFile, err := m.extractZipEntry(dex, embeddedProfileEntry)
		if err != nil {
			return nil, err
		}
		if srcFile == nil {
			return &CopyResult{Status: CopyStatusNoProfile}, nil
		}
		defer srcFile.Close()
		return m.copyAndRewriteFd(ctx, srcFile, out, dexPath)
	default:
		return nil, errors.NewInvalidArgument("%q is neither a zip archive nor a plain dex file", dexPath)
	}
}

func (m *Manager) copyAndRewriteFd(ctx context.Context, src *os.File, out *OutputProfile, dexPath string) (*CopyResult, error) {
	info, err := src.Stat()
	if err != nil {
		return nil, errors.NewFilesystemError(src.Name(), "stat", err)
	}
	if info.Size() == 0 {
		return &CopyResult{Status: CopyStatusNoProfile}, nil
	}

	dex, err := m.openRequired(dexPath)
	if err != nil {
		return nil, err
	}
	defer dex.Close()

	finalPath, err := m.res.BuildProfilePath(out.Final)
	if err != nil {
		return nil, err
	}
	nf, err := newfile.Create(m.plat, finalPath, out.Perm)
	if err != nil {
		return nil, err
	}
	defer nf.Cleanup()

	cmd := m.profmanCmdline().
		Add("--copy-and-update-profile-key").
		AddFile(src, "--profile-file-fd=%d").
		AddFile(dex, "--apk-fd=%d").
		AddFile(nf.File(), "--reference-profile-file-fd=%d")

	var stderr bytes.Buffer
	res, err := m.run.Run(ctx, cmd.Build(), &artexec.RunOptions{
		ExtraFiles: cmd.ExtraFiles(),
		Stderr:     &stderr,
	})
	if err != nil {
		return nil, err
	}
	if res.Status != artexec.StatusExited {
		return nil, errors.NewToolError(m.cfg.Tools.Profman, -1, int(res.Signal))
	}

	switch res.ExitCode {
	case exitCompile:
		tmpPath, id := nf.Keep()
		return &CopyResult{Status: CopyStatusSuccess, TmpPath: tmpPath, ID: id}, nil
	case exitBadProfiles:
		return &CopyResult{Status: CopyStatusBadProfile, Message: stderr.String()}, nil
	default:
		return nil, errors.NewToolError(m.cfg.Tools.Profman, res.ExitCode, 0)
	}
}

// Merge merges the input profiles (and the existing reference, when
// present) into a new profile at the output's final path, kept as a
// temp file for the caller to commit. Missing inputs are dropped; when
// nothing remains, no subprocess runs and the result is nil. In dump
// modes the output is the textual dump instead.
func (m *Manager) Merge(ctx context.Context, inputs []paths.ProfilePath, reference paths.ProfilePath, out *OutputProfile, dexPaths []string, opts MergeOptions) (*WrittenProfile, error) {
	var inputFiles []*os.File
	defer func() {
		for _, f := range inputFiles {
			f.Close()
		}
	}()
	for _, p := range inputs {
		path, err := m.res.BuildProfilePath(p)
		if err != nil {
			return nil, err
		}
		f, err := m.openReadOnly(path)
		if err != nil {
			return nil, err
		}
		if f != nil {
			inputFiles = append(inputFiles, f)
		}
	}
	if len(inputFiles) == 0 {
		return nil, nil
	}

	finalPath, err := m.res.BuildProfilePath(out.Final)
	if err != nil {
		return nil, err
	}
	nf, err := newfile.Create(m.plat, finalPath, out.Perm)
	if err != nil {
		return nil, err
	}
	defer nf.Cleanup()

	var refFile *os.File
	if reference != nil {
		refPath, err := m.res.BuildProfilePath(reference)
		if err != nil {
			return nil, err
		}
		refFile, err = m.openReadOnly(refPath)
		if err != nil {
			return nil, err
		}
		if refFile != nil {
			defer refFile.Close()
		}
	}

	cmd := m.profmanCmdline()
	for _, f := range inputFiles {
		cmd.AddFile(f, "--profile-file-fd=%d")
	}

	if opts.dump() {
		if opts.DumpOnly {
			cmd.Add("--dump-only")
		} else {
			cmd.Add("--dump-classes-and-methods")
		}
		if refFile != nil {
			cmd.AddFile(refFile, "--reference-profile-file-fd=%d")
		}
		cmd.AddFile(nf.File(), "--dump-output-to-fd=%d")
	} else {
		// The output new-file doubles as the read-write reference fd:
		// the tool merges the inputs into it in place, which keeps the
		// on-disk reference untouched until the caller commits.
		if refFile != nil {
			if _, err := io.Copy(nf.File(), refFile); err != nil {
				return nil, errors.NewFilesystemError(nf.TmpPath(), "copy", err)
			}
			if _, err := nf.File().Seek(0, io.SeekStart); err != nil {
				return nil, errors.NewFilesystemError(nf.TmpPath(), "seek", err)
			}
		}
		cmd.AddFile(nf.File(), "--reference-profile-file-fd=%d")
		if opts.ForceMerge {
			cmd.Add("--force-merge-and-analyze")
		}
		if opts.ForBootImage {
			cmd.Add("--boot-image-merge")
		}
	}

	for _, dexPath := range dexPaths {
		dex, err := m.openRequired(dexPath)
		if err != nil {
			return nil, err
		}
		defer dex.Close()
		cmd.AddFile(dex, "--apk-fd=%d")
	}

	var stderr bytes.Buffer
	res, err := m.run.Run(ctx, cmd.Build(), &artexec.RunOptions{
		ExtraFiles: cmd.ExtraFiles(),
		Stderr:     &stderr,
	})
	if err != nil {
		return nil, err
	}
	if res.Status != artexec.StatusExited {
		return nil, errors.NewToolError(m.cfg.Tools.Profman, -1, int(res.Signal))
	}

	switch res.ExitCode {
	case exitCompile:
		tmpPath, id := nf.Keep()
		return &WrittenProfile{TmpPath: tmpPath, ID: id}, nil
	case exitSkipSmallDelta, exitSkipEmptyProfiles:
		return nil, nil
	default:
		m.log.Warn("profile merge failed", "output", stderr.String())
		return nil, errors.NewToolError(m.cfg.Tools.Profman, res.ExitCode, 0)
	}
}

// CommitTmpProfile renames a kept temp profile over its final path.
func (m *Manager) CommitTmpProfile(tmp paths.TmpProfilePath) error {
	tmpPath, err := m.res.BuildTmpProfilePath(tmp)
	if err != nil {
		return err
	}
	finalPath, err := m.res.BuildFinalProfilePath(tmp)
	if err != nil {
		return err
	}
	if !m.plat.FileExists(tmpPath) {
		return errors.NewFilesystemError(tmpPath, "commit", os.ErrNotExist)
	}
	if err := m.plat.Rename(tmpPath, finalPath); err != nil {
		return errors.NewFilesystemError(finalPath, "rename", err)
	}
	return nil
}

// DeleteProfile removes a profile. Failures are logged, not surfaced;
// only an unresolvable path is an error.
func (m *Manager) DeleteProfile(profile paths.ProfilePath) error {
	path, err := m.res.BuildProfilePath(profile)
	if err != nil {
		return err
	}
	if err := m.plat.Remove(path); err != nil && !m.plat.IsNotExist(err) {
		m.log.Warn("failed to remove profile", "path", path, "error", err)
	}
	return nil
}

func (m *Manager) profmanCmdline() *artexec.Cmdline {
	return artexec.NewCmdline(
		m.cfg.ToolPath(m.cfg.Tools.ArtExec),
		m.cfg.ToolPath(m.cfg.Tools.Profman))
}

// openReadOnly opens a path read-only, mapping a missing file to nil.
func (m *Manager) openReadOnly(path string) (*os.File, error) {
	f, err := m.plat.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if m.plat.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewFilesystemError(path, "open", err)
	}
	return f, nil
}

// openRequired opens a path read-only; a missing file is an error.
func (m *Manager) openRequired(path string) (*os.File, error) {
	f, err := m.plat.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.NewFilesystemError(path, "open", err)
	}
	return f, nil
}

// extractZipEntry copies one archive entry into an anonymous
// memory-backed file. A missing or empty entry yields nil.
func (m *Manager) extractZipEntry(archive *os.File, entry string) (*os.File, error) {
	info, err := archive.Stat()
	if err != nil {
		return nil, errors.NewFilesystemError(archive.Name(), "stat", err)
	}
	zr, err := zip.NewReader(archive, info.Size())
	if err != nil {
		return nil, errors.NewFilesystemError(archive.Name(), "read", err)
	}

	for _, f := range zr.File {
		if f.Name != entry {
			continue
		}
		if f.UncompressedSize64 == 0 {
			return nil, nil
		}

		rc, err := f.Open()
		if err != nil {
			return nil, errors.NewFilesystemError(archive.Name(), "read", err)
		}
		defer rc.Close()

		fd, err := m.plat.MemfdCreate(entry, 0)
		if err != nil {
			return nil, errors.NewFilesystemError(entry, "memfd_create", err)
		}
		mem := os.NewFile(uintptr(fd), entry)
		if _, err := io.Copy(mem, rc); err != nil {
			mem.Close()
			return nil, errors.NewFilesystemError(entry, "copy", err)
		}
		if _, err := mem.Seek(0, io.SeekStart); err != nil {
			mem.Close()
			return nil, errors.NewFilesystemError(entry, "seek", err)
		}
		return mem, nil
	}
	return nil, nil
}
