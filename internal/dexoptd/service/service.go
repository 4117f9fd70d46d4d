// Package service implements the daemon's operation surface. It wires
// the path resolver, the orchestrators, and the collectors together;
// the request server maps wire messages onto these methods.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"dexoptd/internal/dexoptd/artexec"
	"dexoptd/internal/dexoptd/dexopt"
	"dexoptd/internal/dexoptd/fsperm"
	"dexoptd/internal/dexoptd/gc"
	"dexoptd/internal/dexoptd/newfile"
	"dexoptd/internal/dexoptd/notify"
	"dexoptd/internal/dexoptd/paths"
	"dexoptd/internal/dexoptd/prereboot"
	"dexoptd/internal/dexoptd/profile"
	"dexoptd/internal/dexoptd/props"
	"dexoptd/pkg/config"
	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// sdcTimestampKey records the sdm mtime the companion file attests.
const sdcTimestampKey = "sdm-timestamp-ns"

// systemBuildProp feeds the property layer under the config overrides.
const systemBuildProp = "/system/build.prop"

// Service is the daemon core.
type Service struct {
	plat      platform.Platform
	cfg       *config.Config
	res       *paths.Resolver
	props     props.Properties
	profiles  *profile.Manager
	dexopt    *dexopt.Orchestrator
	gc        *gc.Collector
	prereboot *prereboot.Manager
	log       *logger.Logger
}

// New assembles the service. The runner seam is injected so tests can
// fake the child tools.
func New(plat platform.Platform, cfg *config.Config, run artexec.Runner) *Service {
	properties := loadProperties(plat, cfg)
	return &Service{
		plat:      plat,
		cfg:       cfg,
		res:       paths.NewResolver(cfg),
		props:     properties,
		profiles:  profile.NewManager(plat, cfg, run),
		dexopt:    dexopt.NewOrchestrator(plat, cfg, run, properties),
		gc:        gc.NewCollector(plat, cfg),
		prereboot: prereboot.NewManager(plat, cfg, run, properties),
		log:       logger.WithField("component", "service"),
	}
}

// loadProperties layers the config overrides over the system build
// properties, when readable.
func loadProperties(plat platform.Platform, cfg *config.Config) props.Properties {
	overrides := props.NewMapProperties(cfg.Properties)
	system, err := props.LoadPropFile(plat, systemBuildProp)
	if err != nil {
		return overrides
	}
	return props.NewLayered(overrides, system)
}

// IsAlive is the liveness probe.
func (s *Service) IsAlive() bool { return true }

// NewCancellationSignal creates a signal wired to the platform's kill.
func (s *Service) NewCancellationSignal() *artexec.CancellationSignal {
	return artexec.NewCancellationSignal(s.plat.Kill)
}

// DeleteArtifacts removes an artifact triple and reports bytes freed.
func (s *Service) DeleteArtifacts(artifact paths.ArtifactPath) (int64, error) {
	triple, err := s.res.OatPaths(artifact)
	if err != nil {
		return 0, err
	}
	return s.removeAll(triple.All()), nil
}

// GetArtifactsSize sums the on-disk size of an artifact triple.
func (s *Service) GetArtifactsSize(artifact paths.ArtifactPath) (int64, error) {
	triple, err := s.res.OatPaths(artifact)
	if err != nil {
		return 0, err
	}
	return s.sumSizes(triple.All()), nil
}

// GetVdexFileSize reports the size of the verification metadata alone.
func (s *Service) GetVdexFileSize(artifact paths.ArtifactPath) (int64, error) {
	triple, err := s.res.OatPaths(artifact)
	if err != nil {
		return 0, err
	}
	return s.sumSizes([]string{triple.Vdex}), nil
}

// GetSdmFileSize reports the size of the secure metadata file.
func (s *Service) GetSdmFileSize(artifact paths.ArtifactPath) (int64, error) {
	sdm, err := s.res.BuildSdmPath(artifact)
	if err != nil {
		return 0, err
	}
	return s.sumSizes([]string{sdm}), nil
}

// GetProfileSize reports the size of a profile.
func (s *Service) GetProfileSize(p paths.ProfilePath) (int64, error) {
	path, err := s.res.BuildProfilePath(p)
	if err != nil {
		return 0, err
	}
	return s.sumSizes([]string{path}), nil
}

// GetRuntimeArtifactsSize sums the runtime images across all users.
func (s *Service) GetRuntimeArtifactsSize(artifact paths.RuntimeArtifactPath) (int64, error) {
	users, err := s.plat.ReadDir(filepath.Join(s.res.DataRoot(), "user"))
	if err != nil {
		if s.plat.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.NewFilesystemError(s.res.DataRoot(), "read", err)
	}
	var total int64
	for _, user := range users {
		if !user.IsDir() {
			continue
		}
		path, err := s.res.RuntimeImagePath(artifact, user.Name())
		if err != nil {
			return 0, err
		}
		total += s.sumSizes([]string{path})
	}
	return total, nil
}

// GetProfileVisibility reports other-readability of a profile.
func (s *Service) GetProfileVisibility(p paths.ProfilePath) (fsperm.Visibility, error) {
	path, err := s.res.BuildProfilePath(p)
	if err != nil {
		return fsperm.VisibilityNotFound, err
	}
	return fsperm.GetVisibility(s.plat, path)
}

// GetArtifactsVisibility reports other-readability of the code file.
func (s *Service) GetArtifactsVisibility(artifact paths.ArtifactPath) (fsperm.Visibility, error) {
	triple, err := s.res.OatPaths(artifact)
	if err != nil {
		return fsperm.VisibilityNotFound, err
	}
	return fsperm.GetVisibility(s.plat, triple.Oat)
}

// GetDexFileVisibility reports other-readability of a dex file.
func (s *Service) GetDexFileVisibility(dexPath string) (fsperm.Visibility, error) {
	return fsperm.GetVisibility(s.plat, dexPath)
}

// GetDmFileVisibility reports other-readability of the dex-metadata
// archive sibling of a dex file.
func (s *Service) GetDmFileVisibility(dexPath string) (fsperm.Visibility, error) {
	path, err := s.res.BuildDexMetadataPath(dexPath)
	if err != nil {
		return fsperm.VisibilityNotFound, err
	}
	return fsperm.GetVisibility(s.plat, path)
}

// IsProfileUsable reports whether a profile should drive compilation.
func (s *Service) IsProfileUsable(ctx context.Context, p paths.ProfilePath, dexPath string) (bool, error) {
	return s.profiles.IsUsable(ctx, p, dexPath)
}

// CopyAndRewriteProfile rewrites a source profile against a dex file.
func (s *Service) CopyAndRewriteProfile(ctx context.Context, src paths.ProfilePath, out *profile.OutputProfile, dexPath string) (*profile.CopyResult, error) {
	return s.profiles.CopyAndRewrite(ctx, src, out, dexPath)
}

// CopyAndRewriteEmbeddedProfile rewrites the profile embedded in the
// dex file itself.
func (s *Service) CopyAndRewriteEmbeddedProfile(ctx context.Context, out *profile.OutputProfile, dexPath string) (*profile.CopyResult, error) {
	return s.profiles.CopyAndRewriteEmbedded(ctx, out, dexPath)
}

// CommitTmpProfile promotes a kept temp profile.
func (s *Service) CommitTmpProfile(tmp paths.TmpProfilePath) error {
	return s.profiles.CommitTmpProfile(tmp)
}

// DeleteProfile removes a profile.
func (s *Service) DeleteProfile(p paths.ProfilePath) error {
	return s.profiles.DeleteProfile(p)
}

// MergeProfiles merges current profiles into a reference profile.
func (s *Service) MergeProfiles(ctx context.Context, inputs []paths.ProfilePath, reference paths.ProfilePath, out *profile.OutputProfile, dexPaths []string, opts profile.MergeOptions) (*profile.WrittenProfile, error) {
	return s.profiles.Merge(ctx, inputs, reference, out, dexPaths, opts)
}

// Dexopt compiles a dex file into an artifact triple.
func (s *Service) Dexopt(ctx context.Context, req *dexopt.Request, cancel *artexec.CancellationSignal) (*dexopt.Result, error) {
	return s.dexopt.Dexopt(ctx, req, cancel)
}

// MaybeCreateSdc refreshes the companion file attesting that the
// secure metadata was validated under the current runtime. The file is
// rewritten only when missing or older than the sdm.
func (s *Service) MaybeCreateSdc(artifact paths.ArtifactPath, perm fsperm.FsPermission) error {
	sdmPath, err := s.res.BuildSdmPath(artifact)
	if err != nil {
		return err
	}
	sdmInfo, err := s.plat.Stat(sdmPath)
	if err != nil {
		if s.plat.IsNotExist(err) {
			return nil
		}
		return errors.NewFilesystemError(sdmPath, "stat", err)
	}
	sdmMtime := sdmInfo.ModTime().UnixNano()

	sdcPath, err := s.res.BuildSdcPath(artifact)
	if err != nil {
		return err
	}
	if recorded, ok := s.readSdcTimestamp(sdcPath); ok && recorded >= sdmMtime {
		return nil
	}

	if err := s.plat.MkdirAll(filepath.Dir(sdcPath), perm.DirMode()); err != nil {
		return errors.NewFilesystemError(sdcPath, "mkdir", err)
	}
	nf, err := newfile.Create(s.plat, sdcPath, perm)
	if err != nil {
		return err
	}
	defer nf.Cleanup()
	if _, err := fmt.Fprintf(nf.File(), "%s=%d\n", sdcTimestampKey, sdmMtime); err != nil {
		return errors.NewFilesystemError(sdcPath, "write", err)
	}
	return nf.Commit()
}

func (s *Service) readSdcTimestamp(sdcPath string) (int64, bool) {
	data, err := s.plat.ReadFile(sdcPath)
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if value, ok := strings.CutPrefix(line, sdcTimestampKey+"="); ok {
			ts, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, false
			}
			return ts, true
		}
	}
	return 0, false
}

// DeleteSdmSdcFiles removes the secure metadata pair and reports bytes
// freed.
func (s *Service) DeleteSdmSdcFiles(artifact paths.ArtifactPath) (int64, error) {
	sdm, err := s.res.BuildSdmPath(artifact)
	if err != nil {
		return 0, err
	}
	sdc, err := s.res.BuildSdcPath(artifact)
	if err != nil {
		return 0, err
	}
	return s.removeAll([]string{sdm, sdc}), nil
}

// Cleanup sweeps the output trees, preserving the managed roots.
func (s *Service) Cleanup(roots *gc.ManagedRoots, keepPreRebootStaged bool) (int64, error) {
	return s.gc.Cleanup(roots, keepPreRebootStaged)
}

// CleanupPreRebootStagedFiles removes every staged file.
func (s *Service) CleanupPreRebootStagedFiles() {
	s.gc.CleanupPreRebootStagedFiles()
}

// IsInDalvikCache reports where artifacts for a dex file belong.
func (s *Service) IsInDalvikCache(dexPath string) (bool, error) {
	return s.res.IsInDalvikCache(dexPath)
}

// CommitPreRebootStagedFiles promotes staged files after a reboot.
func (s *Service) CommitPreRebootStagedFiles(artifacts []paths.ArtifactPath, profiles []paths.ProfilePath) (bool, error) {
	return s.prereboot.CommitStagedFiles(artifacts, profiles)
}

// CheckPreRebootSystemRequirements vets the staged system's version.
func (s *Service) CheckPreRebootSystemRequirements(chrootDir string) (bool, error) {
	return s.prereboot.CheckSystemRequirements(chrootDir)
}

// PreRebootInit prepares the chroot for staged compilation.
func (s *Service) PreRebootInit(ctx context.Context, cancel *artexec.CancellationSignal) (bool, error) {
	return s.prereboot.Init(ctx, cancel)
}

// InitProfileSaveNotification opens a watch for a profile save by the
// given process.
func (s *Service) InitProfileSaveNotification(p paths.ProfilePath, pid int) (*notify.Notification, error) {
	path, err := s.res.BuildProfilePath(p)
	if err != nil {
		return nil, err
	}
	return notify.Init(s.plat, path, pid)
}

func (s *Service) sumSizes(pathList []string) int64 {
	var total int64
	for _, p := range pathList {
		if info, err := s.plat.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

func (s *Service) removeAll(pathList []string) int64 {
	var freed int64
	for _, p := range pathList {
		info, err := s.plat.Stat(p)
		if err != nil {
			continue
		}
		if err := s.plat.Remove(p); err != nil {
			s.log.Warn("failed to remove file", "path", p, "error", err)
			continue
		}
		freed += info.Size()
	}
	return freed
}
