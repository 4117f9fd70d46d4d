// Package dexopt drives ahead-of-time compilation of a dex file into
// an artifact triple. One request maps to one compiler invocation; the
// outputs are written to temp new-files and committed together so a
// crash or cancellation never leaves partial artifacts behind.
package dexopt

import (
	"context"
	"os"
	"path/filepath"

	"dexoptd/internal/dexoptd/artexec"
	"dexoptd/internal/dexoptd/fsperm"
	"dexoptd/internal/dexoptd/newfile"
	"dexoptd/internal/dexoptd/paths"
	"dexoptd/internal/dexoptd/props"
	"dexoptd/pkg/config"
	"dexoptd/pkg/errors"
	"dexoptd/pkg/logger"
	"dexoptd/pkg/platform"
)

// Priority is the scheduling tier of a compilation.
type Priority int

const (
	PriorityBoot Priority = iota
	PriorityInteractiveFast
	PriorityInteractive
	PriorityBackground
)

// ParsePriority maps the wire name of a priority class.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "boot":
		return PriorityBoot, nil
	case "interactive_fast":
		return PriorityInteractiveFast, nil
	case "interactive":
		return PriorityInteractive, nil
	case "background":
		return PriorityBackground, nil
	default:
		return 0, errors.NewInvalidArgument("unknown priority class %q", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityBoot:
		return "boot"
	case PriorityInteractiveFast:
		return "interactive_fast"
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// taskProfile is the cgroup profile the wrapper joins the child to.
// Boot compilations run unconstrained.
func (p Priority) taskProfile() string {
	switch p {
	case PriorityInteractiveFast, PriorityInteractive:
		return "Dex2OatBootComplete"
	case PriorityBackground:
		return "Dex2OatBackground"
	default:
		return ""
	}
}

func (p Priority) schedPriority() string {
	if p == PriorityBoot {
		return ""
	}
	return "background"
}

// propPrefix selects the resource-control property namespace.
func (p Priority) propPrefix() string {
	switch p {
	case PriorityBoot:
		return "boot-dex2oat-"
	case PriorityInteractiveFast:
		return "restore-dex2oat-"
	case PriorityBackground:
		return "background-dex2oat-"
	default:
		return "dex2oat-"
	}
}

// ClassLoaderContext describes the class path the compiled code will
// be loaded under: the encoded context string plus the dex files it
// references, in the order the context lists them.
type ClassLoaderContext struct {
	Context  string
	DexFiles []string
}

// Options is the per-request dexopt option record.
type Options struct {
	CompilationReason      string
	TargetSdkVersion       int
	Debuggable             bool
	GenerateAppImage       bool
	HiddenApiPolicyEnabled bool
}

// Request describes one compilation.
type Request struct {
	Artifact       paths.ArtifactPath
	Perm           fsperm.FsPermission
	CompilerFilter string
	// Profile guides the compilation when set.
	Profile paths.ProfilePath
	// PriorVdex reuses the existing verification metadata as input.
	PriorVdex bool
	// UseDexMetadata passes the dex-metadata archive sibling when it
	// exists.
	UseDexMetadata     bool
	ClassLoaderContext *ClassLoaderContext
	Priority           Priority
	Options            Options
	// IsPreReboot targets the staged siblings instead of the live
	// artifacts.
	IsPreReboot bool
}

// Result reports one finished compilation.
type Result struct {
	Cancelled     bool
	WallTimeMs    int64
	CPUTimeMs     int64
	TotalNewBytes int64
	TotalOldBytes int64
}

// Orchestrator runs dexopt requests.
type Orchestrator struct {
	plat  platform.Platform
	cfg   *config.Config
	res   *paths.Resolver
	run   artexec.Runner
	props props.Properties
	log   *logger.Logger
}

func NewOrchestrator(plat platform.Platform, cfg *config.Config, run artexec.Runner, properties props.Properties) *Orchestrator {
	return &Orchestrator{
		plat:  plat,
		cfg:   cfg,
		res:   paths.NewResolver(cfg),
		run:   run,
		props: properties,
		log:   logger.WithField("component", "dexopt"),
	}
}

// Dexopt compiles one dex file. Cancellation is reported through the
// result, not an error; every other failure abandons the outputs.
func (o *Orchestrator) Dexopt(ctx context.Context, req *Request, cancel *artexec.CancellationSignal) (*Result, error) {
	dexPath := req.Artifact.DexPath

	if err := o.checkPolicy(req); err != nil {
		return nil, err
	}

	targets, err := o.res.OatPaths(req.Artifact)
	if err != nil {
		return nil, err
	}
	if req.IsPreReboot {
		targets = targets.Staged()
	}

	oldBytes := o.sumSizes(targets.Oat, targets.Vdex, targets.Art)

	dex, err := o.plat.OpenFile(dexPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.NewFilesystemError(dexPath, "open", err)
	}
	defer dex.Close()

	if err := o.ensureOutputDir(targets.Oat, req.Perm); err != nil {
		return nil, err
	}

	oatFile, err := newfile.Create(o.plat, targets.Oat, req.Perm)
	if err != nil {
		return nil, err
	}
	defer oatFile.Cleanup()
	vdexFile, err := newfile.Create(o.plat, targets.Vdex, req.Perm)
	if err != nil {
		return nil, err
	}
	defer vdexFile.Cleanup()

	outputs := []*newfile.NewFile{vdexFile, oatFile}
	var artFile *newfile.NewFile
	if req.Options.GenerateAppImage {
		artFile, err = newfile.Create(o.plat, targets.Art, req.Perm)
		if err != nil {
			return nil, err
		}
		defer artFile.Cleanup()
		outputs = append(outputs, artFile)
	}

	// closers is populated even when cmdline building fails partway.
	cmd, closers, err := o.buildCmdline(req, dex, oatFile, vdexFile, artFile, targets.Oat)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if err != nil {
		return nil, err
	}

	var stat artexec.ProcessStat
	execRes, err := o.run.Run(ctx, cmd.Build(), &artexec.RunOptions{
		Cancel:     cancel,
		Stat:       &stat,
		ExtraFiles: cmd.ExtraFiles(),
	})
	if err != nil {
		return nil, err
	}

	switch execRes.Status {
	case artexec.StatusCancelled:
		o.log.Info("dexopt cancelled", "dex", dexPath, "isa", req.Artifact.ISA)
		return &Result{Cancelled: true, WallTimeMs: stat.WallTimeMs, CPUTimeMs: stat.CPUTimeMs}, nil
	case artexec.StatusSignaled:
		return nil, errors.NewToolError(o.cfg.Tools.Dex2oat, -1, int(execRes.Signal))
	case artexec.StatusExited:
		if execRes.ExitCode != 0 {
			return nil, errors.NewToolError(o.cfg.Tools.Dex2oat, execRes.ExitCode, 0)
		}
	}

	if err := newfile.CommitAll(outputs); err != nil {
		return nil, err
	}

	// A compile without an image invalidates any previous one.
	if !req.Options.GenerateAppImage {
		if err := o.plat.Remove(targets.Art); err != nil && !o.plat.IsNotExist(err) {
			o.log.Warn("failed to remove stale image", "path", targets.Art, "error", err)
		}
	}

	newBytes := o.sumSizes(targets.Oat, targets.Vdex, targets.Art)
	o.log.Info("dexopt finished",
		"dex", dexPath,
		"isa", req.Artifact.ISA,
		"filter", req.CompilerFilter,
		"wallMs", stat.WallTimeMs,
		"cpuMs", stat.CPUTimeMs)

	return &Result{
		WallTimeMs:    stat.WallTimeMs,
		CPUTimeMs:     stat.CPUTimeMs,
		TotalNewBytes: newBytes,
		TotalOldBytes: oldBytes,
	}, nil
}

// checkPolicy rejects requests whose permission policy would widen
// access beyond what the input files already grant.
func (o *Orchestrator) checkPolicy(req *Request) error {
	dexPath := req.Artifact.DexPath
	dexVis, err := fsperm.GetVisibility(o.plat, dexPath)
	if err != nil {
		return err
	}
	if dexVis == fsperm.VisibilityNotFound {
		return errors.NewFilesystemError(dexPath, "stat", os.ErrNotExist)
	}

	if req.Perm.IsOtherReadable && dexVis != fsperm.VisibilityOtherReadable {
		return errors.NewPermissionDenied(
			"cannot make artifacts other-readable because the dex file %q is not other-readable", dexPath)
	}

	if req.Perm.UID >= 0 || req.Perm.GID >= 0 {
		uid, gid, err := fsperm.Ownership(o.plat, dexPath)
		if err != nil {
			return err
		}
		differs := (req.Perm.UID >= 0 && uint32(req.Perm.UID) != uid) ||
			(req.Perm.GID >= 0 && uint32(req.Perm.GID) != gid)
		if differs && dexVis != fsperm.VisibilityOtherReadable {
			return errors.NewPermissionDenied(
				"cannot change artifact ownership because the dex file %q is not other-readable", dexPath)
		}
	}

	if req.Profile != nil && req.Perm.IsOtherReadable {
		profilePath, err := o.res.BuildProfilePath(req.Profile)
		if err != nil {
			return err
		}
		profVis, err := fsperm.GetVisibility(o.plat, profilePath)
		if err != nil {
			return err
		}
		if profVis == fsperm.VisibilityNotOtherReadable {
			return errors.NewPermissionDenied(
				"cannot make artifacts other-readable because the profile %q is not other-readable", profilePath)
		}
	}
	return nil
}

func (o *Orchestrator) buildCmdline(req *Request, dex *os.File, oatFile, vdexFile, artFile *newfile.NewFile, oatLocation string) (*artexec.Cmdline, []*os.File, error) {
	var closers []*os.File
	cmd := artexec.NewCmdline(
		o.cfg.ToolPath(o.cfg.Tools.ArtExec),
		o.cfg.ToolPath(o.cfg.Tools.Dex2oat))

	if tp := req.Priority.taskProfile(); tp != "" {
		cmd.SetTaskProfile(tp)
	}
	if sp := req.Priority.schedPriority(); sp != "" {
		cmd.SetPriority(sp)
	}

	cmd.AddFile(dex, "--zip-fd=%d")
	cmd.Addf("--zip-location=%s", req.Artifact.DexPath)
	cmd.AddFile(oatFile.File(), "--oat-fd=%d")
	cmd.Addf("--oat-location=%s", oatLocation)
	cmd.AddFile(vdexFile.File(), "--output-vdex-fd=%d")
	if artFile != nil {
		cmd.AddFile(artFile.File(), "--app-image-fd=%d")
	}

	if req.Profile != nil {
		profilePath, err := o.res.BuildProfilePath(req.Profile)
		if err != nil {
			return nil, closers, err
		}
		prof, err := o.plat.OpenFile(profilePath, os.O_RDONLY, 0)
		if err != nil {
			return nil, closers, errors.NewFilesystemError(profilePath, "open", err)
		}
		closers = append(closers, prof)
		cmd.AddFile(prof, "--profile-file-fd=%d")
	}

	if req.PriorVdex {
		prior, err := o.openOptional(o.priorVdexPath(req))
		if err != nil {
			return nil, closers, err
		}
		if prior != nil {
			closers = append(closers, prior)
			cmd.AddFile(prior, "--input-vdex-fd=%d")
		}
	}

	if req.UseDexMetadata {
		dmPath, err := o.res.BuildDexMetadataPath(req.Artifact.DexPath)
		if err != nil {
			return nil, closers, err
		}
		dm, err := o.openOptional(dmPath)
		if err != nil {
			return nil, closers, err
		}
		if dm != nil {
			closers = append(closers, dm)
			cmd.AddFile(dm, "--dm-fd=%d")
		}
	}

	cmd.Addf("--instruction-set=%s", req.Artifact.ISA)
	cmd.Addf("--compiler-filter=%s", req.CompilerFilter)
	if req.Options.CompilationReason != "" {
		cmd.Addf("--compilation-reason=%s", req.Options.CompilationReason)
	}
	if req.Options.TargetSdkVersion > 0 {
		cmd.Addf("-Xtarget-sdk-version:%d", req.Options.TargetSdkVersion)
	}
	if req.Options.Debuggable {
		cmd.Add("--debuggable")
	}
	if req.Options.HiddenApiPolicyEnabled {
		cmd.Add("-Xhidden-api-policy:enabled")
	}

	if clc := req.ClassLoaderContext; clc != nil {
		cmd.Addf("--class-loader-context=%s", clc.Context)
		if len(clc.DexFiles) > 0 {
			var files []*os.File
			for _, p := range clc.DexFiles {
				f, err := o.plat.OpenFile(p, os.O_RDONLY, 0)
				if err != nil {
					return nil, closers, errors.NewFilesystemError(p, "open", err)
				}
				closers = append(closers, f)
				files = append(files, f)
			}
			cmd.AddFiles(files, "--class-loader-context-fds=%s")
		}
		cmd.Addf("--classpath-dir=%s", filepath.Dir(req.Artifact.DexPath))
	}

	if cpuSet := o.resourceProp(req.Priority, "cpu-set"); cpuSet != "" {
		cmd.Addf("--cpu-set=%s", cpuSet)
	}
	if threads := o.resourceProp(req.Priority, "threads"); threads != "" {
		cmd.Addf("-j%s", threads)
	}

	return cmd, closers, nil
}

// resourceProp reads a priority-specific resource-control property,
// falling back to the unprefixed default for non-boot classes. Boot
// uses only its own namespace.
func (o *Orchestrator) resourceProp(p Priority, name string) string {
	if v := o.props.Get(p.propPrefix() + name); v != "" {
		return v
	}
	if p == PriorityBoot {
		return ""
	}
	return o.props.Get("dex2oat-" + name)
}

// priorVdexPath locates the verification metadata of a previous
// compile, usable as an input to skip re-verification.
func (o *Orchestrator) priorVdexPath(req *Request) string {
	targets, err := o.res.OatPaths(req.Artifact)
	if err != nil {
		return ""
	}
	return targets.Vdex
}

func (o *Orchestrator) openOptional(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := o.plat.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if o.plat.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewFilesystemError(path, "open", err)
	}
	return f, nil
}

func (o *Orchestrator) ensureOutputDir(oatPath string, perm fsperm.FsPermission) error {
	dir := filepath.Dir(oatPath)
	if o.plat.DirExists(dir) {
		return nil
	}
	if err := o.plat.MkdirAll(dir, perm.DirMode()); err != nil {
		return errors.NewFilesystemError(dir, "mkdir", err)
	}
	return nil
}

func (o *Orchestrator) sumSizes(pathList ...string) int64 {
	var total int64
	for _, p := range pathList {
		if info, err := o.plat.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}
