package server

import (
	"dexoptd/internal/dexoptd/dexopt"
	"dexoptd/internal/dexoptd/fsperm"
	"dexoptd/internal/dexoptd/gc"
	"dexoptd/internal/dexoptd/paths"
	"dexoptd/internal/dexoptd/profile"
	"dexoptd/pkg/errors"
)

// Operation selects a daemon method.
type Operation string

const (
	OpIsAlive                  Operation = "isAlive"
	OpDeleteArtifacts          Operation = "deleteArtifacts"
	OpGetArtifactsSize         Operation = "getArtifactsSize"
	OpGetVdexFileSize          Operation = "getVdexFileSize"
	OpGetSdmFileSize           Operation = "getSdmFileSize"
	OpGetProfileSize           Operation = "getProfileSize"
	OpGetRuntimeArtifactsSize  Operation = "getRuntimeArtifactsSize"
	OpGetProfileVisibility     Operation = "getProfileVisibility"
	OpGetArtifactsVisibility   Operation = "getArtifactsVisibility"
	OpGetDexFileVisibility     Operation = "getDexFileVisibility"
	OpGetDmFileVisibility      Operation = "getDmFileVisibility"
	OpIsProfileUsable          Operation = "isProfileUsable"
	OpCopyAndRewriteProfile    Operation = "copyAndRewriteProfile"
	OpCopyAndRewriteEmbedded   Operation = "copyAndRewriteEmbeddedProfile"
	OpCommitTmpProfile         Operation = "commitTmpProfile"
	OpDeleteProfile            Operation = "deleteProfile"
	OpMergeProfiles            Operation = "mergeProfiles"
	OpDexopt                   Operation = "dexopt"
	OpCreateCancellationSignal Operation = "createCancellationSignal"
	OpCancel                   Operation = "cancel"
	OpMaybeCreateSdc           Operation = "maybeCreateSdc"
	OpDeleteSdmSdcFiles        Operation = "deleteSdmSdcFiles"
	OpCleanup                  Operation = "cleanup"
	OpCleanupPreRebootStaged   Operation = "cleanupPreRebootStagedFiles"
	OpIsInDalvikCache          Operation = "isInDalvikCache"
	OpCommitPreRebootStaged    Operation = "commitPreRebootStagedFiles"
	OpCheckPreRebootSystem     Operation = "checkPreRebootSystemRequirements"
	OpPreRebootInit            Operation = "preRebootInit"
	OpInitProfileNotification  Operation = "initProfileSaveNotification"
	OpWaitProfileNotification  Operation = "waitProfileSaveNotification"
	OpCloseProfileNotification Operation = "closeProfileSaveNotification"
)

// ArtifactRef is the wire form of an artifact handle.
type ArtifactRef struct {
	DexPath       string `json:"dexPath"`
	ISA           string `json:"isa"`
	InDalvikCache bool   `json:"inDalvikCache,omitempty"`
}

func (r *ArtifactRef) toPath() (paths.ArtifactPath, error) {
	isa, err := paths.ParseISA(r.ISA)
	if err != nil {
		return paths.ArtifactPath{}, err
	}
	return paths.ArtifactPath{
		DexPath:       r.DexPath,
		ISA:           isa,
		InDalvikCache: r.InDalvikCache,
	}, nil
}

// ProfileRef is the wire form of the profile-path union; Kind selects
// the variant.
type ProfileRef struct {
	Kind        string      `json:"kind"`
	PackageName string      `json:"packageName,omitempty"`
	ProfileName string      `json:"profileName,omitempty"`
	UserID      int         `json:"userId,omitempty"`
	DexPath     string      `json:"dexPath,omitempty"`
	IsPreReboot bool        `json:"isPreReboot,omitempty"`
	ID          string      `json:"id,omitempty"`
	Final       *ProfileRef `json:"final,omitempty"`
}

const (
	ProfileKindPrimaryRef   = "primaryRef"
	ProfileKindPrimaryCur   = "primaryCur"
	ProfileKindSecondaryRef = "secondaryRef"
	ProfileKindSecondaryCur = "secondaryCur"
	ProfileKindPrebuilt     = "prebuilt"
	ProfileKindDexMetadata  = "dexMetadata"
	ProfileKindTmp          = "tmp"
)

func (r *ProfileRef) toPath() (paths.ProfilePath, error) {
	switch r.Kind {
	case ProfileKindPrimaryRef:
		return paths.PrimaryRefProfilePath{
			PackageName: r.PackageName,
			ProfileName: r.ProfileName,
			IsPreReboot: r.IsPreReboot,
		}, nil
	case ProfileKindPrimaryCur:
		return paths.PrimaryCurProfilePath{
			UserID:      r.UserID,
			PackageName: r.PackageName,
			ProfileName: r.ProfileName,
		}, nil
	case ProfileKindSecondaryRef:
		return paths.SecondaryRefProfilePath{DexPath: r.DexPath}, nil
	case ProfileKindSecondaryCur:
		return paths.SecondaryCurProfilePath{DexPath: r.DexPath}, nil
	case ProfileKindPrebuilt:
		return paths.PrebuiltProfilePath{DexPath: r.DexPath}, nil
	case ProfileKindDexMetadata:
		return paths.DexMetadataProfilePath{DexPath: r.DexPath}, nil
	case ProfileKindTmp:
		if r.Final == nil {
			return nil, errors.NewInvalidArgument("temporary profile reference needs a final path")
		}
		final, err := r.Final.toPath()
		if err != nil {
			return nil, err
		}
		return paths.TmpProfilePath{Final: final, ID: r.ID}, nil
	default:
		return nil, errors.NewInvalidArgument("unknown profile kind %q", r.Kind)
	}
}

func (r *ProfileRef) toTmpPath() (paths.TmpProfilePath, error) {
	p, err := r.toPath()
	if err != nil {
		return paths.TmpProfilePath{}, err
	}
	tmp, ok := p.(paths.TmpProfilePath)
	if !ok {
		return paths.TmpProfilePath{}, errors.NewInvalidArgument("profile reference is not temporary")
	}
	return tmp, nil
}

// PermRef is the wire form of a permission policy. UID and GID of -1
// leave ownership unchanged.
type PermRef struct {
	UID               int    `json:"uid"`
	GID               int    `json:"gid"`
	IsOtherReadable   bool   `json:"isOtherReadable,omitempty"`
	IsOtherExecutable bool   `json:"isOtherExecutable,omitempty"`
	SeContext         string `json:"seContext,omitempty"`
}

func (r *PermRef) toPerm() fsperm.FsPermission {
	return fsperm.FsPermission{
		UID:               r.UID,
		GID:               r.GID,
		IsOtherReadable:   r.IsOtherReadable,
		IsOtherExecutable: r.IsOtherExecutable,
		SeContext:         r.SeContext,
	}
}

// OutputProfileRef is the wire form of a profile output descriptor.
type OutputProfileRef struct {
	Final ProfileRef `json:"final"`
	Perm  PermRef    `json:"perm"`
}

func (r *OutputProfileRef) toOutput() (*profile.OutputProfile, error) {
	final, err := r.Final.toPath()
	if err != nil {
		return nil, err
	}
	return &profile.OutputProfile{Final: final, Perm: r.Perm.toPerm()}, nil
}

// MergeOptionsRef is the wire form of the merge tuning options.
type MergeOptionsRef struct {
	ForceMerge            bool `json:"forceMerge,omitempty"`
	ForBootImage          bool `json:"forBootImage,omitempty"`
	DumpOnly              bool `json:"dumpOnly,omitempty"`
	DumpClassesAndMethods bool `json:"dumpClassesAndMethods,omitempty"`
}

// DexoptRef is the wire form of a dexopt request.
type DexoptRef struct {
	Artifact               ArtifactRef `json:"artifact"`
	Perm                   PermRef     `json:"perm"`
	CompilerFilter         string      `json:"compilerFilter"`
	Profile                *ProfileRef `json:"profile,omitempty"`
	PriorVdex              bool        `json:"priorVdex,omitempty"`
	UseDexMetadata         bool        `json:"useDexMetadata,omitempty"`
	ClassLoaderContext     string      `json:"classLoaderContext,omitempty"`
	ClassLoaderFiles       []string    `json:"classLoaderFiles,omitempty"`
	Priority               string      `json:"priority"`
	CompilationReason      string      `json:"compilationReason,omitempty"`
	TargetSdkVersion       int         `json:"targetSdkVersion,omitempty"`
	Debuggable             bool        `json:"debuggable,omitempty"`
	GenerateAppImage       bool        `json:"generateAppImage,omitempty"`
	HiddenApiPolicyEnabled bool        `json:"hiddenApiPolicyEnabled,omitempty"`
	IsPreReboot            bool        `json:"isPreReboot,omitempty"`
}

func (r *DexoptRef) toRequest() (*dexopt.Request, error) {
	artifact, err := r.Artifact.toPath()
	if err != nil {
		return nil, err
	}
	priority, err := dexopt.ParsePriority(r.Priority)
	if err != nil {
		return nil, err
	}
	req := &dexopt.Request{
		Artifact:       artifact,
		Perm:           r.Perm.toPerm(),
		CompilerFilter: r.CompilerFilter,
		PriorVdex:      r.PriorVdex,
		UseDexMetadata: r.UseDexMetadata,
		Priority:       priority,
		Options: dexopt.Options{
			CompilationReason:      r.CompilationReason,
			TargetSdkVersion:       r.TargetSdkVersion,
			Debuggable:             r.Debuggable,
			GenerateAppImage:       r.GenerateAppImage,
			HiddenApiPolicyEnabled: r.HiddenApiPolicyEnabled,
		},
		IsPreReboot: r.IsPreReboot,
	}
	if r.Profile != nil {
		p, err := r.Profile.toPath()
		if err != nil {
			return nil, err
		}
		req.Profile = p
	}
	if r.ClassLoaderContext != "" {
		req.ClassLoaderContext = &dexopt.ClassLoaderContext{
			Context:  r.ClassLoaderContext,
			DexFiles: r.ClassLoaderFiles,
		}
	}
	return req, nil
}

// RuntimeArtifactRef is the wire form of a runtime-artifact handle.
type RuntimeArtifactRef struct {
	PackageName string `json:"packageName"`
	ISA         string `json:"isa"`
	DexPath     string `json:"dexPath"`
}

func (r *RuntimeArtifactRef) toPath() (paths.RuntimeArtifactPath, error) {
	isa, err := paths.ParseISA(r.ISA)
	if err != nil {
		return paths.RuntimeArtifactPath{}, err
	}
	return paths.RuntimeArtifactPath{
		PackageName: r.PackageName,
		ISA:         isa,
		DexPath:     r.DexPath,
	}, nil
}

// ManagedRootsRef is the wire form of the GC keep set.
type ManagedRootsRef struct {
	Profiles         []ProfileRef         `json:"profiles,omitempty"`
	Artifacts        []ArtifactRef        `json:"artifacts,omitempty"`
	VdexOnly         []ArtifactRef        `json:"vdexOnly,omitempty"`
	SdmSdc           []ArtifactRef        `json:"sdmSdc,omitempty"`
	RuntimeArtifacts []RuntimeArtifactRef `json:"runtimeArtifacts,omitempty"`
}

func (r *ManagedRootsRef) toRoots() (*gc.ManagedRoots, error) {
	roots := &gc.ManagedRoots{}
	for _, p := range r.Profiles {
		path, err := p.toPath()
		if err != nil {
			return nil, err
		}
		roots.Profiles = append(roots.Profiles, path)
	}
	for _, a := range r.Artifacts {
		path, err := a.toPath()
		if err != nil {
			return nil, err
		}
		roots.Artifacts = append(roots.Artifacts, path)
	}
	for _, a := range r.VdexOnly {
		path, err := a.toPath()
		if err != nil {
			return nil, err
		}
		roots.VdexOnly = append(roots.VdexOnly, path)
	}
	for _, a := range r.SdmSdc {
		path, err := a.toPath()
		if err != nil {
			return nil, err
		}
		roots.SdmSdc = append(roots.SdmSdc, path)
	}
	for _, a := range r.RuntimeArtifacts {
		path, err := a.toPath()
		if err != nil {
			return nil, err
		}
		roots.RuntimeArtifacts = append(roots.RuntimeArtifacts, path)
	}
	return roots, nil
}

// Message is one request frame.
type Message struct {
	Operation Operation `json:"op"`
	RequestID string    `json:"requestId"`

	Artifact        *ArtifactRef        `json:"artifact,omitempty"`
	RuntimeArtifact *RuntimeArtifactRef `json:"runtimeArtifact,omitempty"`
	Profile         *ProfileRef         `json:"profile,omitempty"`
	Profiles        []ProfileRef        `json:"profiles,omitempty"`
	Artifacts       []ArtifactRef       `json:"artifacts,omitempty"`
	Reference       *ProfileRef         `json:"reference,omitempty"`
	Output          *OutputProfileRef   `json:"output,omitempty"`
	MergeOptions    *MergeOptionsRef    `json:"mergeOptions,omitempty"`
	Dexopt          *DexoptRef          `json:"dexopt,omitempty"`
	Perm            *PermRef            `json:"perm,omitempty"`
	ManagedRoots    *ManagedRootsRef    `json:"managedRoots,omitempty"`

	DexPath    string   `json:"dexPath,omitempty"`
	DexPaths   []string `json:"dexPaths,omitempty"`
	ChrootDir  string   `json:"chrootDir,omitempty"`
	CancelID   string   `json:"cancelId,omitempty"`
	NotifyID   string   `json:"notifyId,omitempty"`
	PID        int      `json:"pid,omitempty"`
	TimeoutMs  int      `json:"timeoutMs,omitempty"`
	KeepStaged bool     `json:"keepStaged,omitempty"`
}

// CopyResultRef is the wire form of a copy-and-rewrite outcome.
type CopyResultRef struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	TmpPath string `json:"tmpPath,omitempty"`
	ID      string `json:"id,omitempty"`
}

// DexoptResultRef is the wire form of a dexopt outcome.
type DexoptResultRef struct {
	Cancelled     bool  `json:"cancelled"`
	WallTimeMs    int64 `json:"wallTimeMs"`
	CPUTimeMs     int64 `json:"cpuTimeMs"`
	TotalNewBytes int64 `json:"totalNewBytes"`
	TotalOldBytes int64 `json:"totalOldBytes"`
}

// Response is one reply frame.
type Response struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	// IllegalState marks failures that must not be retried.
	IllegalState bool `json:"illegalState,omitempty"`

	Alive      bool             `json:"alive,omitempty"`
	Bool       bool             `json:"bool,omitempty"`
	Bytes      int64            `json:"bytes,omitempty"`
	Visibility string           `json:"visibility,omitempty"`
	CancelID   string           `json:"cancelId,omitempty"`
	NotifyID   string           `json:"notifyId,omitempty"`
	Copy       *CopyResultRef   `json:"copy,omitempty"`
	TmpPath    string           `json:"tmpPath,omitempty"`
	ID         string           `json:"id,omitempty"`
	Dexopt     *DexoptResultRef `json:"dexopt,omitempty"`
}
