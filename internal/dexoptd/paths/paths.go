// Package paths maps logical artifact and profile identifiers to
// concrete filesystem locations under the data and expand roots. All
// functions are pure; no I/O happens here. Character-class validation
// of identifiers runs at this boundary and nowhere else.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"

	"dexoptd/pkg/config"
	"dexoptd/pkg/errors"
)

// ISA is an instruction-set tag from a closed set. Invalid values are
// rejected at the boundary.
type ISA string

const (
	ISAArm     ISA = "arm"
	ISAArm64   ISA = "arm64"
	ISAX86     ISA = "x86"
	ISAX86_64  ISA = "x86_64"
	ISARiscv64 ISA = "riscv64"
)

// StagedSuffix marks a file produced pre-reboot that is not yet
// authoritative.
const StagedSuffix = ".staged"

// ParseISA validates an instruction-set tag.
func ParseISA(s string) (ISA, error) {
	switch ISA(s) {
	case ISAArm, ISAArm64, ISAX86, ISAX86_64, ISARiscv64:
		return ISA(s), nil
	}
	return "", errors.NewInvalidArgument("instruction set %q is not supported", s)
}

// ArtifactPath is the logical handle of one artifact triple.
type ArtifactPath struct {
	DexPath       string
	ISA           ISA
	InDalvikCache bool
}

// OatArtifacts holds the three sibling files produced by one compile:
// native code, verification metadata, and precomputed image.
type OatArtifacts struct {
	Oat  string
	Vdex string
	Art  string
}

// Staged returns the pre-reboot variant of the triple.
func (o OatArtifacts) Staged() OatArtifacts {
	return OatArtifacts{
		Oat:  o.Oat + StagedSuffix,
		Vdex: o.Vdex + StagedSuffix,
		Art:  o.Art + StagedSuffix,
	}
}

// All returns the three paths in code, metadata, image order.
func (o OatArtifacts) All() []string {
	return []string{o.Oat, o.Vdex, o.Art}
}

// Resolver maps logical identifiers to filesystem paths under the
// configured roots.
type Resolver struct {
	dataRoot   string
	expandRoot string
	artRoot    string
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		dataRoot:   cfg.Storage.DataRoot,
		expandRoot: cfg.Storage.ExpandRoot,
		artRoot:    cfg.Storage.ArtRoot,
	}
}

// DataRoot returns the data partition root the resolver was built with.
func (r *Resolver) DataRoot() string { return r.dataRoot }

// ExpandRoot returns the adopted-storage root.
func (r *Resolver) ExpandRoot() string { return r.expandRoot }

func validateDexPath(dexPath string) error {
	if !filepath.IsAbs(dexPath) {
		return errors.NewInvalidArgument("dex path %q is not absolute", dexPath)
	}
	if dexPath != filepath.Clean(dexPath) {
		return errors.NewInvalidArgument("dex path %q is not in canonical form", dexPath)
	}
	return nil
}

func validatePathElement(name, what string) error {
	if name == "" {
		return errors.NewInvalidArgument("%s must not be empty", what)
	}
	if strings.Contains(name, "/") {
		return errors.NewInvalidArgument("%s %q must not contain '/'", what, name)
	}
	if name == "." || name == ".." {
		return errors.NewInvalidArgument("%s %q is reserved", what, name)
	}
	return nil
}

// dexStem strips the extension from the dex file's base name.
func dexStem(dexPath string) string {
	base := filepath.Base(dexPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// flattenForCache builds the dalvik-cache file name for a dex path:
// every '/' becomes '@' and the leading separator is dropped.
func flattenForCache(dexPath string) string {
	return strings.TrimPrefix(strings.ReplaceAll(dexPath, "/", "@"), "@")
}

// OatPaths resolves an artifact handle to its triple. For dalvik-cache
// artifacts the triple lives under <data>/dalvik-cache/<isa> with the
// flattened dex path as base name; otherwise it lives in the dex file's
// oat/<isa> directory with the dex stem as base name.
func (r *Resolver) OatPaths(artifact ArtifactPath) (OatArtifacts, error) {
	if err := validateDexPath(artifact.DexPath); err != nil {
		return OatArtifacts{}, err
	}
	if _, err := ParseISA(string(artifact.ISA)); err != nil {
		return OatArtifacts{}, err
	}

	if artifact.InDalvikCache {
		dir := filepath.Join(r.dataRoot, "dalvik-cache", string(artifact.ISA))
		name := flattenForCache(artifact.DexPath)
		return OatArtifacts{
			Oat:  filepath.Join(dir, name+"@classes.dex"),
			Vdex: filepath.Join(dir, name+"@classes.vdex"),
			Art:  filepath.Join(dir, name+"@classes.art"),
		}, nil
	}

	dir := filepath.Join(filepath.Dir(artifact.DexPath), "oat", string(artifact.ISA))
	stem := dexStem(artifact.DexPath)
	return OatArtifacts{
		Oat:  filepath.Join(dir, stem+".odex"),
		Vdex: filepath.Join(dir, stem+".vdex"),
		Art:  filepath.Join(dir, stem+".art"),
	}, nil
}

// IsInDalvikCache reports whether artifacts for the given dex file
// belong in the dalvik-cache: everything that does not live on a
// writable partition compiles into the cache under the data root.
func (r *Resolver) IsInDalvikCache(dexPath string) (bool, error) {
	if err := validateDexPath(dexPath); err != nil {
		return false, err
	}
	for _, root := range []string{r.dataRoot, r.expandRoot} {
		if strings.HasPrefix(dexPath, root+"/") {
			return false, nil
		}
	}
	return true, nil
}

// ProfilePath is the tagged union of all concrete profile locations.
type ProfilePath interface {
	isProfilePath()
}

// PrimaryRefProfilePath is the per-package reference profile.
type PrimaryRefProfilePath struct {
	PackageName string
	ProfileName string
	// IsPreReboot appends the staging marker.
	IsPreReboot bool
}

// PrimaryCurProfilePath is the per-user current profile of a package.
type PrimaryCurProfilePath struct {
	UserID      int
	PackageName string
	ProfileName string
}

// SecondaryRefProfilePath is the reference profile of a secondary dex
// file.
type SecondaryRefProfilePath struct {
	DexPath string
}

// SecondaryCurProfilePath is the current profile of a secondary dex
// file.
type SecondaryCurProfilePath struct {
	DexPath string
}

// PrebuiltProfilePath is the profile shipped next to a dex file.
type PrebuiltProfilePath struct {
	DexPath string
}

// DexMetadataProfilePath addresses the profile entry inside the
// dex-metadata archive sibling of a dex file.
type DexMetadataProfilePath struct {
	DexPath string
}

// TmpProfilePath is a temporary file derived from a concrete final
// location plus an opaque id.
type TmpProfilePath struct {
	Final ProfilePath
	ID    string
}

func (PrimaryRefProfilePath) isProfilePath()   {}
func (PrimaryCurProfilePath) isProfilePath()   {}
func (SecondaryRefProfilePath) isProfilePath() {}
func (SecondaryCurProfilePath) isProfilePath() {}
func (PrebuiltProfilePath) isProfilePath()     {}
func (DexMetadataProfilePath) isProfilePath()  {}
func (TmpProfilePath) isProfilePath()          {}

// BuildProfilePath resolves any profile path variant to its concrete
// location. Temporary variants resolve to their temporary path.
func (r *Resolver) BuildProfilePath(profile ProfilePath) (string, error) {
	switch p := profile.(type) {
	case PrimaryRefProfilePath:
		if err := validatePathElement(p.PackageName, "package name"); err != nil {
			return "", err
		}
		if err := validatePathElement(p.ProfileName, "profile name"); err != nil {
			return "", err
		}
		path := filepath.Join(r.dataRoot, "misc", "profiles", "ref", p.PackageName, p.ProfileName+".prof")
		if p.IsPreReboot {
			path += StagedSuffix
		}
		return path, nil
	case PrimaryCurProfilePath:
		if p.UserID < 0 {
			return "", errors.NewInvalidArgument("user id %d is negative", p.UserID)
		}
		if err := validatePathElement(p.PackageName, "package name"); err != nil {
			return "", err
		}
		if err := validatePathElement(p.ProfileName, "profile name"); err != nil {
			return "", err
		}
		return filepath.Join(r.dataRoot, "misc", "profiles", "cur",
			fmt.Sprintf("%d", p.UserID), p.PackageName, p.ProfileName+".prof"), nil
	case SecondaryRefProfilePath:
		if err := validateDexPath(p.DexPath); err != nil {
			return "", err
		}
		return filepath.Join(filepath.Dir(p.DexPath), "oat", filepath.Base(p.DexPath)+".prof"), nil
	case SecondaryCurProfilePath:
		if err := validateDexPath(p.DexPath); err != nil {
			return "", err
		}
		return filepath.Join(filepath.Dir(p.DexPath), "oat", filepath.Base(p.DexPath)+".cur.prof"), nil
	case PrebuiltProfilePath:
		if err := validateDexPath(p.DexPath); err != nil {
			return "", err
		}
		return p.DexPath + ".prof", nil
	case DexMetadataProfilePath:
		return r.BuildDexMetadataPath(p.DexPath)
	case TmpProfilePath:
		return r.BuildTmpProfilePath(p)
	default:
		return "", errors.NewInvalidArgument("unknown profile path variant %T", profile)
	}
}

// BuildFinalProfilePath resolves the commit target of a temporary
// profile.
func (r *Resolver) BuildFinalProfilePath(tmp TmpProfilePath) (string, error) {
	if _, ok := tmp.Final.(TmpProfilePath); ok {
		return "", errors.NewInvalidArgument("temporary profile cannot be the final of another temporary profile")
	}
	return r.BuildProfilePath(tmp.Final)
}

// BuildTmpProfilePath resolves a temporary profile to <final>.<id>.tmp.
func (r *Resolver) BuildTmpProfilePath(tmp TmpProfilePath) (string, error) {
	if err := validatePathElement(tmp.ID, "temporary profile id"); err != nil {
		return "", err
	}
	final, err := r.BuildFinalProfilePath(tmp)
	if err != nil {
		return "", err
	}
	return final + "." + tmp.ID + ".tmp", nil
}

// BuildDexMetadataPath resolves the dex-metadata archive sibling of a
// dex file: the dex path with its extension replaced by ".dm".
func (r *Resolver) BuildDexMetadataPath(dexPath string) (string, error) {
	if err := validateDexPath(dexPath); err != nil {
		return "", err
	}
	return strings.TrimSuffix(dexPath, filepath.Ext(dexPath)) + ".dm", nil
}

// BuildSdmPath resolves the secure dex metadata file, which sits next
// to the dex file and carries the instruction set in its name.
func (r *Resolver) BuildSdmPath(artifact ArtifactPath) (string, error) {
	if err := validateDexPath(artifact.DexPath); err != nil {
		return "", err
	}
	if _, err := ParseISA(string(artifact.ISA)); err != nil {
		return "", err
	}
	dir := filepath.Dir(artifact.DexPath)
	return filepath.Join(dir, fmt.Sprintf("%s.%s.sdm", dexStem(artifact.DexPath), artifact.ISA)), nil
}

// BuildSdcPath resolves the companion file vouching that an sdm has
// been validated under the current runtime environment. It lives in
// the artifact directory.
func (r *Resolver) BuildSdcPath(artifact ArtifactPath) (string, error) {
	oat, err := r.OatPaths(artifact)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(oat.Oat, filepath.Ext(oat.Oat)) + ".sdc", nil
}

// BuildToolPath resolves a tool name under the runtime installation
// root.
func (r *Resolver) BuildToolPath(name string) (string, error) {
	if err := validatePathElement(name, "tool name"); err != nil {
		return "", err
	}
	return filepath.Join(r.artRoot, "bin", name), nil
}

// RuntimeArtifactPath identifies the image a running app generated for
// itself, stored per user under the package's cache directory.
type RuntimeArtifactPath struct {
	PackageName string
	ISA         ISA
	DexPath     string
}

// RuntimeImagePath resolves the runtime-generated image of one user.
func (r *Resolver) RuntimeImagePath(artifact RuntimeArtifactPath, userID string) (string, error) {
	if err := validatePathElement(artifact.PackageName, "package name"); err != nil {
		return "", err
	}
	if err := validatePathElement(userID, "user id"); err != nil {
		return "", err
	}
	if _, err := ParseISA(string(artifact.ISA)); err != nil {
		return "", err
	}
	if err := validateDexPath(artifact.DexPath); err != nil {
		return "", err
	}
	return filepath.Join(r.dataRoot, "user", userID, artifact.PackageName,
		"cache", "oat_primary", string(artifact.ISA), dexStem(artifact.DexPath)+".art"), nil
}
