package gc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexoptd/internal/dexoptd/paths"
	"dexoptd/pkg/config"
	"dexoptd/pkg/platform"
)

type gcEnv struct {
	col *Collector
	cfg *config.Config
	res *paths.Resolver
}

func newGcEnv(t *testing.T) *gcEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataRoot = t.TempDir()
	cfg.Storage.ExpandRoot = t.TempDir()
	return &gcEnv{
		col: NewCollector(platform.NewPlatform(), cfg),
		cfg: cfg,
		res: paths.NewResolver(cfg),
	}
}

func (e *gcEnv) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *gcEnv) data(parts ...string) string {
	return filepath.Join(append([]string{e.cfg.Storage.DataRoot}, parts...)...)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanupKeepsManagedRemovesRest(t *testing.T) {
	env := newGcEnv(t)

	keptProfile := paths.PrimaryRefProfilePath{PackageName: "com.keep", ProfileName: "primary"}
	keptProfilePath, err := env.res.BuildProfilePath(keptProfile)
	require.NoError(t, err)
	env.write(t, keptProfilePath, "keep")

	strayProfile := env.data("misc", "profiles", "ref", "com.gone", "primary.prof")
	env.write(t, strayProfile, "stray-profile")

	dexPath := env.data("app", "com.keep", "base.apk")
	env.write(t, dexPath, "PK")
	artifact := paths.ArtifactPath{DexPath: dexPath, ISA: paths.ISAArm64}
	triple, err := env.res.OatPaths(artifact)
	require.NoError(t, err)
	env.write(t, triple.Oat, "oat")
	env.write(t, triple.Vdex, "vdex")
	env.write(t, triple.Art, "art")

	strayOat := filepath.Join(filepath.Dir(triple.Oat), "gone.odex")
	env.write(t, strayOat, "stray-oat")

	strayCache := env.data("dalvik-cache", "arm64", "system@app@Gone.apk@classes.dex")
	env.write(t, strayCache, "stray-cache")

	freed, err := env.col.Cleanup(&ManagedRoots{
		Profiles:  []paths.ProfilePath{keptProfile},
		Artifacts: []paths.ArtifactPath{artifact},
	}, false)
	require.NoError(t, err)

	assert.True(t, exists(keptProfilePath))
	assert.True(t, exists(triple.Oat))
	assert.True(t, exists(triple.Vdex))
	assert.True(t, exists(triple.Art))
	assert.False(t, exists(strayProfile))
	assert.False(t, exists(strayOat))
	assert.False(t, exists(strayCache))

	want := int64(len("stray-profile") + len("stray-oat") + len("stray-cache"))
	assert.Equal(t, want, freed)
}

func TestCleanupVdexOnlyKeepsOnlyVdex(t *testing.T) {
	env := newGcEnv(t)

	dexPath := env.data("app", "com.example", "base.apk")
	env.write(t, dexPath, "PK")
	artifact := paths.ArtifactPath{DexPath: dexPath, ISA: paths.ISAArm64}
	triple, err := env.res.OatPaths(artifact)
	require.NoError(t, err)
	env.write(t, triple.Oat, "oat")
	env.write(t, triple.Vdex, "vdex")

	_, err = env.col.Cleanup(&ManagedRoots{
		VdexOnly: []paths.ArtifactPath{artifact},
	}, false)
	require.NoError(t, err)

	assert.False(t, exists(triple.Oat))
	assert.True(t, exists(triple.Vdex))
}

func TestCleanupStagedFiles(t *testing.T) {
	for _, keep := range []bool{true, false} {
		env := newGcEnv(t)

		dexPath := env.data("app", "com.example", "base.apk")
		env.write(t, dexPath, "PK")
		artifact := paths.ArtifactPath{DexPath: dexPath, ISA: paths.ISAArm64}
		triple, err := env.res.OatPaths(artifact)
		require.NoError(t, err)
		staged := triple.Oat + paths.StagedSuffix
		env.write(t, staged, "staged")

		_, err = env.col.Cleanup(&ManagedRoots{}, keep)
		require.NoError(t, err)

		assert.Equal(t, keep, exists(staged), "keepPreRebootStaged=%v", keep)
	}
}

func TestCleanupIgnoresFilesOutsideOatDirs(t *testing.T) {
	env := newGcEnv(t)

	// The APK itself lives in the app tree but not under an oat dir;
	// the sweep must not touch it.
	dexPath := env.data("app", "com.example", "base.apk")
	env.write(t, dexPath, "PK")

	_, err := env.col.Cleanup(&ManagedRoots{}, false)
	require.NoError(t, err)

	assert.True(t, exists(dexPath))
}

func TestCleanupKeepsSdmSdc(t *testing.T) {
	env := newGcEnv(t)

	dexPath := env.data("app", "com.example", "base.apk")
	env.write(t, dexPath, "PK")
	artifact := paths.ArtifactPath{DexPath: dexPath, ISA: paths.ISAArm64}
	sdc, err := env.res.BuildSdcPath(artifact)
	require.NoError(t, err)
	env.write(t, sdc, "sdc")

	straySdc := filepath.Join(filepath.Dir(sdc), "gone.sdc")
	env.write(t, straySdc, "stray")

	_, err = env.col.Cleanup(&ManagedRoots{
		SdmSdc: []paths.ArtifactPath{artifact},
	}, false)
	require.NoError(t, err)

	assert.True(t, exists(sdc))
	assert.False(t, exists(straySdc))
}

func TestCleanupRuntimeArtifacts(t *testing.T) {
	env := newGcEnv(t)

	runtime := paths.RuntimeArtifactPath{
		PackageName: "com.example",
		ISA:         paths.ISAArm64,
		DexPath:     env.data("app", "com.example", "base.apk"),
	}
	keptImage, err := env.res.RuntimeImagePath(runtime, "0")
	require.NoError(t, err)
	env.write(t, keptImage, "image")

	strayImage := env.data("user", "0", "com.gone", "cache", "oat_primary", "arm64", "base.art")
	env.write(t, strayImage, "stray")

	_, err = env.col.Cleanup(&ManagedRoots{
		RuntimeArtifacts: []paths.RuntimeArtifactPath{runtime},
	}, false)
	require.NoError(t, err)

	assert.True(t, exists(keptImage))
	assert.False(t, exists(strayImage))
}

func TestCleanupPreRebootStagedFiles(t *testing.T) {
	env := newGcEnv(t)

	refStaged := env.data("misc", "profiles", "ref", "com.example", "primary.prof.staged")
	env.write(t, refStaged, "staged-profile")

	dexPath := env.data("app", "com.example", "base.apk")
	env.write(t, dexPath, "PK")
	triple, err := env.res.OatPaths(paths.ArtifactPath{DexPath: dexPath, ISA: paths.ISAArm64})
	require.NoError(t, err)
	stagedOat := triple.Oat + paths.StagedSuffix
	env.write(t, stagedOat, "staged-oat")
	env.write(t, triple.Oat, "live-oat")

	env.col.CleanupPreRebootStagedFiles()

	assert.False(t, exists(refStaged))
	assert.False(t, exists(stagedOat))
	assert.True(t, exists(triple.Oat), "live artifacts survive")
}
