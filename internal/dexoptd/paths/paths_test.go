package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexoptd/pkg/config"
	"dexoptd/pkg/errors"
)

func testResolver() *Resolver {
	return NewResolver(config.DefaultConfig())
}

func TestParseISA(t *testing.T) {
	for _, isa := range []string{"arm", "arm64", "x86", "x86_64", "riscv64"} {
		parsed, err := ParseISA(isa)
		require.NoError(t, err)
		assert.Equal(t, ISA(isa), parsed)
	}

	for _, isa := range []string{"", "mips", "ARM64", "arm64/"} {
		_, err := ParseISA(isa)
		assert.True(t, errors.IsInvalidArgument(err), "isa %q", isa)
	}
}

func TestOatPaths(t *testing.T) {
	r := testResolver()

	oat, err := r.OatPaths(ArtifactPath{DexPath: "/data/app/com.example/base.apk", ISA: ISAArm64})
	require.NoError(t, err)
	assert.Equal(t, "/data/app/com.example/oat/arm64/base.odex", oat.Oat)
	assert.Equal(t, "/data/app/com.example/oat/arm64/base.vdex", oat.Vdex)
	assert.Equal(t, "/data/app/com.example/oat/arm64/base.art", oat.Art)
}

func TestOatPaths_DalvikCache(t *testing.T) {
	r := testResolver()

	oat, err := r.OatPaths(ArtifactPath{
		DexPath:       "/system/framework/services.jar",
		ISA:           ISAX86_64,
		InDalvikCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "/data/dalvik-cache/x86_64/system@framework@services.jar@classes.dex", oat.Oat)
	assert.Equal(t, "/data/dalvik-cache/x86_64/system@framework@services.jar@classes.vdex", oat.Vdex)
	assert.Equal(t, "/data/dalvik-cache/x86_64/system@framework@services.jar@classes.art", oat.Art)
}

func TestOatPaths_Invalid(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name     string
		artifact ArtifactPath
	}{
		{"relative dex path", ArtifactPath{DexPath: "app/base.apk", ISA: ISAArm64}},
		{"non-canonical dex path", ArtifactPath{DexPath: "/data/app/../base.apk", ISA: ISAArm64}},
		{"bad isa", ArtifactPath{DexPath: "/data/app/base.apk", ISA: "sparc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.OatPaths(tt.artifact)
			assert.True(t, errors.IsInvalidArgument(err))
		})
	}
}

func TestOatPaths_Idempotent(t *testing.T) {
	r := testResolver()
	artifact := ArtifactPath{DexPath: "/data/app/com.example/base.apk", ISA: ISAArm}

	first, err := r.OatPaths(artifact)
	require.NoError(t, err)
	second, err := r.OatPaths(artifact)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStaged(t *testing.T) {
	r := testResolver()

	oat, err := r.OatPaths(ArtifactPath{DexPath: "/data/app/com.example/base.apk", ISA: ISAArm64})
	require.NoError(t, err)

	staged := oat.Staged()
	assert.Equal(t, oat.Oat+".staged", staged.Oat)
	assert.Equal(t, oat.Vdex+".staged", staged.Vdex)
	assert.Equal(t, oat.Art+".staged", staged.Art)
}

func TestIsInDalvikCache(t *testing.T) {
	r := testResolver()

	tests := []struct {
		dexPath string
		want    bool
	}{
		{"/system/framework/services.jar", true},
		{"/product/app/Example/Example.apk", true},
		{"/data/app/com.example/base.apk", false},
		{"/mnt/expand/e1/app/com.example/base.apk", false},
	}

	for _, tt := range tests {
		got, err := r.IsInDalvikCache(tt.dexPath)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.dexPath)
	}

	_, err := r.IsInDalvikCache("relative.apk")
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestBuildProfilePath(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name    string
		profile ProfilePath
		want    string
	}{
		{
			"primary ref",
			PrimaryRefProfilePath{PackageName: "com.example", ProfileName: "primary"},
			"/data/misc/profiles/ref/com.example/primary.prof",
		},
		{
			"primary ref pre-reboot",
			PrimaryRefProfilePath{PackageName: "com.example", ProfileName: "primary", IsPreReboot: true},
			"/data/misc/profiles/ref/com.example/primary.prof.staged",
		},
		{
			"primary cur",
			PrimaryCurProfilePath{UserID: 10, PackageName: "com.example", ProfileName: "primary"},
			"/data/misc/profiles/cur/10/com.example/primary.prof",
		},
		{
			"secondary ref",
			SecondaryRefProfilePath{DexPath: "/data/user/0/com.example/code.apk"},
			"/data/user/0/com.example/oat/code.apk.prof",
		},
		{
			"secondary cur",
			SecondaryCurProfilePath{DexPath: "/data/user/0/com.example/code.apk"},
			"/data/user/0/com.example/oat/code.apk.cur.prof",
		},
		{
			"prebuilt",
			PrebuiltProfilePath{DexPath: "/data/app/com.example/base.apk"},
			"/data/app/com.example/base.apk.prof",
		},
		{
			"dex metadata",
			DexMetadataProfilePath{DexPath: "/data/app/com.example/base.apk"},
			"/data/app/com.example/base.dm",
		},
		{
			"temporary",
			TmpProfilePath{
				Final: PrimaryRefProfilePath{PackageName: "com.example", ProfileName: "primary"},
				ID:    "12345",
			},
			"/data/misc/profiles/ref/com.example/primary.prof.12345.tmp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.BuildProfilePath(tt.profile)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildProfilePath_Invalid(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name    string
		profile ProfilePath
	}{
		{"slash in package", PrimaryRefProfilePath{PackageName: "com/example", ProfileName: "primary"}},
		{"slash in profile name", PrimaryRefProfilePath{PackageName: "com.example", ProfileName: "a/b"}},
		{"dot package", PrimaryRefProfilePath{PackageName: ".", ProfileName: "primary"}},
		{"dotdot package", PrimaryRefProfilePath{PackageName: "..", ProfileName: "primary"}},
		{"empty package", PrimaryRefProfilePath{PackageName: "", ProfileName: "primary"}},
		{"negative user", PrimaryCurProfilePath{UserID: -1, PackageName: "com.example", ProfileName: "primary"}},
		{
			"slash in tmp id",
			TmpProfilePath{
				Final: PrimaryRefProfilePath{PackageName: "com.example", ProfileName: "primary"},
				ID:    "a/b",
			},
		},
		{
			"tmp of tmp",
			TmpProfilePath{
				Final: TmpProfilePath{
					Final: PrimaryRefProfilePath{PackageName: "com.example", ProfileName: "primary"},
					ID:    "1",
				},
				ID: "2",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.BuildProfilePath(tt.profile)
			assert.True(t, errors.IsInvalidArgument(err))
		})
	}
}

func TestBuildFinalProfilePath(t *testing.T) {
	r := testResolver()

	tmp := TmpProfilePath{
		Final: PrimaryRefProfilePath{PackageName: "com.example", ProfileName: "primary"},
		ID:    "99",
	}

	final, err := r.BuildFinalProfilePath(tmp)
	require.NoError(t, err)
	assert.Equal(t, "/data/misc/profiles/ref/com.example/primary.prof", final)

	tmpPath, err := r.BuildTmpProfilePath(tmp)
	require.NoError(t, err)
	assert.Equal(t, final+".99.tmp", tmpPath)
}

func TestBuildSdmSdcPaths(t *testing.T) {
	r := testResolver()
	artifact := ArtifactPath{DexPath: "/data/app/com.example/base.apk", ISA: ISAArm64}

	sdm, err := r.BuildSdmPath(artifact)
	require.NoError(t, err)
	assert.Equal(t, "/data/app/com.example/base.arm64.sdm", sdm)

	sdc, err := r.BuildSdcPath(artifact)
	require.NoError(t, err)
	assert.Equal(t, "/data/app/com.example/oat/arm64/base.sdc", sdc)
}

func TestBuildDexMetadataPath(t *testing.T) {
	r := testResolver()

	dm, err := r.BuildDexMetadataPath("/data/app/com.example/base.apk")
	require.NoError(t, err)
	assert.Equal(t, "/data/app/com.example/base.dm", dm)

	_, err = r.BuildDexMetadataPath("base.apk")
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestBuildToolPath(t *testing.T) {
	r := testResolver()

	path, err := r.BuildToolPath("profman")
	require.NoError(t, err)
	assert.Equal(t, "/apex/com.android.art/bin/profman", path)

	_, err = r.BuildToolPath("../profman")
	assert.True(t, errors.IsInvalidArgument(err))
}
