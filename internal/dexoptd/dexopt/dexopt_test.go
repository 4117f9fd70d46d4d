package dexopt

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexoptd/internal/dexoptd/artexec"
	"dexoptd/internal/dexoptd/fsperm"
	"dexoptd/internal/dexoptd/paths"
	"dexoptd/internal/dexoptd/props"
	"dexoptd/pkg/config"
	"dexoptd/pkg/errors"
	"dexoptd/pkg/platform"
)

type stubRunner struct {
	t         *testing.T
	exitCode  int
	cancelled bool
	wallMs    int64
	cpuMs     int64
	onRun     func(t *testing.T, argv []string, opts *artexec.RunOptions)

	calls int
	argv  []string
}

func (s *stubRunner) Run(ctx context.Context, argv []string, opts *artexec.RunOptions) (*artexec.ExecResult, error) {
	s.calls++
	s.argv = argv
	if opts.Stat != nil {
		opts.Stat.WallTimeMs = s.wallMs
		opts.Stat.CPUTimeMs = s.cpuMs
	}
	if s.cancelled {
		return &artexec.ExecResult{Status: artexec.StatusCancelled}, nil
	}
	if s.onRun != nil {
		s.onRun(s.t, argv, opts)
	}
	return &artexec.ExecResult{Status: artexec.StatusExited, ExitCode: s.exitCode}, nil
}

func fdArgFile(t *testing.T, argv []string, opts *artexec.RunOptions, prefix string) *os.File {
	t.Helper()
	for _, arg := range argv {
		if strings.HasPrefix(arg, prefix) {
			fd, err := strconv.Atoi(strings.TrimPrefix(arg, prefix))
			require.NoError(t, err)
			return opts.ExtraFiles[fd-3]
		}
	}
	t.Fatalf("no argument with prefix %q in %v", prefix, argv)
	return nil
}

func hasArgPrefix(argv []string, prefix string) bool {
	for _, arg := range argv {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}

// writeArtifacts is the stub behavior of a successful compile.
func writeArtifacts(t *testing.T, argv []string, opts *artexec.RunOptions) {
	t.Helper()
	_, err := fdArgFile(t, argv, opts, "--oat-fd=").WriteString("oat")
	require.NoError(t, err)
	_, err = fdArgFile(t, argv, opts, "--output-vdex-fd=").WriteString("vdex")
	require.NoError(t, err)
	if hasArgPrefix(argv, "--app-image-fd=") {
		_, err = fdArgFile(t, argv, opts, "--app-image-fd=").WriteString("art")
		require.NoError(t, err)
	}
}

type testEnv struct {
	orch    *Orchestrator
	run     *stubRunner
	cfg     *config.Config
	dexPath string
	targets paths.OatArtifacts
}

func newTestEnv(t *testing.T, run *stubRunner, properties map[string]string) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataRoot = t.TempDir()

	dexDir := t.TempDir()
	dexPath := filepath.Join(dexDir, "base.apk")
	require.NoError(t, os.WriteFile(dexPath, []byte("PK"), 0o644))

	res := paths.NewResolver(cfg)
	targets, err := res.OatPaths(paths.ArtifactPath{DexPath: dexPath, ISA: paths.ISAArm64})
	require.NoError(t, err)

	return &testEnv{
		orch:    NewOrchestrator(platform.NewPlatform(), cfg, run, props.NewMapProperties(properties)),
		run:     run,
		cfg:     cfg,
		dexPath: dexPath,
		targets: targets,
	}
}

func (e *testEnv) request() *Request {
	return &Request{
		Artifact:       paths.ArtifactPath{DexPath: e.dexPath, ISA: paths.ISAArm64},
		Perm:           fsperm.FsPermission{UID: -1, GID: -1, IsOtherReadable: true},
		CompilerFilter: "speed-profile",
		Priority:       PriorityInteractive,
		Options:        Options{GenerateAppImage: true, CompilationReason: "install"},
	}
}

func (e *testEnv) writeOldArtifacts(t *testing.T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(e.targets.Oat), 0o755))
	require.NoError(t, os.WriteFile(e.targets.Oat, []byte("old_oat"), 0o644))
	require.NoError(t, os.WriteFile(e.targets.Vdex, []byte("old_vdex"), 0o644))
	require.NoError(t, os.WriteFile(e.targets.Art, []byte("old_art"), 0o644))
}

func TestDexoptHappyPath(t *testing.T) {
	run := &stubRunner{t: t, wallMs: 100, cpuMs: 400}
	run.onRun = writeArtifacts
	env := newTestEnv(t, run, nil)
	env.writeOldArtifacts(t)

	res, err := env.orch.Dexopt(context.Background(), env.request(), nil)
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.Equal(t, int64(100), res.WallTimeMs)
	assert.Equal(t, int64(400), res.CPUTimeMs)
	assert.Equal(t, int64(len("oat")+len("vdex")+len("art")), res.TotalNewBytes)
	assert.Equal(t, int64(len("old_oat")+len("old_vdex")+len("old_art")), res.TotalOldBytes)

	for path, want := range map[string]string{
		env.targets.Oat:  "oat",
		env.targets.Vdex: "vdex",
		env.targets.Art:  "art",
	} {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, string(content))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm(), path)
	}
}

func TestDexoptCancelled(t *testing.T) {
	run := &stubRunner{t: t, cancelled: true}
	env := newTestEnv(t, run, nil)
	env.writeOldArtifacts(t)

	res, err := env.orch.Dexopt(context.Background(), env.request(), nil)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Zero(t, res.TotalNewBytes)
	assert.Zero(t, res.TotalOldBytes)

	// The targets retain their pre-operation contents.
	for path, want := range map[string]string{
		env.targets.Oat:  "old_oat",
		env.targets.Vdex: "old_vdex",
		env.targets.Art:  "old_art",
	} {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, string(content))
	}

	// No temp leftovers in the oat directory.
	entries, err := os.ReadDir(filepath.Dir(env.targets.Oat))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestDexoptPolicyDeniedForPrivateDex(t *testing.T) {
	run := &stubRunner{t: t}
	env := newTestEnv(t, run, nil)
	require.NoError(t, os.Chmod(env.dexPath, 0o600))

	_, err := env.orch.Dexopt(context.Background(), env.request(), nil)
	require.Error(t, err)

	assert.True(t, errors.IsPermissionDenied(err))
	assert.Contains(t, err.Error(), "dex file")
	assert.Zero(t, run.calls, "policy failures must not spawn the compiler")
}

func TestDexoptToolFailure(t *testing.T) {
	run := &stubRunner{t: t, exitCode: 1}
	env := newTestEnv(t, run, nil)
	env.writeOldArtifacts(t)

	_, err := env.orch.Dexopt(context.Background(), env.request(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsToolError(err))

	// Outputs were abandoned.
	content, err := os.ReadFile(env.targets.Oat)
	require.NoError(t, err)
	assert.Equal(t, "old_oat", string(content))
}

func TestDexoptWithoutImageRemovesStaleImage(t *testing.T) {
	run := &stubRunner{t: t}
	run.onRun = writeArtifacts
	env := newTestEnv(t, run, nil)
	env.writeOldArtifacts(t)

	req := env.request()
	req.Options.GenerateAppImage = false

	_, err := env.orch.Dexopt(context.Background(), req, nil)
	require.NoError(t, err)

	assert.False(t, hasArgPrefix(run.argv, "--app-image-fd="))
	_, err = os.Stat(env.targets.Art)
	assert.True(t, os.IsNotExist(err))
}

func TestDexoptPreRebootTargetsStagedSiblings(t *testing.T) {
	run := &stubRunner{t: t}
	run.onRun = writeArtifacts
	env := newTestEnv(t, run, nil)
	env.writeOldArtifacts(t)

	req := env.request()
	req.IsPreReboot = true

	_, err := env.orch.Dexopt(context.Background(), req, nil)
	require.NoError(t, err)

	// Live artifacts untouched, staged siblings created.
	content, err := os.ReadFile(env.targets.Oat)
	require.NoError(t, err)
	assert.Equal(t, "old_oat", string(content))

	content, err = os.ReadFile(env.targets.Oat + paths.StagedSuffix)
	require.NoError(t, err)
	assert.Equal(t, "oat", string(content))
}

func TestDexoptPriorityMapping(t *testing.T) {
	cases := []struct {
		priority    Priority
		taskProfile string
		schedClass  string
	}{
		{PriorityBoot, "", ""},
		{PriorityInteractiveFast, "Dex2OatBootComplete", "background"},
		{PriorityInteractive, "Dex2OatBootComplete", "background"},
		{PriorityBackground, "Dex2OatBackground", "background"},
	}
	for _, tc := range cases {
		run := &stubRunner{t: t}
		run.onRun = writeArtifacts
		env := newTestEnv(t, run, nil)

		req := env.request()
		req.Priority = tc.priority

		_, err := env.orch.Dexopt(context.Background(), req, nil)
		require.NoError(t, err, tc.priority)

		if tc.taskProfile == "" {
			assert.False(t, hasArgPrefix(run.argv, "--set-task-profile="), tc.priority)
		} else {
			assert.Contains(t, run.argv, "--set-task-profile="+tc.taskProfile, tc.priority)
		}
		if tc.schedClass == "" {
			assert.False(t, hasArgPrefix(run.argv, "--set-priority="), tc.priority)
		} else {
			assert.Contains(t, run.argv, "--set-priority="+tc.schedClass, tc.priority)
		}
	}
}

func TestDexoptResourceProperties(t *testing.T) {
	run := &stubRunner{t: t}
	run.onRun = writeArtifacts
	env := newTestEnv(t, run, map[string]string{
		"background-dex2oat-cpu-set": "0,1",
		"dex2oat-threads":            "4",
	})

	req := env.request()
	req.Priority = PriorityBackground

	_, err := env.orch.Dexopt(context.Background(), req, nil)
	require.NoError(t, err)

	// The class-specific property wins; the unset one falls back to
	// the default namespace.
	assert.Contains(t, run.argv, "--cpu-set=0,1")
	assert.Contains(t, run.argv, "-j4")
}

func TestDexoptBootIgnoresDefaultProperties(t *testing.T) {
	run := &stubRunner{t: t}
	run.onRun = writeArtifacts
	env := newTestEnv(t, run, map[string]string{
		"dex2oat-cpu-set": "0,1",
		"dex2oat-threads": "4",
	})

	req := env.request()
	req.Priority = PriorityBoot

	_, err := env.orch.Dexopt(context.Background(), req, nil)
	require.NoError(t, err)

	assert.False(t, hasArgPrefix(run.argv, "--cpu-set="))
	assert.False(t, hasArgPrefix(run.argv, "-j"))
}

func TestDexoptClassLoaderContext(t *testing.T) {
	run := &stubRunner{t: t}
	run.onRun = writeArtifacts
	env := newTestEnv(t, run, nil)

	dep := filepath.Join(t.TempDir(), "dep.apk")
	require.NoError(t, os.WriteFile(dep, []byte("PK"), 0o644))

	req := env.request()
	req.ClassLoaderContext = &ClassLoaderContext{
		Context:  "PCL[dep.apk]",
		DexFiles: []string{dep},
	}

	_, err := env.orch.Dexopt(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Contains(t, run.argv, "--class-loader-context=PCL[dep.apk]")
	assert.True(t, hasArgPrefix(run.argv, "--class-loader-context-fds="))
	assert.Contains(t, run.argv, "--classpath-dir="+filepath.Dir(env.dexPath))
}

func TestParsePriority(t *testing.T) {
	for name, want := range map[string]Priority{
		"boot":             PriorityBoot,
		"interactive_fast": PriorityInteractiveFast,
		"interactive":      PriorityInteractive,
		"background":       PriorityBackground,
	} {
		got, err := ParsePriority(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePriority("idle")
	assert.Error(t, err)
}

func openFdCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestFailedRequestClosesOpenedFds(t *testing.T) {
	run := &stubRunner{t: t}
	env := newTestEnv(t, run, nil)

	res := paths.NewResolver(env.cfg)
	profilePath, err := res.BuildProfilePath(paths.PrebuiltProfilePath{DexPath: env.dexPath})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(profilePath, []byte("profile"), 0o644))

	req := env.request()
	req.Profile = paths.PrebuiltProfilePath{DexPath: env.dexPath}
	req.ClassLoaderContext = &ClassLoaderContext{
		Context:  "PCL[missing.jar]",
		DexFiles: []string{filepath.Join(t.TempDir(), "missing.jar")},
	}

	before := openFdCount(t)
	_, err = env.orch.Dexopt(context.Background(), req, nil)
	require.Error(t, err)

	// The profile fd opened before the failure must not outlive the call.
	assert.Equal(t, before, openFdCount(t))
	assert.Zero(t, run.calls)
}
