package launch

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
	"github.com/skylabhq/preflight/internal/envmap"
	"github.com/skylabhq/preflight/internal/errcode"
	"golang.org/x/sys/unix"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}

func testConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	env := envmap.Map{"HOME": t.TempDir(), "USER": "rey"}
	for k, v := range extra {
		env[k] = v
	}
	snap := &config.Snapshot{Env: env, LoginName: "rey", TempRoot: t.TempDir()}
	cfg, err := config.Resolve(snap)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	return cfg
}

// fakeTarget drops an executable named skylab-session into a fresh
// dir, puts that dir on PATH, and returns its full path.
func fakeTarget(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, targetBinary)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)
	return path
}

func envValue(t *testing.T, env []string, key string) (string, bool) {
	t.Helper()
	for _, entry := range env {
		if strings.HasPrefix(entry, key+"=") {
			return entry[len(key)+1:], true
		}
	}
	return "", false
}

func stubExecve(t *testing.T, fn func(string, []string, []string) error) {
	t.Helper()
	orig := execve
	execve = fn
	t.Cleanup(func() { execve = orig })
}

func TestPrepareOverlaysEnvInOrder(t *testing.T) {
	target := fakeTarget(t)
	cfg := testConfig(t, nil)

	base := envmap.Map{
		"HOME":   cfg.Home,
		"PATH":   filepath.Dir(target),
		"LANG":   "C.UTF-8",
		"TMPDIR": "/stale/value",
	}
	signals := envmap.Map{"SKYLAB_HOME_UNWRITABLE": "TRUE"}

	l, err := Prepare(Options{Config: cfg, BaseEnv: base, Signals: signals, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if got, _ := envValue(t, l.Env, "TMPDIR"); got != cfg.TmpDir {
		t.Fatalf("TMPDIR = %q, want resolver value %q", got, cfg.TmpDir)
	}
	if got, _ := envValue(t, l.Env, "SKYLAB_HOME_UNWRITABLE"); got != "TRUE" {
		t.Fatalf("signal not overlaid, got %q", got)
	}
	if got, _ := envValue(t, l.Env, "LANG"); got != "C.UTF-8" {
		t.Fatalf("inherited LANG = %q, want preserved", got)
	}
	if l.Path != target {
		t.Fatalf("Path = %q, want %q", l.Path, target)
	}
}

func TestPrepareDefaultsHomeAndPath(t *testing.T) {
	fakeTarget(t)
	cfg := testConfig(t, nil)

	l, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if got, _ := envValue(t, l.Env, "HOME"); got != cfg.Home {
		t.Fatalf("HOME = %q, want %q", got, cfg.Home)
	}
	if got, _ := envValue(t, l.Env, "PATH"); got != defaultPath {
		t.Fatalf("PATH = %q, want default search path", got)
	}
}

func TestPrepareArgvDefault(t *testing.T) {
	fakeTarget(t)
	cfg := testConfig(t, nil)

	l, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	want := []string{targetBinary, "--root", cfg.Home, "--log-level", "info"}
	if !reflect.DeepEqual(l.Argv, want) {
		t.Fatalf("Argv = %v, want %v", l.Argv, want)
	}
}

func TestPrepareArgvDebugAndTimeouts(t *testing.T) {
	fakeTarget(t)
	cfg := testConfig(t, map[string]string{
		"DEBUG":                      "1",
		"SKYLAB_NO_ACTIVITY_TIMEOUT": "600",
		"SKYLAB_CULL_IDLE_TIMEOUT":   "3600",
		"SKYLAB_CULL_INTERVAL":       "300",
		"SKYLAB_CULL_CONNECTED":      "1",
	})

	l, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	want := []string{
		targetBinary, "--root", cfg.Home, "--log-level", "debug",
		"--no-activity-timeout", "600",
		"--cull-idle-timeout", "3600",
		"--cull-interval", "300",
		"--cull-connected", "1",
	}
	if !reflect.DeepEqual(l.Argv, want) {
		t.Fatalf("Argv = %v, want %v", l.Argv, want)
	}
}

func TestPrepareNoninteractiveCommand(t *testing.T) {
	target := fakeTarget(t)
	runtimeDir := t.TempDir()
	doc := `{"command": ["` + target + `", "--batch", "job.py"]}`
	dir := filepath.Join(runtimeDir, noninteractiveDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, commandFileName), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, map[string]string{
		"SKYLAB_NONINTERACTIVE": "1",
		"SKYLAB_RUNTIME_DIR":    runtimeDir,
	})

	l, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	want := []string{target, "--batch", "job.py"}
	if !reflect.DeepEqual(l.Argv, want) {
		t.Fatalf("Argv = %v, want %v", l.Argv, want)
	}
	if l.Path != target {
		t.Fatalf("Path = %q, want %q", l.Path, target)
	}
}

func TestPrepareNoninteractiveBrokenContract(t *testing.T) {
	write := func(t *testing.T, runtimeDir, contents string) {
		t.Helper()
		dir := filepath.Join(runtimeDir, noninteractiveDirName)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, commandFileName), []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name  string
		stage func(t *testing.T, runtimeDir string)
	}{
		{"missing document", func(t *testing.T, runtimeDir string) {}},
		{"malformed json", func(t *testing.T, runtimeDir string) { write(t, runtimeDir, "{nope") }},
		{"empty command", func(t *testing.T, runtimeDir string) { write(t, runtimeDir, `{"command": []}`) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakeTarget(t)
			runtimeDir := t.TempDir()
			tc.stage(t, runtimeDir)
			cfg := testConfig(t, map[string]string{
				"SKYLAB_NONINTERACTIVE": "1",
				"SKYLAB_RUNTIME_DIR":    runtimeDir,
			})

			_, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{}, Logger: discardLogger()})
			var startup *errcode.StartupError
			if !errors.As(err, &startup) {
				t.Fatalf("err = %v, want *errcode.StartupError", err)
			}
			if startup.Code != errcode.CodeBadEnv {
				t.Fatalf("Code = %d, want %d", startup.Code, errcode.CodeBadEnv)
			}
		})
	}
}

func TestPrepareMissingTargetBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	cfg := testConfig(t, nil)

	_, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{}, Logger: discardLogger()})
	if err == nil {
		t.Fatal("prepare succeeded without target binary on PATH")
	}
	if !strings.Contains(err.Error(), "locate") {
		t.Fatalf("err = %v, want locate failure", err)
	}
}

func TestExecHandsOverAssembledImage(t *testing.T) {
	target := fakeTarget(t)
	cfg := testConfig(t, nil)
	l, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{"PATH": filepath.Dir(target)}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	var gotPath string
	var gotArgv, gotEnv []string
	stubExecve(t, func(path string, argv, env []string) error {
		gotPath, gotArgv, gotEnv = path, argv, env
		return nil
	})

	if err := l.Exec(); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if gotPath != l.Path {
		t.Fatalf("execve path = %q, want %q", gotPath, l.Path)
	}
	if !reflect.DeepEqual(gotArgv, l.Argv) {
		t.Fatalf("execve argv = %v, want %v", gotArgv, l.Argv)
	}
	if !reflect.DeepEqual(gotEnv, l.Env) {
		t.Fatalf("execve env = %v, want %v", gotEnv, l.Env)
	}
}

func TestExecFailureIsWrapped(t *testing.T) {
	target := fakeTarget(t)
	cfg := testConfig(t, nil)
	l, err := Prepare(Options{Config: cfg, BaseEnv: envmap.Map{"PATH": filepath.Dir(target)}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	stubExecve(t, func(string, []string, []string) error { return unix.ENOEXEC })

	err = l.Exec()
	if err == nil {
		t.Fatal("exec returned nil on failure")
	}
	if !errors.Is(err, unix.ENOEXEC) {
		t.Fatalf("err = %v, want wrapped ENOEXEC", err)
	}
}
