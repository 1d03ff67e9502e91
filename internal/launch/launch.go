// Package launch assembles the final environment and argv for the
// session server and replaces the current process image with it. This
// is the terminal step: on success the orchestrator does not survive.
package launch

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
	"github.com/skylabhq/preflight/internal/envmap"
	"golang.org/x/sys/unix"
)

const (
	targetBinary = "skylab-session"
	defaultPath  = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// execve is replaced in tests; the real thing never returns on
// success.
var execve = unix.Exec

// Launch is a fully assembled image replacement: resolved binary,
// argv, and the environment the target will see.
type Launch struct {
	Path string
	Argv []string
	Env  []string

	logger *log.Logger
}

type Options struct {
	Config *config.Config
	// BaseEnv is the inherited process environment from the startup
	// snapshot. Nothing here reads ambient env state.
	BaseEnv envmap.Map
	// Signals are the escalation variables raised by the space guard,
	// overlaid last so they always reach the target.
	Signals envmap.Map
	Logger  *log.Logger
}

// Prepare builds the Launch. Env assembly order: inherited environment,
// then every value the resolver computed, then guard signals. HOME and
// PATH receive defaults when the result leaves them empty.
func Prepare(opts Options) (*Launch, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	argv, err := buildArgv(cfg)
	if err != nil {
		return nil, err
	}

	env := opts.BaseEnv.Clone()
	env.Merge(cfg.Expected)
	env.Merge(opts.Signals)
	if strings.TrimSpace(env["HOME"]) == "" {
		env["HOME"] = cfg.Home
	}
	if strings.TrimSpace(env["PATH"]) == "" {
		env["PATH"] = defaultPath
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("locate %q: %w", argv[0], err)
	}

	return &Launch{Path: path, Argv: argv, Env: env.Environ(), logger: logger}, nil
}

func buildArgv(cfg *config.Config) ([]string, error) {
	if cfg.Noninteractive {
		return noninteractiveCommand(cfg.RuntimeDir)
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	argv := []string{targetBinary, "--root", cfg.Home, "--log-level", level}
	if v := cfg.Timeouts.NoActivity; v != "" {
		argv = append(argv, "--no-activity-timeout", v)
	}
	if v := cfg.Timeouts.CullIdle; v != "" {
		argv = append(argv, "--cull-idle-timeout", v)
	}
	if v := cfg.Timeouts.CullInterval; v != "" {
		argv = append(argv, "--cull-interval", v)
	}
	if v := cfg.Timeouts.CullConnected; v != "" {
		argv = append(argv, "--cull-connected", v)
	}
	return argv, nil
}

// Exec replaces the process image. It returns only on failure; the
// working directory is left exactly as invoked.
func (l *Launch) Exec() error {
	l.logger.Info("replacing process image", "path", l.Path, "argv", strings.Join(l.Argv, " "))
	if err := execve(l.Path, l.Argv, l.Env); err != nil {
		return fmt.Errorf("exec %q: %w", l.Path, err)
	}
	return nil
}
