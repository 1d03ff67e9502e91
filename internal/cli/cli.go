package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
	"github.com/skylabhq/preflight/internal/envmap"
	"github.com/skylabhq/preflight/internal/errcode"
	"github.com/skylabhq/preflight/internal/landing"
	"github.com/skylabhq/preflight/internal/launch"
	"github.com/skylabhq/preflight/internal/provision"
	"github.com/skylabhq/preflight/internal/seed"
	"github.com/skylabhq/preflight/internal/spaceguard"
	"github.com/skylabhq/preflight/internal/userenv"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

type runtimeContext struct {
	Stdout  *os.File
	Capture func(logger *log.Logger) *config.Snapshot
	Environ func() []string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Launch  LaunchCommand  `cmd:"" help:"Prepare the container and replace this process with the session server"`
	Doctor  DoctorCommand  `cmd:"" help:"Run startup environment diagnostics"`
	Landing LandingCommand `cmd:"" help:"Provision the landing-page links"`
}

// LaunchCommand reads its configuration exclusively from the
// environment; the container contract leaves no room for flags.
type LaunchCommand struct{}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type LandingCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	runtimeCtx := &runtimeContext{
		Stdout:  os.Stdout,
		Capture: config.Capture,
		Environ: os.Environ,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("preflight"),
		kong.Description("Skylab session preflight: prepares home, scratch, and environment, then hands the container over to the session server."),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (l *LaunchCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger("", "preflight")
	if err != nil {
		return err
	}

	snap := ctx.Capture(logger)
	cfg, err := config.Resolve(snap)
	if err != nil {
		return err
	}
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	logger.Debug("configuration resolved",
		"home", cfg.Home,
		"user", cfg.User,
		"tmp", cfg.TmpDir,
		"datastore_cache", cfg.DatastoreCacheDir,
		"scratch", cfg.ScratchDir,
	)

	// A provisioning failure from a full filesystem gets one recovery
	// attempt via the guard before it is final.
	provisionErr := provision.Apply(logger, provision.Plan(cfg))
	if provisionErr != nil && !errcode.IsExhaustion(provisionErr) {
		return provisionErr
	}
	if provisionErr != nil {
		logger.Warn("provisioning hit space exhaustion, deferring to recovery", "err", provisionErr)
	}

	guard := spaceguard.New(spaceguard.Options{Config: cfg, Logger: logger})
	signals := guard.Run()

	if provisionErr != nil {
		if err := provision.Apply(logger, provision.Plan(cfg)); err != nil {
			return err
		}
	}

	if cfg.ResetUserEnv {
		if err := userenv.Reset(logger, cfg); err != nil {
			return err
		}
		if err := provision.Apply(logger, provision.Plan(cfg)); err != nil {
			return err
		}
	}

	overlay := seed.New(seed.Options{Config: cfg, Logger: logger}).Apply()
	overlay.Merge(signals)

	image, err := launch.Prepare(launch.Options{
		Config:  cfg,
		BaseEnv: snap.Env,
		Signals: overlay,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	// Exec only returns on failure; on success this process is gone.
	return image.Exec()
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger("error", "doctor")
	if err != nil {
		return err
	}
	snap := ctx.Capture(logger)

	var checks []doctorCheck
	appendCheck := func(name, status, message string) {
		checks = append(checks, doctorCheck{Name: name, Status: status, Message: message})
	}

	cfg, err := config.Resolve(snap)
	if err != nil {
		appendCheck("config", "fail", err.Error())
		return d.report(ctx, checks)
	}
	appendCheck("config", "pass", fmt.Sprintf("home %s, user %s", cfg.Home, cfg.User))

	if cfg.ScratchDir != "" {
		appendCheck("scratch", "pass", fmt.Sprintf("using scratch dir %s", cfg.ScratchDir))
	} else {
		appendCheck("scratch", "warn", fmt.Sprintf("no usable scratch under %q, temp stays at %s", cfg.ScratchRoot, cfg.TmpDir))
	}

	if err := unix.Access(cfg.Home, unix.W_OK); err != nil {
		appendCheck("home_writable", "fail", fmt.Sprintf("home %s is not writable: %v", cfg.Home, err))
	} else {
		appendCheck("home_writable", "pass", fmt.Sprintf("home %s is writable", cfg.Home))
	}

	if free, err := spaceguard.FreeBytes(cfg.Home); err != nil {
		appendCheck("free_space", "warn", fmt.Sprintf("statfs %s: %v", cfg.Home, err))
	} else {
		appendCheck("free_space", "pass", fmt.Sprintf("%d bytes free on the home filesystem", free))
	}

	for _, dir := range provision.Plan(cfg) {
		name := "directory"
		info, err := os.Lstat(dir.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			appendCheck(name, "warn", fmt.Sprintf("%s absent (created at launch)", dir.Path))
		case err != nil:
			appendCheck(name, "fail", fmt.Sprintf("%s: %v", dir.Path, err))
		case info.Mode()&os.ModeSymlink != 0:
			appendCheck(name, "fail", fmt.Sprintf("%s is a symlink", dir.Path))
		case !info.IsDir():
			appendCheck(name, "fail", fmt.Sprintf("%s is not a directory", dir.Path))
		case dir.Owned && info.Mode().Perm() != dir.Mode:
			appendCheck(name, "warn", fmt.Sprintf("%s mode %v, want %v", dir.Path, info.Mode().Perm(), dir.Mode))
		default:
			appendCheck(name, "pass", fmt.Sprintf("%s ok", dir.Path))
		}
	}

	switch {
	case cfg.Image.Pinned():
		appendCheck("image", "pass", fmt.Sprintf("image pinned at %s", cfg.Image.Digest()))
	case cfg.Image.Spec != "":
		appendCheck("image", "warn", fmt.Sprintf("image spec %q carries no digest", cfg.Image.Spec))
	default:
		appendCheck("image", "warn", "no image spec in the environment")
	}

	if set, err := landing.ResolveSet(snap.Env); err != nil {
		appendCheck("landing", "warn", err.Error())
	} else {
		for _, state := range landing.Inspect(set) {
			status := "pass"
			switch state.State {
			case "missing":
				status = "warn"
			case "conflict":
				status = "fail"
			}
			appendCheck("landing", status, fmt.Sprintf("%s: %s", state.Link.Name, state.Detail))
		}
	}

	return d.report(ctx, checks)
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

func (d *DoctorCommand) report(ctx *runtimeContext, checks []doctorCheck) error {
	if d.JSON {
		payload := map[string]any{
			"checks": checks,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(ctx.Stdout, "preflight doctor report\n"); err != nil {
			return err
		}
		for _, check := range checks {
			if _, err := fmt.Fprintf(ctx.Stdout, "- [%s] %s: %s\n", check.Status, check.Name, check.Message); err != nil {
				return err
			}
		}
	}

	for _, check := range checks {
		if check.Status == "fail" {
			return exitCodeError{code: 1}
		}
	}
	return nil
}

func (c *LandingCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger("", "landing")
	if err != nil {
		return err
	}

	set, err := landing.ResolveSet(envmap.FromEnviron(ctx.Environ()))
	if err != nil {
		return err
	}
	if err := landing.Provision(logger, set); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "landing links provisioned in %s (%d links)\n", set.Dir, len(set.Links))
	return err
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", rawLevel, err)
	}
	formatter := log.JSONFormatter
	if term.IsTerminal(int(os.Stderr.Fd())) {
		formatter = log.TextFormatter
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: formatter,
	})
	return logger.With("component", component), nil
}
