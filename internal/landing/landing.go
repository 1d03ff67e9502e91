// Package landing provisions the symlink set a splash page renders
// from before the session server is ready. It runs as its own
// short-lived init step and launches nothing.
package landing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/envmap"
	"gopkg.in/yaml.v3"
)

const (
	EnvSourceDir  = "SKYLAB_LANDING_SRC_DIR"
	EnvDir        = "SKYLAB_LANDING_DIR"
	EnvFiles      = "SKYLAB_LANDING_FILES"
	EnvConfigFile = "SKYLAB_LANDING_CONFIG"
)

const (
	defaultSourceDir = "/opt/skylab/landing"
	defaultDirName   = "welcome"
)

var defaultFiles = []string{"welcome.md", "skylab-logo.svg"}

// Link is one logical entry of the set, realized as a symlink named
// Name inside the landing directory pointing at Target. Owned grants
// replace authority when the path conflicts; only the config file can
// set it.
type Link struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
	Owned  bool   `yaml:"owned"`
}

type LinkSet struct {
	Dir   string
	Links []Link
}

// ConflictError means a link path is occupied by something this
// provisioner has no authority over.
type ConflictError struct {
	Name  string
	Path  string
	Found string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("landing link %q at %q: %s", e.Name, e.Path, e.Found)
}

type fileConfig struct {
	Dir   string `yaml:"dir"`
	Links []Link `yaml:"links"`
}

// ResolveSet builds the link set from built-in defaults, environment
// overrides, and the optional config file, in that order. It reads
// only the snapshot it is handed, never ambient process state.
func ResolveSet(env envmap.Map) (*LinkSet, error) {
	home := env["HOME"]
	if home == "" {
		return nil, errors.New("HOME is not set")
	}

	srcDir := env[EnvSourceDir]
	if srcDir == "" {
		srcDir = defaultSourceDir
	}
	dir := env[EnvDir]
	if dir == "" {
		dir = defaultDirName
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(home, dir)
	}

	names := defaultFiles
	if list := env[EnvFiles]; list != "" {
		names = nil
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}

	set := &LinkSet{Dir: dir}
	for _, name := range names {
		if err := validateName(name); err != nil {
			return nil, err
		}
		set.Links = append(set.Links, Link{Name: name, Target: filepath.Join(srcDir, name)})
	}

	if path := env[EnvConfigFile]; path != "" {
		if err := applyConfigFile(set, path); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// applyConfigFile merges the YAML document over the resolved set:
// entries match by name, a named entry may retarget and take
// ownership, unknown names append.
func applyConfigFile(set *LinkSet, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	cfg := fileConfig{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Dir != "" {
		if !filepath.IsAbs(cfg.Dir) {
			return fmt.Errorf("parse %s: dir %q is not absolute", path, cfg.Dir)
		}
		set.Dir = cfg.Dir
	}
	for _, entry := range cfg.Links {
		if err := validateName(entry.Name); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		merged := false
		for i := range set.Links {
			if set.Links[i].Name != entry.Name {
				continue
			}
			if entry.Target != "" {
				set.Links[i].Target = entry.Target
			}
			set.Links[i].Owned = entry.Owned
			merged = true
			break
		}
		if !merged {
			if entry.Target == "" {
				return fmt.Errorf("parse %s: link %q has no target", path, entry.Name)
			}
			set.Links = append(set.Links, entry)
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("invalid link name %q", name)
	}
	return nil
}

// Provision realizes the set. Re-running with an unchanged set is a
// no-op: links already pointing at their targets are left untouched.
func Provision(logger *log.Logger, set *LinkSet) error {
	if err := os.MkdirAll(set.Dir, 0o755); err != nil {
		return fmt.Errorf("create landing dir %q: %w", set.Dir, err)
	}

	for _, link := range set.Links {
		path := filepath.Join(set.Dir, link.Name)
		info, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) {
			if err := os.Symlink(link.Target, path); err != nil {
				return fmt.Errorf("create link %q: %w", path, err)
			}
			logger.Debug("created landing link", "name", link.Name, "target", link.Target)
			continue
		}
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			current, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %q: %w", path, err)
			}
			if current == link.Target {
				continue
			}
			if !link.Owned {
				return &ConflictError{
					Name:  link.Name,
					Path:  path,
					Found: fmt.Sprintf("points at %q instead of %q", current, link.Target),
				}
			}
		} else if !link.Owned {
			return &ConflictError{Name: link.Name, Path: path, Found: "exists and is not a symlink"}
		}

		if err := replaceLink(path, link.Target); err != nil {
			return err
		}
		logger.Info("replaced landing link", "name", link.Name, "target", link.Target)
	}
	return nil
}

// LinkState is the observed condition of one entry, for diagnostics.
type LinkState struct {
	Link   Link
	State  string // ok|missing|conflict
	Detail string
}

// Inspect reports the state of every entry without touching anything.
func Inspect(set *LinkSet) []LinkState {
	states := make([]LinkState, 0, len(set.Links))
	for _, link := range set.Links {
		path := filepath.Join(set.Dir, link.Name)
		info, err := os.Lstat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			states = append(states, LinkState{Link: link, State: "missing", Detail: path})
		case err != nil:
			states = append(states, LinkState{Link: link, State: "conflict", Detail: err.Error()})
		case info.Mode()&os.ModeSymlink == 0:
			states = append(states, LinkState{Link: link, State: "conflict", Detail: fmt.Sprintf("%s is not a symlink", path)})
		default:
			current, err := os.Readlink(path)
			if err != nil {
				states = append(states, LinkState{Link: link, State: "conflict", Detail: err.Error()})
			} else if current != link.Target {
				states = append(states, LinkState{Link: link, State: "conflict", Detail: fmt.Sprintf("points at %q instead of %q", current, link.Target)})
			} else {
				states = append(states, LinkState{Link: link, State: "ok", Detail: path})
			}
		}
	}
	return states
}

// replaceLink swaps the link in atomically so a concurrent reader
// never observes the name missing.
func replaceLink(path, target string) error {
	tmp := fmt.Sprintf("%s.new.%d", path, os.Getpid())
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear stale %q: %w", tmp, err)
	}
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create link %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %q to %q: %w", tmp, path, err)
	}
	return nil
}
