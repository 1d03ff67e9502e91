// Package provision creates the directories a session depends on
// before launch. Provisioning is idempotent: applying the same plan
// twice leaves identical filesystem state.
package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
)

// ErrNotDirectory reports a pre-existing file or symlink where a real
// directory is required. Never resolved by overwriting.
var ErrNotDirectory = errors.New("path exists and is not a directory")

// Dir is one directory requirement: where, with which exact mode, and
// whether this process owns its lifecycle. Mode is only ever inspected
// on owned directories; shared trees like ~/.cache keep whatever mode
// they have.
type Dir struct {
	Path  string
	Mode  os.FileMode
	Owned bool
}

type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Plan lists the directories the configuration requires, parents before
// anything derived from them.
func Plan(cfg *config.Config) []Dir {
	dirs := make([]Dir, 0, 6)
	if cfg.ScratchDir != "" {
		dirs = append(dirs, Dir{Path: cfg.ScratchDir, Mode: 0o700, Owned: true})
	}
	dirs = append(dirs,
		Dir{Path: cfg.TmpDir, Mode: 0o700, Owned: true},
		Dir{Path: cfg.DatastoreCacheDir, Mode: 0o700, Owned: true},
		Dir{Path: cfg.CredentialsDir, Mode: 0o700, Owned: true},
		Dir{Path: cfg.ProfileDir, Mode: 0o755, Owned: true},
		Dir{Path: cfg.UserCacheDir, Mode: 0o755, Owned: false},
	)
	return dirs
}

// Apply provisions each directory in order. Absent paths are created
// with their exact mode (MkdirAll is umask-subject, so the leaf is
// chmodded afterwards). Present paths must be real directories; the
// mode of an owned directory that drifted is reported at debug level
// and left alone.
func Apply(logger *log.Logger, dirs []Dir) error {
	for _, d := range dirs {
		if err := apply(logger, d); err != nil {
			return err
		}
	}
	return nil
}

func apply(logger *log.Logger, d Dir) error {
	info, err := os.Lstat(d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(d.Path, d.Mode); err != nil {
			return &Error{Op: "create directory", Path: d.Path, Err: err}
		}
		if err := os.Chmod(d.Path, d.Mode); err != nil {
			return &Error{Op: "set directory mode", Path: d.Path, Err: err}
		}
		logger.Debug("created directory", "path", d.Path, "mode", fmt.Sprintf("%04o", d.Mode))
		return nil
	}
	if err != nil {
		return &Error{Op: "stat", Path: d.Path, Err: err}
	}

	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		return &Error{Op: "verify directory", Path: d.Path, Err: ErrNotDirectory}
	}
	if d.Owned {
		if got := info.Mode().Perm(); got != d.Mode {
			logger.Debug("directory mode differs", "path", d.Path,
				"mode", fmt.Sprintf("%04o", got), "want", fmt.Sprintf("%04o", d.Mode))
		}
	}
	return nil
}
