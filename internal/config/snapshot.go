package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/envmap"
	"golang.org/x/sys/unix"
)

// Snapshot is the read-only capture Resolve operates on: the process
// environment, the OS login name fallback, the system temp root, and
// the one filesystem observation resolution depends on (whether a
// usable per-user scratch directory exists). Everything after Capture
// works from this value; nothing reads the ambient environment again.
type Snapshot struct {
	Env       envmap.Map
	LoginName string
	TempRoot  string

	// ScratchRoot and ScratchDir are set only when the scratch mount is
	// present, distinct from TempRoot, and the per-user directory under
	// it could be created and written.
	ScratchRoot string
	ScratchDir  string
}

func Capture(logger *log.Logger) *Snapshot {
	snap := &Snapshot{
		Env:      envmap.FromEnviron(os.Environ()),
		TempRoot: filepath.Clean(os.TempDir()),
	}
	if current, err := user.Current(); err == nil {
		snap.LoginName = current.Username
	}

	username := snap.Env[envUser]
	if username == "" {
		username = snap.LoginName
	}
	if username == "" {
		// Resolve reports the missing user; scratch cannot be laid out
		// without one.
		return snap
	}

	root := snap.Env[envScratchPath]
	if root == "" {
		root = defaultScratchRoot
	}
	snap.observeScratch(root, snap.Env[envHomedirSchema], username, logger)
	return snap
}

// observeScratch pins scratch usability at capture time. The per-user
// directory is created here with the same mode the provisioner later
// verifies; a scratch mount we cannot write is recorded as absent
// rather than failed, since home-rooted fallbacks exist for everything
// derived from it.
func (s *Snapshot) observeScratch(root, schema, username string, logger *log.Logger) {
	root = filepath.Clean(root)
	if root == s.TempRoot {
		logger.Debug("scratch root matches system temp root, not relocating", "root", root)
		return
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		logger.Debug("scratch root not present", "root", root)
		return
	}

	dir, err := scratchUserDir(root, schema, username)
	if err != nil {
		// Resolve rejects the schema with its own error; nothing to
		// observe under a layout we cannot compute.
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Debug("scratch unusable", "dir", dir, "err", err)
		return
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		logger.Debug("scratch directory not writable", "dir", dir, "err", err)
		return
	}

	s.ScratchRoot = root
	s.ScratchDir = dir
}

// scratchUserDir lays out the per-user directory under the scratch
// root. The schema names the convention the platform provisions:
// "username" (default) puts users directly under the root,
// "initialThenUsername" shards them by first initial.
func scratchUserDir(root, schema, username string) (string, error) {
	switch schema {
	case "", schemaUsername:
		return filepath.Join(root, username), nil
	case schemaInitialThenUsername:
		return filepath.Join(root, username[:1], username), nil
	default:
		return "", fmt.Errorf("unknown homedir schema %q", schema)
	}
}
