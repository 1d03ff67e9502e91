// Package userenv discards the generated per-user state so a session
// starts from defaults again. Only directories this program itself
// materializes are eligible; anything that looks user-made stops the
// reset before a single byte is removed.
package userenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
	"github.com/skylabhq/preflight/internal/seed"
)

const timestampLayout = "20060102150405"

// now is replaced in tests for deterministic set-aside names.
var now = time.Now

// fileOwnerUID reports the owning uid of info, when the platform
// exposes one. Replaced in tests.
var fileOwnerUID = func(info os.FileInfo) (int, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(st.Uid), true
}

// ResetError means a directory eligible for reset held something this
// program did not generate. Removing it could destroy user data, so
// the reset refuses instead.
type ResetError struct {
	Path   string
	Entry  string
	Reason string
}

func (e *ResetError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("reset %q: entry %q %s", e.Path, e.Entry, e.Reason)
	}
	return fmt.Sprintf("reset %q: %s", e.Path, e.Reason)
}

type candidate struct {
	path string
	// generated restricts the directory to regular files with these
	// names. nil means any content is regenerable (caches).
	generated map[string]bool
}

var generatedProfileEntries = map[string]bool{
	seed.ProfileName: true,
}

var generatedCredentialEntries = map[string]bool{
	seed.AWSCredsName: true,
	seed.PGPassName:   true,
}

// Reset removes the cache and generated-config directories and sets
// the user setups directory aside under a timestamped name. Every
// candidate is validated before anything is touched, so a refusal
// leaves home exactly as it was. Missing directories are skipped,
// which makes a second reset a no-op.
func Reset(logger *log.Logger, cfg *config.Config) error {
	candidates := []candidate{
		{path: cfg.UserCacheDir},
		{path: cfg.LegacyDatastoreCacheDir},
		{path: cfg.ProfileDir, generated: generatedProfileEntries},
		{path: cfg.CredentialsDir, generated: generatedCredentialEntries},
	}

	var present []candidate
	for _, c := range candidates {
		ok, err := validate(c)
		if err != nil {
			return err
		}
		if ok {
			present = append(present, c)
		}
	}

	for _, c := range present {
		logger.Info("removing generated state", "path", c.path)
		if err := os.RemoveAll(c.path); err != nil {
			return fmt.Errorf("remove %q: %w", c.path, err)
		}
	}

	return setAsideUserSetups(logger, cfg.UserSetupsDir)
}

// validate reports whether the candidate exists and is safe to
// remove: a real directory, owned by the current user, and for
// generated directories holding nothing but our own files.
func validate(c candidate) (bool, error) {
	info, err := os.Lstat(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %q: %w", c.path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return false, &ResetError{Path: c.path, Reason: "is a symlink"}
	}
	if !info.IsDir() {
		return false, &ResetError{Path: c.path, Reason: "is not a directory"}
	}
	if uid, ok := fileOwnerUID(info); ok && uid != os.Getuid() {
		return false, &ResetError{Path: c.path, Reason: "is not owned by the current user"}
	}
	if c.generated != nil {
		if err := verifyGenerated(c.path, c.generated); err != nil {
			return false, err
		}
	}
	return true, nil
}

func verifyGenerated(dir string, allowed map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %q: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		// Dot-prefixed files are leftovers from interrupted seeding,
		// ours to delete.
		if name != "" && name[0] == '.' {
			continue
		}
		if !e.Type().IsRegular() || !allowed[name] {
			return &ResetError{Path: dir, Entry: name, Reason: "was not generated by this program"}
		}
	}
	return nil
}

// setAsideUserSetups renames the setups directory out of the way
// instead of deleting it; its contents are user-authored and a reset
// must never lose them.
func setAsideUserSetups(logger *log.Logger, dir string) error {
	_, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %q: %w", dir, err)
	}
	dst := fmt.Sprintf("%s.%s", dir, now().Format(timestampLayout))
	if err := os.Rename(dir, dst); err != nil {
		return fmt.Errorf("set aside %q: %w", dir, err)
	}
	logger.Info("set aside user setups", "from", dir, "to", dst)
	return nil
}
