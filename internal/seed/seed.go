// Package seed materializes the per-user files a session expects in
// home: the generated logging profile and merged credential copies.
// Seeding is best-effort by design; it runs after the space guard, so
// a degraded home must reduce functionality, never block the launch.
package seed

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
	"github.com/skylabhq/preflight/internal/envmap"
)

// ProfileName is the generated logging profile inside the profile
// directory. The reset path treats exactly these names as
// preflight-generated.
const (
	ProfileName  = "logging.yaml"
	AWSCredsName = "aws-credentials.ini"
	PGPassName   = "pgpass"
)

const currentProfile = `# Generated by skylab preflight. Edits are preserved across restarts;
# remove the file to regenerate the default.
version: 2
root:
  level: info
handlers:
  console:
    stream: stderr
    format: json
`

// legacyProfiles are byte-exact contents shipped by earlier releases.
// A file matching one of them carries no user edits and is safe to
// regenerate.
var legacyProfiles = []string{
	`# Generated by skylab preflight.
version: 1
root:
  level: info
handlers:
  console:
    stream: stderr
`,
}

type Options struct {
	Config *config.Config
	Logger *log.Logger
}

type Seeder struct {
	cfg    *config.Config
	logger *log.Logger
}

func New(opts Options) *Seeder {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Seeder{cfg: opts.Config, logger: logger}
}

// Apply seeds the profile and credential files and returns the
// environment updates the launch should carry (repointed credential
// variables). Failures are logged and skipped rather than returned:
// by this stage in the pipeline degradation beats abortion.
func (s *Seeder) Apply() envmap.Map {
	if err := s.writeLoggingProfile(); err != nil {
		s.logger.Warn("logging profile not seeded", "err", err)
	}
	return s.mergeCredentials()
}

// writeLoggingProfile materializes the profile when it is absent or
// still byte-identical to an earlier generated version. Anything else
// is a user edit and is preserved.
func (s *Seeder) writeLoggingProfile() error {
	path := filepath.Join(s.cfg.ProfileDir, ProfileName)

	existing, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// fall through to write
	case err != nil:
		return fmt.Errorf("read logging profile %q: %w", path, err)
	default:
		sum := checksum(existing)
		if sum == checksum([]byte(currentProfile)) {
			return nil
		}
		for _, legacy := range legacyProfiles {
			if sum == checksum([]byte(legacy)) {
				s.logger.Debug("regenerating legacy logging profile", "path", path)
				return atomicWrite(path, []byte(currentProfile), 0o644)
			}
		}
		s.logger.Debug("logging profile has user edits, keeping", "path", path)
		return nil
	}

	return atomicWrite(path, []byte(currentProfile), 0o644)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// atomicWrite lands content under a temporary name in the target
// directory and renames it into place, so readers never observe a
// partial file.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %q: %w", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %q to %q: %w", tmpName, path, err)
	}
	return nil
}
