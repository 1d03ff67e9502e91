package seed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/skylabhq/preflight/internal/envmap"
	"gopkg.in/ini.v1"
)

// Environment variables rewritten once credentials are merged into the
// user's credential directory. The ORIG_ variants keep the container
// paths reachable for tooling that wants the unmerged originals.
const (
	EnvAWSCredentials     = "AWS_SHARED_CREDENTIALS_FILE"
	EnvOrigAWSCredentials = "ORIG_AWS_SHARED_CREDENTIALS_FILE"
	EnvPGPassFile         = "PGPASSFILE"
	EnvOrigPGPassFile     = "ORIG_PGPASSFILE"
)

// mergeCredentials folds container-provided credential files into the
// user's persistent copies and repoints the standard environment
// variables at the merged results. A source that is missing or
// unreadable skips its merge; the session then sees the container
// variables unchanged.
func (s *Seeder) mergeCredentials() envmap.Map {
	updates := envmap.New()

	if src := s.cfg.AWSCredentialsFile; src != "" {
		dst := filepath.Join(s.cfg.CredentialsDir, AWSCredsName)
		if err := mergeAWSCredentials(src, dst); err != nil {
			s.logger.Warn("aws credentials not merged", "src", src, "err", err)
		} else {
			updates[EnvAWSCredentials] = dst
			updates[EnvOrigAWSCredentials] = src
			s.logger.Debug("merged aws credentials", "dst", dst)
		}
	}

	if src := s.cfg.PGPassFile; src != "" {
		dst := filepath.Join(s.cfg.CredentialsDir, PGPassName)
		if err := mergePGPass(src, dst); err != nil {
			s.logger.Warn("pgpass not merged", "src", src, "err", err)
		} else {
			updates[EnvPGPassFile] = dst
			updates[EnvOrigPGPassFile] = src
			s.logger.Debug("merged pgpass", "dst", dst)
		}
	}

	return updates
}

// mergeAWSCredentials layers the container INI over the user's
// existing copy. Profiles from the container win key by key; profiles
// only the user has are kept.
func mergeAWSCredentials(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}
	merged, err := ini.LooseLoad(dst, src)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	tmp := dst + ".merge"
	if err := merged.SaveTo(tmp); err != nil {
		return fmt.Errorf("save %q: %w", tmp, err)
	}
	defer os.Remove(tmp)
	if err := os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("chmod %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %q to %q: %w", tmp, dst, err)
	}
	return nil
}

// mergePGPass unions pgpass lines keyed by connection prefix (all
// fields except the password). Container lines replace user lines for
// the same connection; everything else keeps its original order.
func mergePGPass(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}

	entries := make(map[string]string)
	var order []string
	add := func(line string) {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			return
		}
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			return
		}
		key := line[:idx]
		if _, seen := entries[key]; !seen {
			order = append(order, key)
		}
		entries[key] = line
	}

	if existing, err := os.ReadFile(dst); err == nil {
		for _, line := range strings.Split(string(existing), "\n") {
			add(line)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %q: %w", dst, err)
	}
	incoming, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %q: %w", src, err)
	}
	for _, line := range strings.Split(string(incoming), "\n") {
		add(line)
	}

	var b strings.Builder
	for _, key := range order {
		b.WriteString(entries[key])
		b.WriteByte('\n')
	}
	return atomicWrite(dst, []byte(b.String()), 0o600)
}
