// Package config resolves the startup environment into the single
// immutable configuration every other component consults. Capture
// observes the process once; Resolve is a pure function of the
// snapshot, so identical snapshots always produce identical
// configurations.
package config

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skylabhq/preflight/internal/envmap"
	"github.com/skylabhq/preflight/internal/imageref"
)

const (
	envHome              = "HOME"
	envUser              = "USER"
	envDebug             = "DEBUG"
	envResetUserEnv      = "RESET_USER_ENV"
	envScratchPath       = "SCRATCH_PATH"
	envHomedirSchema     = "HOMEDIR_SCHEMA"
	envTmpDir            = "TMPDIR"
	envDatastoreCacheDir = "DATASTORE_CACHE_DIR"
	envCPULimit          = "CPU_LIMIT"
	envImageSpec         = "SKYLAB_IMAGE_SPEC"
	envPodName           = "HOSTNAME"
	envNoninteractive    = "SKYLAB_NONINTERACTIVE"
	envRuntimeDir        = "SKYLAB_RUNTIME_DIR"
	envNoActivity        = "SKYLAB_NO_ACTIVITY_TIMEOUT"
	envCullIdle          = "SKYLAB_CULL_IDLE_TIMEOUT"
	envCullInterval      = "SKYLAB_CULL_INTERVAL"
	envCullConnected     = "SKYLAB_CULL_CONNECTED"
	envAWSCredentials    = "AWS_SHARED_CREDENTIALS_FILE"
	envPGPassFile        = "PGPASSFILE"

	envScratchDirOut  = "SCRATCH_DIR"
	envImageDigestOut = "IMAGE_DIGEST"
)

const (
	defaultScratchRoot = "/scratch"
	defaultRuntimeDir  = "/opt/skylab/runtime"

	schemaUsername            = "username"
	schemaInitialThenUsername = "initialThenUsername"

	credentialsDirName = ".skylab"
	profileDirRel      = ".config/skylab"
	userCacheDirName   = ".cache"
	legacyDatastoreRel = ".datastore/cache"
	userSetupsDirName  = ".user_setups"
	tmpLeaf            = "tmp"
	datastoreLeaf      = "datastore"
)

// threadCountVars are the variables numeric libraries consult for their
// worker pool sizes; all receive the normalized CPU allowance.
var threadCountVars = []string{
	"CPU_COUNT",
	"GOTO_NUM_THREADS",
	"MKL_DOMAIN_NUM_THREADS",
	"MPI_NUM_THREADS",
	"NUMEXPR_NUM_THREADS",
	"NUMEXPR_MAX_THREADS",
	"OMP_NUM_THREADS",
	"OPENBLAS_NUM_THREADS",
	"RAYON_NUM_THREADS",
}

// Error reports an unusable configuration input: the variable at fault
// and why its value cannot be accepted.
type Error struct {
	Variable string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration variable %s: %s", e.Variable, e.Reason)
}

// SessionTimeouts carries the cull/shutdown values handed through to
// the session server, raw and unvalidated (the server owns their
// interpretation).
type SessionTimeouts struct {
	NoActivity    string
	CullIdle      string
	CullInterval  string
	CullConnected string
}

// Config is the resolved startup configuration. Constructed once per
// run, never mutated, passed by pointer to every component.
type Config struct {
	Home           string
	User           string
	CredentialsDir string
	ProfileDir     string

	// UserCacheDir and LegacyDatastoreCacheDir are the home-rooted cache
	// trees: where the writability probe lives and what space recovery
	// may reclaim. UserSetupsDir is the user-authored setup hook, which
	// is only ever renamed aside, never deleted.
	UserCacheDir            string
	LegacyDatastoreCacheDir string
	UserSetupsDir           string

	ScratchRoot       string
	ScratchDir        string
	TmpDir            string
	DatastoreCacheDir string

	ResetUserEnv bool
	Debug        bool

	Noninteractive bool
	RuntimeDir     string

	Image   imageref.Identity
	PodName string

	CPULimit int
	Timeouts SessionTimeouts

	AWSCredentialsFile string
	PGPassFile         string

	// Expected holds every variable resolution computed, overlaid onto
	// the inherited environment at launch so the session sees the same
	// paths this process provisioned.
	Expected envmap.Map
}

// Resolve derives the configuration from the snapshot. Field order:
// explicit override variable, then computed default, then hard-coded
// fallback. The first unusable input aborts with *Error before any
// filesystem mutation has happened.
func Resolve(snap *Snapshot) (*Config, error) {
	cfg := &Config{Expected: envmap.New()}

	home := strings.TrimSpace(snap.Env[envHome])
	if home == "" {
		return nil, &Error{Variable: envHome, Reason: "not set"}
	}
	if err := validatePath(envHome, home); err != nil {
		return nil, err
	}
	cfg.Home = filepath.Clean(home)

	cfg.User = snap.Env[envUser]
	if cfg.User == "" {
		cfg.User = snap.LoginName
	}
	if cfg.User == "" {
		return nil, &Error{Variable: envUser, Reason: "not set and no login name available"}
	}

	if schema := snap.Env[envHomedirSchema]; schema != "" &&
		schema != schemaUsername && schema != schemaInitialThenUsername {
		return nil, &Error{Variable: envHomedirSchema, Reason: fmt.Sprintf("unknown schema %q", schema)}
	}
	if root := snap.Env[envScratchPath]; root != "" {
		if err := validatePath(envScratchPath, root); err != nil {
			return nil, err
		}
	}

	cfg.Debug = Truthy(snap.Env[envDebug])
	cfg.ResetUserEnv = Truthy(snap.Env[envResetUserEnv])

	cfg.CredentialsDir = filepath.Join(cfg.Home, credentialsDirName)
	cfg.ProfileDir = filepath.Join(cfg.Home, profileDirRel)
	cfg.UserCacheDir = filepath.Join(cfg.Home, userCacheDirName)
	cfg.LegacyDatastoreCacheDir = filepath.Join(cfg.Home, legacyDatastoreRel)
	cfg.UserSetupsDir = filepath.Join(cfg.Home, userSetupsDirName)
	cfg.ScratchRoot = snap.ScratchRoot
	cfg.ScratchDir = snap.ScratchDir

	if err := resolveTmpDir(cfg, snap); err != nil {
		return nil, err
	}
	if err := resolveDatastoreCache(cfg, snap); err != nil {
		return nil, err
	}
	if cfg.ScratchDir != "" {
		cfg.Expected[envScratchDirOut] = cfg.ScratchDir
	}

	cfg.CPULimit = cpuLimit(snap.Env[envCPULimit])
	limit := strconv.Itoa(cfg.CPULimit)
	cfg.Expected[envCPULimit] = limit
	for _, name := range threadCountVars {
		cfg.Expected[name] = limit
	}

	image, err := imageref.Parse(snap.Env[envImageSpec])
	if err != nil {
		return nil, &Error{Variable: envImageSpec, Reason: err.Error()}
	}
	cfg.Image = image
	if image.Pinned() {
		cfg.Expected[envImageDigestOut] = image.DigestHex
	}
	cfg.PodName = snap.Env[envPodName]

	cfg.Noninteractive = Truthy(snap.Env[envNoninteractive])
	cfg.RuntimeDir = snap.Env[envRuntimeDir]
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = defaultRuntimeDir
	} else if err := validatePath(envRuntimeDir, cfg.RuntimeDir); err != nil {
		return nil, err
	}

	cfg.Timeouts = SessionTimeouts{
		NoActivity:    snap.Env[envNoActivity],
		CullIdle:      snap.Env[envCullIdle],
		CullInterval:  snap.Env[envCullInterval],
		CullConnected: snap.Env[envCullConnected],
	}

	cfg.AWSCredentialsFile = snap.Env[envAWSCredentials]
	cfg.PGPassFile = snap.Env[envPGPassFile]

	return cfg, nil
}

// resolveTmpDir: TMPDIR override wins unconditionally; otherwise the
// temp directory relocates under scratch when a usable per-user
// scratch directory was observed, and falls back to a per-user
// directory under the system temp root.
func resolveTmpDir(cfg *Config, snap *Snapshot) error {
	if override := snap.Env[envTmpDir]; override != "" {
		if err := validatePath(envTmpDir, override); err != nil {
			return err
		}
		cfg.TmpDir = filepath.Clean(override)
	} else if cfg.ScratchDir != "" {
		cfg.TmpDir = filepath.Join(cfg.ScratchDir, tmpLeaf)
	} else {
		cfg.TmpDir = filepath.Join(snap.TempRoot, cfg.User)
	}
	cfg.Expected[envTmpDir] = cfg.TmpDir
	return nil
}

// resolveDatastoreCache: override wins; with usable scratch the cache
// is a sibling of the relocated temp directory (same parent, its own
// leaf) so it does not count against any quota applied to the temp
// directory itself; without scratch it nests under the temp directory.
func resolveDatastoreCache(cfg *Config, snap *Snapshot) error {
	if override := snap.Env[envDatastoreCacheDir]; override != "" {
		if err := validatePath(envDatastoreCacheDir, override); err != nil {
			return err
		}
		cfg.DatastoreCacheDir = filepath.Clean(override)
	} else if cfg.ScratchDir != "" {
		cfg.DatastoreCacheDir = filepath.Join(cfg.ScratchDir, datastoreLeaf)
	} else {
		cfg.DatastoreCacheDir = filepath.Join(cfg.TmpDir, datastoreLeaf)
	}
	cfg.Expected[envDatastoreCacheDir] = cfg.DatastoreCacheDir
	return nil
}

func validatePath(variable, value string) error {
	if !filepath.IsAbs(value) {
		return &Error{Variable: variable, Reason: fmt.Sprintf("path %q is not absolute", value)}
	}
	if strings.ContainsAny(value, "\x00\n") {
		return &Error{Variable: variable, Reason: "path contains control characters"}
	}
	return nil
}

// Truthy interprets the loose boolean convention spawners use: empty
// is false, numeric values follow their value, strings starting with
// 'n' or 'f' (any case) are false, anything else is true.
func Truthy(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f != 0
	}
	switch value[0] {
	case 'n', 'N', 'f', 'F':
		return false
	}
	return true
}

// cpuLimit normalizes the allowance the spawner granted: fractional
// values floor, and anything unparseable or below one becomes one so
// thread pools never size to zero.
func cpuLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 1 {
		return 1
	}
	return int(f)
}
