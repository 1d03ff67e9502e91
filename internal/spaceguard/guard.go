// Package spaceguard keeps a session launchable when the home
// directory has stopped accepting writes. It probes writability,
// reclaims caches it can positively attribute to regenerable state,
// and when recovery is impossible it signals the session through its
// environment instead of failing the launch: a full home directory is
// a steady state users get themselves into, not a startup error.
package spaceguard

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/skylabhq/preflight/internal/config"
	"github.com/skylabhq/preflight/internal/envmap"
	"github.com/skylabhq/preflight/internal/errcode"
	"go.jetify.com/typeid"
)

// Escalation signals surfaced to the launched session. Outputs only;
// nothing here reads them back.
const (
	EnvLowSpaceRecovered = "SKYLAB_LOW_SPACE_RECOVERED"
	EnvReclaimedBytes    = "SKYLAB_RECLAIMED_BYTES"
	EnvHomeUnwritable    = "SKYLAB_HOME_UNWRITABLE"
	EnvStartupErrno      = "SKYLAB_STARTUP_ERRNO"
	EnvStartupErrcode    = "SKYLAB_STARTUP_ERRCODE"
	EnvStartupMessage    = "SKYLAB_STARTUP_MESSAGE"
)

const defaultProbeSize = 1 << 20

type Options struct {
	Config *config.Config
	Logger *log.Logger

	// ProbeSize is the marker payload in bytes; the default of 1 MiB is
	// enough to distinguish "full" from "nearly full".
	ProbeSize int
}

type Guard struct {
	cfg       *config.Config
	logger    *log.Logger
	probeSize int
}

func New(opts Options) *Guard {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	size := opts.ProbeSize
	if size <= 0 {
		size = defaultProbeSize
	}
	return &Guard{cfg: opts.Config, logger: logger, probeSize: size}
}

// Candidate is one reclaimable location: a cache subtree that can be
// regenerated and therefore deleted wholesale.
type Candidate struct {
	Path     string
	Mode     os.FileMode
	Estimate int64
}

// Plan is the ordered reclamation sequence; advisory until executed.
type Plan struct {
	Candidates []Candidate
}

// Run performs the tidy/probe/recover protocol and returns the
// escalation signals to overlay onto the launch environment. It never
// reports failure: an unrecoverable home is a degraded launch, not an
// aborted one.
func (g *Guard) Run() envmap.Map {
	signals := envmap.New()

	if removed := pruneExpiredURLCache(g.logger, g.cfg.LegacyDatastoreCacheDir, time.Now()); removed > 0 {
		g.logger.Info("pruned expired url cache entries", "count", removed)
	}

	probeErr := g.probe()
	if probeErr == nil {
		return signals
	}
	g.logger.Warn("home directory not writable", "home", g.cfg.Home, "err", probeErr)

	plan := g.buildPlan()
	var freed int64
	recovered := false
	for _, c := range plan.Candidates {
		freed += g.reclaim(c)
		if probeErr = g.probe(); probeErr == nil {
			recovered = true
			break
		}
	}

	if recovered {
		g.logger.Info("writability restored", "freed_bytes", freed)
		signals[EnvLowSpaceRecovered] = "TRUE"
		signals[EnvReclaimedBytes] = strconv.FormatInt(freed, 10)
		return signals
	}

	se := errcode.New("write probe", g.cfg.UserCacheDir, probeErr)
	g.logger.Error("home directory still unwritable, launching degraded",
		"errcode", se.CodeName(), "err", probeErr)
	signals[EnvHomeUnwritable] = "TRUE"
	signals[EnvStartupErrno] = strconv.Itoa(se.Code)
	signals[EnvStartupErrcode] = se.CodeName()
	signals[EnvStartupMessage] = se.Error()
	return signals
}

var generateProbeID = func() (string, error) {
	id, err := typeid.WithPrefix("probe")
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func probeName() string {
	id, err := generateProbeID()
	if err != nil {
		id = fmt.Sprintf("probe-%d", time.Now().UTC().UnixNano())
	}
	return id + ".txt"
}

// writeProbe writes and removes a uniquely named marker under the
// probe directory. Unique names keep a crashed previous probe from
// masking this one. Swapped in tests to simulate exhaustion.
var writeProbe = func(dir string, size int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, probeName())
	payload := bytes.Repeat([]byte{'#'}, size)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		os.Remove(path)
		return err
	}
	return os.Remove(path)
}

func (g *Guard) probe() error {
	return writeProbe(g.cfg.UserCacheDir, g.probeSize)
}

// buildPlan collects the reclaimable candidates that pass attribution.
// The order is fixed: the general user cache first, then the legacy
// datastore download cache.
func (g *Guard) buildPlan() Plan {
	specs := []struct {
		path string
		mode os.FileMode
	}{
		{g.cfg.UserCacheDir, 0o755},
		{g.cfg.LegacyDatastoreCacheDir, 0o700},
	}

	var plan Plan
	for _, s := range specs {
		if err := g.attribute(s.path); err != nil {
			g.logger.Debug("skipping reclaim candidate", "path", s.path, "reason", err)
			continue
		}
		plan.Candidates = append(plan.Candidates, Candidate{
			Path:     s.path,
			Mode:     s.mode,
			Estimate: dirSize(s.path),
		})
	}
	return plan
}

var fileOwnerUID = func(info os.FileInfo) (int, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(st.Uid), true
}

// attribute decides whether a candidate may be deleted: it must live
// inside home, be a real directory rather than a symlink, and belong
// to the current user. Anything that fails attribution is skipped,
// never deleted.
func (g *Guard) attribute(path string) error {
	rel, err := filepath.Rel(g.cfg.Home, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("outside home directory")
	}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("absent")
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symlink, refusing to follow")
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}

	uid, ok := fileOwnerUID(info)
	if !ok {
		return fmt.Errorf("owner unknown")
	}
	if uid != os.Getuid() {
		return fmt.Errorf("owned by uid %d, not the current user", uid)
	}
	return nil
}

// reclaim deletes the candidate subtree and recreates it empty with
// its provisioned mode, returning the bytes it believes it freed.
func (g *Guard) reclaim(c Candidate) int64 {
	before, beforeErr := FreeBytes(g.cfg.Home)

	g.logger.Info("reclaiming cache", "path", c.Path, "estimated_bytes", c.Estimate)
	if err := os.RemoveAll(c.Path); err != nil {
		g.logger.Warn("reclaim incomplete", "path", c.Path, "err", err)
	}
	if err := os.MkdirAll(c.Path, c.Mode); err != nil {
		g.logger.Warn("recreate after reclaim failed", "path", c.Path, "err", err)
	}

	if beforeErr == nil {
		if after, err := FreeBytes(g.cfg.Home); err == nil && after > before {
			return int64(after - before)
		}
	}
	return c.Estimate
}

// dirSize is a conservative estimate: whatever the walk can see. Walk
// errors leave the remainder uncounted rather than failing the plan.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
