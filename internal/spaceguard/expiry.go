package spaceguard

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// The legacy datastore client caches signed-URL downloads as
// <root>/url/<key>/{url,contents}. Once the URL's Expires parameter
// has passed, the contents can never be revalidated, so the entry is
// dead weight worth dropping before the writability probe runs.

const maxURLFileSize = 64 << 10

// pruneExpiredURLCache removes expired download entries and reports how
// many it dropped. Entries it cannot parse are left alone; this is
// hygiene, not recovery, and must never guess.
func pruneExpiredURLCache(logger *log.Logger, root string, now time.Time) int {
	urlDir := filepath.Join(root, "url")
	entries, err := os.ReadDir(urlDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		entryDir := filepath.Join(urlDir, entry.Name())
		expired, ok := entryExpired(entryDir, now)
		if !ok || !expired {
			continue
		}
		if err := os.RemoveAll(entryDir); err != nil {
			logger.Debug("failed to prune expired cache entry", "path", entryDir, "err", err)
			continue
		}
		removed++
	}
	return removed
}

// entryExpired reads the stored URL and checks its Expires query
// parameter (unix seconds). The second return is false when the entry
// does not carry a parseable expiry at all.
func entryExpired(entryDir string, now time.Time) (expired, ok bool) {
	urlPath := filepath.Join(entryDir, "url")
	info, err := os.Lstat(urlPath)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxURLFileSize {
		return false, false
	}

	raw, err := os.ReadFile(urlPath)
	if err != nil {
		return false, false
	}
	parsed, err := url.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return false, false
	}
	expiresRaw := parsed.Query().Get("Expires")
	if expiresRaw == "" {
		return false, false
	}
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return false, false
	}
	return time.Unix(expires, 0).Before(now), true
}
