package backend

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pgbalancer/pgbalancer/internal/relcache"
)

// versionStringMax bounds the raw version string retained in a PgVersion.
const versionStringMax = 128

// PgVersion is the parsed backend server version. Major is the integer
// version times ten: V12 yields 120, V9.6 yields 96. Minor holds the
// patch component.
type PgVersion struct {
	Major         int
	Minor         int
	VersionString string
}

// VersionCache lazily probes the backend server version and memoizes it
// for the life of the process. The probe goes through a relation cache
// bound to "SELECT version()".
type VersionCache struct {
	mu           sync.Mutex
	relcacheSize int
	cache        *relcache.Cache
	v            *PgVersion
}

// NewVersionCache creates a cache whose underlying relation cache gets
// the given capacity.
func NewVersionCache(relcacheSize int) *VersionCache {
	return &VersionCache{relcacheSize: relcacheSize}
}

// Cached returns the memoized version record without touching the wire,
// or nil while the cache is unpopulated.
func (vc *VersionCache) Cached() *PgVersion {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.v
}

// Get returns the backend server version. The first call issues
// SELECT version() through q and parses the result; later calls return
// the cached record without touching the wire. The returned record is
// shared and must not be modified.
//
// On a probe or parse failure no PgVersion is memoized and the error is
// returned (a fetch error wrapped, a parse error unchanged). A version
// string that fails to parse stays in the relation cache, so a later call
// parses it again without a query.
func (vc *VersionCache) Get(q relcache.Querier) (*PgVersion, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if vc.v != nil {
		slog.Debug("pg version: local cache returned")
		return vc.v, nil
	}

	if vc.cache == nil {
		vc.cache = relcache.New(vc.relcacheSize, "SELECT version()")
	}

	result, err := vc.cache.Lookup(q, "version")
	if err != nil {
		return nil, fmt.Errorf("fetching backend version: %w", err)
	}
	slog.Debug("pg version", "version_string", result)

	v, err := parsePgVersion(result)
	if err != nil {
		return nil, err
	}

	vc.v = v
	return vc.v, nil
}

// parsePgVersion extracts major and minor numbers from a version string
// such as "PostgreSQL 12.3 on x86_64..." or "PostgreSQL 9.6.24 on ...".
// For pre-releases like "12beta1" the numeric prefix of the segment is
// used and the rest ignored.
func parsePgVersion(result string) (*PgVersion, error) {
	rest, ok := afterFirstSpace(result)
	if !ok {
		return nil, fmt.Errorf("no space in backend version string: %q", result)
	}

	seg, rest := nextSegment(rest)
	v1 := numericPrefix(seg)
	if v1 < 6 || v1 > 100 {
		return nil, fmt.Errorf("wrong major version: %d", v1)
	}

	major := v1 * 10
	if v1 < 10 {
		// Pre-10 versioning carries the first fractional digits in the
		// major: 9.6 becomes 96.
		seg, rest = nextSegment(rest)
		major = v1*10 + numericPrefix(seg)
	}

	seg, _ = nextSegment(rest)
	minor := numericPrefix(seg)
	if minor < 0 || minor > 100 {
		return nil, fmt.Errorf("wrong minor version: %d", minor)
	}

	vs := result
	if len(vs) > versionStringMax-1 {
		vs = vs[:versionStringMax-1]
	}
	return &PgVersion{Major: major, Minor: minor, VersionString: vs}, nil
}

func afterFirstSpace(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[i+1:], true
		}
	}
	return "", false
}

// nextSegment splits off the part of s up to the next '.' or ' '.
func nextSegment(s string) (seg, rest string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == ' ' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// numericPrefix parses the leading digits of s, tolerating trailing
// non-digit characters the way atoi(3) does ("12beta1" yields 12).
func numericPrefix(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0
	}
	n, _ := strconv.Atoi(s[:i])
	return n
}
