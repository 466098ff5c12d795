package versions

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of parsed versions kept by the process-wide cache.
const DefaultCacheSize = 16384

// Cache interns parsed versions by string.  Versions are immutable, so a cached value may be
// shared by every caller.
type Cache struct {
	frozen *lru.Cache[string, *Version]
	plain  *lru.Cache[string, *Version]
}

// NewCache returns a Cache holding up to size versions of each form.
func NewCache(size int) *Cache {
	frozen, err := lru.New[string, *Version](size)
	if err != nil {
		panic(err)
	}
	plain, err := lru.New[string, *Version](size)
	if err != nil {
		panic(err)
	}
	return &Cache{frozen: frozen, plain: plain}
}

var defaultCache = NewCache(DefaultCacheSize)

// Thaw parses a frozen version string.
func (c *Cache) Thaw(s string) (*Version, error) {
	if v, ok := c.frozen.Get(s); ok {
		return v, nil
	}
	v, err := newVersion(s, true)
	if err != nil {
		return nil, err
	}
	c.frozen.Add(s, v)
	return v, nil
}

// FromString parses a version string.  If timestamps is non-empty they are applied to the
// revisions.
func (c *Cache) FromString(s string, timestamps []float64) (*Version, error) {
	if v, ok := c.plain.Get(s); ok && (len(timestamps) == 0 || equalFloats(v.Timestamps(), timestamps)) {
		return v, nil
	}
	v, err := newVersion(s, false)
	if err != nil {
		return nil, err
	}
	if len(timestamps) > 0 {
		if v, err = v.WithTimestamps(timestamps); err != nil {
			return nil, err
		}
	}
	c.plain.Add(s, v)
	return v, nil
}

// Len is the number of cached versions.
func (c *Cache) Len() int { return c.frozen.Len() + c.plain.Len() }

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ParseVersion parses a version string such as "/conary.example.com@rpl:devel/1.0-1-1".
func ParseVersion(s string) (*Version, error) {
	return defaultCache.FromString(s, nil)
}

// VersionFromString parses a version string and applies timestamps to its revisions.
func VersionFromString(s string, timestamps []float64) (*Version, error) {
	return defaultCache.FromString(s, timestamps)
}

// ThawVersion parses a frozen version string, as produced by Version.Freeze.
func ThawVersion(s string) (*Version, error) {
	return defaultCache.Thaw(s)
}

// ParseBranch parses a branch string such as "/conary.example.com@rpl:devel".
func ParseBranch(s string) (*Branch, error) {
	return newBranch(s)
}

// MustParseVersion is ParseVersion for constants in tests and tools; it panics on error.
func MustParseVersion(s string) *Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// MustParseBranch is ParseBranch for constants; it panics on error.
func MustParseBranch(s string) *Branch {
	b, err := ParseBranch(s)
	if err != nil {
		panic(err)
	}
	return b
}

// MustParseLabel is ParseLabel for constants; it panics on error.
func MustParseLabel(s string) Label {
	l, err := ParseLabel(s)
	if err != nil {
		panic(err)
	}
	return l
}
