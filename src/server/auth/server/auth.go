package server

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

// maxEntitlementLength is the longest entitlement key accepted.
const maxEntitlementLength = 255

// cacheSize bounds the password and entitlement caches.
const cacheSize = 8192

// validName reports whether name is made of letters, digits, '.', '_' and
// '-'.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func checkName(name string) error {
	if !validName(name) {
		return errors.WithStack(&repoerr.InvalidName{Name: name})
	}
	return nil
}

// passwordHash is the stored form of a password: hex md5 of salt followed by
// the password.
func passwordHash(salt []byte, password string) string {
	h := md5.New()
	h.Write(salt)
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

func newSalt() ([]byte, error) {
	salt := make([]byte, 4)
	_, err := rand.Read(salt)
	return salt, errors.EnsureStack(err)
}

func cacheKey(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// passwordCache remembers successful password checks for the configured
// timeout.
type passwordCache struct {
	c *expirable.LRU[string, struct{}]
}

func newPasswordCache(ttl time.Duration) *passwordCache {
	if ttl <= 0 {
		return &passwordCache{}
	}
	return &passwordCache{c: expirable.NewLRU[string, struct{}](cacheSize, nil, ttl)}
}

func (p *passwordCache) valid(user, password string) bool {
	if p.c == nil {
		return false
	}
	_, ok := p.c.Get(cacheKey(user, password))
	return ok
}

func (p *passwordCache) add(user, password string) {
	if p.c != nil {
		p.c.Add(cacheKey(user, password), struct{}{})
	}
}

// entitlementEntry is a cached external entitlement answer.  Expired entries
// are kept until next looked at, since an expired entry without Retry must
// be reported as a timeout.
type entitlementEntry struct {
	groups  []int64
	expires time.Time
	retry   bool
}

type entitlementCache struct {
	c *lru.Cache[string, entitlementEntry]
}

func newEntitlementCache() *entitlementCache {
	c, err := lru.New[string, entitlementEntry](cacheSize)
	if err != nil {
		panic(err)
	}
	return &entitlementCache{c: c}
}

// lookup returns the cached groups for key.  expired is set when an entry
// had run out and was dropped; retry then says whether a fresh check may be
// made.
func (e *entitlementCache) lookup(key string, now time.Time) (groups []int64, hit, expired, retry bool) {
	ent, ok := e.c.Get(key)
	if !ok {
		return nil, false, false, false
	}
	if now.Before(ent.expires) {
		return ent.groups, true, false, false
	}
	e.c.Remove(key)
	return nil, false, true, ent.retry
}

func (e *entitlementCache) add(key string, ent entitlementEntry) {
	e.c.Add(key, ent)
}

func (e *entitlementCache) purge() { e.c.Purge() }

// unionIDs merges id lists into one sorted list without duplicates.
func unionIDs(lists ...[]int64) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, l := range lists {
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
