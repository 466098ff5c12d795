// Package cscache caches generated changesets on disk.
//
// An entry is keyed by the trove job it was generated for and the flags it
// was generated with.  The index of entries lives in a database (or in
// memory); the changeset itself lives in a file named after the entry's row.
// Entries whose file has gone missing or was never completed are dropped on
// lookup.
package cscache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/changeset"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/trove"
)

// SchemaVersion is the version of the cache index layout.  An index written
// with any other version is emptied when the cache is opened.
const SchemaVersion = 17

var (
	cacheHitMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "troverepo",
		Subsystem: "changeset_cache",
		Name:      "hits_total",
		Help:      "Number of changeset requests served from the cache",
	})
	cacheMissMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "troverepo",
		Subsystem: "changeset_cache",
		Name:      "misses_total",
		Help:      "Number of changeset requests that were not served from the cache",
	})
	cacheInvalidationMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "troverepo",
		Subsystem: "changeset_cache",
		Name:      "invalidations_total",
		Help:      "Number of cached changesets removed because a trove they contain changed",
	})
)

// Key identifies a cached changeset.  OldVersion and OldFlavor are empty for
// absolute jobs.
type Key struct {
	Name              string
	OldVersion        string
	OldFlavor         string
	NewVersion        string
	NewFlavor         string
	Absolute          bool
	Recurse           bool
	WithFiles         bool
	WithFileContents  bool
	ExcludeAutoSource bool
	Format            changeset.Format
}

// KeyFor builds the Key for a job from old (absent for absolute jobs) to new.
func KeyFor(old *trove.NVF, n trove.NVF, absolute bool) Key {
	k := Key{
		Name:       n.Name,
		NewVersion: n.Version.String(),
		NewFlavor:  n.Flavor.String(),
		Absolute:   absolute,
		Format:     changeset.Latest,
	}
	if old != nil && old.Version != nil {
		k.OldVersion = old.Version.String()
		k.OldFlavor = old.Flavor.String()
	}
	return k
}

// Entry is a cached changeset.  Value is opaque to the cache; the server
// stores the job's return value in it.
type Entry struct {
	Row   int64
	Path  string
	Value []byte
	Size  int64
}

// Cache is a changeset cache.
type Cache interface {
	// Get returns the entry for k, or nil.
	Get(ctx context.Context, k Key) (*Entry, error)
	// Add reserves an entry for k.  The caller writes the changeset to the
	// returned Path and then records its size with SetSize; an entry with
	// no size is never returned by Get.
	Add(ctx context.Context, k Key, value []byte) (*Entry, error)
	SetSize(ctx context.Context, row, size int64) error
	// Invalidate drops the entries for n and for every trove that includes
	// n, directly or not.
	Invalidate(ctx context.Context, n trove.NVF) error
	Close() error
}

// Row is an index row.
type Row struct {
	ID    int64  `db:"row_id"`
	Value []byte `db:"return_value"`
	Size  int64  `db:"size"`
}

// Index stores cache rows.
type Index interface {
	SchemaVersion(ctx context.Context) (int, error)
	// Reset removes every row, records version, and returns the ids of the
	// removed rows.
	Reset(ctx context.Context, version int) ([]int64, error)
	Lookup(ctx context.Context, k Key) ([]Row, error)
	Insert(ctx context.Context, k Key, value []byte) (int64, error)
	SetSize(ctx context.Context, row, size int64) error
	Delete(ctx context.Context, row int64) error
	// DeleteTrove removes the rows whose new trove is (name, version,
	// flavor) and returns their ids.
	DeleteTrove(ctx context.Context, name, version, flavor string) ([]int64, error)
}

// Graph finds the troves that include a trove.
type Graph interface {
	TroveParents(ctx context.Context, n trove.NVF) ([]trove.NVF, error)
}

// DBCache is a Cache with an Index and a directory of changeset files.
type DBCache struct {
	dir   string
	index Index
	graph Graph
}

var _ Cache = &DBCache{}

// New opens the cache in dir.  graph may be nil, in which case invalidation
// does not follow including troves.
func New(ctx context.Context, dir string, index Index, graph Graph) (*DBCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.EnsureStack(err)
	}
	c := &DBCache{dir: dir, index: index, graph: graph}
	v, err := index.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if v != SchemaVersion {
		rows, err := index.Reset(ctx, SchemaVersion)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			c.remove(ctx, row)
		}
		log.Info(ctx, "reset changeset cache", zap.Int("oldSchema", v), zap.Int("schema", SchemaVersion), zap.Int("dropped", len(rows)))
	}
	return c, nil
}

// Path is the file holding the changeset for row.
func (c *DBCache) Path(row int64) string {
	return filepath.Join(c.dir, fmt.Sprintf("cache-%d.ccs-out", row))
}

func (c *DBCache) remove(ctx context.Context, row int64) {
	if err := os.Remove(c.Path(row)); err != nil && !os.IsNotExist(err) {
		log.Error(ctx, "could not remove cached changeset", zap.Int64("row", row), zap.Error(err))
	}
}

func readable(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (c *DBCache) Get(ctx context.Context, k Key) (*Entry, error) {
	rows, err := c.index.Lookup(ctx, k)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		p := c.Path(r.ID)
		if r.Size == 0 || !readable(p) {
			log.Info(ctx, "dropping broken changeset cache entry", zap.Int64("row", r.ID), zap.String("path", p))
			if err := c.index.Delete(ctx, r.ID); err != nil {
				return nil, err
			}
			c.remove(ctx, r.ID)
			continue
		}
		cacheHitMetric.Inc()
		return &Entry{Row: r.ID, Path: p, Value: r.Value, Size: r.Size}, nil
	}
	cacheMissMetric.Inc()
	return nil, nil
}

func (c *DBCache) Add(ctx context.Context, k Key, value []byte) (*Entry, error) {
	row, err := c.index.Insert(ctx, k, value)
	if err != nil {
		return nil, err
	}
	return &Entry{Row: row, Path: c.Path(row), Value: value}, nil
}

func (c *DBCache) SetSize(ctx context.Context, row, size int64) error {
	if err := c.index.SetSize(ctx, row, size); err != nil {
		return err
	}
	log.Debug(ctx, "cached changeset", zap.Int64("row", row), zap.String("size", humanize.IBytes(uint64(size))))
	return nil
}

func (c *DBCache) Invalidate(ctx context.Context, n trove.NVF) error {
	seen := map[string]bool{n.Key(): true}
	queue := []trove.NVF{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		rows, err := c.index.DeleteTrove(ctx, cur.Name, cur.Version.String(), cur.Flavor.String())
		if err != nil {
			return err
		}
		for _, row := range rows {
			c.remove(ctx, row)
		}
		cacheInvalidationMetric.Add(float64(len(rows)))
		if c.graph == nil {
			continue
		}
		parents, err := c.graph.TroveParents(ctx, cur)
		if err != nil {
			return err
		}
		for _, p := range parents {
			if !seen[p.Key()] {
				seen[p.Key()] = true
				queue = append(queue, p)
			}
		}
	}
	return nil
}

// Clear drops every cached changeset and returns how many were dropped.
func (c *DBCache) Clear(ctx context.Context) (int, error) {
	rows, err := c.index.Reset(ctx, SchemaVersion)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		c.remove(ctx, row)
	}
	cacheInvalidationMetric.Add(float64(len(rows)))
	return len(rows), nil
}

func (c *DBCache) Close() error { return nil }

// NullCache never hits.  Add hands out fresh temporary files in its
// directory.
type NullCache struct {
	dir string
}

var _ Cache = &NullCache{}

func NewNullCache(dir string) *NullCache {
	return &NullCache{dir: dir}
}

func (c *NullCache) Get(ctx context.Context, k Key) (*Entry, error) {
	cacheMissMetric.Inc()
	return nil, nil
}

func (c *NullCache) Add(ctx context.Context, k Key, value []byte) (*Entry, error) {
	f, err := os.CreateTemp(c.dir, "*.ccs-out")
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	if err := f.Close(); err != nil {
		return nil, errors.EnsureStack(err)
	}
	return &Entry{Path: f.Name(), Value: value}, nil
}

func (c *NullCache) SetSize(ctx context.Context, row, size int64) error { return nil }

func (c *NullCache) Invalidate(ctx context.Context, n trove.NVF) error { return nil }

func (c *NullCache) Close() error { return nil }
