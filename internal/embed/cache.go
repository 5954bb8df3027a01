package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// DefaultCacheTTL is how long an entry survives without being read.
const DefaultCacheTTL = 7 * 24 * time.Hour

const cacheExt = ".vec"

// ClearGuard makes the eviction pass run at most once per process. Share one
// guard between every Cache in the process.
type ClearGuard struct {
	done atomic.Bool
}

// Claim returns true for exactly one caller.
func (g *ClearGuard) Claim() bool {
	return g.done.CompareAndSwap(false, true)
}

// Cleared reports whether the pass has been claimed.
func (g *ClearGuard) Cleared() bool {
	return g.done.Load()
}

// Cache is a content-addressed vector cache. Entries live on disk as
// <dir>/<sha256>.vec files whose modification time is the last access time;
// a go-cache memory tier sits in front of the files.
type Cache struct {
	dir    string
	ttl    time.Duration
	mem    *gocache.Cache
	guard  *ClearGuard
	now    func() time.Time
	logger *zap.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides DefaultCacheTTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock injects the time source used for access times.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithCacheLogger sets the logger for eviction reports.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// NewCache opens (creating if needed) the cache directory. A nil guard gets a
// private one, which limits eviction to once per Cache instead of once per process.
func NewCache(dir string, guard *ClearGuard, opts ...CacheOption) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	if guard == nil {
		guard = &ClearGuard{}
	}
	c := &Cache{
		dir:    dir,
		ttl:    DefaultCacheTTL,
		guard:  guard,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mem = gocache.New(c.ttl, time.Hour)
	return c, nil
}

// Key hashes (supplier, model, text) into the cache key.
func Key(supplier, model, text string) string {
	h := sha256.New()
	h.Write([]byte(supplier))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+cacheExt)
}

// Get returns a copy of the cached vector and refreshes its access time.
func (c *Cache) Get(supplier, model, text string) ([]float32, bool) {
	key := Key(supplier, model, text)
	path := c.path(key)

	if v, ok := c.mem.Get(key); ok {
		c.touch(path)
		return cloneVector(v.([]float32)), true
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	vec := DecodeVector(data)
	c.touch(path)
	c.mem.Set(key, vec, gocache.DefaultExpiration)
	return cloneVector(vec), true
}

func (c *Cache) touch(path string) {
	now := c.now()
	if err := os.Chtimes(path, now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("refresh cache access time", zap.String("path", path), zap.Error(err))
	}
}

// Put stores vec. Empty vectors are skipped. The file is written to a temp
// name and renamed so readers never see a partial entry; writing the same key
// twice is harmless. The first Put in the process triggers an eviction pass.
func (c *Cache) Put(supplier, model, text string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	key := Key(supplier, model, text)

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(EncodeVector(vec)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing cache entry: %w", err)
	}
	if err := os.Rename(tmpName, c.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming cache entry: %w", err)
	}
	c.touch(c.path(key))
	c.mem.Set(key, cloneVector(vec), gocache.DefaultExpiration)

	if c.guard.Claim() {
		if n, err := c.Evict(); err != nil {
			c.logger.Warn("embedding cache eviction failed", zap.Error(err))
		} else if n > 0 {
			c.logger.Info("evicted stale embedding cache entries", zap.Int("count", n))
		}
	}
	return nil
}

// Evict removes entries whose last access is older than the TTL and returns
// how many were removed.
func (c *Cache) Evict() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("reading cache dir: %w", err)
	}
	cutoff := c.now().Add(-c.ttl)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, cacheExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("removing %s: %w", name, err)
			}
			c.mem.Delete(strings.TrimSuffix(name, cacheExt))
			removed++
		}
	}
	return removed, nil
}

// EncodeVector serializes vec as little-endian float32s.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
