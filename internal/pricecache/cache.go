// Package pricecache resolves reference prices for evaluation instants from
// per-asset CSV time series, through a bucketed in-memory index that is
// rebuilt lazily whenever the backing file changes on disk.
package pricecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prediction-monitor/internal/codec"
)

const (
	// DefaultGranularity is the bucket width used to key the index.
	DefaultGranularity = 5 * time.Minute
	// DefaultTolerance bounds how far a nearest-bucket match may sit from
	// the requested instant.
	DefaultTolerance = 5 * time.Minute
)

// Options parameterise the cache.
type Options struct {
	// Dir holds the reference price CSV files.
	Dir string
	// Files maps an asset key to its primary file name.
	Files map[string]string
	// FallbackFiles maps an asset key to an alternative file name tried
	// when the primary is missing.
	FallbackFiles map[string]string
	// Aliases maps source-schema asset names onto price file asset keys
	// (e.g. tao_bittensor -> tao).
	Aliases map[string]string

	Granularity time.Duration
	Tolerance   time.Duration
}

// Cache is a per-asset ordered time index of reference values with
// mtime-based invalidation and nearest-bucket lookup.
type Cache struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	indices map[string]*index
}

// index is an immutable snapshot of one asset's price file. Rebuilds swap
// the whole value; resolvers never observe a partially populated index.
type index struct {
	mtime   time.Time
	buckets map[int64]float64
	keys    []int64 // sorted bucket starts, unix seconds
}

// New constructs a Cache. Zero granularity or tolerance fall back to the
// 5-minute defaults.
func New(opts Options, logger zerolog.Logger) *Cache {
	if opts.Granularity <= 0 {
		opts.Granularity = DefaultGranularity
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &Cache{
		opts:    opts,
		logger:  logger.With().Str("component", "price_cache").Logger(),
		indices: make(map[string]*index),
	}
}

// Normalize maps a source-schema asset name onto its price file asset key.
func (c *Cache) Normalize(asset string) string {
	key := strings.ToLower(strings.TrimSpace(asset))
	if alias, ok := c.opts.Aliases[key]; ok {
		return alias
	}
	return key
}

// Resolve returns the reference value closest to the requested instant,
// or absent when no indexed bucket lies within the tolerance window.
func (c *Cache) Resolve(asset string, at time.Time) (float64, bool) {
	idx := c.currentIndex(c.Normalize(asset))
	if idx == nil {
		return 0, false
	}
	return idx.lookup(at, c.opts.Granularity, c.opts.Tolerance)
}

// ResolveBatch applies the per-instant resolution rule to every input and
// returns an entry for each, nil meaning absent.
func (c *Cache) ResolveBatch(asset string, instants []time.Time) map[time.Time]*float64 {
	result := make(map[time.Time]*float64, len(instants))
	if len(instants) == 0 {
		return result
	}

	idx := c.currentIndex(c.Normalize(asset))
	for _, at := range instants {
		if idx == nil {
			result[at] = nil
			continue
		}
		if v, ok := idx.lookup(at, c.opts.Granularity, c.opts.Tolerance); ok {
			price := v
			result[at] = &price
		} else {
			result[at] = nil
		}
	}
	return result
}

// Load builds (or refreshes) the index for one asset and returns the number
// of indexed buckets.
func (c *Cache) Load(asset string) int {
	idx := c.currentIndex(c.Normalize(asset))
	if idx == nil {
		return 0
	}
	return len(idx.buckets)
}

// LoadAll warms every configured asset and returns bucket counts per asset.
func (c *Cache) LoadAll() map[string]int {
	counts := make(map[string]int, len(c.opts.Files))
	for asset := range c.opts.Files {
		counts[asset] = c.Load(asset)
	}
	return counts
}

// Reset drops the cached index for one asset unconditionally.
func (c *Cache) Reset(asset string) {
	key := c.Normalize(asset)
	c.mu.Lock()
	delete(c.indices, key)
	c.mu.Unlock()
	c.logger.Debug().Str("asset", key).Msg("price index dropped")
}

// ResetAll drops every cached index.
func (c *Cache) ResetAll() {
	c.mu.Lock()
	c.indices = make(map[string]*index)
	c.mu.Unlock()
	c.logger.Debug().Msg("all price indices dropped")
}

// currentIndex returns a fresh index for the asset, rebuilding when the
// backing file's mtime advanced past the cached build. A missing or
// unreadable file yields nil, which resolvers surface as absent.
func (c *Cache) currentIndex(asset string) *index {
	path, ok := c.filePath(asset)
	if !ok {
		c.logger.Warn().Str("asset", asset).Msg("unknown asset, no price file configured")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		c.logger.Warn().Err(err).Str("asset", asset).Str("path", path).Msg("price file unavailable")
		return nil
	}

	c.mu.RLock()
	cached := c.indices[asset]
	c.mu.RUnlock()

	if cached != nil && !info.ModTime().After(cached.mtime) {
		return cached
	}

	if cached != nil {
		c.logger.Info().Str("asset", asset).Str("path", path).Msg("price file changed, rebuilding index")
	}

	rebuilt, err := buildIndex(path, info.ModTime(), c.opts.Granularity)
	if err != nil {
		c.logger.Error().Err(err).Str("asset", asset).Str("path", path).Msg("failed to build price index")
		return nil
	}

	c.mu.Lock()
	c.indices[asset] = rebuilt
	c.mu.Unlock()

	c.logger.Info().Str("asset", asset).Int("buckets", len(rebuilt.buckets)).Msg("price index built")
	return rebuilt
}

func (c *Cache) filePath(asset string) (string, bool) {
	name, ok := c.opts.Files[asset]
	if !ok {
		return "", false
	}
	primary := filepath.Join(c.opts.Dir, name)
	if _, err := os.Stat(primary); err == nil {
		return primary, true
	}
	if fallback, ok := c.opts.FallbackFiles[asset]; ok {
		return filepath.Join(c.opts.Dir, fallback), true
	}
	return primary, true
}

// buildIndex reads the whole price file and maps each bucket start to a
// close value. When several raw points land in the same bucket the last one
// processed wins; this matches the upstream loader and is intentional.
func buildIndex(path string, mtime time.Time, granularity time.Duration) (*index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	table := codec.Decode(string(raw))
	hasClose := false
	for _, col := range table.Columns {
		if col == "close" {
			hasClose = true
			break
		}
	}
	if !hasClose {
		return nil, fmt.Errorf("price file %s has no close column", path)
	}

	idx := &index{
		mtime:   mtime,
		buckets: make(map[int64]float64, len(table.Rows)),
	}
	for _, row := range table.Rows {
		if !row.HasTime {
			continue
		}
		closeVal, ok := row.Value("close")
		if !ok {
			continue
		}
		bucket := row.ObservedAt.Truncate(granularity).Unix()
		if _, exists := idx.buckets[bucket]; !exists {
			idx.keys = append(idx.keys, bucket)
		}
		idx.buckets[bucket] = closeVal
	}
	sort.Slice(idx.keys, func(i, j int) bool { return idx.keys[i] < idx.keys[j] })

	return idx, nil
}

// lookup buckets the instant down to the granularity boundary, tries an
// exact hit, then the nearest indexed bucket within the tolerance window.
func (idx *index) lookup(at time.Time, granularity, tolerance time.Duration) (float64, bool) {
	bucket := at.UTC().Truncate(granularity).Unix()

	if v, ok := idx.buckets[bucket]; ok {
		return v, true
	}
	if len(idx.keys) == 0 {
		return 0, false
	}

	// Nearest indexed bucket by absolute distance.
	pos := sort.Search(len(idx.keys), func(i int) bool { return idx.keys[i] >= bucket })
	best := int64(-1)
	bestDist := int64(1<<62 - 1)
	for _, cand := range neighborCandidates(idx.keys, pos) {
		dist := cand - bucket
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = cand
		}
	}

	if best < 0 || bestDist > int64(tolerance/time.Second) {
		return 0, false
	}
	return idx.buckets[best], true
}

func neighborCandidates(keys []int64, pos int) []int64 {
	var cands []int64
	if pos < len(keys) {
		cands = append(cands, keys[pos])
	}
	if pos > 0 {
		cands = append(cands, keys[pos-1])
	}
	return cands
}
