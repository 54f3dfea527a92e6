// Package verification decides whether a claimed set of devices are distinct machines.
package verification

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/timing"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

// Reasons reported in Result.Reason.
const (
	ReasonSingleDevice     = "single device, no distribution to verify"
	ReasonNotEnoughDevices = "not enough registered devices"
	ReasonSynchronized     = "timing patterns too synchronized"
	ReasonTooSimilar       = "devices too similar (likely same hardware)"
	ReasonLowIPDiversity   = "; low network diversity"
	ReasonLowTimingEntropy = "; low timing entropy"
)

// DefaultSimilarityCutoff is the pair similarity above which two devices are treated as one.
const DefaultSimilarityCutoff = 0.9

const (
	penaltySynchronized = 0.4
	penaltySimilarPair  = 0.3
	penaltyIPDiversity  = 0.2
	penaltyEntropy      = 0.2

	minIPDiversity   = 0.5
	minEntropyBits   = 2.0
	minValidScore    = 0.5
	spoofingCeiling  = 0.3
	defaultCacheTTL  = 30 * time.Second
	defaultCacheSize = 1024
)

// Result is the outcome of one distribution check.
type Result struct {
	IsValid         bool        `json:"is_valid"`
	Confidence      float64     `json:"confidence"`
	Reason          string      `json:"reason"`
	SuspiciousPairs [][2]string `json:"suspicious_pairs"`
}

// Spoofing reports whether r indicates one operator posing as several devices.
func (r Result) Spoofing() bool {
	return !r.IsValid && r.Confidence < spoofingCeiling
}

// Err returns registry.ErrInsufficientRegisteredDevices when fewer than two of the
// requested devices resolved, and nil otherwise.
func (r Result) Err() error {
	if r.Reason == ReasonNotEnoughDevices {
		return registry.ErrInsufficientRegisteredDevices
	}
	return nil
}

func (r Result) clone() Result {
	if r.SuspiciousPairs != nil {
		r.SuspiciousPairs = append([][2]string(nil), r.SuspiciousPairs...)
	}
	return r
}

// Source resolves device ids against the registry. Unknown ids are skipped in the
// fingerprint list and carry revision 0.
type Source interface {
	Fingerprints(ids []string) ([]*fingerprint.Fingerprint, map[string]uint64)
	Revisions(ids []string) map[string]uint64
}

// Config tunes the engine.
type Config struct {
	SimilarityThreshold float64
	CacheSize           int // zero disables caching
	CacheTTL            time.Duration
}

// DefaultConfig returns the standard thresholds with caching enabled.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: DefaultSimilarityCutoff,
		CacheSize:           defaultCacheSize,
		CacheTTL:            defaultCacheTTL,
	}
}

type cacheEntry struct {
	result    Result
	revisions map[string]uint64
	at        time.Time
}

// Engine verifies device distribution against a Source.
type Engine struct {
	source  Source
	config  Config
	cache   *lru.Cache
	now     func() time.Time
	logger  *log.Logger
	metrics *metrics.Metrics
}

// New creates an engine. logger and m may be nil.
func New(source Source, config Config, logger *log.Logger, m *metrics.Metrics) (*Engine, error) {
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = DefaultSimilarityCutoff
	}
	if logger == nil {
		logger = log.Nop()
	}

	e := &Engine{
		source:  source,
		config:  config,
		now:     time.Now,
		logger:  logger.WithComponent("verification"),
		metrics: m,
	}

	if config.CacheSize > 0 {
		cache, err := lru.New(config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create verification cache: %w", err)
		}
		e.cache = cache
	}

	return e, nil
}

// VerifyDeviceDistribution checks whether ids belong to genuinely distinct devices.
func (e *Engine) VerifyDeviceDistribution(ids []string) Result {
	if len(ids) < 2 {
		return Result{IsValid: true, Confidence: 1.0, Reason: ReasonSingleDevice}
	}

	// Repeated ids make pair order depend on which copy came first, so they bypass the cache.
	cacheable := e.cache != nil && !hasDuplicates(ids)
	key := cacheKey(ids)
	if cacheable {
		if res, ok := e.lookup(key, ids); ok {
			return inRequestOrder(res, ids)
		}
	}

	fps, revisions := e.source.Fingerprints(ids)

	start := time.Now()
	res := e.Evaluate(len(ids), fps)
	e.metrics.ObserveVerification(res.IsValid, res.Confidence, len(res.SuspiciousPairs), time.Since(start))
	e.logger.LogVerification(len(ids), res.IsValid, res.Confidence, res.Reason, len(res.SuspiciousPairs))

	if cacheable {
		e.cache.Add(key, &cacheEntry{result: res.clone(), revisions: revisions, at: e.now()})
	}
	return res
}

// DetectSpoofing reports whether ids look like one large miner posing as several.
func (e *Engine) DetectSpoofing(ids []string) bool {
	return e.VerifyDeviceDistribution(ids).Spoofing()
}

// Purge drops every cached result.
func (e *Engine) Purge() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Engine) lookup(key string, ids []string) (Result, bool) {
	v, ok := e.cache.Get(key)
	if !ok {
		e.metrics.CacheMiss(false)
		return Result{}, false
	}
	entry := v.(*cacheEntry)

	if e.config.CacheTTL > 0 && e.now().Sub(entry.at) > e.config.CacheTTL {
		e.cache.Remove(key)
		e.metrics.CacheMiss(true)
		return Result{}, false
	}
	for id, rev := range e.source.Revisions(ids) {
		if entry.revisions[id] != rev {
			e.cache.Remove(key)
			e.metrics.CacheMiss(true)
			return Result{}, false
		}
	}

	e.metrics.CacheHit()
	return entry.result.clone(), true
}

// Evaluate scores already resolved fingerprints. requested is the number of ids asked
// about, which may exceed len(fps) when some were unknown.
func (e *Engine) Evaluate(requested int, fps []*fingerprint.Fingerprint) Result {
	if requested < 2 {
		return Result{IsValid: true, Confidence: 1.0, Reason: ReasonSingleDevice}
	}
	if len(fps) < 2 {
		return Result{IsValid: false, Confidence: 0.0, Reason: ReasonNotEnoughDevices}
	}

	res := Result{IsValid: true, Confidence: 1.0}

	if timing.IsSynchronized(fps) {
		res.IsValid = false
		res.Confidence -= penaltySynchronized
		res.Reason = ReasonSynchronized
	}

	for i := range fps {
		for j := i + 1; j < len(fps); j++ {
			if fingerprint.Similarity(fps[i], fps[j]) > e.config.SimilarityThreshold {
				res.IsValid = false
				res.Confidence -= penaltySimilarPair
				res.SuspiciousPairs = append(res.SuspiciousPairs, [2]string{fps[i].DeviceID, fps[j].DeviceID})
				res.Reason = ReasonTooSimilar
			}
		}
	}

	ips := make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		ips[fp.IPAddress] = struct{}{}
	}
	if float64(len(ips))/float64(len(fps)) < minIPDiversity {
		res.deduct(penaltyIPDiversity, ReasonLowIPDiversity)
	}

	if timing.Entropy(timing.Pooled(fps)) < minEntropyBits {
		res.deduct(penaltyEntropy, ReasonLowTimingEntropy)
	}

	res.Confidence = math.Max(0, math.Min(1, res.Confidence))
	return res
}

func (r *Result) deduct(penalty float64, suffix string) {
	r.Confidence -= penalty
	if r.Confidence < minValidScore {
		r.IsValid = false
	}
	r.Reason += suffix
}

func cacheKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x1f")
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

// inRequestOrder rewrites a cached result's pairs into the order an evaluation of ids would
// have produced: each pair earlier member first, pairs sorted by position. ids must be unique.
func inRequestOrder(res Result, ids []string) Result {
	if len(res.SuspiciousPairs) == 0 {
		return res
	}
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	for k, p := range res.SuspiciousPairs {
		if pos[p[0]] > pos[p[1]] {
			res.SuspiciousPairs[k] = [2]string{p[1], p[0]}
		}
	}
	slices.SortFunc(res.SuspiciousPairs, func(a, b [2]string) int {
		if c := cmp.Compare(pos[a[0]], pos[b[0]]); c != 0 {
			return c
		}
		return cmp.Compare(pos[a[1]], pos[b[1]])
	})
	return res
}
