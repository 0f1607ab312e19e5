package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Planner computes and caches schema plans. Planning is deterministic, so a
// plan computed once for a (schema, profile) pair is reused for the lifetime
// of the process. Safe for concurrent use.
type Planner struct {
	cache *lru.Cache[string, Plan]
}

// DefaultCacheSize bounds the number of cached plans.
const DefaultCacheSize = 256

// NewPlanner constructs a Planner with the given cache size. Size zero or
// below uses DefaultCacheSize.
func NewPlanner(cacheSize int) (*Planner, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, Plan](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("schema: create plan cache: %w", err)
	}
	return &Planner{cache: cache}, nil
}

// Plan returns the plan for the schema and profile, computing it on a cache
// miss.
func (p *Planner) Plan(responseSchema map[string]any, profile ModelProfile) (Plan, error) {
	key, err := cacheKey(responseSchema, profile)
	if err != nil {
		return Plan{}, err
	}
	if plan, ok := p.cache.Get(key); ok {
		return plan, nil
	}
	plan, err := Compute(responseSchema, profile)
	if err != nil {
		return Plan{}, err
	}
	p.cache.Add(key, plan)
	return plan, nil
}

func cacheKey(responseSchema map[string]any, profile ModelProfile) (string, error) {
	rawSchema, err := json.Marshal(responseSchema)
	if err != nil {
		return "", fmt.Errorf("schema: cache key: %w", err)
	}
	rawProfile, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("schema: cache key: %w", err)
	}
	sum := sha256.Sum256(append(rawSchema, rawProfile...))
	return hex.EncodeToString(sum[:]), nil
}
