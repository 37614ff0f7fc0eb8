// Package entities maintains the process-wide table of known addresses:
// DEX programs, bridges, lending markets, mixers, and sanctioned hubs.
// The curated set lives in memory; everything else is read through an
// expiring LRU backed by Postgres.
package entities

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

const (
	cacheSize = 4096
	cacheTTL  = 30 * time.Minute
)

// curatedKinds are loaded wholesale at bootstrap; observed wallets stay
// behind the LRU.
var curatedKinds = []string{
	models.EntityKindDEX,
	models.EntityKindBridge,
	models.EntityKindLending,
	models.EntityKindMixer,
	models.EntityKindSanctioned,
	models.EntityKindPool,
}

// Store is the persistence surface the registry needs.
type Store interface {
	GetEntity(ctx context.Context, address string) (*models.Entity, error)
	UpsertEntity(ctx context.Context, entity *models.Entity) error
	ListEntities(ctx context.Context, kinds []string) ([]models.Entity, error)
}

// Registry resolves addresses to entities. Safe for concurrent use.
type Registry struct {
	store Store // nil when persistence is degraded

	mu    sync.RWMutex
	local map[string]*models.Entity

	cache *expirable.LRU[string, *models.Entity]
}

func NewRegistry(store Store) *Registry {
	r := &Registry{
		store: store,
		local: make(map[string]*models.Entity),
		cache: expirable.NewLRU[string, *models.Entity](cacheSize, nil, cacheTTL),
	}
	for _, seed := range builtinSeeds() {
		e := seed
		r.local[e.Address] = &e
	}
	return r
}

// Bootstrap pushes the builtin seed table into the store and pulls the
// curated rows back into memory, so ops-appended entries survive
// restarts. Degrades to the builtin table without a store.
func (r *Registry) Bootstrap(ctx context.Context) {
	if r.store == nil {
		log.Printf("[Entities] no store attached, running from %d builtin entries", r.Size())
		return
	}

	r.mu.RLock()
	seeds := make([]*models.Entity, 0, len(r.local))
	for _, e := range r.local {
		seeds = append(seeds, e)
	}
	r.mu.RUnlock()

	for _, e := range seeds {
		if err := r.store.UpsertEntity(ctx, e); err != nil {
			log.Printf("[Entities] seed %s: %v", e.Address, err)
		}
	}

	rows, err := r.store.ListEntities(ctx, curatedKinds)
	if err != nil {
		log.Printf("[Entities] loading curated entities: %v", err)
		return
	}
	r.mu.Lock()
	for i := range rows {
		e := rows[i]
		r.local[e.Address] = &e
	}
	size := len(r.local)
	r.mu.Unlock()
	log.Printf("[Entities] registry ready with %d entries", size)
}

// Lookup resolves an address. Curated entries answer from memory, the
// rest read through the LRU to the store; unknown addresses resolve to
// nil and the miss is cached.
func (r *Registry) Lookup(ctx context.Context, address string) *models.Entity {
	if address == "" {
		return nil
	}

	r.mu.RLock()
	e, ok := r.local[address]
	r.mu.RUnlock()
	if ok {
		return e
	}

	if cached, ok := r.cache.Get(address); ok {
		return cached
	}
	if r.store == nil {
		return nil
	}

	e, err := r.store.GetEntity(ctx, address)
	if err != nil {
		log.Printf("[Entities] lookup %s: %v", address, err)
		return nil
	}
	r.cache.Add(address, e)
	return e
}

// Upsert writes a curated entry and keeps the in-memory table current.
// Used by the admin surface; risk-observed wallets go through the store
// directly and only invalidate here.
func (r *Registry) Upsert(ctx context.Context, entity models.Entity) error {
	if entity.RiskLevel == "" {
		entity.RiskLevel = models.RiskLevelForScore(entity.RiskScore)
	}
	if r.store != nil {
		if err := r.store.UpsertEntity(ctx, &entity); err != nil {
			return err
		}
	}
	r.cache.Remove(entity.Address)
	r.mu.Lock()
	r.local[entity.Address] = &entity
	r.mu.Unlock()
	return nil
}

// Invalidate drops an address from the read-through cache after an
// out-of-band entity write.
func (r *Registry) Invalidate(address string) {
	r.cache.Remove(address)
}

// Size reports the curated table size.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}

// VenueName satisfies the classifier's venue lookup: known DEX programs
// answer with their display name. Memory only, never blocks.
func (r *Registry) VenueName(programID string) (string, bool) {
	r.mu.RLock()
	e, ok := r.local[programID]
	r.mu.RUnlock()
	if !ok || e.EntityKind != models.EntityKindDEX {
		return "", false
	}
	return e.Name, true
}

// KindOf reports the entity kind and name for an address, empty when
// unknown.
func (r *Registry) KindOf(ctx context.Context, address string) (kind, name string) {
	e := r.Lookup(ctx, address)
	if e == nil {
		return "", ""
	}
	return e.EntityKind, e.Name
}

// IsDEX reports whether the address is a known DEX/AMM program.
func (r *Registry) IsDEX(ctx context.Context, address string) bool {
	e := r.Lookup(ctx, address)
	return e != nil && e.EntityKind == models.EntityKindDEX
}

// IsMixer reports whether the address is a known mixer.
func (r *Registry) IsMixer(ctx context.Context, address string) bool {
	e := r.Lookup(ctx, address)
	return e != nil && e.EntityKind == models.EntityKindMixer
}

// IsSanctioned reports whether the address is on the sanction set.
func (r *Registry) IsSanctioned(ctx context.Context, address string) bool {
	e := r.Lookup(ctx, address)
	return e != nil && e.EntityKind == models.EntityKindSanctioned
}
