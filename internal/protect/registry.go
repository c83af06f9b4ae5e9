package protect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// GroupStore is the durable backing for the registry. Implementations
// persist each group under a prefixed key with a per-entry TTL; the
// reference implementation lives in internal/redisstore.
type GroupStore interface {
	Save(ctx context.Context, g *Group, ttl time.Duration) error
	Delete(ctx context.Context, groupID string) error
	LoadAll(ctx context.Context) ([]*Group, error)
}

// storeTimeout bounds every durable-store call so persistence latency never
// blocks the fill-reaction path.
const storeTimeout = 2 * time.Second

// Registry owns all live protection groups. In-memory state is
// authoritative for the running process; the durable store exists purely
// for crash recovery and is written best-effort.
type Registry struct {
	mu      sync.Mutex
	groups  map[string]*Group
	byOrder map[string]string // order id -> group id

	store       GroupStore // nil when persistence is disabled
	ttl         time.Duration
	resolvedTTL time.Duration

	onStoreError func()
}

// NewRegistry creates a registry persisting through store (which may be nil
// for memory-only operation). ttl is the lifetime of an active group;
// resolvedTTL is the shortened retention after a leg fills.
func NewRegistry(store GroupStore, ttl, resolvedTTL time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if resolvedTTL <= 0 {
		resolvedTTL = time.Hour
	}
	return &Registry{
		groups:      make(map[string]*Group),
		byOrder:     make(map[string]string),
		store:       store,
		ttl:         ttl,
		resolvedTTL: resolvedTTL,
	}
}

// OnStoreError registers fn to be called after every failed durable-store
// operation. Set once at wiring time, before the registry is used.
func (r *Registry) OnStoreError(fn func()) {
	r.onStoreError = fn
}

func (r *Registry) noteStoreError() {
	if r.onStoreError != nil {
		r.onStoreError()
	}
}

// Create inserts a new group and indexes every leg order id. Store failure
// degrades OCO protection to memory-only and never fails the trade.
func (r *Registry) Create(g *Group) {
	if g.Status == "" {
		g.Status = StatusActive
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.groups[g.GroupID] = g
	r.indexLocked(g)
	r.mu.Unlock()

	r.persist(g, r.ttl)

	log.Info().
		Str("group_id", g.GroupID).
		Str("symbol", g.Symbol).
		Str("side", string(g.EntrySide)).
		Float64("entry", g.EntryPrice).
		Str("stop_order", g.StopOrderID).
		Float64("stop_price", g.StopPrice).
		Strs("tp_orders", g.TakeProfitIDs).
		Msg("protection group created")
}

func (r *Registry) indexLocked(g *Group) {
	if g.StopOrderID != "" {
		r.byOrder[g.StopOrderID] = g.GroupID
	}
	for _, id := range g.TakeProfitIDs {
		r.byOrder[id] = g.GroupID
	}
}

// FindGroupByOrder resolves the owning group id for any leg order id.
func (r *Registry) FindGroupByOrder(orderID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOrder[orderID]
	return id, ok
}

// Group returns a copy of the group, if present.
func (r *Registry) Group(groupID string) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// PeerOrderIDs returns every sibling order id in the group excluding the
// filled one, de-duplicated. These are the legs the caller must cancel.
func (r *Registry) PeerOrderIDs(groupID, filledOrderID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return nil
	}

	seen := make(map[string]struct{})
	var peers []string
	add := func(id string) {
		if id == "" || id == filledOrderID {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		peers = append(peers, id)
	}

	add(g.StopOrderID)
	for _, id := range g.TakeProfitIDs {
		add(id)
	}
	return peers
}

// MarkFilled records which leg filled and advances the group status.
// Marking an already-resolved group is an idempotent no-op.
func (r *Registry) MarkFilled(groupID, filledOrderID string) error {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		return ErrGroupNotFound
	}
	if g.Resolved() {
		r.mu.Unlock()
		log.Debug().Str("group_id", groupID).Msg("group already resolved, fill ignored")
		return nil
	}
	if !g.HasOrder(filledOrderID) {
		r.mu.Unlock()
		return ErrGroupNotFound
	}

	if filledOrderID == g.StopOrderID {
		g.Status = StatusStopFilled
	} else {
		g.Status = StatusTPFilled
	}
	g.FilledAt = time.Now().UTC()
	g.FilledOrderID = filledOrderID
	snapshot := g.clone()
	r.mu.Unlock()

	// Shortened retention after resolution aids debugging without
	// leaking store memory.
	r.persist(snapshot, r.resolvedTTL)

	log.Info().
		Str("group_id", groupID).
		Str("filled_order", filledOrderID).
		Str("status", string(snapshot.Status)).
		Msg("protection group leg filled")
	return nil
}

// ReplaceStop swaps the stop order id and price after a trailing update.
func (r *Registry) ReplaceStop(groupID, newOrderID string, newPrice float64) error {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		return ErrGroupNotFound
	}
	if g.StopOrderID != "" {
		delete(r.byOrder, g.StopOrderID)
	}
	g.StopOrderID = newOrderID
	g.StopPrice = newPrice
	r.byOrder[newOrderID] = groupID
	snapshot := g.clone()
	r.mu.Unlock()

	r.persist(snapshot, r.ttl)
	return nil
}

// Remove deletes the group from memory and the durable store. Idempotent.
func (r *Registry) Remove(groupID string) {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if ok {
		delete(r.groups, groupID)
		if g.StopOrderID != "" {
			delete(r.byOrder, g.StopOrderID)
		}
		for _, id := range g.TakeProfitIDs {
			delete(r.byOrder, id)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.store.Delete(ctx, groupID); err != nil {
			r.noteStoreError()
			log.Warn().Err(err).Str("group_id", groupID).Msg("failed to delete group from store")
		}
	}
	log.Info().Str("group_id", groupID).Msg("protection group removed")
}

// SweepExpired removes every group older than the configured TTL and
// returns the count. Expired protection is a risk event, so each removal
// is logged as a warning rather than a silent cleanup.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	var expired []string
	for id, g := range r.groups {
		if now.Sub(g.CreatedAt) > r.ttl {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		log.Warn().Str("group_id", id).Dur("ttl", r.ttl).Msg("protection group expired")
		r.Remove(id)
	}
	return len(expired)
}

// RecoverOnStartup rebuilds the in-memory index from the durable store.
// Undecodable entries are skipped and logged, never fatal.
func (r *Registry) RecoverOnStartup(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	groups, err := r.store.LoadAll(ctx)
	if err != nil {
		r.noteStoreError()
		log.Warn().Err(err).Msg("group recovery failed, starting with empty registry")
		return ErrStoreUnavailable
	}

	r.mu.Lock()
	for _, g := range groups {
		r.groups[g.GroupID] = g
		r.indexLocked(g)
	}
	r.mu.Unlock()

	if len(groups) > 0 {
		log.Info().Int("count", len(groups)).Msg("protection groups recovered from store")
	}
	return nil
}

// ActiveCount returns the number of unresolved groups.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.groups {
		if !g.Resolved() {
			n++
		}
	}
	return n
}

// Groups returns a snapshot of all tracked groups.
func (r *Registry) Groups() []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.clone())
	}
	return out
}

func (r *Registry) persist(g *Group, ttl time.Duration) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.Save(ctx, g, ttl); err != nil {
		r.noteStoreError()
		log.Warn().Err(err).Str("group_id", g.GroupID).Msg("failed to persist group, tracking in memory only")
	}
}
