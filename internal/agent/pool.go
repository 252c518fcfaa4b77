package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// PoolEntry is the serializable record of a parked agent. Round-trips
// through a backend preserve schema version, collected fields, status,
// and TTL exactly.
type PoolEntry struct {
	AgentID         string                  `json:"agent_id"`
	AgentType       string                  `json:"agent_type"`
	TenantID        string                  `json:"tenant_id"`
	Status          models.AgentStatus      `json:"status"`
	PrevStatus      models.AgentStatus      `json:"prev_status,omitempty"`
	SchemaVersion   int64                   `json:"schema_version"`
	CollectedFields map[string]any          `json:"collected_fields"`
	Approval        *models.ApprovalRequest `json:"approval,omitempty"`
	TaskID          string                  `json:"task_id,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	TTLDeadline     time.Time               `json:"ttl_deadline"`
}

// PoolBackend is the optional write-through persistence collaborator.
type PoolBackend interface {
	Save(ctx context.Context, entry *PoolEntry) error
	Delete(ctx context.Context, tenantID, agentID string) error
	List(ctx context.Context) ([]*PoolEntry, error)
}

// PoolConfig tunes the agent pool.
type PoolConfig struct {
	// TTL is how long an entry may live without an update.
	TTL time.Duration `yaml:"ttl"`

	// MaxAgentsPerTenant caps live entries per tenant; overflow evicts
	// the oldest.
	MaxAgentsPerTenant int `yaml:"max_agents_per_tenant"`

	// WaitingTimeout removes waiting entries that saw no activity,
	// independent of the TTL.
	WaitingTimeout time.Duration `yaml:"waiting_timeout"`

	// SweepPeriod is the eager cleanup tick. Capped at TTL/4.
	SweepPeriod time.Duration `yaml:"sweep_period"`
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		TTL:                24 * time.Hour,
		MaxAgentsPerTenant: 10,
		WaitingTimeout:     5 * time.Minute,
		SweepPeriod:        time.Minute,
	}
}

func (c *PoolConfig) sanitize() {
	def := DefaultPoolConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.MaxAgentsPerTenant <= 0 {
		c.MaxAgentsPerTenant = def.MaxAgentsPerTenant
	}
	if c.WaitingTimeout <= 0 {
		c.WaitingTimeout = def.WaitingTimeout
	}
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = def.SweepPeriod
	}
	if c.SweepPeriod > c.TTL/4 {
		c.SweepPeriod = c.TTL / 4
	}
}

type poolItem struct {
	agent Agent
	entry *PoolEntry
}

// AgentPool stores non-terminal agent instances keyed by
// (tenant, agent_id), with per-tenant insertion order, TTL, and a
// schema-version guard on retrieval and restore. Reads are concurrent;
// writes are serialized by the pool mutex.
type AgentPool struct {
	mu       sync.RWMutex
	cfg      PoolConfig
	registry *Registry
	backend  PoolBackend
	logger   *slog.Logger

	// tenants maps tenant id to parked items in insertion order.
	tenants map[string][]*poolItem

	// onApprovalExpired is invoked (outside the lock) when a parked
	// approval lapses without user action.
	onApprovalExpired func(entry *PoolEntry)

	now func() time.Time
}

// NewAgentPool creates a pool. backend may be nil for in-memory-only
// operation.
func NewAgentPool(cfg PoolConfig, registry *Registry, backend PoolBackend, logger *slog.Logger) *AgentPool {
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentPool{
		cfg:      cfg,
		registry: registry,
		backend:  backend,
		logger:   logger.With("component", "agent_pool"),
		tenants:  make(map[string][]*poolItem),
		now:      time.Now,
	}
}

// OnApprovalExpired installs the expiry callback. Set once at wiring
// time, before the sweeper starts.
func (p *AgentPool) OnApprovalExpired(fn func(entry *PoolEntry)) {
	p.onApprovalExpired = fn
}

// Put inserts or updates a parked agent. Idempotent on agent id;
// updating resets the TTL deadline. A cancelled context refuses the
// write so a cancelled message task never persists partial state.
func (p *AgentPool) Put(ctx context.Context, tenantID string, a Agent, approval *models.ApprovalRequest, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.Status().Terminal() {
		// Terminal agents never live in the pool.
		return p.Remove(ctx, tenantID, a.ID())
	}

	now := p.now()
	p.mu.Lock()

	items := p.tenants[tenantID]
	var entry *PoolEntry
	for _, item := range items {
		if item.entry.AgentID == a.ID() {
			entry = item.entry
			item.agent = a
			break
		}
	}
	if entry == nil {
		entry = &PoolEntry{
			AgentID:   a.ID(),
			AgentType: a.Type(),
			TenantID:  tenantID,
			CreatedAt: now,
		}
		items = append(items, &poolItem{agent: a, entry: entry})
	}

	entry.Status = a.Status()
	entry.SchemaVersion = p.registry.SchemaVersion(a.Type())
	entry.CollectedFields = copyFields(a.Fields())
	entry.UpdatedAt = now
	entry.TTLDeadline = now.Add(p.cfg.TTL)
	if approval != nil {
		entry.Approval = approval
	}
	if taskID != "" {
		entry.TaskID = taskID
	}
	if entry.Status != models.StatusWaitingForApproval {
		entry.Approval = nil
	}

	var evicted *PoolEntry
	if len(items) > p.cfg.MaxAgentsPerTenant {
		evicted = items[0].entry
		items = items[1:]
	}
	p.tenants[tenantID] = items
	p.mu.Unlock()

	if evicted != nil {
		p.logger.Warn("evicting oldest pooled agent",
			"tenant_id", tenantID,
			"agent_id", evicted.AgentID,
			"agent_type", evicted.AgentType)
		p.backendDelete(ctx, evicted.TenantID, evicted.AgentID)
	}
	return p.backendSave(ctx, entry)
}

// Get returns a parked agent. Expired and schema-stale entries are
// removed lazily and reported as absent.
func (p *AgentPool) Get(ctx context.Context, tenantID, agentID string) (Agent, *PoolEntry, error) {
	p.mu.RLock()
	item := p.find(tenantID, agentID)
	p.mu.RUnlock()
	if item == nil {
		return nil, nil, ErrNotInPool
	}

	if p.now().After(item.entry.TTLDeadline) {
		_ = p.Remove(ctx, tenantID, agentID)
		return nil, nil, ErrNotInPool
	}
	if v := p.registry.SchemaVersion(item.entry.AgentType); v != item.entry.SchemaVersion {
		p.logger.Warn("discarding pool entry with stale schema",
			"tenant_id", tenantID,
			"agent_id", agentID,
			"agent_type", item.entry.AgentType,
			"entry_version", item.entry.SchemaVersion,
			"registry_version", v)
		_ = p.Remove(ctx, tenantID, agentID)
		return nil, nil, ErrNotInPool
	}
	return item.agent, item.entry, nil
}

// FindPending returns the oldest entry waiting for input or approval.
func (p *AgentPool) FindPending(ctx context.Context, tenantID string) (Agent, *PoolEntry, bool) {
	p.mu.RLock()
	var candidate *poolItem
	for _, item := range p.tenants[tenantID] {
		if item.entry.Status.Waiting() {
			candidate = item
			break
		}
	}
	p.mu.RUnlock()

	if candidate == nil {
		return nil, nil, false
	}
	// Re-check through Get for lazy expiry and the schema guard.
	a, entry, err := p.Get(ctx, tenantID, candidate.entry.AgentID)
	if err != nil {
		return nil, nil, false
	}
	return a, entry, true
}

// Remove deletes an entry. No-op if absent.
func (p *AgentPool) Remove(ctx context.Context, tenantID, agentID string) error {
	p.mu.Lock()
	items := p.tenants[tenantID]
	found := false
	for i, item := range items {
		if item.entry.AgentID == agentID {
			p.tenants[tenantID] = append(items[:i], items[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()

	if !found {
		return nil
	}
	return p.backendDelete(ctx, tenantID, agentID)
}

// List returns the entries for a tenant in insertion order.
func (p *AgentPool) List(tenantID string) []*PoolEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entries := make([]*PoolEntry, 0, len(p.tenants[tenantID]))
	for _, item := range p.tenants[tenantID] {
		entries = append(entries, item.entry)
	}
	return entries
}

// Pause parks an agent out of message routing until resumed.
func (p *AgentPool) Pause(ctx context.Context, tenantID, agentID string) error {
	return p.setPaused(ctx, tenantID, agentID, true)
}

// Resume restores a paused agent to its previous waiting state.
func (p *AgentPool) Resume(ctx context.Context, tenantID, agentID string) error {
	return p.setPaused(ctx, tenantID, agentID, false)
}

func (p *AgentPool) setPaused(ctx context.Context, tenantID, agentID string, paused bool) error {
	p.mu.Lock()
	item := p.find(tenantID, agentID)
	if item == nil {
		p.mu.Unlock()
		return ErrNotInPool
	}
	entry := item.entry
	if paused {
		if entry.Status != models.StatusPaused {
			entry.PrevStatus = entry.Status
			entry.Status = models.StatusPaused
			item.agent.SetStatus(models.StatusPaused)
		}
	} else if entry.Status == models.StatusPaused {
		restored := entry.PrevStatus
		if restored == "" {
			restored = models.StatusWaitingForInput
		}
		entry.Status = restored
		entry.PrevStatus = ""
		item.agent.SetStatus(restored)
	}
	entry.UpdatedAt = p.now()
	entry.TTLDeadline = entry.UpdatedAt.Add(p.cfg.TTL)
	p.mu.Unlock()

	return p.backendSave(ctx, entry)
}

// Restore reloads entries from the backend at startup, discarding any
// whose schema version no longer matches the registry. Discards are
// audit-logged, never errors.
func (p *AgentPool) Restore(ctx context.Context) error {
	if p.backend == nil {
		return nil
	}
	entries, err := p.backend.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

	now := p.now()
	restored := 0
	for _, entry := range entries {
		if now.After(entry.TTLDeadline) {
			p.backendDelete(ctx, entry.TenantID, entry.AgentID)
			continue
		}
		spec, ok := p.registry.Get(entry.AgentType)
		if !ok || spec.SchemaVersion() != entry.SchemaVersion {
			p.logger.Warn("discarding persisted pool entry: schema version mismatch",
				"tenant_id", entry.TenantID,
				"agent_id", entry.AgentID,
				"agent_type", entry.AgentType,
				"entry_version", entry.SchemaVersion)
			p.backendDelete(ctx, entry.TenantID, entry.AgentID)
			continue
		}

		instance := spec.NewInstance(entry.AgentID)
		instance.SeedFields(entry.CollectedFields)
		instance.SetStatus(entry.Status)

		p.mu.Lock()
		p.tenants[entry.TenantID] = append(p.tenants[entry.TenantID], &poolItem{agent: instance, entry: entry})
		p.mu.Unlock()
		restored++
	}
	p.logger.Info("restored agent pool", "entries", restored, "scanned", len(entries))
	return nil
}

// StartSweeper runs the eager cleanup loop until ctx is done.
func (p *AgentPool) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Sweep removes expired entries: TTL lapsed, waiting entries idle past
// the waiting timeout, and approvals past their own deadline (which
// also fire the expiry callback).
func (p *AgentPool) Sweep(ctx context.Context) {
	now := p.now()

	type expired struct {
		entry    *PoolEntry
		approval bool
	}
	var victims []expired

	p.mu.Lock()
	for tenantID, items := range p.tenants {
		var kept []*poolItem
		for _, item := range items {
			entry := item.entry
			switch {
			case now.After(entry.TTLDeadline):
				victims = append(victims, expired{entry: entry})
			case entry.Approval != nil && approvalExpired(entry, now):
				victims = append(victims, expired{entry: entry, approval: true})
			case entry.Status.Waiting() && now.Sub(entry.UpdatedAt) > p.cfg.WaitingTimeout:
				victims = append(victims, expired{entry: entry})
			default:
				kept = append(kept, item)
			}
		}
		if len(kept) == 0 {
			delete(p.tenants, tenantID)
		} else {
			p.tenants[tenantID] = kept
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.logger.Info("sweeping pool entry",
			"tenant_id", v.entry.TenantID,
			"agent_id", v.entry.AgentID,
			"agent_type", v.entry.AgentType,
			"approval_expired", v.approval)
		p.backendDelete(ctx, v.entry.TenantID, v.entry.AgentID)
		if v.approval && p.onApprovalExpired != nil {
			p.onApprovalExpired(v.entry)
		}
	}
}

func approvalExpired(entry *PoolEntry, now time.Time) bool {
	timeout := time.Duration(entry.Approval.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		return false
	}
	anchor := entry.Approval.CreatedAt
	if anchor.IsZero() {
		anchor = entry.UpdatedAt
	}
	return now.Sub(anchor) > timeout
}

// find must be called with the lock held.
func (p *AgentPool) find(tenantID, agentID string) *poolItem {
	for _, item := range p.tenants[tenantID] {
		if item.entry.AgentID == agentID {
			return item
		}
	}
	return nil
}

func (p *AgentPool) backendSave(ctx context.Context, entry *PoolEntry) error {
	if p.backend == nil {
		return nil
	}
	if err := p.backend.Save(ctx, entry); err != nil {
		p.logger.Error("pool backend save failed", "agent_id", entry.AgentID, "error", err)
		return err
	}
	return nil
}

func (p *AgentPool) backendDelete(ctx context.Context, tenantID, agentID string) error {
	if p.backend == nil {
		return nil
	}
	if err := p.backend.Delete(ctx, tenantID, agentID); err != nil {
		p.logger.Error("pool backend delete failed", "agent_id", agentID, "error", err)
		return err
	}
	return nil
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// MemoryPoolBackend is an in-memory PoolBackend used in tests and as
// the default when persistence is disabled but restore semantics are
// still exercised.
type MemoryPoolBackend struct {
	mu      sync.Mutex
	entries map[string]*PoolEntry
}

// NewMemoryPoolBackend creates an empty in-memory backend.
func NewMemoryPoolBackend() *MemoryPoolBackend {
	return &MemoryPoolBackend{entries: make(map[string]*PoolEntry)}
}

func (b *MemoryPoolBackend) key(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

func (b *MemoryPoolBackend) Save(ctx context.Context, entry *PoolEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *entry
	cp.CollectedFields = copyFields(entry.CollectedFields)
	b.entries[b.key(entry.TenantID, entry.AgentID)] = &cp
	return nil
}

func (b *MemoryPoolBackend) Delete(ctx context.Context, tenantID, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, b.key(tenantID, agentID))
	return nil
}

func (b *MemoryPoolBackend) List(ctx context.Context) ([]*PoolEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]*PoolEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		cp := *entry
		cp.CollectedFields = copyFields(entry.CollectedFields)
		entries = append(entries, &cp)
	}
	return entries, nil
}
