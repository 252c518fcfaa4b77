package agent

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

func testSpec(name string) *Spec {
	return &Spec{
		Name:         name,
		Description:  "test agent",
		ExposeAsTool: true,
		InputFields: []InputField{
			{Name: "city", Prompt: "Which city?", Type: FieldString, Required: true},
		},
		Run: func(ctx context.Context, a *BaseAgent, instruction string) (*Result, error) {
			return &Result{Status: models.StatusCompleted, Message: "done"}, nil
		},
	}
}

func testRegistry(t *testing.T, specs ...*Spec) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			t.Fatalf("Register(%s) error = %v", s.Name, err)
		}
	}
	return r
}

func waitingAgent(spec *Spec, id string) Agent {
	a := NewBaseAgent(id, spec)
	a.SetStatus(models.StatusWaitingForInput)
	a.SeedFields(map[string]any{"city": "Lisbon"})
	return a
}

func TestAgentPool_PutGetRoundTrip(t *testing.T) {
	spec := testSpec("book_flight")
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), NewMemoryPoolBackend(), nil)
	ctx := context.Background()

	a := waitingAgent(spec, "agent-1")
	if err := pool.Put(ctx, "tenant-a", a, nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, entry, err := pool.Get(ctx, "tenant-a", "agent-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID() != "agent-1" {
		t.Errorf("agent id = %s", got.ID())
	}
	if entry.Status != models.StatusWaitingForInput {
		t.Errorf("status = %s", entry.Status)
	}
	if entry.CollectedFields["city"] != "Lisbon" {
		t.Errorf("fields = %v", entry.CollectedFields)
	}
	if entry.SchemaVersion != spec.SchemaVersion() {
		t.Errorf("schema version = %d, want %d", entry.SchemaVersion, spec.SchemaVersion())
	}
}

func TestAgentPool_GetUnknownAgent(t *testing.T) {
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t), nil, nil)
	if _, _, err := pool.Get(context.Background(), "tenant-a", "nope"); err != ErrNotInPool {
		t.Errorf("err = %v, want ErrNotInPool", err)
	}
}

func TestAgentPool_TerminalAgentNeverPooled(t *testing.T) {
	spec := testSpec("book_flight")
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	a := NewBaseAgent("agent-1", spec)
	a.SetStatus(models.StatusCompleted)
	if err := pool.Put(ctx, "tenant-a", a, nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, _, err := pool.Get(ctx, "tenant-a", "agent-1"); err != ErrNotInPool {
		t.Errorf("terminal agent pooled, err = %v", err)
	}
}

func TestAgentPool_TTLExpiryIsLazy(t *testing.T) {
	spec := testSpec("book_flight")
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	now := time.Now()
	pool.now = func() time.Time { return now }

	if err := pool.Put(ctx, "tenant-a", waitingAgent(spec, "agent-1"), nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	now = now.Add(25 * time.Hour)
	if _, _, err := pool.Get(ctx, "tenant-a", "agent-1"); err != ErrNotInPool {
		t.Errorf("expired entry returned, err = %v", err)
	}
	if len(pool.List("tenant-a")) != 0 {
		t.Error("expired entry not removed on access")
	}
}

func TestAgentPool_PutResetsTTL(t *testing.T) {
	spec := testSpec("book_flight")
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	now := time.Now()
	pool.now = func() time.Time { return now }

	a := waitingAgent(spec, "agent-1")
	if err := pool.Put(ctx, "tenant-a", a, nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	now = now.Add(20 * time.Hour)
	if err := pool.Put(ctx, "tenant-a", a, nil, ""); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}

	now = now.Add(20 * time.Hour)
	if _, _, err := pool.Get(ctx, "tenant-a", "agent-1"); err != nil {
		t.Errorf("entry expired despite refresh: %v", err)
	}
}

func TestAgentPool_EvictsOldestAtCapacity(t *testing.T) {
	spec := testSpec("book_flight")
	cfg := DefaultPoolConfig()
	cfg.MaxAgentsPerTenant = 2
	pool := NewAgentPool(cfg, testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := pool.Put(ctx, "tenant-a", waitingAgent(spec, id), nil, ""); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	if _, _, err := pool.Get(ctx, "tenant-a", "a1"); err != ErrNotInPool {
		t.Error("oldest entry should have been evicted")
	}
	entries := pool.List("tenant-a")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].AgentID != "a2" || entries[1].AgentID != "a3" {
		t.Errorf("entries = %s, %s", entries[0].AgentID, entries[1].AgentID)
	}
}

func TestAgentPool_SchemaChangeDiscardsEntry(t *testing.T) {
	spec := testSpec("book_flight")
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	if err := pool.Put(ctx, "tenant-a", waitingAgent(spec, "agent-1"), nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Simulate a deployment that adds a field.
	spec.InputFields = append(spec.InputFields, InputField{Name: "date", Type: FieldString, Required: true})

	if _, _, err := pool.Get(ctx, "tenant-a", "agent-1"); err != ErrNotInPool {
		t.Errorf("stale-schema entry returned, err = %v", err)
	}
}

func TestAgentPool_FindPendingReturnsOldestWaiting(t *testing.T) {
	spec := testSpec("book_flight")
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	if err := pool.Put(ctx, "tenant-a", waitingAgent(spec, "a1"), nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := pool.Put(ctx, "tenant-a", waitingAgent(spec, "a2"), nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	_, entry, ok := pool.FindPending(ctx, "tenant-a")
	if !ok {
		t.Fatal("FindPending() found nothing")
	}
	if entry.AgentID != "a1" {
		t.Errorf("pending = %s, want a1 (insertion order)", entry.AgentID)
	}

	if _, _, ok := pool.FindPending(ctx, "tenant-b"); ok {
		t.Error("FindPending() matched the wrong tenant")
	}
}

func TestAgentPool_PauseExcludesFromPendingAndResumeRestores(t *testing.T) {
	spec := testSpec("book_flight")
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	if err := pool.Put(ctx, "tenant-a", waitingAgent(spec, "a1"), nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := pool.Pause(ctx, "tenant-a", "a1"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if _, _, ok := pool.FindPending(ctx, "tenant-a"); ok {
		t.Error("paused agent must not route messages")
	}
	_, entry, err := pool.Get(ctx, "tenant-a", "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Status != models.StatusPaused || entry.PrevStatus != models.StatusWaitingForInput {
		t.Errorf("entry = status %s prev %s", entry.Status, entry.PrevStatus)
	}

	if err := pool.Resume(ctx, "tenant-a", "a1"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	_, entry, err = pool.Get(ctx, "tenant-a", "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Status != models.StatusWaitingForInput {
		t.Errorf("resumed status = %s, want waiting_for_input", entry.Status)
	}

	if err := pool.Pause(ctx, "tenant-a", "missing"); err != ErrNotInPool {
		t.Errorf("Pause(missing) = %v, want ErrNotInPool", err)
	}
}

func TestAgentPool_RestoreSkipsStaleAndExpired(t *testing.T) {
	spec := testSpec("book_flight")
	registry := testRegistry(t, spec)
	backend := NewMemoryPoolBackend()
	ctx := context.Background()

	now := time.Now()
	good := &PoolEntry{
		AgentID:         "good",
		AgentType:       "book_flight",
		TenantID:        "tenant-a",
		Status:          models.StatusWaitingForInput,
		SchemaVersion:   spec.SchemaVersion(),
		CollectedFields: map[string]any{"city": "Lisbon"},
		CreatedAt:       now,
		UpdatedAt:       now,
		TTLDeadline:     now.Add(time.Hour),
	}
	stale := &PoolEntry{
		AgentID:       "stale",
		AgentType:     "book_flight",
		TenantID:      "tenant-a",
		Status:        models.StatusWaitingForInput,
		SchemaVersion: spec.SchemaVersion() + 1,
		CreatedAt:     now,
		TTLDeadline:   now.Add(time.Hour),
	}
	expired := &PoolEntry{
		AgentID:       "expired",
		AgentType:     "book_flight",
		TenantID:      "tenant-a",
		Status:        models.StatusWaitingForInput,
		SchemaVersion: spec.SchemaVersion(),
		CreatedAt:     now.Add(-2 * time.Hour),
		TTLDeadline:   now.Add(-time.Hour),
	}
	for _, e := range []*PoolEntry{good, stale, expired} {
		if err := backend.Save(ctx, e); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	pool := NewAgentPool(DefaultPoolConfig(), registry, backend, nil)
	if err := pool.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	entries := pool.List("tenant-a")
	if len(entries) != 1 || entries[0].AgentID != "good" {
		t.Fatalf("restored = %+v, want only good", entries)
	}

	a, _, err := pool.Get(ctx, "tenant-a", "good")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.Fields()["city"] != "Lisbon" {
		t.Errorf("restored fields = %v", a.Fields())
	}
	if a.Status() != models.StatusWaitingForInput {
		t.Errorf("restored status = %s", a.Status())
	}

	// Discarded entries are also removed from the backend.
	remaining, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("backend entries = %d, want 1", len(remaining))
	}
}

func TestAgentPool_SweepRemovesIdleWaitingEntries(t *testing.T) {
	spec := testSpec("book_flight")
	cfg := DefaultPoolConfig()
	cfg.WaitingTimeout = time.Minute
	pool := NewAgentPool(cfg, testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	now := time.Now()
	pool.now = func() time.Time { return now }

	if err := pool.Put(ctx, "tenant-a", waitingAgent(spec, "a1"), nil, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	pool.Sweep(ctx)

	if len(pool.List("tenant-a")) != 0 {
		t.Error("idle waiting entry survived the sweep")
	}
}

func TestAgentPool_SweepFiresApprovalExpiry(t *testing.T) {
	spec := testSpec("send_email")
	spec.NeedsApproval = true
	pool := NewAgentPool(DefaultPoolConfig(), testRegistry(t, spec), nil, nil)
	ctx := context.Background()

	now := time.Now()
	pool.now = func() time.Time { return now }

	var expiredTask string
	pool.OnApprovalExpired(func(entry *PoolEntry) { expiredTask = entry.TaskID })

	a := NewBaseAgent("a1", spec)
	a.SetStatus(models.StatusWaitingForApproval)
	approval := &models.ApprovalRequest{
		AgentID:        "a1",
		TimeoutMinutes: 5,
		CreatedAt:      now,
	}
	if err := pool.Put(ctx, "tenant-a", a, approval, "task-9"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	now = now.Add(6 * time.Minute)
	pool.Sweep(ctx)

	if expiredTask != "task-9" {
		t.Errorf("expiry callback task = %q, want task-9", expiredTask)
	}
	if len(pool.List("tenant-a")) != 0 {
		t.Error("expired approval entry survived the sweep")
	}
}

func TestMemoryPoolBackend_CopiesEntries(t *testing.T) {
	backend := NewMemoryPoolBackend()
	ctx := context.Background()

	entry := &PoolEntry{
		AgentID:         "a1",
		TenantID:        "tenant-a",
		CollectedFields: map[string]any{"city": "Lisbon"},
	}
	if err := backend.Save(ctx, entry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	entry.CollectedFields["city"] = "Porto"

	got, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got[0].CollectedFields["city"] != "Lisbon" {
		t.Error("backend stored a live reference instead of a copy")
	}

	if err := backend.Delete(ctx, "tenant-a", "a1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ = backend.List(ctx)
	if len(got) != 0 {
		t.Errorf("entries after delete = %d", len(got))
	}
}
