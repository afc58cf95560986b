package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	aiclient "github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/memory"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/profile"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"
)

type fakePipelineStore struct {
	mu        sync.Mutex
	nodes     map[string]*common.GraphNode
	edges     []*common.GraphEdge
	units     map[string]common.TextUnit
	flags     map[string]common.ProcessingFlags
	memories  []*common.MemoryRecord
	summaries map[string]*common.MemoryRecord
	profiles  map[string]*common.UserProfile
	nextID    int
}

func newFakePipelineStore() *fakePipelineStore {
	return &fakePipelineStore{
		nodes:     map[string]*common.GraphNode{},
		units:     map[string]common.TextUnit{},
		flags:     map[string]common.ProcessingFlags{},
		summaries: map[string]*common.MemoryRecord{},
		profiles:  map[string]*common.UserProfile{},
	}
}

func nodeKey(name, nodeType string, scope common.Scope, ownerID string) string {
	return strings.ToLower(name) + "|" + nodeType + "|" + string(scope) + "|" + ownerID
}

func (s *fakePipelineStore) genID() string {
	s.nextID++
	return fmt.Sprintf("id-%d", s.nextID)
}

func (s *fakePipelineStore) FindNode(_ context.Context, name, nodeType string, scope common.Scope, ownerID string) (*common.GraphNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeKey(name, nodeType, scope, ownerID)]; ok {
		return n, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakePipelineStore) CreateNode(_ context.Context, node *common.GraphNode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nodeKey(node.Name, node.Type, node.Scope, node.OwnerID)
	if existing, ok := s.nodes[key]; ok {
		return existing.UUID, nil
	}
	cp := *node
	cp.UUID = s.genID()
	s.nodes[key] = &cp
	return cp.UUID, nil
}

func (s *fakePipelineStore) FindOpenEdges(_ context.Context, sourceName, targetName, relType string, scope common.Scope, ownerID string) ([]common.GraphEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUUID := map[string]*common.GraphNode{}
	for _, n := range s.nodes {
		byUUID[n.UUID] = n
	}
	var out []common.GraphEdge
	for _, e := range s.edges {
		if e.ValidTo != nil || e.Type != relType || e.Scope != scope || e.OwnerID != ownerID {
			continue
		}
		src, dst := byUUID[e.SourceUUID], byUUID[e.TargetUUID]
		if src == nil || dst == nil {
			continue
		}
		if strings.EqualFold(src.Name, sourceName) && strings.EqualFold(dst.Name, targetName) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakePipelineStore) CreateEdge(_ context.Context, edge *common.GraphEdge) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *edge
	cp.UUID = s.genID()
	s.edges = append(s.edges, &cp)
	return cp.UUID, nil
}

func (s *fakePipelineStore) SetEdgeValidTo(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		if e.UUID == uuid && e.ValidTo == nil {
			now := time.Now()
			e.ValidTo = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakePipelineStore) DeleteEdge(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.edges {
		if e.UUID == uuid {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakePipelineStore) SearchNodes(_ context.Context, query, ownerID, twinOwnerID string, _ int) ([]common.GraphNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.GraphNode
	for _, n := range s.nodes {
		if !strings.Contains(strings.ToLower(n.Name), strings.ToLower(query)) {
			continue
		}
		switch n.Scope {
		case common.ScopeGlobal:
			out = append(out, *n)
		case common.ScopeUser:
			if n.OwnerID == ownerID {
				out = append(out, *n)
			}
		case common.ScopeTwin:
			if twinOwnerID != "" {
				out = append(out, *n)
			}
		}
	}
	return out, nil
}

func (s *fakePipelineStore) AddMemory(_ context.Context, record *common.MemoryRecord, _ []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	if cp.ID == "" {
		cp.ID = s.genID()
	}
	s.memories = append(s.memories, &cp)
	return cp.ID, nil
}

func (s *fakePipelineStore) SearchMemory(_ context.Context, _ []float32, ownerID string, scope common.Scope, _ int) ([]common.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.MemoryRecord
	for _, m := range s.memories {
		if m.OwnerID == ownerID && m.Scope == scope {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakePipelineStore) GetConversationSummary(_ context.Context, conversationID string) (*common.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.summaries[conversationID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakePipelineStore) UpsertConversationSummary(_ context.Context, conversationID string, record *common.MemoryRecord, _ []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	if cp.ID == "" {
		cp.ID = s.genID()
	}
	s.summaries[conversationID] = &cp
	return cp.ID, nil
}

func (s *fakePipelineStore) PurgeExpired(_ context.Context) (int64, error) { return 0, nil }

func (s *fakePipelineStore) GetProfile(_ context.Context, ownerID string) (*common.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[ownerID], nil
}

func (s *fakePipelineStore) SaveProfile(_ context.Context, p *common.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.OwnerID] = p
	return nil
}

func (s *fakePipelineStore) SaveUnit(_ context.Context, unit common.TextUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[unit.ID]; ok {
		return nil
	}
	s.units[unit.ID] = unit
	s.flags[unit.ID] = common.ProcessingFlags{}
	return nil
}

func (s *fakePipelineStore) GetUnit(_ context.Context, unitID string) (*common.TextUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[unitID]; ok {
		cp := u
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakePipelineStore) GetFlags(_ context.Context, unitID string) (common.ProcessingFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flags[unitID]; ok {
		return f, nil
	}
	return common.ProcessingFlags{}, store.ErrNotFound
}

func (s *fakePipelineStore) MarkProcessed(_ context.Context, unitID string, flag store.ProcessingStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.flags[unitID]
	switch flag {
	case store.StageMemory:
		f.ProcessedInMemory = true
	case store.StageSummary:
		f.ProcessedInSummary = true
	case store.StageGraph:
		f.ProcessedInGraph = true
	}
	s.flags[unitID] = f
	return nil
}

func (s *fakePipelineStore) MarkSummarized(_ context.Context, unitIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range unitIDs {
		f := s.flags[id]
		f.ProcessedInSummary = true
		s.flags[id] = f
	}
	return nil
}

func (s *fakePipelineStore) CountUnsummarized(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, u := range s.units {
		if u.ConversationID == conversationID && !s.flags[id].ProcessedInSummary {
			count++
		}
	}
	return count, nil
}

func (s *fakePipelineStore) GetUnsummarized(_ context.Context, conversationID string) ([]common.TextUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.TextUnit
	for id, u := range s.units {
		if u.ConversationID == conversationID && !s.flags[id].ProcessedInSummary {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakePipelineProvider struct {
	mu             sync.Mutex
	extractPayload string
	traitPayload   string
	extractErr     error
	extractCalls   int
	traitCalls     int
}

func (f *fakePipelineProvider) GenerateCompletion(_ context.Context, prompt string, _ ...aiclient.GenerateOption) (string, error) {
	return "summary: " + prompt, nil
}

func (f *fakePipelineProvider) GenerateCompletionWithFormat(_ context.Context, name, _, _ string, out any, _ ...aiclient.GenerateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch name {
	case "extract_entities_and_relationships":
		f.extractCalls++
		if f.extractErr != nil {
			return f.extractErr
		}
		return json.Unmarshal([]byte(f.extractPayload), out)
	case "extract_user_traits":
		f.traitCalls++
		payload := f.traitPayload
		if payload == "" {
			payload = `{"traits": []}`
		}
		return json.Unmarshal([]byte(payload), out)
	}
	return fmt.Errorf("unexpected format call %q", name)
}

func (f *fakePipelineProvider) GenerateEmbedding(_ context.Context, _ []byte) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakePipelineProvider) ResetMetrics() {}

func (f *fakePipelineProvider) GetMetrics() aiclient.ModelMetrics { return aiclient.ModelMetrics{} }

type passthroughPipelineLocker struct{}

func (passthroughPipelineLocker) WithLease(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestPipeline(t *testing.T, fakeStore *fakePipelineStore, provider *fakePipelineProvider) *PipelineClient {
	t.Helper()
	cfg := common.DefaultPipelineConfig()
	cfg.MaxRetries = 1
	cfg.ParallelUnits = 1

	merger, err := profile.NewMerger(profile.NewMergerParams{
		Store:  fakeStore,
		Locker: passthroughPipelineLocker{},
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("NewMerger() error = %v", err)
	}
	manager, err := memory.NewManager(memory.NewManagerParams{
		Store:    fakeStore,
		Provider: provider,
		Locker:   passthroughPipelineLocker{},
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	client, err := NewPipelineClient(NewPipelineClientParams{
		Provider: provider,
		Storage:  fakeStore,
		Merger:   merger,
		Memory:   manager,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("NewPipelineClient() error = %v", err)
	}
	return client
}

const aliceExtract = `{
	"entities": [
		{"text": "Alice", "type": "PERSON", "confidence": 0.95},
		{"text": "Acme Corp", "type": "ORGANIZATION", "confidence": 0.9}
	],
	"relationships": [
		{"source_text": "Alice", "target_text": "Acme Corp", "relation_type": "WORKS_AT",
		 "fact": "Alice works at Acme Corp", "confidence": 0.9}
	]
}`

const chiliTraits = `{
	"traits": [
		{"type": "preference", "name": "spicy food", "category": "food",
		 "confidence": 0.9, "evidence": "ordered extra chili"}
	]
}`

func testUnit(id string) common.TextUnit {
	return common.TextUnit{
		ID:             id,
		Text:           "Alice works at Acme Corp and ordered extra chili.",
		SourceType:     common.SourceChat,
		OwnerID:        "user-1",
		Scope:          common.ScopeUser,
		ConversationID: "conv-1",
		AuthoredByUser: true,
		Timestamp:      time.Now(),
	}
}

func TestProcessUnitFullRun(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractPayload: aliceExtract, traitPayload: chiliTraits}
	client := newTestPipeline(t, fakeStore, provider)

	result, err := client.ProcessUnit(context.Background(), testUnit("unit-1"))
	if err != nil {
		t.Fatalf("ProcessUnit() error = %v", err)
	}

	if result.EntitiesCreated != 2 {
		t.Errorf("EntitiesCreated = %d, want 2", result.EntitiesCreated)
	}
	if result.RelationshipsCreated != 1 {
		t.Errorf("RelationshipsCreated = %d, want 1", result.RelationshipsCreated)
	}
	if result.TraitsApplied != 1 {
		t.Errorf("TraitsApplied = %d, want 1", result.TraitsApplied)
	}

	if len(fakeStore.nodes) != 2 {
		t.Errorf("store has %d nodes, want 2", len(fakeStore.nodes))
	}
	for _, n := range fakeStore.nodes {
		if n.Scope != common.ScopeUser || n.OwnerID != "user-1" {
			t.Errorf("node %q has scope %s owner %s", n.Name, n.Scope, n.OwnerID)
		}
	}
	if len(fakeStore.edges) != 1 {
		t.Fatalf("store has %d edges, want 1", len(fakeStore.edges))
	}
	edge := fakeStore.edges[0]
	if edge.ValidTo != nil {
		t.Error("new edge should have open validity")
	}
	if edge.Type != "WORKS_AT" || edge.Fact != "Alice works at Acme Corp" {
		t.Errorf("unexpected edge %+v", edge)
	}

	if len(fakeStore.memories) != 1 {
		t.Fatalf("store has %d raw memories, want 1", len(fakeStore.memories))
	}
	if fakeStore.memories[0].Tier != common.TierRaw || fakeStore.memories[0].TTL <= 0 {
		t.Errorf("raw memory not TTL-bound: %+v", fakeStore.memories[0])
	}

	prof := fakeStore.profiles["user-1"]
	if prof == nil {
		t.Fatal("profile was not saved")
	}
	if _, ok := prof.Preferences["food"]["spicy food"]; !ok {
		t.Errorf("preference missing from profile: %+v", prof.Preferences)
	}

	flags := fakeStore.flags["unit-1"]
	if !flags.ProcessedInGraph || !flags.ProcessedInMemory {
		t.Errorf("flags = %+v, want graph and memory set", flags)
	}
}

func TestProcessUnitIsIdempotent(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractPayload: aliceExtract, traitPayload: chiliTraits}
	client := newTestPipeline(t, fakeStore, provider)

	unit := testUnit("unit-1")
	if _, err := client.ProcessUnit(context.Background(), unit); err != nil {
		t.Fatalf("first ProcessUnit() error = %v", err)
	}
	second, err := client.ProcessUnit(context.Background(), unit)
	if err != nil {
		t.Fatalf("second ProcessUnit() error = %v", err)
	}

	if second.EntitiesCreated != 0 || second.RelationshipsCreated != 0 || second.TraitsApplied != 0 {
		t.Errorf("replay result = %+v, want all zero", second)
	}
	if provider.extractCalls != 1 {
		t.Errorf("extraction called %d times, want 1", provider.extractCalls)
	}
	if len(fakeStore.nodes) != 2 || len(fakeStore.edges) != 1 || len(fakeStore.memories) != 1 {
		t.Errorf("replay changed stored rows: %d nodes, %d edges, %d memories",
			len(fakeStore.nodes), len(fakeStore.edges), len(fakeStore.memories))
	}
}

func TestProcessUnitExtractionFailureLeavesUnitRetryable(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractErr: errors.New("model unavailable")}
	client := newTestPipeline(t, fakeStore, provider)

	_, err := client.ProcessUnit(context.Background(), testUnit("unit-1"))
	if err == nil {
		t.Fatal("ProcessUnit() should fail when extraction fails")
	}

	flags := fakeStore.flags["unit-1"]
	if flags.ProcessedInGraph || flags.ProcessedInMemory {
		t.Errorf("flags = %+v, want none set after extraction failure", flags)
	}
	if len(fakeStore.nodes) != 0 || len(fakeStore.edges) != 0 {
		t.Error("nothing should be committed when extraction fails")
	}

	// The unit was saved, so a later redelivery picks it up from scratch.
	provider.extractErr = nil
	provider.extractPayload = aliceExtract
	result, err := client.ProcessUnit(context.Background(), testUnit("unit-1"))
	if err != nil {
		t.Fatalf("retry ProcessUnit() error = %v", err)
	}
	if result.EntitiesCreated != 2 {
		t.Errorf("retry EntitiesCreated = %d, want 2", result.EntitiesCreated)
	}
}

func TestProcessUnitScopeIsolation(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractPayload: aliceExtract}
	client := newTestPipeline(t, fakeStore, provider)

	first := testUnit("unit-1")
	second := testUnit("unit-2")
	second.OwnerID = "user-2"
	second.ConversationID = "conv-2"

	if _, err := client.ProcessUnit(context.Background(), first); err != nil {
		t.Fatalf("ProcessUnit() error = %v", err)
	}
	if _, err := client.ProcessUnit(context.Background(), second); err != nil {
		t.Fatalf("ProcessUnit() error = %v", err)
	}

	// Same entity names under different owners stay distinct nodes.
	if len(fakeStore.nodes) != 4 {
		t.Errorf("store has %d nodes, want 4", len(fakeStore.nodes))
	}
}

func TestProcessUnitsAggregates(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractPayload: aliceExtract, traitPayload: chiliTraits}
	client := newTestPipeline(t, fakeStore, provider)

	units := []common.TextUnit{testUnit("unit-1"), testUnit("unit-1")}
	units[1].ID = "unit-2"

	result, err := client.ProcessUnits(context.Background(), units)
	if err != nil {
		t.Fatalf("ProcessUnits() error = %v", err)
	}

	// Both units mention the same entities; only the first unit's
	// upserts write new nodes, and only those are counted.
	if result.EntitiesCreated != 2 {
		t.Errorf("EntitiesCreated = %d, want 2", result.EntitiesCreated)
	}
	if len(fakeStore.nodes) != 2 {
		t.Errorf("store has %d nodes, want 2", len(fakeStore.nodes))
	}
}

func TestProcessUnitReMentionCountsNoEntities(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractPayload: aliceExtract}
	client := newTestPipeline(t, fakeStore, provider)

	first := testUnit("unit-1")
	if _, err := client.ProcessUnit(context.Background(), first); err != nil {
		t.Fatalf("ProcessUnit() error = %v", err)
	}

	second := testUnit("unit-2")
	result, err := client.ProcessUnit(context.Background(), second)
	if err != nil {
		t.Fatalf("ProcessUnit() error = %v", err)
	}
	if result.EntitiesCreated != 0 {
		t.Errorf("EntitiesCreated = %d, want 0 for re-mentioned entities", result.EntitiesCreated)
	}
	if len(fakeStore.nodes) != 2 {
		t.Errorf("store has %d nodes, want 2", len(fakeStore.nodes))
	}
}

func TestProcessUnitGlobalScopeWithoutOwner(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractPayload: aliceExtract, traitPayload: chiliTraits}
	client := newTestPipeline(t, fakeStore, provider)

	unit := testUnit("unit-1")
	unit.OwnerID = ""
	unit.Scope = common.ScopeGlobal

	result, err := client.ProcessUnit(context.Background(), unit)
	if err != nil {
		t.Fatalf("ProcessUnit() error = %v", err)
	}
	if result.EntitiesCreated != 2 {
		t.Errorf("EntitiesCreated = %d, want 2", result.EntitiesCreated)
	}
	for _, n := range fakeStore.nodes {
		if n.Scope != common.ScopeGlobal || n.OwnerID != "" {
			t.Errorf("node %q has scope %s owner %q, want global and empty", n.Name, n.Scope, n.OwnerID)
		}
	}

	// No owner means no profile to attribute traits to.
	if provider.traitCalls != 0 {
		t.Errorf("trait extraction called %d times, want 0", provider.traitCalls)
	}
	if len(fakeStore.profiles) != 0 {
		t.Errorf("profiles written: %d, want 0", len(fakeStore.profiles))
	}
}

func TestProcessUnitRejectsInvalidInput(t *testing.T) {
	fakeStore := newFakePipelineStore()
	provider := &fakePipelineProvider{extractPayload: aliceExtract}
	client := newTestPipeline(t, fakeStore, provider)

	if _, err := client.ProcessUnit(context.Background(), common.TextUnit{ID: "x"}); err == nil {
		t.Error("ProcessUnit() should reject a unit without text")
	}
	unit := testUnit("unit-1")
	unit.OwnerID = ""
	if _, err := client.ProcessUnit(context.Background(), unit); err == nil {
		t.Error("ProcessUnit() should reject a user-scoped unit without owner")
	}
}
