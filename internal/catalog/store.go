package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type ChangeKind string

const (
	ProviderUpserted ChangeKind = "provider_upserted"
	ProviderDeleted  ChangeKind = "provider_deleted"
	ModelUpserted    ChangeKind = "model_upserted"
	ModelDeleted     ChangeKind = "model_deleted"
)

// Change is delivered to subscribers after the store has been updated.
// Model and Provider are snapshots.
type Change struct {
	Kind     ChangeKind
	Provider *Provider
	Model    *Model
}

// MemoryStore is the in-process configuration store. File and Postgres
// loaders fill it at startup; the router reads from it on every request.
type MemoryStore struct {
	mu          sync.RWMutex
	providers   map[string]*Provider // by id
	models      map[string]*Model    // by id
	subscribers []func(Change)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*Provider),
		models:    make(map[string]*Model),
	}
}

// Subscribe registers fn for every subsequent change. Callbacks run
// synchronously on the writer's goroutine, outside the store lock.
func (s *MemoryStore) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *MemoryStore) UpsertProvider(p *Provider) (*Provider, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if p.Type == "" {
		return nil, fmt.Errorf("provider %s: type is required", p.Name)
	}

	s.mu.Lock()
	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	for id, existing := range s.providers {
		if existing.Name == stored.Name && id != stored.ID {
			s.mu.Unlock()
			return nil, fmt.Errorf("provider %s already exists", stored.Name)
		}
	}
	s.providers[stored.ID] = stored
	for _, m := range s.models {
		if m.Provider != nil && m.Provider.ID == stored.ID {
			m.Provider = stored
		}
	}
	subs := s.subscribers
	s.mu.Unlock()

	snapshot := stored.Clone()
	notify(subs, Change{Kind: ProviderUpserted, Provider: snapshot})
	return snapshot, nil
}

// DeleteProvider removes the provider and every model attached to it.
func (s *MemoryStore) DeleteProvider(id string) error {
	s.mu.Lock()
	p, ok := s.providers[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.providers, id)
	var removed []*Model
	for mid, m := range s.models {
		if m.Provider != nil && m.Provider.ID == id {
			removed = append(removed, m.Clone())
			delete(s.models, mid)
		}
	}
	subs := s.subscribers
	s.mu.Unlock()

	for _, m := range removed {
		notify(subs, Change{Kind: ModelDeleted, Model: m})
	}
	notify(subs, Change{Kind: ProviderDeleted, Provider: p.Clone()})
	return nil
}

// UpsertModel stores m under the provider with id providerID. The pair
// (provider, name) must be unique.
func (s *MemoryStore) UpsertModel(providerID string, m *Model) (*Model, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if m.RateLimit != nil {
		if err := m.RateLimit.Validate(); err != nil {
			return nil, fmt.Errorf("model %s: %w", m.Name, err)
		}
	}

	s.mu.Lock()
	p, ok := s.providers[providerID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("provider %s: %w", providerID, ErrNotFound)
	}
	stored := m.Clone()
	stored.Provider = p
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	for id, existing := range s.models {
		if id != stored.ID && existing.Name == stored.Name && existing.Provider.ID == providerID {
			s.mu.Unlock()
			return nil, fmt.Errorf("model %s/%s already exists", p.Name, stored.Name)
		}
	}
	s.models[stored.ID] = stored
	snapshot := stored.Clone()
	subs := s.subscribers
	s.mu.Unlock()

	notify(subs, Change{Kind: ModelUpserted, Model: snapshot})
	return snapshot.Clone(), nil
}

func (s *MemoryStore) DeleteModel(id string) error {
	s.mu.Lock()
	m, ok := s.models[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.models, id)
	snapshot := m.Clone()
	subs := s.subscribers
	s.mu.Unlock()

	notify(subs, Change{Kind: ModelDeleted, Model: snapshot})
	return nil
}

// GetModel returns the model regardless of its active flag; callers decide
// what an inactive model means for them.
func (s *MemoryStore) GetModel(_ context.Context, providerName, modelName string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.Name == modelName && m.Provider != nil && m.Provider.Name == providerName {
			return m.Clone(), nil
		}
	}
	return nil, fmt.Errorf("model %s/%s: %w", providerName, modelName, ErrNotFound)
}

func (s *MemoryStore) GetProvider(_ context.Context, name string) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.Name == name {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("provider %s: %w", name, ErrNotFound)
}

// ListModels returns matching models ordered by provider then model name.
func (s *MemoryStore) ListModels(_ context.Context, q Query) ([]*Model, error) {
	s.mu.RLock()
	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		if q.matches(m) {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderName() != out[j].ProviderName() {
			return out[i].ProviderName() < out[j].ProviderName()
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}
