package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It uses maps for storage and an RWMutex for thread-safe concurrent access.
// This implementation is suitable for development, testing, or single-instance deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[int64]rules.Rule
	categories map[int64]rules.Category
	mappings   map[string]Mapping // block ref -> mapping
	origins    map[string]Origin
	usage      map[string][]Usage // post ref -> rows
	nextRule   int64
	nextCat    int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[int64]rules.Rule),
		categories: make(map[int64]rules.Category),
		mappings:   make(map[string]Mapping),
		origins:    make(map[string]Origin),
		usage:      make(map[string][]Usage),
	}
}

func (m *MemoryStore) ListRules(ctx context.Context) ([]rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		result = append(result, copyRule(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	r = copyRule(r)
	return &r, nil
}

func (m *MemoryStore) CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRule++
	now := time.Now().UTC()
	r = copyRule(r)
	r.ID = m.nextRule
	r.Operator = rules.NormalizeOperator(string(r.Operator))
	if r.Type == "" {
		r.Type = rules.TypeCustom
	}
	r.CreatedAt, r.ModifiedAt = now, now
	m.rules[r.ID] = r
	return copyRule(r), nil
}

func (m *MemoryStore) UpdateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[r.ID]
	if !ok {
		return rules.Rule{}, ErrNotFound
	}
	r = copyRule(r)
	r.Operator = rules.NormalizeOperator(string(r.Operator))
	r.Type = existing.Type
	r.CreatedBy = existing.CreatedBy
	r.CreatedAt = existing.CreatedAt
	r.ModifiedAt = time.Now().UTC()
	m.rules[r.ID] = r
	return copyRule(r), nil
}

// DeleteRule is idempotent.
func (m *MemoryStore) DeleteRule(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) ListCategories(ctx context.Context) ([]rules.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]rules.Category, 0, len(m.categories))
	for _, c := range m.categories {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) CreateCategory(ctx context.Context, name string) (rules.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCat++
	now := time.Now().UTC()
	c := rules.Category{ID: m.nextCat, Name: name, CreatedAt: now, ModifiedAt: now}
	m.categories[c.ID] = c
	return c, nil
}

func (m *MemoryStore) InsertMapping(ctx context.Context, mp Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mappings[mp.BlockRef]; exists {
		return ErrDuplicateMapping
	}
	m.mappings[mp.BlockRef] = mp
	return nil
}

func (m *MemoryStore) GetMappings(ctx context.Context, refs []string) (map[string]Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Mapping, len(refs))
	for _, ref := range refs {
		if mp, ok := m.mappings[ref]; ok {
			result[ref] = mp
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteMappingsByOrigin(ctx context.Context, postRef string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for ref, mp := range m.mappings {
		if mp.PostRef == postRef {
			delete(m.mappings, ref)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetOrigin(ctx context.Context, ref string) (*Origin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.origins[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *MemoryStore) PutOrigin(ctx context.Context, o Origin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	m.origins[o.Ref] = o
	return nil
}

func (m *MemoryStore) DeleteOrigin(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.origins, ref)
	return nil
}

func (m *MemoryStore) ReplaceUsage(ctx context.Context, postRef string, rows []Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(rows) == 0 {
		delete(m.usage, postRef)
		return nil
	}
	stored := make([]Usage, len(rows))
	for i, u := range rows {
		u.PostRef = postRef
		stored[i] = u
	}
	m.usage[postRef] = stored
	return nil
}

func (m *MemoryStore) ListUsage(ctx context.Context, ruleID int64) ([]Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Usage
	for _, rows := range m.usage {
		for _, u := range rows {
			if u.RuleID == ruleID {
				result = append(result, u)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].PostRef != result[j].PostRef {
			return result[i].PostRef < result[j].PostRef
		}
		return result[i].BlockRef < result[j].BlockRef
	})
	return result, nil
}

// Close is a no-op for memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// copyRule detaches a rule's slices and maps from the stored value.
func copyRule(r rules.Rule) rules.Rule {
	if r.Conditions == nil {
		r.Conditions = []rules.Condition{}
		return r
	}
	conds := make([]rules.Condition, len(r.Conditions))
	for i, c := range r.Conditions {
		if c.Value.IsList {
			c.Value.List = append([]string(nil), c.Value.List...)
		}
		if c.Meta != nil {
			meta := make(map[string]string, len(c.Meta))
			for k, v := range c.Meta {
				meta[k] = v
			}
			c.Meta = meta
		}
		conds[i] = c
	}
	r.Conditions = conds
	return r
}
