package registry

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// MemoryStore is a Registry held in memory.
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[string]Identity
}

// NewMemoryStore returns a store seeded with ids. Invalid seeds are rejected.
func NewMemoryStore(ids ...Identity) (*MemoryStore, error) {
	m := &MemoryStore{ids: make(map[string]Identity, len(ids))}
	for _, id := range ids {
		if err := m.Put(id); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MemoryStore) Get(name string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[name]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return id, nil
}

// List returns identities sorted by name.
func (m *MemoryStore) List() ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Identity, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b Identity) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *MemoryStore) Put(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.ids[id.Name] = id
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(m.ids, name)
	return nil
}

func (m *MemoryStore) Exists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[name]
	return ok, nil
}

// Suggest returns up to limit names closest to query by edit distance,
// ignoring case. Names further than half the query length are left out.
func Suggest(names []string, query string, limit int) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || limit <= 0 {
		return nil
	}
	maxDist := len(query)/2 + 1
	type candidate struct {
		name string
		dist int
	}
	var cands []candidate
	for _, name := range names {
		d := levenshtein.ComputeDistance(query, strings.ToLower(name))
		if d <= maxDist {
			cands = append(cands, candidate{name, d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].name < cands[j].name
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.name)
	}
	return out
}
