package graph

import (
	"sort"
	"strings"
	"sync"
)

// MemoryIndex answers free-text entity lookups without re-extraction. It is
// rebuilt per book whenever that book's graph is (re)loaded.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string][]Entity // book id -> entities
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string][]Entity)}
}

// IndexBook replaces the indexed entities for a book.
func (m *MemoryIndex) IndexBook(bookID string, entities []Entity) {
	copied := make([]Entity, len(entities))
	copy(copied, entities)

	m.mu.Lock()
	m.entries[bookID] = copied
	m.mu.Unlock()
}

// HasBook reports whether the book's entities are currently indexed.
func (m *MemoryIndex) HasBook(bookID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[bookID]
	return ok
}

// Search ranks entities by match quality against name and description, then
// by importance. An empty bookID searches every indexed book.
func (m *MemoryIndex) Search(query, bookID string, limit int) []Entity {
	needle := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	if needle == "" {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		entity Entity
		rank   int
	}

	matches := make([]scored, 0)
	for id, entities := range m.entries {
		if bookID != "" && id != bookID {
			continue
		}
		for _, e := range entities {
			name := strings.ToLower(e.Name)
			switch {
			case name == needle:
				matches = append(matches, scored{e, 3})
			case strings.Contains(name, needle):
				matches = append(matches, scored{e, 2})
			case strings.Contains(strings.ToLower(e.Description), needle):
				matches = append(matches, scored{e, 1})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank > matches[j].rank
		}
		return matches[i].entity.Importance > matches[j].entity.Importance
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]Entity, len(matches))
	for i, m := range matches {
		results[i] = m.entity
	}
	return results
}
