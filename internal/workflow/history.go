package workflow

import (
	"github.com/spherical/academic-illustrator/internal/domain"
)

// History is the bounded, newest-first list of past results kept in a Store.
type History struct {
	store *Store
}

// History returns the history manager backed by this store.
func (s *Store) History() *History {
	return &History{store: s}
}

// Add records a result with a fresh id and timestamp. The oldest entries
// beyond MaxHistoryItems are evicted in the same step.
func (h *History) Add(schema string, imageURL *string) domain.HistoryItem {
	s := h.store
	var item domain.HistoryItem
	s.mutate(func() bool {
		item = domain.HistoryItem{
			ID:        s.newID(),
			Timestamp: s.now().UnixMilli(),
			Schema:    schema,
			ImageURL:  cloneString(imageURL),
		}
		next := make([]domain.HistoryItem, 0, min(len(s.history)+1, domain.MaxHistoryItems))
		next = append(next, item)
		for _, old := range s.history {
			if len(next) == domain.MaxHistoryItems {
				break
			}
			next = append(next, old)
		}
		s.history = next
		return true
	})
	return item
}

// Load makes the entry the active result and jumps to Render.
// Unknown ids change nothing.
func (h *History) Load(id string) bool {
	s := h.store
	found := false
	s.mutate(func() bool {
		for _, item := range s.history {
			if item.ID == id {
				s.generatedSchema = item.Schema
				s.generatedImage = cloneString(item.ImageURL)
				s.stage = domain.StageRender
				found = true
				return true
			}
		}
		return false
	})
	return found
}

// Delete removes the entry with the given id, if any.
func (h *History) Delete(id string) bool {
	s := h.store
	found := false
	s.mutate(func() bool {
		kept := make([]domain.HistoryItem, 0, len(s.history))
		for _, item := range s.history {
			if item.ID == id {
				found = true
				continue
			}
			kept = append(kept, item)
		}
		if found {
			s.history = kept
		}
		return found
	})
	return found
}

// Clear empties the history.
func (h *History) Clear() {
	s := h.store
	s.mutate(func() bool {
		s.history = []domain.HistoryItem{}
		return true
	})
}

// CanAdd reports whether another entry fits without eviction.
func (h *History) CanAdd() bool {
	return h.Count() < domain.MaxHistoryItems
}

func (h *History) Count() int {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return len(h.store.history)
}

// Items returns a copy of the entries, newest first.
func (h *History) Items() []domain.HistoryItem {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	out := make([]domain.HistoryItem, len(h.store.history))
	copy(out, h.store.history)
	return out
}

// Find returns the entry with the given id.
func (h *History) Find(id string) (domain.HistoryItem, bool) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	for _, item := range h.store.history {
		if item.ID == id {
			return item, true
		}
	}
	return domain.HistoryItem{}, false
}
