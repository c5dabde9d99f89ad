package messages

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quantumlife/spendcoach/internal/core"
)

// Selection is the chosen message
type Selection struct {
	Key          string `json:"key"`
	Template     string `json:"template"`
	Text         string `json:"text"`
	VariantIndex int    `json:"variant_index"`
}

// Selector picks message variants from a catalog
type Selector struct {
	catalog Catalog
}

// NewSelector creates a selector
func NewSelector(c Catalog) *Selector {
	return &Selector{catalog: c}
}

// Select returns a variant for the behavior, type and moment. Keys in
// recentKeys (oldest first) are skipped while any other variant exists; when
// every variant is recent the least recently shown one is reused. Rotation
// starts after cursor, the index chosen last time for this behavior, or -1.
func (s *Selector) Select(b core.Behavior, t core.InterventionType, m core.Moment, recentKeys []string, cursor int) (Selection, error) {
	if m == nil {
		return Selection{}, fmt.Errorf("%w: no moment", core.ErrNoMessage)
	}
	variants := s.catalog.Variants(b, t, m.Kind())
	n := len(variants)
	if n == 0 {
		return Selection{}, fmt.Errorf("%w: %s/%s/%s", core.ErrNoMessage, b, t, m.Kind())
	}

	recent := make(map[string]int, len(recentKeys))
	for i, k := range recentKeys {
		recent[k] = i
	}

	if cursor < -1 || cursor >= n {
		cursor = -1
	}

	chosen := -1
	for i := 1; i <= n; i++ {
		idx := (cursor + i) % n
		if _, seen := recent[variants[idx].Key]; !seen {
			chosen = idx
			break
		}
	}

	if chosen < 0 {
		// Every variant is recent: take the one shown longest ago.
		oldest := len(recentKeys)
		for idx, v := range variants {
			if pos := recent[v.Key]; pos < oldest {
				oldest, chosen = pos, idx
			}
		}
	}

	v := variants[chosen]
	return Selection{
		Key:          v.Key,
		Template:     v.Template,
		Text:         Render(v.Template, m),
		VariantIndex: chosen,
	}, nil
}

// Cursor returns the last variant index used for a behavior, or -1
func Cursor(p *core.Profile, b core.Behavior) int {
	if idx, ok := p.VariantCursor[b]; ok {
		return idx
	}
	return -1
}

// Memory is the bounded recent-message window of one profile
type Memory struct {
	cache *lru.Cache[string, struct{}]
}

// NewMemory loads the window from keys, oldest first
func NewMemory(size int, keys []string) (*Memory, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("recent message memory: %w", err)
	}
	for _, k := range keys {
		cache.Add(k, struct{}{})
	}
	return &Memory{cache: cache}, nil
}

// Remember records key as the newest entry, evicting the oldest if full
func (m *Memory) Remember(key string) {
	m.cache.Add(key, struct{}{})
}

// Keys returns the window, oldest first
func (m *Memory) Keys() []string {
	return m.cache.Keys()
}

// Record stores a selection in the profile: recent keys and the rotation
// cursor for the behavior
func Record(p *core.Profile, b core.Behavior, sel Selection, memorySize int) error {
	mem, err := NewMemory(memorySize, p.RecentMessageKeys)
	if err != nil {
		return err
	}
	mem.Remember(sel.Key)
	p.RecentMessageKeys = mem.Keys()
	if p.VariantCursor == nil {
		p.VariantCursor = make(map[core.Behavior]int)
	}
	p.VariantCursor[b] = sel.VariantIndex
	return nil
}
