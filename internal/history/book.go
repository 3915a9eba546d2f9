package history

import (
	"sort"
	"sync"
)

// DefaultScales holds the quantities stored in physical units rather than
// raw counts.
var DefaultScales = map[string]float64{
	"encoder_1": EncoderScale,
	"encoder_2": EncoderScale,
}

// Book owns one History per quantity. Histories are created on first use
// and never shared between quantities.
type Book struct {
	mu     sync.RWMutex
	hist   map[string]*History
	scales map[string]float64
}

// NewBook creates a Book. scales overrides and extends DefaultScales.
func NewBook(scales map[string]float64) *Book {
	merged := make(map[string]float64, len(DefaultScales)+len(scales))
	for k, v := range DefaultScales {
		merged[k] = v
	}
	for k, v := range scales {
		merged[k] = v
	}
	return &Book{
		hist:   make(map[string]*History),
		scales: merged,
	}
}

// Scale returns the factor applied to parsed samples of quantity.
func (b *Book) Scale(quantity string) float64 {
	if s, ok := b.scales[quantity]; ok && s != 0 {
		return s
	}
	return 1
}

// History returns the History of quantity, creating it if needed.
func (b *Book) History(quantity string) *History {
	b.mu.RLock()
	h, ok := b.hist[quantity]
	b.mu.RUnlock()
	if ok {
		return h
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hist[quantity]; ok {
		return h
	}
	h = New(b.Scale(quantity))
	b.hist[quantity] = h
	return h
}

// Record appends raw to quantity's history.
func (b *Book) Record(quantity, raw string) Reading {
	return b.History(quantity).Record(raw)
}

// Latest returns quantity's current reading.
func (b *Book) Latest(quantity string) (Reading, bool) {
	b.mu.RLock()
	h, ok := b.hist[quantity]
	b.mu.RUnlock()
	if !ok {
		return Reading{}, false
	}
	return h.Latest()
}

// Reset empties quantity's history.
func (b *Book) Reset(quantity string) {
	b.mu.RLock()
	h, ok := b.hist[quantity]
	b.mu.RUnlock()
	if ok {
		h.Reset()
	}
}

// Quantities lists every quantity with a history, sorted.
func (b *Book) Quantities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.hist))
	for k := range b.hist {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the current reading of every non-empty history.
func (b *Book) Snapshot() map[string]Reading {
	out := make(map[string]Reading)
	for _, q := range b.Quantities() {
		if r, ok := b.Latest(q); ok {
			out[q] = r
		}
	}
	return out
}
