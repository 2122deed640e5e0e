package gateway

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Listeners is a goroutine-safe listener list shared by gateway implementations
type Listeners struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Add appends a listener
func (l *Listeners) Add(listener Listener) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Len returns the number of listeners
func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}

// Emit delivers ev to every listener on the calling goroutine
func (l *Listeners) Emit(ctx context.Context, ev Event) {
	l.mu.RLock()
	listeners := slices.Clone(l.listeners)
	l.mu.RUnlock()

	for _, listener := range listeners {
		listener.OnEvent(ctx, ev)
	}
}

// Features is a deduplicated, insertion ordered feature list
type Features struct {
	mu    sync.Mutex
	items []string
}

// Add appends features that are not present yet
func (f *Features) Add(features ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, feature := range features {
		feature = strings.TrimSpace(feature)
		if feature == "" || slices.Contains(f.items, feature) {
			continue
		}
		f.items = append(f.items, feature)
	}
}

// List returns a copy of the features
func (f *Features) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.items)
}
