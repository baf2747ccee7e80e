package lifecycle

import (
	"sync"

	"cachegen/internal/faults"
	"cachegen/internal/store"
)

// Binding pins a request to the generations that were in control when it
// arrived. A generation is not deleted while bindings on it are open, up to
// the handover grace.
type Binding struct {
	st      *store.Store
	active  *generation
	waiting *generation
	once    sync.Once
}

// Bind must be paired with Release.
func (c *Controller) Bind() *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &Binding{st: c.store}
	if g := c.gens[c.active]; g != nil {
		g.refs.Add(1)
		b.active = g
	}
	if g := c.gens[c.waiting]; g != nil {
		g.refs.Add(1)
		b.waiting = g
	}
	return b
}

func (b *Binding) Release() {
	b.once.Do(func() {
		if b.active != nil {
			b.active.refs.Done()
		}
		if b.waiting != nil {
			b.waiting.refs.Done()
		}
	})
}

// Generation is the id of the bound active generation, "" if none.
func (b *Binding) Generation() string {
	if b.active == nil {
		return ""
	}
	return b.active.id
}

func (b *Binding) Version() string {
	if b.active == nil {
		return ""
	}
	return b.active.version
}

// Match searches the active generation, then the waiting one.
func (b *Binding) Match(key string) (store.Entry, bool) {
	ids := make([]string, 0, 2)
	for _, g := range []*generation{b.active, b.waiting} {
		if g != nil {
			ids = append(ids, g.id)
		}
	}
	ent, _, ok := b.st.MatchAny(key, ids...)
	return ent, ok
}

// Put writes into the bound active generation only.
func (b *Binding) Put(key string, ent store.Entry) error {
	if b.active == nil {
		return faults.NotFound("no active generation to write %s into", key)
	}
	return b.st.Put(b.active.handle, key, ent)
}

func (b *Binding) Revision(path string) (string, bool) {
	for _, g := range []*generation{b.active, b.waiting} {
		if g == nil {
			continue
		}
		if rev, ok := g.members[path]; ok {
			return rev, true
		}
	}
	return "", false
}
