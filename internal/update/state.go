package update

import "sync"

// State is the foreground session state. It starts zeroed and lives for the
// session; nothing persists it.
type State struct {
	Installable     bool   `json:"installable"`
	Installed       bool   `json:"installed"`
	Offline         bool   `json:"offline"`
	UpdateAvailable bool   `json:"updateAvailable"`
	CurrentVersion  string `json:"currentVersion,omitempty"`
	LatestVersion   string `json:"latestVersion,omitempty"`
}

// observers is the subscription list of a state container.
type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(State)
}

func (o *observers) add(fn func(State)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = map[int]func(State){}
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers) notify(s State) {
	o.mu.Lock()
	fns := make([]func(State), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
