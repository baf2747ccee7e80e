package lifecycle

import (
	"sync"
	"time"
)

type EventType string

const (
	EventInstalling       EventType = "installing"
	EventWaiting          EventType = "waiting"
	EventActivated        EventType = "activated"
	EventControllerChange EventType = "controllerchange"
	EventDiscarded        EventType = "discarded"
	EventInstallFailed    EventType = "installfailed"
)

// Event is broadcast on every generation state change.
type Event struct {
	Type       EventType `json:"type"`
	Generation string    `json:"generation"`
	Version    string    `json:"version,omitempty"`
	// Client is set on controllerchange.
	Client string    `json:"client,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// broadcaster fans events out to bounded subscriber channels. A subscriber
// that does not keep up loses events; the controller never blocks on it.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[int]chan Event{}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *broadcaster) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
