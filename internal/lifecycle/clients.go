package lifecycle

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// client is a foreground session known to the controller. controller is the
// generation currently authoritative for it ("" while uncontrolled).
type client struct {
	id         string
	controller string
}

// RegisterClient records a new foreground session. A session that starts
// while a generation is active is controlled by it from the start.
func (c *Controller) RegisterClient() string {
	id := uuid.NewString()
	c.mu.Lock()
	c.clients[id] = &client{id: id, controller: c.active}
	c.mu.Unlock()
	c.log.Debug("client registered", zap.String("client", id))
	return id
}

func (c *Controller) UnregisterClient(id string) {
	c.mu.Lock()
	delete(c.clients, id)
	c.mu.Unlock()
}

// ClientController returns the generation controlling a client.
func (c *Controller) ClientController(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[id]
	if !ok {
		return "", false
	}
	return cl.controller, true
}

// ClaimControlOfAllClients makes the active generation authoritative for
// every registered session. Only sessions whose controller changes receive a
// controllerchange event, so claiming twice is a no-op. It returns the number
// of sessions that changed.
func (c *Controller) ClaimControlOfAllClients() int {
	c.mu.Lock()
	g := c.gens[c.active]
	if g == nil {
		c.mu.Unlock()
		return 0
	}
	var changed []string
	for _, cl := range c.clients {
		if cl.controller == g.id {
			continue
		}
		cl.controller = g.id
		changed = append(changed, cl.id)
	}
	c.mu.Unlock()

	for _, id := range changed {
		c.events.publish(Event{Type: EventControllerChange, Generation: g.id, Version: g.version, Client: id})
	}
	if len(changed) > 0 {
		c.log.Info("claimed clients", zap.String("generation", g.id), zap.Int("clients", len(changed)))
	}
	return len(changed)
}
