package hub

import "log/slog"

// Bus is a thin addressing layer over the connections' send primitive. It
// supports three addressing modes: one connection, everyone except a sender,
// and everyone. Delivery is fire-and-forget per destination — a failure to
// deliver to one destination is logged and never aborts the rest of the
// fan-out.
type Bus struct {
	log *slog.Logger
}

// NewBus creates a Bus logging delivery failures through log.
// A nil log falls back to [slog.Default].
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// ToOne delivers env to a single connection.
func (b *Bus) ToOne(c *Conn, env Envelope) {
	if c == nil {
		return
	}
	if err := c.Send(env); err != nil {
		b.log.Warn("bus: delivery failed", "event", env.Event, "conn_id", c.ID, "role", c.Role, "err", err)
	}
}

// Except delivers env to every connection in conns whose ID differs from
// senderID. Returns the number of successful deliveries.
func (b *Bus) Except(conns map[string]*Conn, senderID string, env Envelope) int {
	delivered := 0
	for id, c := range conns {
		if id == senderID {
			continue
		}
		if err := c.Send(env); err != nil {
			b.log.Warn("bus: delivery failed", "event", env.Event, "conn_id", id, "role", c.Role, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// All delivers env to every connection in conns. Returns the number of
// successful deliveries.
func (b *Bus) All(conns map[string]*Conn, env Envelope) int {
	return b.Except(conns, "", env)
}
