package hub

import (
	"strings"
	"time"
)

// Role classifies what a connection is allowed to do on the hub.
type Role string

const (
	// RoleMaster is the singleton speaker-side capture client. It is the
	// only source of transcript events.
	RoleMaster Role = "master"

	// RoleViewer is a passive observer of the live transcript.
	RoleViewer Role = "viewer"

	// RoleControl is the singleton remote-command client for start/stop of
	// capture.
	RoleControl Role = "control"

	// RoleUnknown is any connection the hub could not classify. It receives
	// broadcasts but counts as neither master, control, nor viewer.
	RoleUnknown Role = "unknown"
)

// ClassifyRole resolves a role hint into a Role. The hint is either an
// explicit role name sent by the client on connect, or — for unmodified
// legacy clients — the referring page path.
func ClassifyRole(hint string) Role {
	switch Role(hint) {
	case RoleMaster, RoleViewer, RoleControl:
		return Role(hint)
	}
	switch {
	case strings.Contains(hint, "/master"):
		return RoleMaster
	case strings.Contains(hint, "/viewer"):
		return RoleViewer
	case strings.Contains(hint, "/control"):
		return RoleControl
	}
	return RoleUnknown
}

// Sender is the transport half of a connection as seen by the hub. Send must
// never block: implementations queue the envelope and report a failure only
// when the queue is full or the connection is gone. The hub treats every
// delivery as fire-and-forget.
type Sender interface {
	// Send queues env for delivery to the client.
	Send(env Envelope) error

	// Alive reports whether the transport still considers the connection
	// open. Used by reconciliation as ground truth.
	Alive() bool

	// Close tears the connection down with a human-readable reason. Only
	// invoked when the hub is configured to evict on role conflict.
	Close(reason string)
}

// Conn is the hub's record of one live bidirectional channel to a client.
// The role is assigned once, on connect, and never changes.
type Conn struct {
	ID          string
	Role        Role
	ConnectedAt time.Time

	sender Sender
}

// Send forwards an envelope to the connection's transport.
func (c *Conn) Send(env Envelope) error { return c.sender.Send(env) }

// Alive reports transport-level liveness.
func (c *Conn) Alive() bool { return c.sender.Alive() }

// ConflictPolicy decides what happens when a second connection claims an
// occupied singleton role slot.
type ConflictPolicy string

const (
	// ConflictDisplace lets the new connection take over the slot. The prior
	// holder is neither disconnected nor notified; it lingers as a ghost
	// until its own transport-level disconnect, which — because disconnects
	// are matched by connection identity — decrements nothing. This mirrors
	// the historical behaviour and is the default.
	ConflictDisplace ConflictPolicy = "displace"

	// ConflictEvict closes the prior holder before installing the new one.
	ConflictEvict ConflictPolicy = "evict"
)

// IsValid reports whether p is a recognised conflict policy.
func (p ConflictPolicy) IsValid() bool {
	return p == ConflictDisplace || p == ConflictEvict
}
