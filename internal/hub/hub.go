// Package hub implements the connection-role registry and event-broadcast
// engine for the live transcript relay.
//
// One Hub instance is the authoritative record of which connection holds
// which singleton role (master, control), how many viewers are watching, the
// shared recognition state, and the in-memory history of the current session.
// All of that state is mutated under a single mutex: every inbound event is a
// short, non-blocking critical section, so mixed check-then-assign sequences
// stay atomic. The only slow operation — the storage write for a finalised
// line — runs as a detached goroutine outside the lock.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avrillon/liveterp/internal/observe"
	"github.com/avrillon/liveterp/internal/store"
)

// defaultPersistTimeout bounds the detached storage write for one line.
const defaultPersistTimeout = 10 * time.Second

// Config holds the dependencies and tuning values for a [Hub].
type Config struct {
	// Store is the durable transcript log. Nil disables persistence; the
	// live feed keeps working.
	Store store.Store

	// SessionID is the conversation the hub appends finalised lines to.
	// Updated by [Hub.StartNewSession].
	SessionID int64

	// HistoryLimit caps the in-memory history buffer (oldest evicted first).
	// 0 or less means unbounded.
	HistoryLimit int

	// ConflictPolicy decides how an occupied master/control slot reacts to a
	// second claimant. Defaults to [ConflictDisplace].
	ConflictPolicy ConflictPolicy

	// PersistTimeout bounds each detached storage write. Defaults to 10s.
	PersistTimeout time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Hub is the connection-role registry and event-broadcast engine.
// All exported methods are safe for concurrent use.
type Hub struct {
	log     *slog.Logger
	metrics *observe.Metrics
	bus     *Bus
	store   store.Store
	clock   func() time.Time
	policy  ConflictPolicy

	persistTimeout time.Duration

	// persistWG tracks detached persistence writes so Drain can wait for
	// them in tests and during shutdown.
	persistWG sync.WaitGroup

	mu          sync.Mutex
	conns       map[string]*Conn
	master      *Conn
	control     *Conn
	viewerCount int
	listening   bool
	history     *History
	sessionID   int64
}

// New creates a Hub from cfg.
func New(cfg Config) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := cfg.ConflictPolicy
	if policy == "" {
		policy = ConflictDisplace
	}
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	return &Hub{
		log:            log,
		metrics:        metrics,
		bus:            NewBus(log),
		store:          cfg.Store,
		clock:          clock,
		policy:         policy,
		persistTimeout: timeout,
		conns:          make(map[string]*Conn),
		history:        NewHistory(cfg.HistoryLimit),
		sessionID:      cfg.SessionID,
	}
}

// ─── Connect / disconnect ────────────────────────────────────────────────────

// Connect registers a new connection under the role resolved from roleHint
// and returns its registry record. The new connection alone receives the
// history snapshot; master and control additionally receive the current
// recognition state; the master (old or new) is told the viewer count.
func (h *Hub) Connect(ctx context.Context, id, roleHint string, sender Sender) *Conn {
	role := ClassifyRole(roleHint)
	c := &Conn{
		ID:          id,
		Role:        role,
		ConnectedAt: h.clock(),
		sender:      sender,
	}

	h.mu.Lock()

	h.conns[id] = c

	var evicted *Conn
	switch role {
	case RoleMaster:
		evicted = h.takeSlot(&h.master, c)
		h.bus.ToOne(c, mustEnvelope(EventRecognitionState, h.listening))
	case RoleControl:
		evicted = h.takeSlot(&h.control, c)
		h.bus.ToOne(c, mustEnvelope(EventRecognitionState, h.listening))
	case RoleViewer:
		h.viewerCount++
	}

	h.bus.ToOne(c, mustEnvelope(EventLoadHistory, h.history.Snapshot()))
	h.notifyViewerCountLocked()

	h.mu.Unlock()

	if evicted != nil {
		// Closing a websocket runs a close handshake that can block for
		// seconds; it must never run under h.mu.
		go evicted.sender.Close("replaced by a newer " + string(role) + " connection")
	}

	h.metrics.RecordConnection(ctx, string(role))
	h.log.Info("client connected", "conn_id", id, "role", role)
	return c
}

// takeSlot installs c as the holder of a singleton role slot. Under the
// displace policy the previous holder simply loses the slot and lingers as a
// ghost; under evict it is dropped from the registry and returned so the
// caller can close it outside the critical section.
func (h *Hub) takeSlot(slot **Conn, c *Conn) *Conn {
	prev := *slot
	*slot = c
	if prev == nil || prev.ID == c.ID {
		return nil
	}
	if h.policy == ConflictEvict {
		h.log.Warn("role slot conflict, evicting previous holder",
			"role", c.Role, "prev_conn_id", prev.ID, "new_conn_id", c.ID)
		delete(h.conns, prev.ID)
		return prev
	}
	h.log.Warn("role slot conflict, displacing previous holder",
		"role", c.Role, "prev_conn_id", prev.ID, "new_conn_id", c.ID)
	return nil
}

// Disconnect removes a connection from the registry. Slot holders are
// compared by connection identity, so the eventual disconnect of a displaced
// ghost clears nothing and decrements nothing.
func (h *Hub) Disconnect(ctx context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)

	switch {
	case h.master != nil && h.master.ID == id:
		h.master = nil
	case h.control != nil && h.control.ID == id:
		h.control = nil
	case c.Role == RoleViewer:
		if h.viewerCount > 0 {
			h.viewerCount--
		}
		h.notifyViewerCountLocked()
	}

	h.metrics.RecordDisconnect(ctx)
	h.log.Info("client disconnected", "conn_id", id, "role", c.Role, "remaining", len(h.conns))
}

// notifyViewerCountLocked sends the current viewer count to the master.
// Must be called with h.mu held.
func (h *Hub) notifyViewerCountLocked() {
	if h.master == nil {
		return
	}
	h.bus.ToOne(h.master, mustEnvelope(EventUpdateViewerCount, h.viewerCount))
}

// ─── Read-only registry views ────────────────────────────────────────────────

// Stats is a consistent snapshot of the registry for monitoring endpoints.
type Stats struct {
	TotalConnected  int       `json:"total_connected"`
	MasterConnected bool      `json:"master_connected"`
	MasterID        string    `json:"master_id,omitempty"`
	ViewerCount     int       `json:"viewer_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// Stats returns a snapshot of the registry taken under a single lock
// acquisition.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{
		TotalConnected: len(h.conns),
		ViewerCount:    h.viewerCount,
		Timestamp:      h.clock(),
	}
	if h.master != nil {
		s.MasterConnected = true
		s.MasterID = h.master.ID
	}
	return s
}

// CurrentMaster returns the ID of the master connection, or "" when the slot
// is empty.
func (h *Hub) CurrentMaster() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.master == nil {
		return ""
	}
	return h.master.ID
}

// CurrentControl returns the ID of the control connection, or "" when the
// slot is empty.
func (h *Hub) CurrentControl() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.control == nil {
		return ""
	}
	return h.control.ID
}

// ViewerCount returns the incrementally maintained viewer counter.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewerCount
}

// Listening reports the shared recognition state.
func (h *Hub) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listening
}

// HistorySnapshot returns a copy of the current session's buffered lines.
func (h *Hub) HistorySnapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Snapshot()
}

// ─── Ingest pipeline ─────────────────────────────────────────────────────────

// Ingest processes one transcript event from senderID. Events blank on
// either language channel are dropped silently. The fan-out to everyone but
// the sender always happens first; only then is a finalised line appended to
// history and handed to the detached persistence write. The audience never
// waits on a database.
func (h *Hub) Ingest(ctx context.Context, senderID string, ev TranslationEvent) {
	start := h.clock()

	if !ev.Valid() {
		h.metrics.RecordTranslation(ctx, "rejected")
		h.log.Debug("translation rejected: blank text channel", "conn_id", senderID)
		return
	}

	msg := displayMessage(ev)
	env := mustEnvelope(EventDisplayMessage, msg)

	h.mu.Lock()
	delivered := h.bus.Except(h.conns, senderID, env)

	var entry HistoryEntry
	if ev.IsFinal {
		entry = HistoryEntry{
			SourceText:     ev.SourceText,
			TargetText:     ev.TargetText,
			SourceLanguage: msg.SourceLanguage,
			Timestamp:      ParseTimestamp(ev.Timestamp, h.clock),
		}
		h.history.Append(entry)
	}
	sessionID := h.sessionID
	h.mu.Unlock()

	h.metrics.RecordBroadcast(ctx, EventDisplayMessage, delivered)
	if ev.IsFinal {
		h.metrics.RecordTranslation(ctx, "final")
		h.log.Info("final translation", "conn_id", senderID, "session_id", sessionID, "lang", msg.SourceLanguage)
		h.persistAsync(sessionID, entry)
	} else {
		h.metrics.RecordTranslation(ctx, "interim")
	}

	h.metrics.IngestDuration.Record(ctx, h.clock().Sub(start).Seconds())
}

// persistAsync hands a finalised line to the store without blocking the
// ingest path. Failures are logged and counted; the broadcast and the
// in-memory append have already happened and are never rolled back.
func (h *Hub) persistAsync(sessionID int64, entry HistoryEntry) {
	if h.store == nil {
		return
	}
	h.persistWG.Add(1)
	go func() {
		defer h.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.persistTimeout)
		defer cancel()

		msg := store.Message{
			ConversationID: sessionID,
			SourceText:     entry.SourceText,
			TargetText:     entry.TargetText,
			SourceLanguage: entry.SourceLanguage,
			Timestamp:      entry.Timestamp,
		}
		if err := h.store.AppendMessage(ctx, sessionID, msg); err != nil {
			h.metrics.PersistFailures.Add(ctx, 1)
			h.log.Error("persist translation failed", "session_id", sessionID, "err", err)
		}
	}()
}

// Drain blocks until all in-flight persistence writes have finished.
func (h *Hub) Drain() { h.persistWG.Wait() }

// ─── Recognition state machine ───────────────────────────────────────────────

// RemoteStart handles a start command from the control client: the shared
// state flips to listening, the master (if present) is told to start
// capturing, and the control client gets the new state echoed back.
func (h *Hub) RemoteStart(ctx context.Context, senderID string) {
	h.setRecognition(ctx, senderID, true, true)
}

// RemoteStop handles a stop command from the control client.
func (h *Hub) RemoteStop(ctx context.Context, senderID string) {
	h.setRecognition(ctx, senderID, false, true)
}

// ReportState handles the master's self-reported recognition state. The
// master is the execution authority, so its report overwrites whatever a
// control command last set — last writer wins. Only the control client is
// notified; the master is never echoed back to itself.
func (h *Hub) ReportState(ctx context.Context, senderID string, listening bool) {
	h.setRecognition(ctx, senderID, listening, false)
}

// setRecognition applies a state transition. command is true when the change
// originates from control and a start/stop command must be relayed to the
// master.
func (h *Hub) setRecognition(ctx context.Context, senderID string, listening, command bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.listening = listening

	if command && h.master != nil {
		name := EventStopCommand
		if listening {
			name = EventStartCommand
		}
		h.bus.ToOne(h.master, Envelope{Event: name})
	}
	if h.control != nil {
		h.bus.ToOne(h.control, mustEnvelope(EventRecognitionState, listening))
	}

	h.log.Info("recognition state changed", "conn_id", senderID, "listening", listening, "from_control", command)
}

// ─── Viewer-count reconciliation ─────────────────────────────────────────────

// Reconcile recomputes the viewer count from the live connection set instead
// of the incrementally maintained counter, correcting drift left behind by
// ghosts and displacements. Connections whose transport reports them dead
// are dropped from the registry; a dead master loses its slot. The master is
// notified when the count changed. Returns the corrected count.
func (h *Hub) Reconcile(ctx context.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.conns {
		if !c.Alive() {
			delete(h.conns, id)
		}
	}
	if h.master != nil && !h.master.Alive() {
		delete(h.conns, h.master.ID)
		h.master = nil
	}
	if h.control != nil && !h.control.Alive() {
		delete(h.conns, h.control.ID)
		h.control = nil
	}

	total := len(h.conns)
	corrected := total
	if h.master != nil {
		corrected--
	}
	if h.control != nil {
		corrected--
	}
	if corrected < 0 {
		corrected = 0
	}

	changed := corrected != h.viewerCount
	h.viewerCount = corrected
	if changed {
		h.notifyViewerCountLocked()
	}

	h.metrics.RecordReconcile(ctx, changed)
	h.log.Info("viewer count reconciled", "viewer_count", corrected, "total_connected", total, "corrected", changed)
	return corrected
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// SeedHistory replaces the in-memory history and the active session ID,
// typically from the last persisted conversation on startup.
func (h *Hub) SeedHistory(sessionID int64, entries []HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessionID = sessionID
	h.history.Clear()
	for _, e := range entries {
		h.history.Append(e)
	}
}

// SessionID returns the conversation finalised lines are appended to.
func (h *Hub) SessionID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// StartNewSession creates a fresh conversation in the store, makes it the
// active session, clears the history buffer, and broadcasts clear_screen to
// every connection.
func (h *Hub) StartNewSession(ctx context.Context) (store.Conversation, error) {
	if h.store == nil {
		return store.Conversation{}, fmt.Errorf("hub: start new session: no store configured")
	}

	title := "Conversation du " + h.clock().Format("02/01 15:04")
	conv, err := h.store.CreateConversation(ctx, title)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("hub: start new session: %w", err)
	}

	h.mu.Lock()
	h.sessionID = conv.ID
	h.history.Clear()
	delivered := h.bus.All(h.conns, Envelope{Event: EventClearScreen})
	h.mu.Unlock()

	h.metrics.RecordBroadcast(ctx, EventClearScreen, delivered)
	h.log.Info("new session started", "session_id", conv.ID, "title", conv.Title)
	return conv, nil
}
