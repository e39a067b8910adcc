package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avrillon/liveterp/internal/hub"
	storemock "github.com/avrillon/liveterp/internal/store/mock"
)

// fakeSender records every envelope the hub delivers to a connection.
type fakeSender struct {
	mu    sync.Mutex
	sent  []hub.Envelope
	alive bool
	fail  bool

	closeReasons []string
}

func newFakeSender() *fakeSender { return &fakeSender{alive: true} }

func (f *fakeSender) Send(env hub.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send queue full")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSender) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.closeReasons = append(f.closeReasons, reason)
}

func (f *fakeSender) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closeReasons)
}

func (f *fakeSender) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// events returns the names of all envelopes delivered so far.
func (f *fakeSender) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Event
	}
	return out
}

// countEvent returns how many envelopes with the given name were delivered.
func (f *fakeSender) countEvent(name string) int {
	n := 0
	for _, e := range f.events() {
		if e == name {
			n++
		}
	}
	return n
}

// lastData unmarshals the payload of the last envelope with the given name
// into v and reports whether one was found.
func (f *fakeSender) lastData(t *testing.T, name string, v any) bool {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event != name {
			continue
		}
		if err := json.Unmarshal(f.sent[i].Data, v); err != nil {
			t.Fatalf("unmarshal %s payload: %v", name, err)
		}
		return true
	}
	return false
}

func newTestHub(opts ...func(*hub.Config)) *hub.Hub {
	cfg := hub.Config{HistoryLimit: 200, SessionID: 1}
	for _, o := range opts {
		o(&cfg)
	}
	return hub.New(cfg)
}

func TestClassifyRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hint string
		want hub.Role
	}{
		{"master", hub.RoleMaster},
		{"viewer", hub.RoleViewer},
		{"control", hub.RoleControl},
		{"http://example.org/master", hub.RoleMaster},
		{"http://example.org/viewer?x=1", hub.RoleViewer},
		{"http://example.org/control", hub.RoleControl},
		{"http://example.org/about", hub.RoleUnknown},
		{"", hub.RoleUnknown},
	}
	for _, tt := range tests {
		if got := hub.ClassifyRole(tt.hint); got != tt.want {
			t.Errorf("ClassifyRole(%q) = %q, want %q", tt.hint, got, tt.want)
		}
	}
}

func TestConnectRoles(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	master := newFakeSender()
	h.Connect(ctx, "m1", "master", master)
	if got := h.CurrentMaster(); got != "m1" {
		t.Fatalf("CurrentMaster() = %q, want m1", got)
	}

	// The master receives the recognition state and the history replay.
	if master.countEvent(hub.EventRecognitionState) != 1 {
		t.Errorf("master recognition_state events = %d, want 1", master.countEvent(hub.EventRecognitionState))
	}
	if master.countEvent(hub.EventLoadHistory) != 1 {
		t.Errorf("master load_history events = %d, want 1", master.countEvent(hub.EventLoadHistory))
	}

	viewer := newFakeSender()
	h.Connect(ctx, "v1", "viewer", viewer)
	if h.ViewerCount() != 1 {
		t.Fatalf("ViewerCount() = %d, want 1", h.ViewerCount())
	}

	// Master is told the updated viewer count.
	var count int
	if !viewer.lastData(t, hub.EventLoadHistory, &[]hub.HistoryEntry{}) {
		t.Error("viewer did not receive load_history")
	}
	if !master.lastData(t, hub.EventUpdateViewerCount, &count) {
		t.Fatal("master did not receive update_viewer_count")
	}
	if count != 1 {
		t.Errorf("update_viewer_count = %d, want 1", count)
	}

	// Unknown roles count as neither master, control, nor viewer.
	h.Connect(ctx, "u1", "http://example.org/somewhere", newFakeSender())
	if h.ViewerCount() != 1 {
		t.Errorf("ViewerCount() after unknown connect = %d, want 1", h.ViewerCount())
	}
}

func TestMasterDisplacement(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	first := newFakeSender()
	second := newFakeSender()
	h.Connect(ctx, "m1", "master", first)
	h.Connect(ctx, "m2", "master", second)

	if got := h.CurrentMaster(); got != "m2" {
		t.Fatalf("CurrentMaster() = %q, want m2", got)
	}
	// The displaced holder is not disconnected under the default policy.
	if first.closeCount() != 0 {
		t.Errorf("displaced master was closed %d times", first.closeCount())
	}

	// The ghost's own disconnect clears nothing and decrements nothing.
	h.Connect(ctx, "v1", "viewer", newFakeSender())
	before := h.ViewerCount()
	h.Disconnect(ctx, "m1")
	if got := h.CurrentMaster(); got != "m2" {
		t.Errorf("CurrentMaster() after ghost disconnect = %q, want m2", got)
	}
	if h.ViewerCount() != before {
		t.Errorf("ViewerCount() after ghost disconnect = %d, want %d", h.ViewerCount(), before)
	}
}

func TestEvictPolicy(t *testing.T) {
	t.Parallel()

	h := newTestHub(func(c *hub.Config) { c.ConflictPolicy = hub.ConflictEvict })
	ctx := context.Background()

	first := newFakeSender()
	h.Connect(ctx, "c1", "control", first)
	h.Connect(ctx, "c2", "control", newFakeSender())

	if got := h.CurrentControl(); got != "c2" {
		t.Fatalf("CurrentControl() = %q, want c2", got)
	}

	// The close runs off the hub's critical path; wait for it.
	deadline := time.Now().Add(time.Second)
	for first.closeCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("evicted control was never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := first.closeCount(); got != 1 {
		t.Fatalf("evicted control close calls = %d, want 1", got)
	}
}

// blockingCloseSender stalls in Close until released, standing in for a
// websocket close handshake that takes seconds to complete.
type blockingCloseSender struct {
	*fakeSender
	closing chan struct{}
	release chan struct{}
}

func (b *blockingCloseSender) Close(reason string) {
	close(b.closing)
	<-b.release
	b.fakeSender.Close(reason)
}

func TestEvictionCloseDoesNotBlockHub(t *testing.T) {
	t.Parallel()

	h := newTestHub(func(c *hub.Config) { c.ConflictPolicy = hub.ConflictEvict })
	ctx := context.Background()

	first := &blockingCloseSender{
		fakeSender: newFakeSender(),
		closing:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	h.Connect(ctx, "c1", "control", first)
	h.Connect(ctx, "c2", "control", newFakeSender())

	select {
	case <-first.closing:
	case <-time.After(time.Second):
		t.Fatal("evicted control was never closed")
	}
	defer close(first.release)

	// The evicted connection's close handshake is still in flight; the hub
	// must stay responsive regardless.
	if got := h.CurrentControl(); got != "c2" {
		t.Errorf("CurrentControl() = %q, want c2", got)
	}
	done := make(chan int, 1)
	go func() { done <- h.ViewerCount() }()
	select {
	case n := <-done:
		if n != 0 {
			t.Errorf("ViewerCount() = %d, want 0", n)
		}
	case <-time.After(time.Second):
		t.Fatal("hub blocked behind the evicted connection's close")
	}
}

func TestViewerCountNeverNegative(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	// Disconnects without a matching connect must not underflow.
	h.Disconnect(ctx, "nope")
	h.Connect(ctx, "v1", "viewer", newFakeSender())
	h.Disconnect(ctx, "v1")
	h.Disconnect(ctx, "v1")
	if h.ViewerCount() != 0 {
		t.Fatalf("ViewerCount() = %d, want 0", h.ViewerCount())
	}
}

func TestIngestValidation(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	master := newFakeSender()
	viewer := newFakeSender()
	h.Connect(ctx, "m1", "master", master)
	h.Connect(ctx, "v1", "viewer", viewer)

	beforeViewer := viewer.countEvent(hub.EventDisplayMessage)

	// Blank target channel: dropped outright.
	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "Bonjour", TargetText: "", IsFinal: true})
	// Whitespace-only source channel: dropped outright.
	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "   ", TargetText: "Hola", IsFinal: true})

	if got := viewer.countEvent(hub.EventDisplayMessage); got != beforeViewer {
		t.Errorf("display_message events = %d, want %d (no broadcast for invalid events)", got, beforeViewer)
	}
	if n := len(h.HistorySnapshot()); n != 0 {
		t.Errorf("history length = %d, want 0", n)
	}
}

func TestIngestInterimAndFinal(t *testing.T) {
	t.Parallel()

	st := &storemock.Store{}
	h := newTestHub(func(c *hub.Config) { c.Store = st; c.SessionID = 7 })
	ctx := context.Background()

	master := newFakeSender()
	viewerA := newFakeSender()
	viewerB := newFakeSender()
	h.Connect(ctx, "m1", "master", master)
	h.Connect(ctx, "v1", "viewer", viewerA)
	h.Connect(ctx, "v2", "viewer", viewerB)

	// Interim: broadcast only, never stored.
	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "Bonjour", TargetText: "Hola"})
	if n := len(h.HistorySnapshot()); n != 0 {
		t.Fatalf("history length after interim = %d, want 0", n)
	}

	var msg hub.DisplayMessage
	if !viewerA.lastData(t, hub.EventDisplayMessage, &msg) {
		t.Fatal("viewer A did not receive display_message")
	}
	if msg.IsFinal {
		t.Error("interim event broadcast with is_final=true")
	}
	if msg.SourceLanguage != "unknown" {
		t.Errorf("source_language = %q, want unknown (defaulted)", msg.SourceLanguage)
	}

	// Final: broadcast to everyone except the sender, appended, persisted once.
	h.Ingest(ctx, "m1", hub.TranslationEvent{
		SourceText:     "Bonjour",
		TargetText:     "Hola",
		SourceLanguage: "fr-FR",
		IsFinal:        true,
	})
	h.Drain()

	if n := len(h.HistorySnapshot()); n != 1 {
		t.Fatalf("history length after final = %d, want 1", n)
	}
	if got := viewerB.countEvent(hub.EventDisplayMessage); got != 2 {
		t.Errorf("viewer B display_message events = %d, want 2", got)
	}
	if got := master.countEvent(hub.EventDisplayMessage); got != 0 {
		t.Errorf("sender received its own broadcast %d times", got)
	}

	appended := st.AppendedMessages()
	if len(appended) != 1 {
		t.Fatalf("persisted messages = %d, want 1", len(appended))
	}
	if appended[0].ConversationID != 7 {
		t.Errorf("persisted conversation = %d, want 7", appended[0].ConversationID)
	}
	if appended[0].SourceText != "Bonjour" || appended[0].TargetText != "Hola" {
		t.Errorf("persisted texts = %q/%q", appended[0].SourceText, appended[0].TargetText)
	}
}

func TestIngestPersistFailureDoesNotAffectFeed(t *testing.T) {
	t.Parallel()

	st := &storemock.Store{AppendErr: errors.New("storage down")}
	h := newTestHub(func(c *hub.Config) { c.Store = st })
	ctx := context.Background()

	viewer := newFakeSender()
	h.Connect(ctx, "m1", "master", newFakeSender())
	h.Connect(ctx, "v1", "viewer", viewer)

	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "Bonjour", TargetText: "Hola", IsFinal: true})
	h.Drain()

	if got := viewer.countEvent(hub.EventDisplayMessage); got != 1 {
		t.Errorf("viewer display_message events = %d, want 1", got)
	}
	if n := len(h.HistorySnapshot()); n != 1 {
		t.Errorf("history length = %d, want 1 (append not rolled back)", n)
	}
}

func TestIngestDeliveryFailureIsolation(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	broken := newFakeSender()
	broken.fail = true
	healthy := newFakeSender()
	h.Connect(ctx, "m1", "master", newFakeSender())
	h.Connect(ctx, "v1", "viewer", broken)
	h.Connect(ctx, "v2", "viewer", healthy)

	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "Bonjour", TargetText: "Hola"})

	if got := healthy.countEvent(hub.EventDisplayMessage); got != 1 {
		t.Errorf("healthy viewer display_message events = %d, want 1 (fan-out must not abort)", got)
	}
}

func TestHistoryReplayToLateJoiner(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()
	h.Connect(ctx, "m1", "master", newFakeSender())

	// Two interim lines and two final ones.
	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "Bon", TargetText: "Ho"})
	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "Bonjour", TargetText: "Hola", IsFinal: true})
	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "ça va", TargetText: "qué ta"})
	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "ça va ?", TargetText: "¿qué tal?", IsFinal: true})

	late := newFakeSender()
	h.Connect(ctx, "v9", "viewer", late)

	var replay []hub.HistoryEntry
	if !late.lastData(t, hub.EventLoadHistory, &replay) {
		t.Fatal("late joiner did not receive load_history")
	}
	if len(replay) != 2 {
		t.Fatalf("replayed entries = %d, want 2 (interim lines are ephemeral)", len(replay))
	}
	if replay[0].SourceText != "Bonjour" || replay[1].SourceText != "ça va ?" {
		t.Errorf("replay out of order: %q, %q", replay[0].SourceText, replay[1].SourceText)
	}
}

func TestRecognitionStateMachine(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	master := newFakeSender()
	control := newFakeSender()
	h.Connect(ctx, "m1", "master", master)
	h.Connect(ctx, "c1", "control", control)

	h.RemoteStart(ctx, "c1")
	if !h.Listening() {
		t.Fatal("expected Listening after RemoteStart")
	}
	if master.countEvent(hub.EventStartCommand) != 1 {
		t.Errorf("master start commands = %d, want 1", master.countEvent(hub.EventStartCommand))
	}
	var state bool
	if !control.lastData(t, hub.EventRecognitionState, &state) || !state {
		t.Error("control not told recognition_state=true")
	}

	// Master self-report always wins over the last control command.
	h.ReportState(ctx, "m1", false)
	if h.Listening() {
		t.Fatal("expected Idle after master self-report")
	}
	if !control.lastData(t, hub.EventRecognitionState, &state) || state {
		t.Error("control not told recognition_state=false")
	}
	// The master is never echoed back to itself.
	if got := master.countEvent(hub.EventRecognitionState); got != 1 {
		t.Errorf("master recognition_state events = %d, want 1 (connect only)", got)
	}

	h.RemoteStop(ctx, "c1")
	if h.Listening() {
		t.Fatal("expected Idle after RemoteStop")
	}
	if master.countEvent(hub.EventStopCommand) != 1 {
		t.Errorf("master stop commands = %d, want 1", master.countEvent(hub.EventStopCommand))
	}
}

func TestRemoteCommandWithoutMaster(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	control := newFakeSender()
	h.Connect(ctx, "c1", "control", control)

	// No master registered: the state still changes and control is synced.
	h.RemoteStart(ctx, "c1")
	if !h.Listening() {
		t.Fatal("expected Listening even without a master")
	}
}

func TestReconcileCorrectsDrift(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	master := newFakeSender()
	h.Connect(ctx, "m1", "master", master)
	dead := newFakeSender()
	h.Connect(ctx, "v1", "viewer", newFakeSender())
	h.Connect(ctx, "v2", "viewer", newFakeSender())
	h.Connect(ctx, "v3", "viewer", dead)

	// v3 drops at the transport level without a disconnect event.
	dead.kill()
	if h.ViewerCount() != 3 {
		t.Fatalf("ViewerCount() before reconcile = %d, want 3 (drifted)", h.ViewerCount())
	}

	if got := h.Reconcile(ctx); got != 2 {
		t.Fatalf("Reconcile() = %d, want 2", got)
	}
	if h.ViewerCount() != 2 {
		t.Errorf("ViewerCount() after reconcile = %d, want 2", h.ViewerCount())
	}

	var count int
	if !master.lastData(t, hub.EventUpdateViewerCount, &count) || count != 2 {
		t.Errorf("master notified count = %d, want 2", count)
	}
}

func TestReconcileClearsDeadMaster(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ctx := context.Background()

	master := newFakeSender()
	h.Connect(ctx, "m1", "master", master)
	h.Connect(ctx, "v1", "viewer", newFakeSender())

	master.kill()
	h.Reconcile(ctx)

	if got := h.CurrentMaster(); got != "" {
		t.Errorf("CurrentMaster() after reconcile = %q, want empty", got)
	}
	if h.ViewerCount() != 1 {
		t.Errorf("ViewerCount() = %d, want 1", h.ViewerCount())
	}
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)
	h := newTestHub(func(c *hub.Config) { c.Clock = func() time.Time { return now } })
	ctx := context.Background()

	h.Connect(ctx, "m1", "master", newFakeSender())
	h.Connect(ctx, "v1", "viewer", newFakeSender())

	s := h.Stats()
	if s.TotalConnected != 2 || !s.MasterConnected || s.MasterID != "m1" || s.ViewerCount != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if !s.Timestamp.Equal(now) {
		t.Errorf("Stats timestamp = %v, want %v", s.Timestamp, now)
	}
}

func TestStartNewSession(t *testing.T) {
	t.Parallel()

	st := &storemock.Store{}
	h := newTestHub(func(c *hub.Config) { c.Store = st })
	ctx := context.Background()

	viewer := newFakeSender()
	h.Connect(ctx, "m1", "master", newFakeSender())
	h.Connect(ctx, "v1", "viewer", viewer)

	h.Ingest(ctx, "m1", hub.TranslationEvent{SourceText: "Bonjour", TargetText: "Hola", IsFinal: true})
	h.Drain()

	conv, err := h.StartNewSession(ctx)
	if err != nil {
		t.Fatalf("StartNewSession() error: %v", err)
	}
	if conv.ID == 0 {
		t.Error("new conversation has zero ID")
	}
	if got := h.SessionID(); got != conv.ID {
		t.Errorf("SessionID() = %d, want %d", got, conv.ID)
	}
	if n := len(h.HistorySnapshot()); n != 0 {
		t.Errorf("history length after new session = %d, want 0", n)
	}
	if viewer.countEvent(hub.EventClearScreen) != 1 {
		t.Errorf("viewer clear_screen events = %d, want 1", viewer.countEvent(hub.EventClearScreen))
	}
}

func TestSeedHistory(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	entries := []hub.HistoryEntry{
		{SourceText: "Bonjour", TargetText: "Hola", SourceLanguage: "fr-FR", Timestamp: time.Now()},
	}
	h.SeedHistory(42, entries)

	if got := h.SessionID(); got != 42 {
		t.Errorf("SessionID() = %d, want 42", got)
	}

	late := newFakeSender()
	h.Connect(context.Background(), "v1", "viewer", late)

	var replay []hub.HistoryEntry
	if !late.lastData(t, hub.EventLoadHistory, &replay) {
		t.Fatal("no load_history after seed")
	}
	if len(replay) != 1 || replay[0].SourceText != "Bonjour" {
		t.Errorf("replay = %+v", replay)
	}
}
