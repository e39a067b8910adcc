package hub_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/avrillon/liveterp/internal/hub"
)

func TestTranslationEventValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   hub.TranslationEvent
		want bool
	}{
		{"both present", hub.TranslationEvent{SourceText: "Bonjour", TargetText: "Hola"}, true},
		{"blank source", hub.TranslationEvent{SourceText: "  ", TargetText: "Hola"}, false},
		{"blank target", hub.TranslationEvent{SourceText: "Bonjour", TargetText: ""}, false},
		{"both blank", hub.TranslationEvent{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.ev.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranslationEventWireFormat(t *testing.T) {
	t.Parallel()

	// The historical wire labels must survive round-trips.
	var ev hub.TranslationEvent
	raw := []byte(`{"fr":"Bonjour","es":"Hola","lang":"fr-FR","is_final":true,"timestamp":"2025-03-14T10:30:00Z"}`)
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.SourceText != "Bonjour" || ev.TargetText != "Hola" || !ev.IsFinal || ev.SourceLanguage != "fr-FR" {
		t.Errorf("unmarshalled event = %+v", ev)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339 z", "2025-03-14T10:30:00Z", time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)},
		{"rfc3339 offset", "2025-03-14T10:30:00+02:00", time.Date(2025, 3, 14, 10, 30, 0, 0, time.FixedZone("", 2*3600))},
		{"no zone", "2025-03-14T10:30:00", time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)},
		{"empty falls back to now", "", now},
		{"garbage falls back to now", "yesterday-ish", now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := hub.ParseTimestamp(tt.in, clock)
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env, err := hub.NewEnvelope(hub.EventUpdateViewerCount, 3)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	if env.Event != hub.EventUpdateViewerCount || string(env.Data) != "3" {
		t.Errorf("envelope = %+v", env)
	}

	empty, err := hub.NewEnvelope(hub.EventClearScreen, nil)
	if err != nil {
		t.Fatalf("NewEnvelope(nil) error: %v", err)
	}
	raw, err := json.Marshal(empty)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"event":"clear_screen"}` {
		t.Errorf("marshalled empty envelope = %s", raw)
	}
}
