package hub

import (
	"encoding/json"
	"strings"
	"time"
)

// Event names exchanged over the per-connection channel. Names are kept
// compatible with the historical Socket.IO vocabulary so unmodified clients
// keep working.
const (
	// hub → client
	EventLoadHistory       = "load_history"
	EventDisplayMessage    = "display_message"
	EventClearScreen       = "clear_screen"
	EventUpdateViewerCount = "update_viewer_count"
	EventStartCommand      = "start_recognition_command"
	EventStopCommand       = "stop_recognition_command"
	EventRecognitionState  = "recognition_state"

	// client → hub
	EventNewTranslation         = "new_translation"
	EventRemoteStartRecognition = "remote_start_recognition"
	EventRemoteStopRecognition  = "remote_stop_recognition"
	EventUpdateRecognitionState = "update_recognition_state"
)

// Envelope is the JSON frame exchanged over a connection.
// Data is absent for events that carry no payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope for the given event name.
// A nil data produces an envelope without a payload.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// mustEnvelope is NewEnvelope for payload types that cannot fail to marshal
// (structs of strings, bools, and numbers).
func mustEnvelope(event string, data any) Envelope {
	env, err := NewEnvelope(event, data)
	if err != nil {
		panic("hub: marshal " + event + ": " + err.Error())
	}
	return env
}

// TranslationEvent is one utterance fragment as reported by the master.
// The two text channels keep their historical wire labels ("fr" and "es");
// SourceLanguage records which side the speech was recognised in.
type TranslationEvent struct {
	SourceText     string `json:"fr"`
	TargetText     string `json:"es"`
	SourceLanguage string `json:"lang,omitempty"`
	IsFinal        bool   `json:"is_final,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Valid reports whether the event carries text on both language channels.
// Events failing this check are dropped outright: not broadcast, not stored.
func (e TranslationEvent) Valid() bool {
	return strings.TrimSpace(e.SourceText) != "" && strings.TrimSpace(e.TargetText) != ""
}

// DisplayMessage is the outbound payload fanned out to the audience. It
// always carries source_language and is_final, even when the inbound event
// omitted them.
type DisplayMessage struct {
	SourceText     string `json:"fr"`
	TargetText     string `json:"es"`
	SourceLanguage string `json:"source_language"`
	IsFinal        bool   `json:"is_final"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// displayMessage derives the broadcast payload from an inbound event.
func displayMessage(e TranslationEvent) DisplayMessage {
	return DisplayMessage{
		SourceText:     e.SourceText,
		TargetText:     e.TargetText,
		SourceLanguage: sourceLanguageOrUnknown(e.SourceLanguage),
		IsFinal:        e.IsFinal,
		Timestamp:      e.Timestamp,
	}
}

// HistoryEntry is the replayable subset of a finalised TranslationEvent.
type HistoryEntry struct {
	SourceText     string    `json:"fr"`
	TargetText     string    `json:"es"`
	SourceLanguage string    `json:"source_language"`
	Timestamp      time.Time `json:"timestamp"`
}

// sourceLanguageOrUnknown substitutes "unknown" for a missing language tag.
func sourceLanguageOrUnknown(lang string) string {
	if lang == "" {
		return "unknown"
	}
	return lang
}

// ParseTimestamp parses an ISO-8601 timestamp, tolerating a trailing "Z" or
// an explicit offset. Malformed or missing values fall back to now: the
// hub's clock is authoritative enough for a live feed.
func ParseTimestamp(ts string, now func() time.Time) time.Time {
	if ts == "" {
		return now()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return now()
}
