package hub

// History is the bounded, append-only sequence of finalised transcript lines
// for the current session, replayed to late joiners.
//
// History is not safe for concurrent use on its own: the hub mutates it only
// inside its own critical section, together with the rest of the registry
// state.
type History struct {
	entries []HistoryEntry
	limit   int
}

// NewHistory creates a history buffer retaining at most limit entries,
// evicting oldest-first. A limit of 0 or less means unbounded growth, which
// is acceptable for small deployments.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Append adds an entry, evicting the oldest entries beyond the limit.
func (h *History) Append(entry HistoryEntry) {
	h.entries = append(h.entries, entry)
	if h.limit > 0 && len(h.entries) > h.limit {
		// Copy survivors to a fresh backing array so evicted entries do not
		// pin memory for the lifetime of the session.
		keep := h.entries[len(h.entries)-h.limit:]
		fresh := make([]HistoryEntry, len(keep), h.limit)
		copy(fresh, keep)
		h.entries = fresh
	}
}

// Snapshot returns a copy of the current entries in chronological order.
// Callers never observe later mutations through the returned slice.
func (h *History) Snapshot() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of buffered entries.
func (h *History) Len() int { return len(h.entries) }

// Clear discards all entries. Called on new-session transitions.
func (h *History) Clear() { h.entries = nil }
