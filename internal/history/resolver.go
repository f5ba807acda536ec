// Package history resolves which staged AI edit a new edit should build on,
// given the host editor's append-only operation log and its undo watermark.
// The log's vocabulary (crop, rotate, flip, ...) belongs to the host; this
// package only recognizes its own AI-edit marker and treats every other
// entry shape as opaque.
package history

import "encoding/json"

// Marker is the AI-edit annotation embedded in a history entry under the
// "banana" key. Key refers to a record in the edit buffer store.
type Marker struct {
	Key      string `json:"key"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MIME     string `json:"mime"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type entry struct {
	Banana *Marker `json:"banana"`
}

// ResolveBaseToken returns the buffer token of the most recent live AI edit,
// or ok=false when no live entry carries one. Entries indexed at or past
// len(log)-undoneCount sit in the host's redo stack and are never read.
//
// The scan runs backward because only the newest live AI edit matters as a
// chaining base: older AI edits are superseded even when crops or rotations
// were applied after them. The function never mutates the log and never
// touches the buffer store; a returned token may still resolve to an expired
// record, which the caller surfaces as a recoverable condition.
func ResolveBaseToken(log []json.RawMessage, undoneCount int) (string, bool) {
	if marker := MarkerAt(log, undoneCount); marker != nil {
		return marker.Key, true
	}
	return "", false
}

// MarkerAt exposes the parsed marker of a live entry, newest first, for
// callers that need the recorded dimensions alongside the token.
func MarkerAt(log []json.RawMessage, undoneCount int) *Marker {
	if undoneCount < 0 {
		undoneCount = 0
	}
	liveLength := len(log) - undoneCount
	if liveLength < 0 {
		liveLength = 0
	}
	for i := liveLength - 1; i >= 0; i-- {
		if marker := markerOf(log[i]); marker != nil && marker.Key != "" {
			return marker
		}
	}
	return nil
}

func markerOf(raw json.RawMessage) *Marker {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Not an object, or an entry shape this package does not own.
		return nil
	}
	return e.Banana
}
