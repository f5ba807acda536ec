package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"retouch/internal/history"
)

type resolveRequest struct {
	Operations  []json.RawMessage `json:"operations"`
	UndoneCount int               `json:"undone_count"`
}

type resolvePayload struct {
	Key          string `json:"key"`
	MIME         string `json:"mime"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AttachmentID int64  `json:"attachment_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
}

// EditsGet serves the staged bytes for a live buffer token.
func (a *App) EditsGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	record, ok := a.Buffer.Get(key)
	if !ok {
		a.error(w, http.StatusGone, "buffer_expired", "staged edit is gone")
		return
	}
	data, err := a.Buffer.Bytes(record)
	if err != nil {
		a.Logger.Error().Err(err).Str("key", key).Msg("read staged edit")
		a.error(w, http.StatusGone, "buffer_expired", "staged edit is gone")
		return
	}
	w.Header().Set("Content-Type", record.MIME)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// EditsHistory lists the caller's recent AI edits from the audit trail.
func (a *App) EditsHistory(w http.ResponseWriter, r *http.Request) {
	if a.Audit == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "edit history requires a database")
		return
	}
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "X-User-ID header is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := a.Audit.RecentForUser(r.Context(), userID, limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("load edit history")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load edit history")
		return
	}
	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			ID:           rec.ID,
			AttachmentID: rec.AttachmentID,
			Operation:    rec.Operation,
			Provider:     rec.Provider,
			Model:        rec.Model,
			Prompt:       rec.Prompt,
			MIME:         rec.MIME,
			Width:        rec.Width,
			Height:       rec.Height,
			BufferKey:    rec.BufferKey,
			CreatedAt:    rec.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"edits": entries})
}

type historyEntry struct {
	ID           string    `json:"id"`
	AttachmentID int64     `json:"attachment_id"`
	Operation    string    `json:"operation"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt"`
	MIME         string    `json:"mime"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	BufferKey    string    `json:"buffer_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EditsResolve walks the host editor's history log and reports the staged
// edit the next AI operation would chain on, if any is still live.
func (a *App) EditsResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	key, found := history.ResolveBaseToken(req.Operations, req.UndoneCount)
	if !found {
		a.error(w, http.StatusNotFound, "not_found", "no AI edit in live history")
		return
	}
	record, ok := a.Buffer.Get(key)
	if !ok {
		a.error(w, http.StatusGone, "buffer_expired", "staged edit is gone")
		return
	}
	a.json(w, http.StatusOK, resolvePayload{
		Key:          record.Key,
		MIME:         record.MIME,
		Width:        record.Width,
		Height:       record.Height,
		AttachmentID: record.AttachmentID,
		Provider:     record.Context.Provider,
		Model:        record.Context.Model,
		Prompt:       record.Context.Prompt,
	})
}
