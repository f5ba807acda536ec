package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"retouch/internal/adapter/repo"
	"retouch/internal/editbuffer"
	"retouch/internal/history"
	"retouch/internal/imagine"
	"retouch/internal/normalize"
)

type referencePayload struct {
	Path     string `json:"path"`
	MIME     string `json:"mime"`
	Filename string `json:"filename"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type generateRequest struct {
	Prompt      string             `json:"prompt"`
	Provider    string             `json:"provider"`
	Model       string             `json:"model"`
	Format      string             `json:"format"`
	AspectRatio string             `json:"aspect_ratio"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	References  []referencePayload `json:"references"`
}

type editRequest struct {
	SourceAttachmentID int64              `json:"source_attachment_id"`
	Prompt             string             `json:"prompt"`
	Provider           string             `json:"provider"`
	Model              string             `json:"model"`
	Format             string             `json:"format"`
	SourcePath         string             `json:"source_path"`
	TargetWidth        int                `json:"target_width"`
	TargetHeight       int                `json:"target_height"`
	SaveMode           string             `json:"save_mode"`
	References         []referencePayload `json:"references"`
	Operations         []json.RawMessage  `json:"operations"`
	UndoneCount        int                `json:"undone_count"`
}

type imagePayload struct {
	MIME   string `json:"mime"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   string `json:"data"`
}

type bufferPayload struct {
	Key    string `json:"key"`
	MIME   string `json:"mime"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ImagesGenerate runs a text-to-image request through the selected provider
// and returns the normalized result inline.
func (a *App) ImagesGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}
	if len(req.References) > imagine.MaxReferenceImages {
		a.error(w, http.StatusBadRequest, "bad_request", "too many reference images")
		return
	}
	provider, ok := a.provider(req.Provider)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported provider")
		return
	}
	format := a.format(req.Format)

	img, err := provider.Generate(r.Context(), imagine.GenerateRequest{
		Prompt:      req.Prompt,
		Provider:    a.providerName(req.Provider),
		Model:       req.Model,
		Format:      format,
		AspectRatio: req.AspectRatio,
		Width:       req.Width,
		Height:      req.Height,
		References:  toReferences(req.References),
	})
	if err != nil {
		a.coreError(w, r, err)
		return
	}
	normalized, err := normalize.Normalize(img.Data, format, req.Width, req.Height)
	if err != nil {
		a.coreError(w, r, err)
		return
	}

	a.audit(r, repo.EditRecord{
		Operation: "generate",
		Provider:  a.providerName(req.Provider),
		Model:     req.Model,
		Prompt:    req.Prompt,
		MIME:      normalized.MIME,
		Width:     normalized.Width,
		Height:    normalized.Height,
	})
	a.json(w, http.StatusOK, imagePayload{
		MIME:   normalized.MIME,
		Width:  normalized.Width,
		Height: normalized.Height,
		Data:   base64.StdEncoding.EncodeToString(normalized.Data),
	})
}

// ImagesEdit applies an AI edit on top of either the original source file or
// the most recent live staged edit from the host editor's history log. With
// save_mode "buffer" the result is staged and only the token goes back to the
// client; with "final" the pixels are returned inline for persistence.
func (a *App) ImagesEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}
	if len(req.References) > imagine.MaxReferenceImages {
		a.error(w, http.StatusBadRequest, "bad_request", "too many reference images")
		return
	}
	saveMode := strings.TrimSpace(req.SaveMode)
	if saveMode == "" {
		saveMode = imagine.SaveModeBuffer
	}
	if saveMode != imagine.SaveModeBuffer && saveMode != imagine.SaveModeFinal {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported save_mode")
		return
	}
	provider, ok := a.provider(req.Provider)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported provider")
		return
	}
	format := a.format(req.Format)

	// Chain on the newest live AI edit when the history log names one. A
	// token that no longer resolves is a recoverable condition for the user,
	// never a silent fallback to the unedited source.
	sourcePath := req.SourcePath
	if key, found := history.ResolveBaseToken(req.Operations, req.UndoneCount); found {
		record, live := a.Buffer.Get(key)
		if !live {
			a.coreError(w, r, imagine.E(imagine.KindBufferExpired, "edit.chain", "", "", "staged edit is gone"))
			return
		}
		sourcePath = record.Path
	}
	if strings.TrimSpace(sourcePath) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "source_path is required")
		return
	}

	img, err := provider.Edit(r.Context(), imagine.EditRequest{
		SourceAttachmentID: req.SourceAttachmentID,
		Prompt:             req.Prompt,
		Provider:           a.providerName(req.Provider),
		Model:              req.Model,
		Format:             format,
		SourcePath:         sourcePath,
		TargetWidth:        req.TargetWidth,
		TargetHeight:       req.TargetHeight,
		SaveMode:           saveMode,
		References:         toReferences(req.References),
	})
	if err != nil {
		a.coreError(w, r, err)
		return
	}
	normalized, err := normalize.Normalize(img.Data, format, req.TargetWidth, req.TargetHeight)
	if err != nil {
		a.coreError(w, r, err)
		return
	}

	if saveMode == imagine.SaveModeFinal {
		a.audit(r, repo.EditRecord{
			AttachmentID: req.SourceAttachmentID,
			Operation:    "edit",
			Provider:     a.providerName(req.Provider),
			Model:        req.Model,
			Prompt:       req.Prompt,
			MIME:         normalized.MIME,
			Width:        normalized.Width,
			Height:       normalized.Height,
		})
		a.json(w, http.StatusOK, imagePayload{
			MIME:   normalized.MIME,
			Width:  normalized.Width,
			Height: normalized.Height,
			Data:   base64.StdEncoding.EncodeToString(normalized.Data),
		})
		return
	}

	record, err := a.Buffer.Store(r.Context(), a.currentUserID(r), normalized, req.SourceAttachmentID, editbuffer.Context{
		Provider:  a.providerName(req.Provider),
		Model:     req.Model,
		Prompt:    req.Prompt,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		a.Logger.Error().Err(err).Msg("stage edit result")
		a.error(w, http.StatusInternalServerError, "internal", "failed to stage edit result")
		return
	}
	a.audit(r, repo.EditRecord{
		AttachmentID: req.SourceAttachmentID,
		Operation:    "edit",
		Provider:     a.providerName(req.Provider),
		Model:        req.Model,
		Prompt:       req.Prompt,
		MIME:         record.MIME,
		Width:        record.Width,
		Height:       record.Height,
		BufferKey:    record.Key,
	})
	a.json(w, http.StatusOK, bufferPayload{
		Key:    record.Key,
		MIME:   record.MIME,
		Width:  record.Width,
		Height: record.Height,
	})
}

func (a *App) provider(name string) (imagine.Provider, bool) {
	return a.Providers.Lookup(a.providerName(name))
}

func (a *App) providerName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return a.DefaultProvider
	}
	return name
}

func (a *App) format(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return a.DefaultFormat
	}
	return format
}

func toReferences(payloads []referencePayload) []imagine.ReferenceImage {
	if len(payloads) == 0 {
		return nil
	}
	refs := make([]imagine.ReferenceImage, 0, len(payloads))
	for _, p := range payloads {
		refs = append(refs, imagine.ReferenceImage{
			Path:     p.Path,
			MIME:     p.MIME,
			Filename: p.Filename,
			Width:    p.Width,
			Height:   p.Height,
		})
	}
	return refs
}

// audit best-effort records the operation; a missing database or a failed
// insert never fails the user request.
func (a *App) audit(r *http.Request, record repo.EditRecord) {
	if a.Audit == nil {
		return
	}
	record.UserID = a.currentUserID(r)
	if _, err := a.Audit.Save(r.Context(), record); err != nil {
		a.Logger.Warn().Err(err).Msg("audit insert failed")
	}
}
