package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"retouch/internal/editbuffer"
	"retouch/internal/http/handlers"
	"retouch/internal/http/httpapi"
	"retouch/internal/imagine"
	"retouch/internal/infra"
)

// fakeProvider returns a fixed image and records the last request so tests
// can assert on what the HTTP layer handed to the core.
type fakeProvider struct {
	img      *imagine.BinaryImage
	err      error
	lastEdit *imagine.EditRequest
	lastGen  *imagine.GenerateRequest
}

func (f *fakeProvider) Generate(_ context.Context, req imagine.GenerateRequest) (*imagine.BinaryImage, error) {
	f.lastGen = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

func (f *fakeProvider) Edit(_ context.Context, req imagine.EditRequest) (*imagine.BinaryImage, error) {
	f.lastEdit = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

func (f *fakeProvider) Supports(imagine.Capability) bool { return true }

func pngImage(t *testing.T, width, height int) *imagine.BinaryImage {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return &imagine.BinaryImage{Data: buf.Bytes(), MIME: "image/png", Width: width, Height: height}
}

func newTestRouter(t *testing.T, provider imagine.Provider) (http.Handler, *editbuffer.Store) {
	t.Helper()
	registry := imagine.NewRegistry()
	registry.Register("gemini", provider)

	buffer, err := editbuffer.New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	logger := infra.Logger(zerolog.New(io.Discard))
	app := handlers.NewApp(registry, buffer, nil, logger, "gemini", "png")
	router := httpapi.NewRouter(app, httpapi.Options{Logger: logger, DefaultLocale: "en"})
	return router, buffer
}

func postJSON(t *testing.T, router http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{img: pngImage(t, 1, 1)})
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateReturnsInlineImage(t *testing.T) {
	provider := &fakeProvider{img: pngImage(t, 8, 6)}
	router, _ := newTestRouter(t, provider)

	rec := postJSON(t, router, "/v1/images/generate", map[string]any{
		"prompt": "a misty forest",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		MIME   string `json:"mime"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Data   string `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.MIME != "image/png" || payload.Width != 8 || payload.Height != 6 {
		t.Fatalf("payload = %+v", payload)
	}
	if _, err := base64.StdEncoding.DecodeString(payload.Data); err != nil {
		t.Fatalf("data is not base64: %v", err)
	}
	if provider.lastGen == nil || provider.lastGen.Prompt != "a misty forest" {
		t.Fatalf("provider saw %+v", provider.lastGen)
	}
}

func TestGenerateRequiresPrompt(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{img: pngImage(t, 1, 1)})
	rec := postJSON(t, router, "/v1/images/generate", map[string]any{"prompt": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEditBufferModeStagesResult(t *testing.T) {
	provider := &fakeProvider{img: pngImage(t, 10, 10)}
	router, buffer := newTestRouter(t, provider)

	source := writeTempPNG(t, 4, 4)
	rec := postJSON(t, router, "/v1/images/edit", map[string]any{
		"prompt":      "brighten",
		"source_path": source,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Key    string `json:"key"`
		MIME   string `json:"mime"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Key) != 64 {
		t.Fatalf("key = %q, want buffer token", payload.Key)
	}
	if _, ok := buffer.Get(payload.Key); !ok {
		t.Fatalf("token should resolve in the buffer store")
	}

	// Staged bytes are served back under the token.
	req := httptest.NewRequest(http.MethodGet, "/v1/edits/"+payload.Key, nil)
	get := httptest.NewRecorder()
	router.ServeHTTP(get, req)
	if get.Code != http.StatusOK {
		t.Fatalf("get staged: status = %d", get.Code)
	}
	if ct := get.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if provider.lastEdit == nil || provider.lastEdit.SourcePath != source {
		t.Fatalf("provider saw %+v", provider.lastEdit)
	}
}

func TestEditFinalModeReturnsInlineBytes(t *testing.T) {
	provider := &fakeProvider{img: pngImage(t, 5, 5)}
	router, _ := newTestRouter(t, provider)

	rec := postJSON(t, router, "/v1/images/edit", map[string]any{
		"prompt":      "brighten",
		"source_path": writeTempPNG(t, 4, 4),
		"save_mode":   "final",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["data"]; !ok {
		t.Fatalf("final mode must return inline bytes, got %v", payload)
	}
	if _, ok := payload["key"]; ok {
		t.Fatalf("final mode must not stage a buffer record")
	}
}

func TestEditChainsOnLiveHistoryEntry(t *testing.T) {
	provider := &fakeProvider{img: pngImage(t, 5, 5)}
	router, buffer := newTestRouter(t, provider)

	staged, err := buffer.Store(context.Background(), "u", pngImage(t, 9, 9), 7, editbuffer.Context{})
	if err != nil {
		t.Fatalf("stage base: %v", err)
	}

	rec := postJSON(t, router, "/v1/images/edit", map[string]any{
		"prompt":      "now add snow",
		"source_path": writeTempPNG(t, 4, 4),
		"operations": []any{
			map[string]any{"type": "crop"},
			map[string]any{"banana": map[string]any{"key": staged.Key, "width": 9, "height": 9, "mime": "image/png"}},
		},
		"undone_count": 0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if provider.lastEdit == nil || provider.lastEdit.SourcePath != staged.Path {
		t.Fatalf("edit should chain on the staged file, saw %+v", provider.lastEdit)
	}
}

func TestEditExpiredHistoryTokenIsGone(t *testing.T) {
	provider := &fakeProvider{img: pngImage(t, 5, 5)}
	router, _ := newTestRouter(t, provider)

	dead := strings.Repeat("ab", 32)
	rec := postJSON(t, router, "/v1/images/edit", map[string]any{
		"prompt":      "now add snow",
		"source_path": writeTempPNG(t, 4, 4),
		"operations": []any{
			map[string]any{"banana": map[string]any{"key": dead, "width": 9, "height": 9, "mime": "image/png"}},
		},
	})
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	if provider.lastEdit != nil {
		t.Fatalf("provider must not be called for a dead chain base")
	}
}

func TestEditUndoneMarkerFallsBackToSource(t *testing.T) {
	provider := &fakeProvider{img: pngImage(t, 5, 5)}
	router, buffer := newTestRouter(t, provider)

	staged, err := buffer.Store(context.Background(), "u", pngImage(t, 9, 9), 7, editbuffer.Context{})
	if err != nil {
		t.Fatalf("stage base: %v", err)
	}
	source := writeTempPNG(t, 4, 4)
	rec := postJSON(t, router, "/v1/images/edit", map[string]any{
		"prompt":      "retry from the original",
		"source_path": source,
		"operations": []any{
			map[string]any{"banana": map[string]any{"key": staged.Key, "width": 9, "height": 9, "mime": "image/png"}},
		},
		"undone_count": 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if provider.lastEdit == nil || provider.lastEdit.SourcePath != source {
		t.Fatalf("undone marker must not be chained on, saw %+v", provider.lastEdit)
	}
}

func TestCoreErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{imagine.E(imagine.KindTimeout, "op", "gemini", "m"), http.StatusGatewayTimeout, "timeout"},
		{imagine.E(imagine.KindUnsupportedCapability, "op", "gemini", "m"), http.StatusUnprocessableEntity, "unsupported_capability"},
		{imagine.E(imagine.KindNoImageReturned, "op", "gemini", "m"), http.StatusBadGateway, "no_image_returned"},
		{imagine.E(imagine.KindConfiguration, "op", "gemini", "m"), http.StatusInternalServerError, "configuration"},
	}
	for _, tc := range cases {
		provider := &fakeProvider{err: tc.err}
		router, _ := newTestRouter(t, provider)
		rec := postJSON(t, router, "/v1/images/generate", map[string]any{"prompt": "x"})
		if rec.Code != tc.wantStatus {
			t.Errorf("%s: status = %d, want %d", tc.wantCode, rec.Code, tc.wantStatus)
			continue
		}
		var payload map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
			t.Errorf("%s: decode: %v", tc.wantCode, err)
			continue
		}
		if payload["error"] != tc.wantCode {
			t.Errorf("error code = %q, want %q", payload["error"], tc.wantCode)
		}
	}
}

func TestProviderErrorMessagePassesThrough(t *testing.T) {
	provider := &fakeProvider{err: imagine.E(imagine.KindProviderError, "op", "gemini", "m", "quota exceeded for project")}
	router, _ := newTestRouter(t, provider)

	rec := postJSON(t, router, "/v1/images/generate", map[string]any{"prompt": "x"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["message"] != "quota exceeded for project" {
		t.Fatalf("message = %q, want the upstream text verbatim", payload["message"])
	}
}

func TestLocalizedCategoryMessage(t *testing.T) {
	provider := &fakeProvider{err: imagine.E(imagine.KindTimeout, "op", "gemini", "m")}
	router, _ := newTestRouter(t, provider)

	body, _ := json.Marshal(map[string]any{"prompt": "x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generate", bytes.NewReader(body))
	req.Header.Set("X-Locale", "id")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(payload["message"], "Silakan coba lagi") {
		t.Fatalf("message = %q, want the Indonesian category text", payload["message"])
	}
}

func TestResolveEndpoint(t *testing.T) {
	router, buffer := newTestRouter(t, &fakeProvider{img: pngImage(t, 1, 1)})
	staged, err := buffer.Store(context.Background(), "u", pngImage(t, 9, 9), 7, editbuffer.Context{Provider: "gemini", Prompt: "warm it up"})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	rec := postJSON(t, router, "/v1/edits/resolve", map[string]any{
		"operations": []any{
			map[string]any{"banana": map[string]any{"key": staged.Key, "width": 9, "height": 9, "mime": "image/png"}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["key"] != staged.Key || payload["prompt"] != "warm it up" {
		t.Fatalf("payload = %v", payload)
	}

	// No marker in the live log.
	empty := postJSON(t, router, "/v1/edits/resolve", map[string]any{"operations": []any{}})
	if empty.Code != http.StatusNotFound {
		t.Fatalf("empty log: status = %d, want 404", empty.Code)
	}

	// Marker present but record gone.
	gone := postJSON(t, router, "/v1/edits/resolve", map[string]any{
		"operations": []any{
			map[string]any{"banana": map[string]any{"key": strings.Repeat("cd", 32)}},
		},
	})
	if gone.Code != http.StatusGone {
		t.Fatalf("dead token: status = %d, want 410", gone.Code)
	}
}

func TestStatsWithoutDatabase(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{img: pngImage(t, 1, 1)})
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestEditsHistoryWithoutDatabase(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{img: pngImage(t, 1, 1)})
	req := httptest.NewRequest(http.MethodGet, "/v1/edits/history", nil)
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestUnknownProviderRejected(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{img: pngImage(t, 1, 1)})
	rec := postJSON(t, router, "/v1/images/generate", map[string]any{
		"prompt":   "x",
		"provider": "midjourney",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func writeTempPNG(t *testing.T, width, height int) string {
	t.Helper()
	img := pngImage(t, width, height)
	path := filepath.Join(t.TempDir(), "source.png")
	if err := os.WriteFile(path, img.Data, 0o600); err != nil {
		t.Fatalf("write temp png: %v", err)
	}
	return path
}
