package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"retouch/internal/imagine"
)

func TestGenerateUsesGenerationsEndpoint(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	adapter := newTestAdapter(t, transport)
	transport.setJSONResponse("/v1/images/generations", map[string]any{
		"data": []any{
			map[string]any{"b64_json": base64.StdEncoding.EncodeToString(pngBytes(t, 2, 2))},
		},
	})

	img, err := adapter.Generate(context.Background(), imagine.GenerateRequest{
		Prompt: "  a  quiet  harbor ",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if img.Width != 2 || img.Height != 2 {
		t.Fatalf("dimensions = %dx%d, want 2x2", img.Width, img.Height)
	}
	if transport.lastAuth != "Bearer test-key" {
		t.Fatalf("authorization = %q", transport.lastAuth)
	}

	var payload map[string]any
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["model"] != "gpt-image-1" {
		t.Fatalf("model = %v", payload["model"])
	}
	if payload["prompt"] != "a quiet harbor" {
		t.Fatalf("prompt = %v, want collapsed whitespace", payload["prompt"])
	}
	if payload["size"] != "1024x1024" {
		t.Fatalf("size = %v, want square fallback", payload["size"])
	}
}

func TestGenerateWithReferencesRidesEditsEndpoint(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	adapter := newTestAdapter(t, transport)
	transport.setJSONResponse("/v1/images/edits", map[string]any{
		"data": []any{
			map[string]any{"b64_json": base64.StdEncoding.EncodeToString(pngBytes(t, 1, 1))},
		},
	})

	dir := t.TempDir()
	refA := writePNG(t, filepath.Join(dir, "a.png"), 1, 1)
	refB := writePNG(t, filepath.Join(dir, "b.png"), 1, 1)

	_, err := adapter.Generate(context.Background(), imagine.GenerateRequest{
		Prompt: "compose both",
		References: []imagine.ReferenceImage{
			{Path: refA, MIME: "image/png", Filename: "styleA.png"},
			{Path: refB, MIME: "image/png"},
		},
	})
	if err != nil {
		t.Fatalf("generate with references: %v", err)
	}

	fields, files := parseMultipart(t, transport)
	if fields["model"] != "gpt-image-1" || fields["prompt"] != "compose both" || fields["n"] != "1" {
		t.Fatalf("fields = %v", fields)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 references and no source", len(files))
	}
	if files[0].field != "image[0]" || files[0].filename != "styleA.png" {
		t.Fatalf("first file = %s %s", files[0].field, files[0].filename)
	}
	if files[1].field != "image[1]" || files[1].filename != "reference1.png" {
		t.Fatalf("second file = %s %s", files[1].field, files[1].filename)
	}
}

func TestEditSendsSourceAsFirstImage(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	adapter := newTestAdapter(t, transport)
	transport.setJSONResponse("/v1/images/edits", map[string]any{
		"data": []any{
			map[string]any{"b64_json": base64.StdEncoding.EncodeToString(pngBytes(t, 1, 1))},
		},
	})

	dir := t.TempDir()
	source := writePNG(t, filepath.Join(dir, "original.png"), 3, 1)
	ref := writePNG(t, filepath.Join(dir, "ref.png"), 1, 1)

	_, err := adapter.Edit(context.Background(), imagine.EditRequest{
		Prompt:     "replace the sky",
		SourcePath: source,
		References: []imagine.ReferenceImage{{Path: ref, MIME: "image/png"}},
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	_, files := parseMultipart(t, transport)
	if len(files) != 2 {
		t.Fatalf("files = %d, want source + reference", len(files))
	}
	if files[0].field != "image[0]" || files[0].filename != "source.png" {
		t.Fatalf("first file = %s %s, want the source image", files[0].field, files[0].filename)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(files[0].data))
	if err != nil {
		t.Fatalf("decode uploaded source: %v", err)
	}
	if cfg.Width != 3 {
		t.Fatalf("image[0] width = %d, want the 3px source", cfg.Width)
	}
}

func TestURLResponseIsDownloaded(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	adapter := newTestAdapter(t, transport)
	transport.setJSONResponse("/v1/images/generations", map[string]any{
		"data": []any{map[string]any{"url": "https://cdn.openai.test/out.png"}},
	})
	transport.responses["https://cdn.openai.test/out.png"] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"image/png"}},
		body:   pngBytes(t, 5, 4),
	}

	img, err := adapter.Generate(context.Background(), imagine.GenerateRequest{
		Prompt: "harbor",
		Model:  "dall-e-3",
		Width:  1792,
		Height: 1024,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if img.Width != 5 || img.Height != 4 {
		t.Fatalf("dimensions = %dx%d, want the downloaded image", img.Width, img.Height)
	}
}

func TestErrorEnvelopeBecomesProviderError(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	adapter := newTestAdapter(t, transport)
	transport.responses["/v1/images/generations"] = responseStub{
		status: http.StatusBadRequest,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   []byte(`{"error":{"message":"billing hard limit reached","type":"invalid_request_error"}}`),
	}

	_, err := adapter.Generate(context.Background(), imagine.GenerateRequest{Prompt: "x"})
	if imagine.KindOf(err) != imagine.KindProviderError {
		t.Fatalf("kind = %v, want provider_error", imagine.KindOf(err))
	}
	var coreErr *imagine.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("expected *imagine.Error, got %T", err)
	}
	if coreErr.Message != "billing hard limit reached" {
		t.Fatalf("message = %q", coreErr.Message)
	}
}

func TestMultiReferenceRejectedForSingleRefModels(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	adapter := newTestAdapter(t, transport)

	_, err := adapter.Edit(context.Background(), imagine.EditRequest{
		Prompt:     "combine",
		Model:      "dall-e-2",
		SourcePath: "unused.png",
		References: []imagine.ReferenceImage{
			{Path: "a.png", MIME: "image/png"},
			{Path: "b.png", MIME: "image/png"},
		},
	})
	if imagine.KindOf(err) != imagine.KindUnsupportedCapability {
		t.Fatalf("kind = %v, want unsupported_capability", imagine.KindOf(err))
	}
	if transport.calls != 0 {
		t.Fatalf("transport calls = %d, want 0", transport.calls)
	}
}

func TestGenerationOnlyModelRejectsEdit(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	adapter := newTestAdapter(t, transport)

	_, err := adapter.Edit(context.Background(), imagine.EditRequest{
		Prompt:     "retouch",
		Model:      "dall-e-3",
		SourcePath: "unused.png",
	})
	if imagine.KindOf(err) != imagine.KindUnsupportedCapability {
		t.Fatalf("kind = %v, want unsupported_capability", imagine.KindOf(err))
	}
}

func TestNearestCanvasBucketing(t *testing.T) {
	cases := []struct {
		model  string
		width  int
		height int
		ratio  string
		want   string
	}{
		{"gpt-image-1", 0, 0, "", "1024x1024"},
		{"gpt-image-1", 1920, 1080, "", "1536x1024"},
		{"gpt-image-1", 1080, 1920, "", "1024x1536"},
		{"gpt-image-1", 0, 0, "16:9", "1536x1024"},
		{"dall-e-3", 0, 0, "16:9", "1792x1024"},
		{"dall-e-2", 800, 800, "", "512x512"},
		{"dall-e-2", 300, 300, "", "256x256"},
	}
	for _, tc := range cases {
		spec, ok := resolveModel(tc.model)
		if !ok {
			t.Fatalf("unknown model %s", tc.model)
		}
		got := nearestCanvas(spec, tc.width, tc.height, tc.ratio).String()
		if got != tc.want {
			t.Errorf("nearestCanvas(%s, %dx%d, %q) = %s, want %s", tc.model, tc.width, tc.height, tc.ratio, got, tc.want)
		}
	}
}

func newTestAdapter(t *testing.T, transport *captureTransport) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(Options{
		APIKey:     "test-key",
		BaseURL:    "https://openai.test/v1",
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func writePNG(t *testing.T, path string, width, height int) string {
	t.Helper()
	if err := os.WriteFile(path, pngBytes(t, width, height), 0o600); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

type uploadedFile struct {
	field    string
	filename string
	data     []byte
}

func parseMultipart(t *testing.T, transport *captureTransport) (map[string]string, []uploadedFile) {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(transport.lastContentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		t.Fatalf("content type = %q: %v", transport.lastContentType, err)
	}
	reader := multipart.NewReader(bytes.NewReader(transport.lastBody), params["boundary"])
	fields := map[string]string{}
	var files []uploadedFile
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read multipart: %v", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if part.FileName() == "" {
			fields[part.FormName()] = string(data)
			continue
		}
		files = append(files, uploadedFile{field: part.FormName(), filename: part.FileName(), data: data})
	}
	return fields, files
}

type captureTransport struct {
	responses       map[string]responseStub
	lastBody        []byte
	lastContentType string
	lastAuth        string
	calls           int
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	if req.Method == http.MethodPost && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		c.lastContentType = req.Header.Get("Content-Type")
		c.lastAuth = req.Header.Get("Authorization")
	}
	if stub, ok := c.responses[req.URL.Path]; ok {
		return stub.toResponse(), nil
	}
	if stub, ok := c.responses[req.URL.String()]; ok {
		return stub.toResponse(), nil
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (s responseStub) toResponse() *http.Response {
	header := http.Header{}
	for k, values := range s.header {
		cloned := make([]string, len(values))
		copy(cloned, values)
		header[k] = cloned
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}
