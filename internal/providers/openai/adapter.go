package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"retouch/internal/imagine"
	"retouch/internal/infra"
)

const providerName = "openai"

// Options configures the OpenAI adapter.
type Options struct {
	APIKey         string
	BaseURL        string
	Org            string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Adapter talks to the Image API. Plain generation is a JSON POST; edits and
// reference-conditioned generation both ride the multipart edits endpoint,
// because the API has no native multi-image generations call.
type Adapter struct {
	apiKey     string
	baseURL    string
	org        string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

func NewAdapter(opts Options) (*Adapter, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-image-1"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Adapter{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		org:        strings.TrimSpace(opts.Org),
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (a *Adapter) Supports(c imagine.Capability) bool {
	switch c {
	case imagine.CapabilityEdit, imagine.CapabilityMultiReference:
		return true
	}
	return false
}

type generationsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// Generate produces an image. With zero references it is a JSON call to the
// generations endpoint; with references it becomes a multipart call to the
// edits endpoint carrying only the reference images.
func (a *Adapter) Generate(ctx context.Context, req imagine.GenerateRequest) (*imagine.BinaryImage, error) {
	const op = "openai.generate"
	spec, err := a.precheck(op, req.Model, len(req.References))
	if err != nil {
		return nil, err
	}
	size := nearestCanvas(spec, req.Width, req.Height, req.AspectRatio)

	if len(req.References) > 0 {
		if !spec.edit {
			return nil, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
				"model does not accept reference images")
		}
		images, err := loadImageFields(op, spec, nil, req.References)
		if err != nil {
			return nil, err
		}
		return a.editsCall(ctx, op, spec, imagine.NormalizePrompt(req.Prompt), size, images)
	}

	payload := generationsRequest{
		Model:  spec.apiModel,
		Prompt: imagine.NormalizePrompt(req.Prompt),
		N:      1,
		Size:   size.String(),
	}
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "encode request", marshalErr)
	}
	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/images/generations", bytes.NewReader(body))
	if reqErr != nil {
		return nil, imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "build request", reqErr)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return a.send(ctx, op, spec, httpReq)
}

// Edit reworks the source image through the multipart edits endpoint. The
// source is always image[0] and references follow in caller order.
func (a *Adapter) Edit(ctx context.Context, req imagine.EditRequest) (*imagine.BinaryImage, error) {
	const op = "openai.edit"
	spec, err := a.precheck(op, req.Model, len(req.References))
	if err != nil {
		return nil, err
	}
	if !spec.edit {
		return nil, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
			"model does not support editing")
	}
	if _, statErr := os.Stat(req.SourcePath); statErr != nil {
		return nil, imagine.E(imagine.KindConfiguration, op, providerName, spec.apiModel,
			"source image is not readable", statErr)
	}
	source := &imagine.ReferenceImage{Path: req.SourcePath, Filename: "source.png"}
	images, err := loadImageFields(op, spec, source, req.References)
	if err != nil {
		return nil, err
	}
	size := nearestCanvas(spec, req.TargetWidth, req.TargetHeight, "")
	return a.editsCall(ctx, op, spec, imagine.NormalizePrompt(req.Prompt), size, images)
}

func (a *Adapter) precheck(op, model string, refCount int) (modelSpec, error) {
	if a.apiKey == "" {
		return modelSpec{}, imagine.E(imagine.KindConfiguration, op, providerName, model, "api key is required")
	}
	name := model
	if strings.TrimSpace(name) == "" {
		name = a.model
	}
	spec, ok := resolveModel(name)
	if !ok {
		return modelSpec{}, imagine.E(imagine.KindConfiguration, op, providerName, name, "unknown model")
	}
	if refCount > imagine.MaxReferenceImages {
		return modelSpec{}, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel,
			fmt.Sprintf("at most %d reference images are allowed", imagine.MaxReferenceImages))
	}
	if refCount > 1 && !spec.multiReference {
		return modelSpec{}, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
			"model does not support multi-reference composition")
	}
	return spec, nil
}

// imageField is one in-memory file destined for an indexed multipart part.
type imageField struct {
	filename string
	data     []byte
}

func loadImageFields(op string, spec modelSpec, source *imagine.ReferenceImage, refs []imagine.ReferenceImage) ([]imageField, error) {
	var fields []imageField
	if source != nil {
		data, _, err := imagine.ReadImageFile(source.Path, source.MIME)
		if err != nil {
			return nil, imagine.E(imagine.KindConfiguration, op, providerName, spec.apiModel,
				"source image is not readable", err)
		}
		fields = append(fields, imageField{filename: source.Filename, data: data})
	}
	for i, ref := range refs {
		data, _, err := imagine.ReadImageFile(ref.Path, ref.MIME)
		if err != nil {
			return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel,
				"reference image is not readable", err)
		}
		filename := strings.TrimSpace(ref.Filename)
		if filename == "" {
			filename = fmt.Sprintf("reference%d.png", i)
		}
		fields = append(fields, imageField{filename: filename, data: data})
	}
	return fields, nil
}

func (a *Adapter) editsCall(ctx context.Context, op string, spec modelSpec, prompt string, size canvas, images []imageField) (*imagine.BinaryImage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("model", spec.apiModel); err != nil {
		return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "write multipart field", err)
	}
	if err := w.WriteField("prompt", prompt); err != nil {
		return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "write multipart field", err)
	}
	if err := w.WriteField("n", "1"); err != nil {
		return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "write multipart field", err)
	}
	if err := w.WriteField("size", size.String()); err != nil {
		return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "write multipart field", err)
	}
	for i, img := range images {
		part, err := w.CreateFormFile(fmt.Sprintf("image[%d]", i), img.filename)
		if err != nil {
			return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "create multipart file", err)
		}
		if _, err := part.Write(img.data); err != nil {
			return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "write multipart file", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "finalize multipart body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/images/edits", &buf)
	if err != nil {
		return nil, imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "build request", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	return a.send(ctx, op, spec, httpReq)
}

func (a *Adapter) send(ctx context.Context, op string, spec modelSpec, httpReq *http.Request) (*imagine.BinaryImage, error) {
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		kind := imagine.KindNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = imagine.KindTimeout
		}
		return nil, imagine.E(kind, op, providerName, spec.apiModel, "http request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "read response", err)
	}
	var decoded imageResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode >= 300 {
			return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel,
				fmt.Sprintf("status %d", resp.StatusCode))
		}
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode response", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, imagine.E(imagine.KindProviderError, op, providerName, spec.apiModel, decoded.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel,
			fmt.Sprintf("status %d", resp.StatusCode))
	}
	if len(decoded.Data) == 0 {
		return nil, imagine.E(imagine.KindNoImageReturned, op, providerName, spec.apiModel, "response carried no image")
	}

	entry := decoded.Data[0]
	var data []byte
	mimeHint := ""
	switch {
	case entry.B64JSON != "":
		data, err = base64.StdEncoding.DecodeString(entry.B64JSON)
		if err != nil {
			return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode image bytes", err)
		}
	case entry.URL != "":
		data, mimeHint, err = a.download(ctx, op, spec, entry.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, imagine.E(imagine.KindNoImageReturned, op, providerName, spec.apiModel, "response carried no image")
	}

	img, imgErr := imagine.NewBinaryImage(data, mimeHint)
	if imgErr != nil {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "undecodable image bytes", imgErr)
	}
	a.logger.Debug().
		Str("model", spec.apiModel).
		Int("width", img.Width).
		Int("height", img.Height).
		Msg("openai: image ready")
	return img, nil
}

func (a *Adapter) download(ctx context.Context, op string, spec modelSpec, imageURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil || parsed.Scheme == "" {
		return nil, "", imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel,
			fmt.Sprintf("invalid image url: %s", imageURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "build download request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "download image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel,
			fmt.Sprintf("download status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "read image", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

var _ imagine.Provider = (*Adapter)(nil)
