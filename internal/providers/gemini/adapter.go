package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"retouch/internal/imagine"
	"retouch/internal/infra"
)

const providerName = "gemini"

// Options configures the Gemini adapter.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Adapter talks to the Generative Language API. It serves two model families
// behind one Generate method: the multi-modal generateContent surface and the
// Imagen predict surface, which differ in endpoint, request shape and
// response envelope.
type Adapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewAdapter constructs an adapter with sane defaults.
func NewAdapter(opts Options) (*Adapter, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-2.5-flash-image"
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
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (a *Adapter) Supports(c imagine.Capability) bool {
	switch c {
	case imagine.CapabilityEdit, imagine.CapabilityMultiReference, imagine.CapabilityAspectRatio:
		return true
	}
	return false
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities,omitempty"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error"`
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate produces an image from a prompt and optional reference images,
// branching transport and parsing per model family.
func (a *Adapter) Generate(ctx context.Context, req imagine.GenerateRequest) (*imagine.BinaryImage, error) {
	const op = "gemini.generate"
	spec, err := a.precheck(op, req.Model, len(req.References))
	if err != nil {
		return nil, err
	}
	if spec.family == familyPredict {
		if len(req.References) > 0 {
			return nil, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
				"model does not accept reference images")
		}
		return a.predict(ctx, op, spec, req)
	}

	parts := []part{{Text: imagine.NormalizePrompt(req.Prompt)}}
	parts, err = appendImageParts(op, spec, parts, req.References)
	if err != nil {
		return nil, err
	}
	return a.generateContent(ctx, op, spec, parts, req)
}

// Edit reworks the source image. Part ordering is a correctness invariant:
// the API treats the last inlined image as the primary edit target, so the
// source always goes after every reference.
func (a *Adapter) Edit(ctx context.Context, req imagine.EditRequest) (*imagine.BinaryImage, error) {
	const op = "gemini.edit"
	spec, err := a.precheck(op, req.Model, len(req.References))
	if err != nil {
		return nil, err
	}
	if spec.family == familyPredict || !spec.edit {
		return nil, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
			"model does not support editing")
	}
	if _, statErr := os.Stat(req.SourcePath); statErr != nil {
		return nil, imagine.E(imagine.KindConfiguration, op, providerName, spec.apiModel,
			"source image is not readable", statErr)
	}

	parts := []part{{Text: imagine.NormalizePrompt(req.Prompt)}}
	parts, err = appendImageParts(op, spec, parts, req.References)
	if err != nil {
		return nil, err
	}
	srcData, srcMIME, readErr := imagine.ReadImageFile(req.SourcePath, "")
	if readErr != nil {
		return nil, imagine.E(imagine.KindConfiguration, op, providerName, spec.apiModel,
			"source image is not readable", readErr)
	}
	parts = append(parts, part{InlineData: &inlineData{
		MimeType: srcMIME,
		Data:     base64.StdEncoding.EncodeToString(srcData),
	}})

	genReq := imagine.GenerateRequest{
		AspectRatio: "",
		Width:       req.TargetWidth,
		Height:      req.TargetHeight,
	}
	return a.generateContent(ctx, op, spec, parts, genReq)
}

// precheck enforces the fail-fast preconditions shared by both operations.
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

// appendImageParts inlines the reference images in caller-supplied order.
func appendImageParts(op string, spec modelSpec, parts []part, refs []imagine.ReferenceImage) ([]part, error) {
	for _, ref := range refs {
		data, mime, err := imagine.ReadImageFile(ref.Path, ref.MIME)
		if err != nil {
			return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel,
				"reference image is not readable", err)
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	return parts, nil
}

func (a *Adapter) generateContent(ctx context.Context, op string, spec modelSpec, parts []part, req imagine.GenerateRequest) (*imagine.BinaryImage, error) {
	payload := generateContentRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
		},
	}
	cfg := imageConfig{AspectRatio: requestRatio(req)}
	if spec.imageSize {
		cfg.ImageSize = imageSizeFor(req.Width, req.Height)
	}
	if cfg.AspectRatio != "" || cfg.ImageSize != "" {
		payload.GenerationConfig.ImageConfig = &cfg
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, spec.apiModel)
	raw, err := a.post(ctx, op, spec, endpoint, payload)
	if err != nil {
		return nil, err
	}
	var decoded generateContentResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode response", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, imagine.E(imagine.KindProviderError, op, providerName, spec.apiModel, decoded.Error.Message)
	}
	for _, candidate := range decoded.Candidates {
		for _, p := range candidate.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			data, decErr := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if decErr != nil {
				return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode inline data", decErr)
			}
			return a.finish(op, spec, data, p.InlineData.MimeType)
		}
	}
	return nil, imagine.E(imagine.KindNoImageReturned, op, providerName, spec.apiModel, "response carried no image part")
}

func (a *Adapter) predict(ctx context.Context, op string, spec modelSpec, req imagine.GenerateRequest) (*imagine.BinaryImage, error) {
	payload := predictRequest{
		Instances:  []predictInstance{{Prompt: imagine.NormalizePrompt(req.Prompt)}},
		Parameters: predictParameters{SampleCount: 1, AspectRatio: requestRatio(req)},
	}
	endpoint := fmt.Sprintf("%s/models/%s:predict", a.baseURL, spec.apiModel)
	raw, err := a.post(ctx, op, spec, endpoint, payload)
	if err != nil {
		return nil, err
	}
	var decoded predictResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode response", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, imagine.E(imagine.KindProviderError, op, providerName, spec.apiModel, decoded.Error.Message)
	}
	if len(decoded.Predictions) == 0 || decoded.Predictions[0].BytesBase64Encoded == "" {
		return nil, imagine.E(imagine.KindNoImageReturned, op, providerName, spec.apiModel, "response carried no prediction")
	}
	data, decErr := base64.StdEncoding.DecodeString(decoded.Predictions[0].BytesBase64Encoded)
	if decErr != nil {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode prediction bytes", decErr)
	}
	return a.finish(op, spec, data, decoded.Predictions[0].MimeType)
}

func (a *Adapter) post(ctx context.Context, op string, spec modelSpec, endpoint string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.apiKey)

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
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error *apiError `json:"error"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
			return nil, imagine.E(imagine.KindProviderError, op, providerName, spec.apiModel, envelope.Error.Message)
		}
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel,
			fmt.Sprintf("status %d", resp.StatusCode))
	}
	return raw, nil
}

// finish decodes dimensions from the actual bytes before handing the image
// back.
func (a *Adapter) finish(op string, spec modelSpec, data []byte, mimeHint string) (*imagine.BinaryImage, error) {
	img, err := imagine.NewBinaryImage(data, mimeHint)
	if err != nil {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "undecodable image bytes", err)
	}
	a.logger.Debug().
		Str("model", spec.apiModel).
		Int("width", img.Width).
		Int("height", img.Height).
		Msg("gemini: image ready")
	return img, nil
}

var _ imagine.Provider = (*Adapter)(nil)
