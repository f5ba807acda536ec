package replicate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"retouch/internal/imagine"
	"retouch/internal/infra"
)

const providerName = "replicate"

// Options configures the Replicate adapter. PollInterval and PollDeadline
// govern the wait loop after prediction creation; the deadline is a separate
// budget on top of the creation request timeout.
type Options struct {
	APIToken       string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollDeadline   time.Duration
}

// Adapter drives the asynchronous prediction queue: create a prediction,
// then poll its status URL until output appears, the model fails, or the
// poll deadline elapses.
type Adapter struct {
	apiToken     string
	baseURL      string
	model        string
	httpClient   *http.Client
	logger       *infra.Logger
	pollInterval time.Duration
	pollDeadline time.Duration
}

func NewAdapter(opts Options) (*Adapter, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "google/nano-banana"
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := opts.PollDeadline
	if deadline <= 0 {
		deadline = 60 * time.Second
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
		apiToken:     strings.TrimSpace(opts.APIToken),
		baseURL:      baseURL,
		model:        model,
		httpClient:   httpClient,
		logger:       logger,
		pollInterval: interval,
		pollDeadline: deadline,
	}, nil
}

func (a *Adapter) Supports(c imagine.Capability) bool {
	switch c {
	case imagine.CapabilityEdit, imagine.CapabilityMultiReference, imagine.CapabilityAspectRatio:
		return true
	}
	return false
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
	Detail string `json:"detail"`
}

func (p *prediction) errorMessage() string {
	switch v := p.Error.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

func isPolling(status string) bool {
	return status == "starting" || status == "processing"
}

// Generate creates a prediction and waits for it.
func (a *Adapter) Generate(ctx context.Context, req imagine.GenerateRequest) (*imagine.BinaryImage, error) {
	const op = "replicate.generate"
	spec, err := a.precheck(op, req.Model, len(req.References))
	if err != nil {
		return nil, err
	}
	input := map[string]any{"prompt": imagine.NormalizePrompt(req.Prompt)}
	applySize(input, spec, req.Width, req.Height, req.AspectRatio)
	if len(req.References) > 0 {
		urls, err := encodeReferences(op, spec, req.References)
		if err != nil {
			return nil, err
		}
		if err := applyReferences(op, spec, input, urls); err != nil {
			return nil, err
		}
	}
	return a.run(ctx, op, spec, input)
}

// Edit runs the source image (and any references) through an editing model.
func (a *Adapter) Edit(ctx context.Context, req imagine.EditRequest) (*imagine.BinaryImage, error) {
	const op = "replicate.edit"
	spec, err := a.precheck(op, req.Model, len(req.References))
	if err != nil {
		return nil, err
	}
	if !spec.edit {
		return nil, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
			"model does not support editing")
	}
	if spec.refStyle == refSingle && len(req.References) > 0 {
		return nil, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
			"model accepts only the source image")
	}
	if _, statErr := os.Stat(req.SourcePath); statErr != nil {
		return nil, imagine.E(imagine.KindConfiguration, op, providerName, spec.apiModel,
			"source image is not readable", statErr)
	}

	urls, err := encodeReferences(op, spec, req.References)
	if err != nil {
		return nil, err
	}
	srcData, srcMIME, readErr := imagine.ReadImageFile(req.SourcePath, "")
	if readErr != nil {
		return nil, imagine.E(imagine.KindConfiguration, op, providerName, spec.apiModel,
			"source image is not readable", readErr)
	}
	// The source is appended last so that reversed-order models see it first.
	urls = append(urls, dataURL(srcData, srcMIME))

	input := map[string]any{"prompt": imagine.NormalizePrompt(req.Prompt)}
	applySize(input, spec, req.TargetWidth, req.TargetHeight, "")
	if err := applyReferences(op, spec, input, urls); err != nil {
		return nil, err
	}
	return a.run(ctx, op, spec, input)
}

func (a *Adapter) precheck(op, model string, refCount int) (modelSpec, error) {
	if a.apiToken == "" {
		return modelSpec{}, imagine.E(imagine.KindConfiguration, op, providerName, model, "api token is required")
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
	if refCount > 0 && spec.refStyle == refNone {
		return modelSpec{}, imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
			"model does not accept reference images")
	}
	return spec, nil
}

func encodeReferences(op string, spec modelSpec, refs []imagine.ReferenceImage) ([]string, error) {
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		data, mime, err := imagine.ReadImageFile(ref.Path, ref.MIME)
		if err != nil {
			return nil, imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel,
				"reference image is not readable", err)
		}
		urls = append(urls, dataURL(data, mime))
	}
	return urls, nil
}

func dataURL(data []byte, mime string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// applyReferences writes the image list into the model's reference field.
// An empty list is rejected here rather than serialized as an empty array,
// which several models answer with opaque validation errors.
func applyReferences(op string, spec modelSpec, input map[string]any, urls []string) error {
	if len(urls) == 0 {
		return imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "no usable input images")
	}
	switch spec.refStyle {
	case refSingle:
		input[spec.refField] = urls[len(urls)-1]
	case refArrayReversed:
		reversed := make([]string, 0, len(urls))
		for i := len(urls) - 1; i >= 0; i-- {
			reversed = append(reversed, urls[i])
		}
		input[spec.refField] = reversed
	case refArray:
		input[spec.refField] = urls
	default:
		return imagine.E(imagine.KindUnsupportedCapability, op, providerName, spec.apiModel,
			"model does not accept input images")
	}
	return nil
}

func applySize(input map[string]any, spec modelSpec, width, height int, aspectRatio string) {
	switch spec.sizeStyle {
	case sizeWidthHeight:
		if width > 0 && height > 0 {
			input["width"] = width
			input["height"] = height
		}
	case sizeEnum:
		longest := width
		if height > longest {
			longest = height
		}
		switch {
		case longest <= 0:
		case longest <= 1024:
			input["size"] = "1K"
		case longest <= 2048:
			input["size"] = "2K"
		default:
			input["size"] = "4K"
		}
	case sizeMegapixels:
		if width > 0 && height > 0 {
			mp := "1"
			if float64(width)*float64(height) <= 0.25*1e6 {
				mp = "0.25"
			}
			input["megapixels"] = mp
		}
	case sizeAspectRatio:
		if ratio := nearestAspectRatio(width, height, aspectRatio); ratio != "" {
			input["aspect_ratio"] = ratio
		}
	}
}

var supportedRatios = map[string]float64{
	"1:1": 1, "2:3": 2.0 / 3.0, "3:2": 3.0 / 2.0, "3:4": 3.0 / 4.0,
	"4:3": 4.0 / 3.0, "9:16": 9.0 / 16.0, "16:9": 16.0 / 9.0, "21:9": 21.0 / 9.0,
}

func nearestAspectRatio(width, height int, aspectRatio string) string {
	if r := strings.TrimSpace(aspectRatio); r != "" {
		if _, ok := supportedRatios[r]; ok {
			return r
		}
	}
	if width <= 0 || height <= 0 {
		return ""
	}
	quotient := float64(width) / float64(height)
	best := ""
	bestDiff := math.MaxFloat64
	for ratio, value := range supportedRatios {
		diff := math.Abs(value - quotient)
		if diff < bestDiff {
			best = ratio
			bestDiff = diff
		}
	}
	return best
}

// run executes the create/poll state machine and downloads the output.
func (a *Adapter) run(ctx context.Context, op string, spec modelSpec, input map[string]any) (*imagine.BinaryImage, error) {
	pred, statusURL, err := a.create(ctx, op, spec, input)
	if err != nil {
		return nil, err
	}
	pred, err = a.wait(ctx, op, spec, pred, statusURL)
	if err != nil {
		return nil, err
	}
	outputURL, err := extractOutputURL(pred.Output)
	if err != nil {
		return nil, imagine.E(imagine.KindMissingOutputURL, op, providerName, spec.apiModel,
			"no output url in prediction", err)
	}
	data, mimeHint, err := a.download(ctx, op, spec, outputURL)
	if err != nil {
		return nil, err
	}
	img, imgErr := imagine.NewBinaryImage(data, mimeHint)
	if imgErr != nil {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "undecodable image bytes", imgErr)
	}
	a.logger.Debug().
		Str("model", spec.apiModel).
		Str("prediction_id", pred.ID).
		Int("width", img.Width).
		Int("height", img.Height).
		Msg("replicate: image ready")
	return img, nil
}

func (a *Adapter) create(ctx context.Context, op string, spec modelSpec, input map[string]any) (*prediction, string, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, "", imagine.E(imagine.KindInvalidInput, op, providerName, spec.apiModel, "encode request", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s/predictions", a.baseURL, spec.apiModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiToken)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		kind := imagine.KindNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = imagine.KindTimeout
		}
		return nil, "", imagine.E(kind, op, providerName, spec.apiModel, "http request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "read response", err)
	}
	var pred prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, "", imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode response", err)
	}
	if resp.StatusCode >= 300 {
		msg := pred.errorMessage()
		if msg == "" {
			msg = strings.TrimSpace(pred.Detail)
		}
		if msg != "" {
			return nil, "", imagine.E(imagine.KindProviderError, op, providerName, spec.apiModel, msg)
		}
		return nil, "", imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel,
			fmt.Sprintf("status %d", resp.StatusCode))
	}
	statusURL := pred.URLs.Get
	if statusURL == "" {
		statusURL = resp.Header.Get("Location")
	}
	return &pred, statusURL, nil
}

// wait polls until the prediction leaves the queue. A deadline elapsing while
// the prediction is still starting/processing is a Timeout, never confused
// with a terminal response that lacked output.
func (a *Adapter) wait(ctx context.Context, op string, spec modelSpec, pred *prediction, statusURL string) (*prediction, error) {
	if msg := pred.errorMessage(); msg != "" {
		return nil, imagine.E(imagine.KindProviderError, op, providerName, spec.apiModel, msg)
	}
	if !isPolling(pred.Status) {
		return pred, nil
	}
	if statusURL == "" {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel,
			"prediction is pending but no status url was returned")
	}

	deadline := time.Now().Add(a.pollDeadline)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, imagine.E(imagine.KindTimeout, op, providerName, spec.apiModel, "canceled while polling", ctx.Err())
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, imagine.E(imagine.KindTimeout, op, providerName, spec.apiModel,
				fmt.Sprintf("prediction %s still pending after %s", pred.ID, a.pollDeadline))
		}

		next, err := a.poll(ctx, op, spec, statusURL)
		if err != nil {
			return nil, err
		}
		if msg := next.errorMessage(); msg != "" {
			return nil, imagine.E(imagine.KindProviderError, op, providerName, spec.apiModel, msg)
		}
		if !isPolling(next.Status) {
			return next, nil
		}
		if len(next.Output) > 0 && string(next.Output) != "null" {
			return next, nil
		}
	}
}

func (a *Adapter) poll(ctx context.Context, op string, spec modelSpec, statusURL string) (*prediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "build poll request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiToken)
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "poll request", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "read poll response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel,
			fmt.Sprintf("poll status %d", resp.StatusCode))
	}
	var pred prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, imagine.E(imagine.KindInvalidResponse, op, providerName, spec.apiModel, "decode poll response", err)
	}
	return &pred, nil
}

// extractOutputURL copes with the three output shapes observed in the wild:
// a bare URL string, an array whose first element is a URL string, and an
// array of objects carrying the URL under one of a few keys.
func extractOutputURL(output json.RawMessage) (string, error) {
	if len(output) == 0 || string(output) == "null" {
		return "", errors.New("empty output")
	}
	var bare string
	if err := json.Unmarshal(output, &bare); err == nil {
		if isHTTPURL(bare) {
			return bare, nil
		}
		return "", fmt.Errorf("output string is not a url: %q", bare)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(output, &list); err != nil || len(list) == 0 {
		return "", errors.New("unrecognized output shape")
	}
	var first string
	if err := json.Unmarshal(list[0], &first); err == nil && isHTTPURL(first) {
		return first, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(list[0], &obj); err == nil {
		for _, key := range []string{"url", "image", "output", "file"} {
			if v, ok := obj[key].(string); ok && isHTTPURL(v) {
				return v, nil
			}
		}
	}
	return "", errors.New("no url in output")
}

func isHTTPURL(s string) bool {
	parsed, err := url.Parse(strings.TrimSpace(s))
	return err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https")
}

func (a *Adapter) download(ctx context.Context, op string, spec modelSpec, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "build download request", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "download output", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel,
			fmt.Sprintf("download status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", imagine.E(imagine.KindNetwork, op, providerName, spec.apiModel, "read output", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

var _ imagine.Provider = (*Adapter)(nil)
