package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/imagegen-gateway/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 120 * time.Second

	// cap on a response body; a handful of 4K images fits comfortably
	maxResponseBytes = 64 << 20
)

// defaultGenerationConfig asks for one image and nothing else.
var defaultGenerationConfig = json.RawMessage(`{"responseModalities":["IMAGE"],"candidateCount":1}`)

type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	models     []string
}

// Option configures the provider.
type Option func(*GeminiProvider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(p *GeminiProvider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *GeminiProvider) { p.httpClient = c }
}

// WithTimeout bounds every upstream call so a stalled request resolves as a
// failure instead of holding the caller's debit.
func WithTimeout(d time.Duration) Option {
	return func(p *GeminiProvider) { p.httpClient = &http.Client{Timeout: d} }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *GeminiProvider) { p.models = models }
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig json.RawMessage `json:"generationConfig,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
}

type geminiContent struct {
	Parts []provider.Part `json:"parts"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content struct {
		Parts []provider.RawPart `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func New(apiKey string, opts ...Option) *GeminiProvider {
	p := &GeminiProvider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate makes exactly one generateContent call. Every failure comes back
// as *provider.Error.
func (p *GeminiProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, &provider.Error{Message: "encode request: " + err.Error(), Err: err}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		err = redactURL(err)
		return nil, &provider.Error{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &provider.Error{StatusCode: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &provider.Error{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, respBody)}
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, &provider.Error{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}

	return &provider.Response{
		Images:       extractImages(&geminiResp),
		FinishReason: finishReason(&geminiResp),
		Model:        req.Model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	parts := provider.NormalizeParts(req.Parts)
	parts = append(parts, provider.Part{
		Text: fmt.Sprintf("%s\n\nPROMPT_USUARIO:\n%s", req.Instruction, req.Prompt),
	})

	cfg := req.GenerationConfig
	if len(cfg) == 0 {
		cfg = defaultGenerationConfig
	}

	return geminiRequest{
		Contents:         []geminiContent{{Parts: parts}},
		GenerationConfig: cfg,
		Tools:            req.Tools,
	}
}

// extractImages takes the first inline image of each candidate.
func extractImages(resp *geminiResponse) []string {
	images := make([]string, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		for _, part := range c.Content.Parts {
			if mime, data, ok := part.ImageData(); ok {
				images = append(images, provider.DataURI(mime, data))
				break
			}
		}
	}
	return images
}

func finishReason(resp *geminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	return resp.Candidates[0].FinishReason
}

func errorMessage(status int, body []byte) string {
	var ge geminiError
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Message != "" {
		return ge.Error.Message
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}

// redactURL drops the query, and with it the API key, from the request URL
// that *url.Error carries.
func redactURL(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	redacted := ue.URL
	if u, perr := url.Parse(ue.URL); perr == nil {
		u.RawQuery = ""
		u.Fragment = ""
		redacted = u.String()
	} else if i := strings.IndexByte(redacted, '?'); i >= 0 {
		redacted = redacted[:i]
	}
	return &url.Error{Op: ue.Op, URL: redacted, Err: ue.Err}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) SupportedModels() []string {
	if len(p.models) > 0 {
		return p.models
	}
	return []string{"gemini-2.5-flash-image", "gemini-3-pro-image-preview"}
}
