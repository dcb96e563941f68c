package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
	providerName   = "gemini"
)

// Adapter implements providers.Adapter for Google Gemini (official GenAI SDK).
type Adapter struct {
	apiKey     string
	baseURL    string
	model      string
	client     *genai.Client
	relay      *genai.Client
	relayRT    http.RoundTripper
	base       string
	apiVersion string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithModel overrides the default model.
func WithModel(m string) Option {
	return func(a *Adapter) {
		if m != "" {
			a.model = m
		}
	}
}

// WithRelayTransport adds a second client routed through rt for invocations
// with ViaRelay set.
func WithRelayTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.relayRT = rt }
}

// New creates a new Gemini Adapter.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
	}
	for _, o := range opts {
		o(a)
	}

	base, ver := splitBaseURLAndVersion(a.baseURL)
	a.base = base
	a.apiVersion = ver

	client, err := a.newClient(ctx, &http.Client{Timeout: providers.ProviderTimeout})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	a.client = client

	if a.relayRT != nil {
		relay, err := a.newClient(ctx, &http.Client{
			Transport: a.relayRT,
			Timeout:   providers.ProviderTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: create relay client: %w", err)
		}
		a.relay = relay
	}

	return a, nil
}

func (a *Adapter) newClient(ctx context.Context, httpClient *http.Client) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.base, APIVersion: a.apiVersion},
	})
}

func (a *Adapter) Name() string { return providerName }

// Invoke sends the prompt (and inline image, when present) via
// GenerateContent and normalizes the response.
func (a *Adapter) Invoke(ctx context.Context, inv *providers.Invocation) (*providers.Result, error) {
	if a.apiKey == "" || a.client == nil {
		return nil, fmt.Errorf("gemini: no API key configured")
	}

	parts := []*genai.Part{genai.NewPartFromText(inv.Prompt)}
	if len(inv.ImageJPEG) > 0 {
		parts = append(parts, genai.NewPartFromBytes(inv.ImageJPEG, "image/jpeg"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	maxTokens := inv.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxOutputTokens
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if inv.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(inv.Temperature))
	}
	if inv.ForceJSON {
		cfg.ResponseMIMEType = "application/json"
	}

	client := a.client
	if inv.ViaRelay && a.relay != nil {
		client = a.relay
	}

	resp, err := client.Models.GenerateContent(ctx, a.model, contents, cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}
	if resp == nil {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindEmpty,
			Message:  "nil response",
		}
	}

	// Gemini signals refusals via prompt feedback or a safety finish reason
	// rather than an HTTP status.
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindRefused,
			Message:  fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
		}
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil &&
		resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindRefused,
			Message:  "candidate stopped for safety",
		}
	}

	text := resp.Text()
	if text == "" {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindEmpty,
			Message:  "response contained no text content",
		}
	}

	var usage providers.Usage
	if resp.UsageMetadata != nil {
		usage = providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
	}

	return &providers.Result{
		Text:     text,
		Usage:    usage,
		Provider: providerName,
	}, nil
}

func toAdapterError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.ClassifyStatus(apiErr.Code),
			Status:   apiErr.Code,
			Message:  apiErr.Message,
		}
	}
	return err
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}
