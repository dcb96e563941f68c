package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o"
	providerName   = "openai"
)

// Adapter implements providers.Adapter for OpenAI vision/text models.
//
// When a relay transport is configured the adapter holds two SDK clients —
// one dialing the upstream directly and one routed through the forwarding
// relay — and picks per invocation based on Invocation.ViaRelay.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	client  openaiSDK.Client
	relay   *openaiSDK.Client
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

// WithRelayTransport adds a second client routed through rt. Calls with
// ViaRelay set use it; all other calls keep the direct path.
func WithRelayTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) {
		if rt == nil {
			return
		}
		relayClient := openaiSDK.NewClient(
			option.WithAPIKey(a.apiKey),
			option.WithHTTPClient(&http.Client{
				Transport: rt,
				Timeout:   providers.ProviderTimeout,
			}),
		)
		a.relay = &relayClient
	}
}

// New creates a new OpenAI Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
	}
	// apiKey must be set before relay options build their client.
	for _, o := range opts {
		o(a)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if a.baseURL != "" && a.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, a.baseURL)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

// Invoke sends the prompt (and inline image, when present) to the chat
// completions API and normalizes the response.
func (a *Adapter) Invoke(ctx context.Context, inv *providers.Invocation) (*providers.Result, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}

	params := a.buildParams(inv)

	client := &a.client
	if inv.ViaRelay && a.relay != nil {
		client = a.relay
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindEmpty,
			Message:  "response contained no choices",
		}
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindRefused,
			Message:  choice.Message.Refusal,
		}
	}
	if choice.FinishReason == "content_filter" {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindRefused,
			Message:  "response stopped by content filter",
		}
	}
	if choice.Message.Content == "" {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindEmpty,
			Message:  "response contained no text content",
		}
	}

	return &providers.Result{
		Text:     choice.Message.Content,
		Provider: providerName,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (a *Adapter) buildParams(inv *providers.Invocation) openaiSDK.ChatCompletionNewParams {
	var msg openaiSDK.ChatCompletionMessageParamUnion
	if len(inv.ImageJPEG) > 0 {
		// Inline image as a data URL, low detail — the client downscales
		// photos before upload so low detail loses nothing.
		msg = openaiSDK.UserMessage([]openaiSDK.ChatCompletionContentPartUnionParam{
			openaiSDK.TextContentPart(inv.Prompt),
			openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
				URL:    dataURL(inv.ImageJPEG),
				Detail: "low",
			}),
		})
	} else {
		msg = openaiSDK.UserMessage(inv.Prompt)
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    a.model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{msg},
	}

	maxTokens := inv.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxOutputTokens
	}
	params.MaxCompletionTokens = openaiSDK.Int(int64(maxTokens))

	if inv.Temperature > 0 {
		params.Temperature = openaiSDK.Float(inv.Temperature)
	}

	if inv.ForceJSON {
		params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	return params
}

func dataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}

func toAdapterError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.ClassifyStatus(apierr.StatusCode),
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
