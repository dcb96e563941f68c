package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultModel   = "claude-3-5-haiku-20241022"
	providerName   = "anthropic"
)

// Adapter implements providers.Adapter for Anthropic (official SDK).
// Claude has no native JSON response mode, so the prompt itself carries the
// structured-output instruction; the shared fence stripper handles the rest.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	relayRT http.RoundTripper
	client  anthropic.Client
	relay   *anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
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

// New creates a new Anthropic Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	)

	if a.relayRT != nil {
		relay := anthropic.NewClient(
			option.WithAPIKey(a.apiKey),
			option.WithBaseURL(a.baseURL),
			option.WithHTTPClient(&http.Client{
				Transport: a.relayRT,
				Timeout:   providers.ProviderTimeout,
			}),
		)
		a.relay = &relay
	}

	return a
}

func (a *Adapter) Name() string { return providerName }

// Invoke sends the prompt (and inline image, when present) to the messages
// API and normalizes the response.
func (a *Adapter) Invoke(ctx context.Context, inv *providers.Invocation) (*providers.Result, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	params := a.buildParams(inv)

	client := &a.client
	if inv.ViaRelay && a.relay != nil {
		client = a.relay
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	if resp.StopReason == "refusal" {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindRefused,
			Message:  "model refused to answer",
		}
	}

	text := collectText(resp)
	if text == "" {
		return nil, &providers.AdapterError{
			Provider: providerName,
			Kind:     providers.KindEmpty,
			Message:  "response contained no text content",
		}
	}

	in := int(resp.Usage.InputTokens)
	out := int(resp.Usage.OutputTokens)

	return &providers.Result{
		Text:     text,
		Provider: providerName,
		Usage: providers.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}

func (a *Adapter) buildParams(inv *providers.Invocation) anthropic.MessageNewParams {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
	if len(inv.ImageJPEG) > 0 {
		blocks = append(blocks, anthropic.NewImageBlockBase64(
			"image/jpeg",
			base64.StdEncoding.EncodeToString(inv.ImageJPEG),
		))
	}
	blocks = append(blocks, anthropic.NewTextBlock(inv.Prompt))

	maxTokens := inv.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}

	if inv.Temperature > 0 {
		params.Temperature = anthropic.Float(inv.Temperature)
	}

	return params
}

func collectText(resp *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func toAdapterError(err error) error {
	var apierr *anthropic.Error
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
