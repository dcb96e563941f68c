// Package providers defines the common interface and types shared by all AI
// provider adapters (OpenAI, Gemini, Anthropic).
//
// Each adapter lives in its own sub-package and implements Adapter. Adapters
// translate a logical invocation (prompt + optional image) into the
// provider's wire format and normalize the response — token usage and the
// error taxonomy included — into one shape, so operation handlers never
// branch on provider identity.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type (
	// Usage — token accounting normalized across providers.
	Usage struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
		TotalTokens      int `json:"totalTokens"`
	}

	// Invocation — normalized upstream request. ImageJPEG is nil for
	// text-only operations.
	Invocation struct {
		Prompt          string
		ImageJPEG       []byte
		MaxOutputTokens int
		Temperature     float64
		// ForceJSON asks the provider for structured JSON output where the
		// provider supports it; otherwise the prompt carries the instruction.
		ForceJSON bool
		// ViaRelay routes the upstream call through the forwarding relay.
		// Ignored by adapters constructed without a relay transport.
		ViaRelay  bool
		RequestID string
	}

	// Result — normalized provider response.
	Result struct {
		Text     string
		Usage    Usage
		Provider string
	}
)

// Adapter — AI provider adapter interface.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// ErrorKind is the closed error taxonomy surfaced uniformly regardless of
// which provider produced the failure.
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "upstream_rate_limited"
	KindAuthFailed    ErrorKind = "upstream_auth_failed"
	KindRefused       ErrorKind = "upstream_refused_content"
	KindEmpty         ErrorKind = "upstream_empty_response"
	KindMalformedJSON ErrorKind = "upstream_malformed_json"
	KindGeneric       ErrorKind = "upstream_generic_error"
)

// AdapterError is a classified upstream failure. Status carries the
// provider's raw HTTP status for diagnostics (0 when not applicable).
type AdapterError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, kind=%s)", e.Provider, e.Message, e.Status, e.Kind)
}

// HTTPStatus implements the StatusCoder convention used by the gateway's
// error mapping.
func (e *AdapterError) HTTPStatus() int { return e.Status }

// ClassifyStatus maps an upstream HTTP status to an ErrorKind. 403 is
// treated as a content/region block rather than an auth failure: providers
// answer key problems with 401 and geographic or policy blocks with 403.
func ClassifyStatus(status int) ErrorKind {
	switch status {
	case 429:
		return KindRateLimited
	case 401:
		return KindAuthFailed
	case 403:
		return KindRefused
	default:
		return KindGeneric
	}
}

// Default invocation constants shared by all adapters.
const (
	DefaultMaxOutputTokens = 600
	ProviderTimeout        = 60 * time.Second
)

// ─── Normalized prediction shape ─────────────────────────────────────────────

type (
	// IngredientEstimate is one ingredient of a predicted meal.
	IngredientEstimate struct {
		Name  string  `json:"name"`
		Grams float64 `json:"grams"`
	}

	// NutritionEstimate holds the macro breakdown for the food visible in
	// the photo (not a standard serving).
	NutritionEstimate struct {
		Calories       float64 `json:"calories"`
		Protein        float64 `json:"protein"`
		Carbs          float64 `json:"carbs"`
		Fat            float64 `json:"fat"`
		EstimatedGrams float64 `json:"estimated_grams"`
	}

	// Prediction is the unified output shape regardless of upstream provider.
	Prediction struct {
		Label       string               `json:"label"`
		Confidence  float64              `json:"confidence"`
		Description string               `json:"description"`
		Nutrition   NutritionEstimate    `json:"nutrition"`
		Ingredients []IngredientEstimate `json:"ingredients"`
	}

	// Analysis is the parsed payload of the food-recognition and
	// text-parsing operations.
	Analysis struct {
		HasPackaging bool         `json:"has_packaging"`
		Predictions  []Prediction `json:"predictions"`
	}

	// Label is the parsed payload of the nutrition-label operation.
	Label struct {
		ProductName string            `json:"product_name"`
		ServingSize string            `json:"serving_size"`
		Nutrition   NutritionEstimate `json:"nutrition"`
		Confidence  float64           `json:"confidence"`
	}
)

// ConfidenceFloor — predictions below this are dropped before the response
// is emitted. Matches the floor the prompt instructs the model to apply.
const ConfidenceFloor = 0.3

// ParseAnalysis decodes a provider's textual payload into an Analysis and
// drops predictions below the confidence floor. Returns a KindMalformedJSON
// error when the text is not valid JSON of the expected shape.
func ParseAnalysis(provider, text string) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal([]byte(StripJSONFences(text)), &a); err != nil {
		return nil, &AdapterError{
			Provider: provider,
			Kind:     KindMalformedJSON,
			Message:  fmt.Sprintf("unparseable model output: %v", err),
		}
	}

	kept := a.Predictions[:0]
	for _, p := range a.Predictions {
		if p.Confidence >= ConfidenceFloor {
			kept = append(kept, p)
		}
	}
	a.Predictions = kept
	if a.Predictions == nil {
		a.Predictions = []Prediction{}
	}

	return &a, nil
}

// ParseLabel decodes a provider's textual payload into a Label.
func ParseLabel(provider, text string) (*Label, error) {
	var l Label
	if err := json.Unmarshal([]byte(StripJSONFences(text)), &l); err != nil {
		return nil, &AdapterError{
			Provider: provider,
			Kind:     KindMalformedJSON,
			Message:  fmt.Sprintf("unparseable model output: %v", err),
		}
	}
	return &l, nil
}

// StripJSONFences removes a surrounding markdown code fence from model
// output. Providers without a native JSON mode occasionally wrap the object
// in ```json ... ``` despite instructions.
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
