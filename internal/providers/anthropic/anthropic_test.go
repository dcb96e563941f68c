package anthropic

import (
	"testing"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
)

func TestBuildParams(t *testing.T) {
	a := New("test-key", WithModel("claude-3-5-haiku-latest"))

	params := a.buildParams(&providers.Invocation{
		Prompt:    "analyze this",
		ImageJPEG: []byte{0xff, 0xd8},
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if params.MaxTokens != providers.DefaultMaxOutputTokens {
		t.Errorf("max tokens = %d, want default %d", params.MaxTokens, providers.DefaultMaxOutputTokens)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("messages = %d", len(params.Messages))
	}
	blocks := params.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("content blocks = %d, want image + text", len(blocks))
	}
	if blocks[0].OfImage == nil {
		t.Error("first block is not an image")
	}
	if blocks[1].OfText == nil || blocks[1].OfText.Text != "analyze this" {
		t.Errorf("second block = %+v", blocks[1])
	}
}

func TestCollectText_SkipsNonTextBlocks(t *testing.T) {
	msg := &anthropicSDK.Message{
		Content: []anthropicSDK.ContentBlockUnion{
			{Type: "text", Text: "part one "},
			{Type: "tool_use"},
			{Type: "text", Text: "part two"},
		},
	}
	if got := collectText(msg); got != "part one part two" {
		t.Errorf("collectText = %q", got)
	}
}
