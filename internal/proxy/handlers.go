package proxy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
	"github.com/nulpointcorp/food-vision-gateway/internal/quota"
	"github.com/nulpointcorp/food-vision-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

type (
	imageRequest struct {
		Image  string `json:"image"`
		UserID string `json:"userId"`
	}

	textRequest struct {
		Text   string `json:"text"`
		UserID string `json:"userId"`
	}

	matchCandidate struct {
		Description string `json:"description"`
	}

	matchRequest struct {
		IngredientName string           `json:"ingredientName"`
		Candidates     []matchCandidate `json:"candidates"`
	}

	// matchResult is the data payload of the ingredient-match operation.
	// Match and MatchIndex are null when the model found no real match.
	matchResult struct {
		Match      *matchCandidate `json:"match"`
		MatchIndex *int            `json:"matchIndex"`
	}
)

func reqID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// handleAnalyze serves POST /api/v1/analyze: meal photo in, predictions out.
func (g *Gateway) handleAnalyze(ctx *fasthttp.RequestCtx) {
	dec, ok := g.authorize(ctx, quota.ClassMeal)
	if !ok {
		return
	}

	var req imageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Image == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "'image' is required")
		return
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "'image' is not valid base64")
		return
	}

	ad := g.adapter()
	if ad == nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "server configuration error")
		return
	}

	started := time.Now()
	res, method, err := g.invoke(ctx, "analyze", ad, &providers.Invocation{
		Prompt:          analyzePrompt,
		ImageJPEG:       img,
		MaxOutputTokens: providers.DefaultMaxOutputTokens,
		ForceJSON:       true,
		RequestID:       reqID(ctx),
	})
	if err != nil {
		g.writeProviderError(ctx, err, method)
		g.logUsage(dec, "analyze", ad.Name(), method, providers.Usage{}, started, ctx.Response.StatusCode())
		return
	}

	analysis, err := providers.ParseAnalysis(res.Provider, res.Text)
	if err != nil {
		g.writeProviderError(ctx, err, method)
		g.logUsage(dec, "analyze", res.Provider, method, res.Usage, started, ctx.Response.StatusCode())
		return
	}

	writeSuccess(ctx, analysis, res.Usage, res.Provider)
	g.logUsage(dec, "analyze", res.Provider, method, res.Usage, started, fasthttp.StatusOK)
}

// handleAnalyzeLabel serves POST /api/v1/analyze-label: nutrition-label
// photo in, structured label out.
func (g *Gateway) handleAnalyzeLabel(ctx *fasthttp.RequestCtx) {
	dec, ok := g.authorize(ctx, quota.ClassMeal)
	if !ok {
		return
	}

	var req imageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Image == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "'image' is required")
		return
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "'image' is not valid base64")
		return
	}

	ad := g.adapter()
	if ad == nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "server configuration error")
		return
	}

	started := time.Now()
	res, method, err := g.invoke(ctx, "analyze_label", ad, &providers.Invocation{
		Prompt:          labelPrompt,
		ImageJPEG:       img,
		MaxOutputTokens: providers.DefaultMaxOutputTokens,
		ForceJSON:       true,
		RequestID:       reqID(ctx),
	})
	if err != nil {
		g.writeProviderError(ctx, err, method)
		g.logUsage(dec, "analyze_label", ad.Name(), method, providers.Usage{}, started, ctx.Response.StatusCode())
		return
	}

	label, err := providers.ParseLabel(res.Provider, res.Text)
	if err != nil {
		g.writeProviderError(ctx, err, method)
		g.logUsage(dec, "analyze_label", res.Provider, method, res.Usage, started, ctx.Response.StatusCode())
		return
	}

	writeSuccess(ctx, label, res.Usage, res.Provider)
	g.logUsage(dec, "analyze_label", res.Provider, method, res.Usage, started, fasthttp.StatusOK)
}

// handleParseText serves POST /api/v1/parse-text: free-text meal description
// in, the same predictions payload the photo analysis produces out.
func (g *Gateway) handleParseText(ctx *fasthttp.RequestCtx) {
	dec, ok := g.authorize(ctx, quota.ClassMeal)
	if !ok {
		return
	}

	var req textRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Text == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "'text' is required")
		return
	}

	ad := g.adapter()
	if ad == nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "server configuration error")
		return
	}

	started := time.Now()
	res, method, err := g.invoke(ctx, "parse_text", ad, &providers.Invocation{
		Prompt:          buildParseTextPrompt(req.Text),
		MaxOutputTokens: providers.DefaultMaxOutputTokens,
		ForceJSON:       true,
		RequestID:       reqID(ctx),
	})
	if err != nil {
		g.writeProviderError(ctx, err, method)
		g.logUsage(dec, "parse_text", ad.Name(), method, providers.Usage{}, started, ctx.Response.StatusCode())
		return
	}

	analysis, err := providers.ParseAnalysis(res.Provider, res.Text)
	if err != nil {
		g.writeProviderError(ctx, err, method)
		g.logUsage(dec, "parse_text", res.Provider, method, res.Usage, started, ctx.Response.StatusCode())
		return
	}

	writeSuccess(ctx, analysis, res.Usage, res.Provider)
	g.logUsage(dec, "parse_text", res.Provider, method, res.Usage, started, fasthttp.StatusOK)
}

// handleMatchIngredient serves POST /api/v1/match-ingredient: an ingredient
// name plus candidate database entries in, the matching entry (or null) out.
// Uses the enrichment quota class — one meal fans out into several of these.
func (g *Gateway) handleMatchIngredient(ctx *fasthttp.RequestCtx) {
	dec, ok := g.authorize(ctx, quota.ClassEnrichment)
	if !ok {
		return
	}

	var req matchRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.IngredientName == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "'ingredientName' is required")
		return
	}
	if len(req.Candidates) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "'candidates' must not be empty")
		return
	}
	if len(req.Candidates) > g.maxCandidates {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("'candidates' exceeds the maximum of %d entries", g.maxCandidates))
		return
	}

	ad := g.adapter()
	if ad == nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "server configuration error")
		return
	}

	started := time.Now()
	res, method, err := g.invoke(ctx, "match_ingredient", ad, &providers.Invocation{
		Prompt:          buildMatchPrompt(req.IngredientName, req.Candidates),
		MaxOutputTokens: providers.DefaultMaxOutputTokens,
		RequestID:       reqID(ctx),
	})
	if err != nil {
		g.writeProviderError(ctx, err, method)
		g.logUsage(dec, "match_ingredient", ad.Name(), method, providers.Usage{}, started, ctx.Response.StatusCode())
		return
	}

	result := matchResult{}
	if n, ok := extractAnswerIndex(res.Text, len(req.Candidates)); ok {
		idx := n - 1
		result.Match = &req.Candidates[idx]
		result.MatchIndex = &idx
	}

	writeSuccess(ctx, result, res.Usage, res.Provider)
	g.logUsage(dec, "match_ingredient", res.Provider, method, res.Usage, started, fasthttp.StatusOK)
}

var (
	answerPattern  = regexp.MustCompile(`ANSWER:\s*(\d+)`)
	integerPattern = regexp.MustCompile(`\d+`)
)

// extractAnswerIndex pulls the 1-based candidate selection out of the
// model's free-text reasoning. The strict "ANSWER: N" marker wins; when the
// model strays from the format the last integer anywhere in the text is
// taken instead. 0 and out-of-range values mean "no match" — an out-of-range
// value is never wrapped onto a valid candidate.
//
// The last-integer fallback can misfire when the reasoning ends with an
// unrelated number; clients depend on today's behavior.
func extractAnswerIndex(text string, candidateCount int) (int, bool) {
	var raw string
	if m := answerPattern.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if all := integerPattern.FindAllString(text, -1); len(all) > 0 {
		raw = all[len(all)-1]
	} else {
		return 0, false
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > candidateCount {
		return 0, false
	}
	return n, true
}
