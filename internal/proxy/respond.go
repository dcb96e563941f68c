package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
	"github.com/nulpointcorp/food-vision-gateway/internal/routing"
	"github.com/nulpointcorp/food-vision-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// envelope is the success response shape shared by all operations.
type envelope struct {
	Success  bool            `json:"success"`
	Data     any             `json:"data"`
	Usage    providers.Usage `json:"usage"`
	Provider string          `json:"provider"`
}

func writeSuccess(ctx *fasthttp.RequestCtx, data any, usage providers.Usage, provider string) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, envelope{Success: true, Data: data, Usage: usage, Provider: provider})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"internal server error"}`)
		return
	}
	ctx.SetBody(data)
}

// writeProviderError maps a failed upstream call onto the client-facing
// taxonomy. Auth failures stay generic so upstream credential state never
// leaks; content refusal carries region and routing method so a blocked
// region is diagnosable from the client side.
func (g *Gateway) writeProviderError(ctx *fasthttp.RequestCtx, err error, method routing.Method) {
	var ae *providers.AdapterError
	if !errors.As(err, &ae) {
		// Transport-level failure (after any relay fallback already ran).
		apierr.WriteBody(ctx, fasthttp.StatusBadGateway, apierr.Body{
			Error:         "upstream unreachable",
			Region:        g.router.Region(),
			RoutingMethod: string(method),
		})
		return
	}

	if g.metrics != nil {
		g.metrics.RecordError(ae.Provider, string(ae.Kind))
	}

	switch ae.Kind {
	case providers.KindRateLimited:
		apierr.Write(ctx, fasthttp.StatusTooManyRequests, "upstream rate limited, try again shortly")
	case providers.KindAuthFailed:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "upstream request failed")
	case providers.KindRefused:
		apierr.WriteBody(ctx, fasthttp.StatusServiceUnavailable, apierr.Body{
			Error:         "upstream refused the request",
			Details:       ae.Message,
			Region:        g.router.Region(),
			RoutingMethod: string(method),
		})
	case providers.KindEmpty, providers.KindMalformedJSON:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "upstream returned an unusable response")
	default:
		status := ae.HTTPStatus()
		if status < 400 {
			status = fasthttp.StatusBadGateway
		}
		apierr.WriteBody(ctx, status, apierr.Body{Error: "upstream error", Details: ae.Message, Status: ae.Status})
	}
}

// decodeImage accepts raw base64 or a data-URL-prefixed string and returns
// the image bytes.
func decodeImage(image string) ([]byte, error) {
	if i := strings.Index(image, ";base64,"); i >= 0 && strings.HasPrefix(image, "data:") {
		image = image[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(image)
}
