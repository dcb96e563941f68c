// Package apierr provides the structured error envelope returned to clients
// and ready-to-send denial responses for the authorization gate.
//
// Authentication failures stay generic on the wire — the diagnostic cause is
// logged server-side only. Authorization and rate-limit failures are
// structured enough for the client to render specific UI (renew prompt,
// "try again at X" countdown).
package apierr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// Body is the failure envelope. Only Error is always present; the remaining
// fields are populated per failure class.
type Body struct {
	Error            string `json:"error"`
	Details          string `json:"details,omitempty"`
	Status           int    `json:"status,omitempty"`
	SubscriptionType string `json:"subscriptionType,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	Remaining        *int   `json:"remaining,omitempty"`
	ResetAt          string `json:"resetAt,omitempty"`
	Region           string `json:"region,omitempty"`
	RoutingMethod    string `json:"routingMethod,omitempty"`
}

// Denial is a fully-formed rejection the authorization gate hands back so
// operation handlers can emit it without knowing the failure details.
type Denial struct {
	StatusCode int
	Body       Body
}

// Write sends the denial on the fasthttp response.
func (d *Denial) Write(ctx *fasthttp.RequestCtx) {
	WriteBody(ctx, d.StatusCode, d.Body)
}

// Unauthorized — 401 with a deliberately generic message.
func Unauthorized() *Denial {
	return &Denial{
		StatusCode: fasthttp.StatusUnauthorized,
		Body:       Body{Error: "unauthorized"},
	}
}

// SubscriptionRequired — 403 carrying the entitlement tier and a renewal
// call-to-action. This one is user-facing and actionable.
func SubscriptionRequired(tier string) *Denial {
	return &Denial{
		StatusCode: fasthttp.StatusForbidden,
		Body: Body{
			Error:            "active subscription required",
			Details:          "Renew your subscription to continue analyzing meals.",
			SubscriptionType: tier,
		},
	}
}

// QuotaExceeded — 429 with the limit and the exact UTC reset timestamp.
func QuotaExceeded(limit int, resetAt time.Time) *Denial {
	zero := 0
	return &Denial{
		StatusCode: fasthttp.StatusTooManyRequests,
		Body: Body{
			Error:     "daily limit reached",
			Limit:     limit,
			Remaining: &zero,
			ResetAt:   resetAt.UTC().Format(time.RFC3339),
		},
	}
}

// Write emits a plain error envelope.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	WriteBody(ctx, status, Body{Error: message})
}

// WriteBody serializes body as the response with the given HTTP status.
func WriteBody(ctx *fasthttp.RequestCtx, status int, body Body) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(body)
	if err != nil {
		ctx.SetBodyString(fmt.Sprintf(`{"error":%q}`, body.Error))
		return
	}
	ctx.SetBody(data)
}
