package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/food-vision-gateway/internal/entitlement"
	"github.com/nulpointcorp/food-vision-gateway/internal/quota"
	"github.com/nulpointcorp/food-vision-gateway/pkg/apierr"
)

// EntitlementResolver yields the caller's subscription record.
type EntitlementResolver interface {
	Resolve(ctx context.Context, callerID, callerToken string) entitlement.Record
}

// QuotaTracker consumes one unit of the caller's daily budget.
type QuotaTracker interface {
	CheckAndIncrement(ctx context.Context, callerID string, tier entitlement.Tier, class quota.Class) quota.Status
}

// Decision is the outcome of the full authorization gate. When Denial is
// non-nil the request must be rejected with it; otherwise the caller fields
// are populated and one quota unit has been consumed.
type Decision struct {
	Authorized bool
	CallerID   string
	Tier       entitlement.Tier
	Quota      quota.Status
	Denial     *apierr.Denial
}

// Credentials are the raw values pulled from request headers.
type Credentials struct {
	// Authorization header value, expected form "Bearer <API_SECRET>".
	Authorization string
	// UserToken is the per-caller signed token from X-User-Token.
	UserToken string
}

// Authorizer runs the layered gate: app-level shared secret, per-caller
// token signature, subscription entitlement, daily quota. Each layer only
// runs when the previous one passed, so an unauthenticated request never
// touches the subscription store or the counters.
type Authorizer struct {
	apiSecret   []byte
	tokenSecret []byte
	resolver    EntitlementResolver
	tracker     QuotaTracker
	log         *slog.Logger
}

// NewAuthorizer wires the gate. apiSecret guards the gateway as a whole;
// tokenSecret verifies individual caller tokens.
func NewAuthorizer(apiSecret, tokenSecret string, resolver EntitlementResolver, tracker QuotaTracker, log *slog.Logger) *Authorizer {
	if log == nil {
		log = slog.Default()
	}
	return &Authorizer{
		apiSecret:   []byte(apiSecret),
		tokenSecret: []byte(tokenSecret),
		resolver:    resolver,
		tracker:     tracker,
		log:         log,
	}
}

// Authorize runs every layer of the gate for one request of the given class.
// All authentication failures map to the same generic 401; the specific
// cause is logged, never sent to the client.
func (a *Authorizer) Authorize(ctx context.Context, creds Credentials, class quota.Class) Decision {
	bearer, ok := strings.CutPrefix(creds.Authorization, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(bearer), a.apiSecret) != 1 {
		a.log.Warn("auth rejected: bad or missing api key")
		return Decision{Denial: apierr.Unauthorized()}
	}

	if creds.UserToken == "" {
		a.log.Warn("auth rejected: missing user token")
		return Decision{Denial: apierr.Unauthorized()}
	}

	callerID, terr := VerifyToken(creds.UserToken, string(a.tokenSecret))
	if terr != nil {
		a.log.Warn("auth rejected: token verification failed",
			slog.String("cause", string(terr.Cause)))
		return Decision{Denial: apierr.Unauthorized()}
	}

	rec := a.resolver.Resolve(ctx, callerID, creds.UserToken)
	if !rec.Tier.Allows() {
		a.log.Info("auth rejected: inactive subscription",
			slog.String("caller_id", callerID),
			slog.String("tier", string(rec.Tier)))
		return Decision{
			CallerID: callerID,
			Tier:     rec.Tier,
			Denial:   apierr.SubscriptionRequired(string(rec.Tier)),
		}
	}

	st := a.tracker.CheckAndIncrement(ctx, callerID, rec.Tier, class)
	if !st.Allowed {
		a.log.Info("auth rejected: quota exhausted",
			slog.String("caller_id", callerID),
			slog.String("class", string(class)),
			slog.Int64("limit", st.Limit))
		return Decision{
			CallerID: callerID,
			Tier:     rec.Tier,
			Quota:    st,
			Denial:   apierr.QuotaExceeded(int(st.Limit), st.ResetAt),
		}
	}

	return Decision{
		Authorized: true,
		CallerID:   callerID,
		Tier:       rec.Tier,
		Quota:      st,
	}
}
