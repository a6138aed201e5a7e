package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Resolver maps a bearer token to the account id it acts for.
type Resolver interface {
	Resolve(raw string) (int64, error)
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying the acting account id.
func WithActor(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, accountID)
}

// ActorFrom returns the acting account id stored in ctx.
func ActorFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter when allowQuery is set.
// Browsers cannot set headers on websocket upgrades, hence the fallback.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// BearerAuth returns middleware that resolves the actor from the request
// token and stores it in the request context.
func BearerAuth(res Resolver, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, allowQuery)
			if token == "" {
				challengeAuth(w, "missing bearer token")
				return
			}

			id, err := res.Resolve(token)
			if err != nil {
				slog.Debug("token validation failed", "error", err)
				invalidToken(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), id)))
		})
	}
}

// ActorContext resolves the actor for transports that build their own
// context, such as the MCP HTTP server. Unauthenticated requests keep ctx
// unchanged.
func ActorContext(res Resolver) func(ctx context.Context, r *http.Request) context.Context {
	return func(ctx context.Context, r *http.Request) context.Context {
		token := TokenFromRequest(r, false)
		if token == "" {
			return ctx
		}
		id, err := res.Resolve(token)
		if err != nil {
			slog.Debug("token validation failed", "error", err)
			return ctx
		}
		return WithActor(ctx, id)
	}
}

func challengeAuth(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="dispatchboard"`)
	http.Error(w, msg, http.StatusUnauthorized)
}

func invalidToken(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
