package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/identity"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/utils"
)

type contextKey string

const actorKey contextKey = "actor"

// AuthMiddleware verifies the bearer token and resolves the caller into an
// explicit Actor carried in the request context. Role membership comes
// from the identity service, not from anything the token claims beyond the
// subject.
func AuthMiddleware(issuer string, ident identity.Service, log *logger.Logger) func(http.Handler) http.Handler {
	provider, err := oidc.NewProvider(context.Background(), issuer)
	if err != nil {
		panic(fmt.Sprintf("Failed to create OIDC provider: %v", err))
	}

	verifier := provider.Verifier(&oidc.Config{
		SkipClientIDCheck: true,
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				utils.WriteError(w, errs.Authorization("missing_token", "missing Authorization header"))
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				utils.WriteError(w, errs.Authorization("malformed_token", "invalid Authorization header format"))
				return
			}

			idToken, err := verifier.Verify(r.Context(), parts[1])
			if err != nil {
				log.LogSecurity("TOKEN_REJECTED", err.Error())
				utils.WriteError(w, errs.Authorization("invalid_token", "invalid token"))
				return
			}

			var claims struct {
				Sub   string `json:"sub"`
				Email string `json:"email"`
				Name  string `json:"name"`
			}
			if err := idToken.Claims(&claims); err != nil {
				utils.WriteError(w, errs.Authorization("invalid_claims", "failed to parse claims"))
				return
			}

			roles, err := ident.Roles(r.Context(), claims.Sub)
			if err != nil {
				log.Error("AUTH", fmt.Sprintf("role lookup for %s failed: %v", claims.Sub, err))
				utils.WriteError(w, errs.Internalf("role lookup failed"))
				return
			}

			actor := models.Actor{
				ID:    claims.Sub,
				Email: claims.Email,
				Name:  claims.Name,
				Roles: roles,
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
		})
	}
}

// RequireRole is the centralized authorization gate: it runs before any
// handler executes, so no handler performs its own scattered checks.
func RequireRole(role models.Role, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFrom(r.Context())
			if err := identity.Authorize(actor, role); err != nil {
				log.LogSecurity("ROLE_DENIED",
					fmt.Sprintf("actor %s lacks role %s for %s %s", actor.ID, role, r.Method, r.URL.Path))
				utils.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyRole gates a route on holding at least one of the given roles.
func RequireAnyRole(log *logger.Logger, roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFrom(r.Context())
			if err := identity.AuthorizeAny(actor, roles...); err != nil {
				log.LogSecurity("ROLE_DENIED",
					fmt.Sprintf("actor %s lacks roles %v for %s %s", actor.ID, roles, r.Method, r.URL.Path))
				utils.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFrom extracts the authenticated actor; zero value when the route is
// unauthenticated (webhooks).
func ActorFrom(ctx context.Context) models.Actor {
	if actor, ok := ctx.Value(actorKey).(models.Actor); ok {
		return actor
	}
	return models.Actor{}
}

// WithActor is used by tests to inject an actor without the middleware.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}
