package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"actiongate/internal/auth"
)

type Actor struct {
	ID string
}

type actorKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// ActorHeader names the caller once the bearer token is accepted.
const ActorHeader = auth.ActorHeader

// AuthMiddleware requires the static bearer token and records the actor on
// the request context. An empty token disables authentication.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, err := auth.FromRequest(r)
		if token != "" {
			if err == nil {
				err = creds.Verify(token)
			}
			if err != nil {
				if errors.Is(err, auth.ErrRejected) {
					slog.Warn("gateway token rejected", "actor", creds.Actor, "path", r.URL.Path)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="actiongate"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		r = r.WithContext(WithActor(r.Context(), Actor{ID: creds.Actor}))
		next.ServeHTTP(w, r)
	})
}

func actorID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.ID
	}
	return ""
}
