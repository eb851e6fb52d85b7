package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"clinicore.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type actorKey struct{}

func contextWithActor(ctx context.Context, a auth.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFromContext(ctx context.Context) (auth.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(auth.Actor)
	return a, ok
}

// withSession requires a valid bearer session and resolves the current
// account behind it. Deactivated or deleted accounts are rejected even while
// their token has not expired.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		sess, err := a.dir.VerifySession(r.Context(), token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		actor, err := a.dir.ResolveActor(r.Context(), sess.Account.ID)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				writeError(w, r, http.StatusUnauthorized, "account no longer exists")
				return
			}
			a.fail(w, r, err)
			return
		}
		if !actor.Active {
			writeError(w, r, http.StatusUnauthorized, "account is inactive")
			return
		}
		ctx := auth.ContextWithSession(r.Context(), sess)
		ctx = contextWithActor(ctx, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission checks the permission snapshot carried by the session.
func (a *API) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := auth.SessionFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !sess.HasPermission(perm) {
				writeError(w, r, http.StatusForbidden, "missing permission "+string(perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// currentActor returns the actor resolved by withSession.
func currentActor(r *http.Request) auth.Actor {
	actor, _ := actorFromContext(r.Context())
	return actor
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
