package dispatch_api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/BearBump/AidBox/internal/models"
)

const (
	headerActorID   = "X-Actor-Id"
	headerActorRole = "X-Actor-Role"
)

type actorKey struct{}

// identity trusts the headers set by the auth proxy in front of the service.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(headerActorID), 10, 64)
		role := models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorRole))))
		if err != nil || id <= 0 || !role.Valid() {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid actor headers", Code: "unauthenticated"})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, models.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) models.Actor {
	a, _ := ctx.Value(actorKey{}).(models.Actor)
	return a
}
