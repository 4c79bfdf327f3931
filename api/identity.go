package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/issuance-engine/inventory"
)

// Identity headers set by the session provider in front of this service.
// The core trusts them without re-verifying.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderTenantID  = "X-Tenant-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorKey struct{}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a inventory.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored by the Identity middleware.
func ActorFrom(ctx context.Context) (inventory.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(inventory.Actor)
	return a, ok
}

// Identity resolves the actor from the identity headers. Requests without
// an actor or a tenant never reach a handler.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if actorID == "" {
			writeError(w, http.StatusUnauthorized, "identity required", nil)
			return
		}
		tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenant == "" {
			writeError(w, http.StatusBadRequest, inventory.ErrTenantRequired.Error(), nil)
			return
		}
		role, ok := parseRole(r.Header.Get(HeaderActorRole))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown role", nil)
			return
		}

		actor := inventory.Actor{ID: actorID, TenantID: inventory.TenantID(tenant), Role: role}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func parseRole(s string) (inventory.Role, bool) {
	switch inventory.Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", inventory.RoleWorker:
		return inventory.RoleWorker, true
	case inventory.RoleApprover:
		return inventory.RoleApprover, true
	case inventory.RoleAdmin:
		return inventory.RoleAdmin, true
	}
	return "", false
}
