package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/econlab/odyssey/internal/model"
)

// Identity headers set by the fronting auth proxy.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
)

type identityKey struct{}

// Identify reads the caller's identity from request headers and rejects
// requests without one. A missing role means participant.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			writeError(w, HeaderUserID+" header is required", http.StatusUnauthorized)
			return
		}
		role := model.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
		switch role {
		case "":
			role = model.RoleParticipant
		case model.RoleFacilitator, model.RoleParticipant:
		default:
			writeError(w, "unknown role: "+string(role), http.StatusBadRequest)
			return
		}
		name := strings.TrimSpace(r.Header.Get(HeaderUserName))
		if name == "" {
			name = id
		}
		who := model.Identity{UserID: id, Name: name, Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, who)))
	})
}

// identityFrom returns the identity Identify stored on the request.
func identityFrom(r *http.Request) model.Identity {
	who, _ := r.Context().Value(identityKey{}).(model.Identity)
	return who
}
