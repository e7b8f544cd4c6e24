package rbac

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skolara/skolara/internal/shared"
)

// ActorLookup resolves the authenticated user into an Actor.
type ActorLookup interface {
	Lookup(ctx context.Context, userID int64) (Actor, error)
}

// SandboxLookup reports the caller's active sandbox session, if any.
// Authorization checks are scoped to it so that a superadmin observes the
// effect of their own pending overrides.
type SandboxLookup interface {
	ActiveSessionID(ctx context.Context, actorID int64) (uuid.UUID, bool, error)
}

// Middleware wires authorization helpers for HTTP handlers. Every check
// goes through the Resolver, so sandbox overrides apply to the admin
// surface itself.
type Middleware struct {
	Resolver *Resolver
	Actors   ActorLookup
	Sandbox  SandboxLookup
	Logger   *slog.Logger
}

// RequireAny ensures the current actor's role grants at least one of the
// required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, sessionID, ok := m.currentActor(w, r)
			if !ok {
				return
			}
			for _, perm := range normalized {
				eff, err := m.Resolver.Resolve(r.Context(), actor.Role, PermissionKey(perm), sessionID)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac require any", slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				if eff.Granted {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current actor's role grants all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, sessionID, ok := m.currentActor(w, r)
			if !ok {
				return
			}
			for _, perm := range normalized {
				eff, err := m.Resolver.Resolve(r.Context(), actor.Role, PermissionKey(perm), sessionID)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac require all", slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				if !eff.Granted {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) currentActor(w http.ResponseWriter, r *http.Request) (Actor, *uuid.UUID, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return Actor{}, nil, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return Actor{}, nil, false
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return Actor{}, nil, false
	}
	actor, err := m.Actors.Lookup(r.Context(), userID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return Actor{}, nil, false
	}
	var sessionID *uuid.UUID
	if m.Sandbox != nil {
		id, found, err := m.Sandbox.ActiveSessionID(r.Context(), actor.ID)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("rbac sandbox lookup", slog.Any("error", err))
			}
		} else if found {
			sessionID = &id
		}
	}
	return actor, sessionID, true
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
