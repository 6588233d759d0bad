// Package permission implements the resolver (C3) the dispatcher and read
// handlers consult before touching a resource: admins bypass, everyone else
// is checked against the resource's per-user permission map. Grounded on the
// same map-lookup-plus-denial-error shape the teacher uses for its storage
// layer's not-found handling, generalized to a level comparison.
package permission

import (
	"github.com/chis/corectl/internal/apperr"
	"github.com/chis/corectl/internal/domain"
)

// CheckUser resolves whether userID (or the admin flag) satisfies required
// against a resource's permission map.
func CheckUser(perms map[string]domain.PermissionLevel, userID string, userIsAdmin bool, required domain.PermissionLevel) error {
	if userIsAdmin {
		return nil
	}
	level := perms[userID]
	if level < required {
		return apperr.PermissionDenied("user %s lacks %v permission", userID, required)
	}
	return nil
}

// Granted is a convenience predicate form of CheckUser for read paths that
// filter a list rather than fail a single lookup.
func Granted(perms map[string]domain.PermissionLevel, userID string, userIsAdmin bool, required domain.PermissionLevel) bool {
	return CheckUser(perms, userID, userIsAdmin, required) == nil
}
