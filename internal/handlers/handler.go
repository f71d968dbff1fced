// Package handlers holds the catalog of business-domain handlers the triage
// router selects from, and the contract every handler implements.
package handlers

import (
	"context"
	"errors"
	"slices"
)

var (
	ErrUnknownHandler    = errors.New("unknown handler")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDuplicateHandler  = errors.New("duplicate handler in catalog")
	ErrInvalidDescriptor = errors.New("invalid handler descriptor")
)

// SessionContext is the caller identity and business context a handler runs
// under.
type SessionContext struct {
	SessionID    string   `json:"session_id"`
	UserID       string   `json:"user_id,omitempty"`
	BusinessID   string   `json:"business_id,omitempty"`
	BusinessType string   `json:"business_type,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	Language     string   `json:"language,omitempty"`
}

// HasPermission reports whether the session holds perm.
func (sc SessionContext) HasPermission(perm string) bool {
	return slices.Contains(sc.Permissions, perm)
}

// HasAll reports whether the session holds every permission in perms.
func (sc SessionContext) HasAll(perms []string) bool {
	for _, p := range perms {
		if !sc.HasPermission(p) {
			return false
		}
	}
	return true
}

// Handler executes a request for one business domain. Domain failures are
// returned as errors; a handler never panics on bad input.
type Handler interface {
	Execute(ctx context.Context, request string, sc SessionContext) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, request string, sc SessionContext) (string, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, request string, sc SessionContext) (string, error) {
	return f(ctx, request, sc)
}

// Descriptor is the immutable registry metadata for one handler.
type Descriptor struct {
	Name                string   `json:"name" toml:"name"`
	Description         string   `json:"description" toml:"description"`
	Capabilities        []string `json:"capabilities,omitempty" toml:"capabilities"`
	Keywords            []string `json:"keywords,omitempty" toml:"keywords"`
	Priority            int      `json:"priority" toml:"priority"`
	RequiredPermissions []string `json:"required_permissions,omitempty" toml:"required_permissions"`
	BusinessTypes       []string `json:"business_types,omitempty" toml:"business_types"`
	DependsOn           []string `json:"depends_on,omitempty" toml:"depends_on"`
	Instructions        string   `json:"-" toml:"instructions"`
}

// Compatible reports whether the descriptor accepts the given business type.
// An empty tag list, or an empty session business type, accepts everything.
func (d Descriptor) Compatible(businessType string) bool {
	if len(d.BusinessTypes) == 0 || businessType == "" {
		return true
	}
	return slices.Contains(d.BusinessTypes, businessType)
}

// Permitted reports whether sc holds every permission the handler requires.
func (d Descriptor) Permitted(sc SessionContext) bool {
	return sc.HasAll(d.RequiredPermissions)
}

// Allows combines Compatible and Permitted.
func (d Descriptor) Allows(sc SessionContext) bool {
	return d.Compatible(sc.BusinessType) && d.Permitted(sc)
}
