// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package access provides utilities for access control

An Authorization is a context object which stores the identity of the caller together
with its roles and capabilities. Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)

Authorization objects are added to the context by middleware, depending on the
bearer token in the HTTP request. Two kinds of tokens are understood: a static
admin token, and HS256 signed JWTs carrying roles and permissions claims.
Handlers are protected with a Gate.
*/
package access

import (
	"context"
	"sync"
	"time"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// the capabilities checked by the device and telemetry api
const (
	CapabilityDeviceView    = "device:view"
	CapabilityDeviceCreate  = "device:create"
	CapabilityDeviceUpdate  = "device:update"
	CapabilityDeviceControl = "device:control"

	// CapabilityAll grants every capability
	CapabilityAll = "*"
)

// RoleAdmin is the role which holds every capability
const RoleAdmin = "admin"

// Authorization carries the identity of a caller, its roles and capabilities
type Authorization struct {
	Identity     string   `json:"identity,omitempty"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// HasCapability returns true if the authorization grants the capability, either
// explicitly, through the wildcard capability, or through the admin role.
func (a *Authorization) HasCapability(capability string) bool {
	if a == nil {
		return false
	}
	if a.HasRole(RoleAdmin) {
		return true
	}
	for _, c := range a.Capabilities {
		if c == capability || c == CapabilityAll {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// IdentityFromContext returns the identity of the authorization in ctx, or an empty string
func IdentityFromContext(ctx context.Context) string {
	if a := AuthorizationFromContext(ctx); a != nil {
		return a.Identity
	}
	return ""
}

type cacheEntry struct {
	auth      *Authorization
	expiresAt time.Time
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the jwt middleware to cache authorization objects for bearer tokens, so
// that a token is only verified once until it expires.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]cacheEntry), now: time.Now}
}

// Read returns an authorization from in-process cache, or nil if the token is unknown
// or has expired.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	entry, ok := a.cache[token]
	a.mutex.RUnlock()
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !a.now().Before(entry.expiresAt) {
		a.mutex.Lock()
		delete(a.cache, token)
		a.mutex.Unlock()
		return nil
	}
	return entry.auth
}

// Write stores an authorization in the in-memory cache until expiresAt. A zero
// expiresAt never expires.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization, expiresAt time.Time) {
	a.mutex.Lock()
	a.cache[token] = cacheEntry{auth: auth, expiresAt: expiresAt}
	a.mutex.Unlock()
}
