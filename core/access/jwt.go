// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/slopewatch/core/api"
	"github.com/relabs-tech/slopewatch/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for NewJwtMiddleware
type JwtMiddlewareBuilder struct {
	// Secret is the HS256 key the tokens are signed with. If empty, JWTs are not accepted.
	Secret string
	// AdminToken is a static bearer token which is granted the admin role. If empty,
	// no static token is accepted.
	AdminToken string
}

// Claims are the claims understood in a bearer token
type Claims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler to validate bearer tokens.
//
// Requests without bearer token pass through unauthorized, it is up to the Gate
// to reject them. Requests with a token which cannot be verified are rejected with
// http.StatusUnauthorized.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	authCache := NewAuthorizationCache()
	secret := []byte(jmb.Secret)
	adminToken := []byte(jmb.AdminToken)

	keyLookup := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // we are already authorized
				h.ServeHTTP(w, r)
				return
			}

			bearer := r.Header.Get("Authorization")
			if bearer == "" {
				h.ServeHTTP(w, r)
				return
			}
			if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
				api.Fail(w, r, api.NewError(api.KindUnauthorized, "bearer token missing"))
				return
			}
			tokenString := strings.TrimSpace(bearer[7:])

			if len(adminToken) > 0 && subtle.ConstantTimeCompare([]byte(tokenString), adminToken) == 1 {
				auth := &Authorization{Identity: "admin", Roles: []string{RoleAdmin}}
				ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.Identity)
				h.ServeHTTP(w, r.WithContext(auth.ContextWithAuthorization(ctx)))
				return
			}

			auth := authCache.Read(tokenString)
			if auth == nil {
				if len(secret) == 0 {
					api.Fail(w, r, api.NewError(api.KindUnauthorized, "invalid bearer token"))
					return
				}
				claims := Claims{}
				token, err := jwt.ParseWithClaims(tokenString, &claims, keyLookup)
				if err != nil || !token.Valid {
					logger.FromContext(r.Context()).WithError(err).Debugln("rejected bearer token")
					api.Fail(w, r, api.NewError(api.KindUnauthorized, "invalid bearer token"))
					return
				}
				auth = &Authorization{
					Identity:     claims.Subject,
					Roles:        claims.Roles,
					Capabilities: claims.Permissions,
				}
				var expiresAt time.Time
				if claims.ExpiresAt != nil {
					expiresAt = claims.ExpiresAt.Time
				}
				authCache.Write(tokenString, auth, expiresAt)
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.Identity)
			h.ServeHTTP(w, r.WithContext(auth.ContextWithAuthorization(ctx)))
		})
	}
}
