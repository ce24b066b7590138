// Package localapi implements the gateway's local shadow operations:
// Update, Get, Delete, and ListNamedShadowsForThing, plus the default
// request authorizer.
package localapi

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgeflow/shadowgw/internal/apperr"
)

// Authorizer decides whether a caller may perform an operation against
// a given thing/shadow resource. Pluggable so a deployment can swap in
// mTLS client-cert identity or a static API-key store instead of JWT.
type Authorizer interface {
	Authorize(callerToken, thing, shadowName, operation string) (callerID string, err error)
}

// JWTAuthorizer validates a bearer token's claims against the
// "<thing>/shadow[/<shadowName>]" resource string, the default
// authorizer shipped with the gateway.
type JWTAuthorizer struct {
	secret []byte
}

func NewJWTAuthorizer(secret []byte) *JWTAuthorizer {
	return &JWTAuthorizer{secret: secret}
}

func (a *JWTAuthorizer) Authorize(tokenString, thing, shadowName, operation string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.ErrUnauthorized("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.ErrUnauthorized("malformed token claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", apperr.ErrUnauthorized("token missing subject")
	}

	resource := resourceString(thing, shadowName)
	perms, _ := claims["permissions"].([]interface{})
	if !permitsResource(perms, resource, operation) {
		return "", apperr.ErrUnauthorized(fmt.Sprintf("caller %s not permitted to %s %s", sub, operation, resource))
	}

	return sub, nil
}

func resourceString(thing, shadowName string) string {
	if shadowName == "" {
		return thing + "/shadow"
	}
	return thing + "/shadow/" + shadowName
}

func permitsResource(perms []interface{}, resource, operation string) bool {
	for _, p := range perms {
		s, ok := p.(string)
		if !ok {
			continue
		}
		if s == "*" {
			return true
		}
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 {
			continue
		}
		action, res := parts[0], parts[1]
		if (action == "*" || action == operation) && (res == "*" || res == resource || strings.HasPrefix(resource, strings.TrimSuffix(res, "*"))) {
			return true
		}
	}
	return false
}
