/*
 * gonosql
 * Copyright (C) 2026  The gonosql Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package iam

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
)

// securityTokenPrefix marks a keyId as token-based rather than
// user-credential based.
const securityTokenPrefix = "ST$"

// SecurityToken is a short-lived token minted by an identity exchange.
// The token is never verified locally, only decoded: expiry and the
// resource principal claims are read from the payload, the signature
// is the service's concern.
type SecurityToken struct {
	raw    string
	claims jwt.MapClaims
	exp    time.Time
}

// ParseSecurityToken decodes raw as an unverified JWT. A token without
// an exp claim is returned with a zero expiry, which [SecurityToken.Valid]
// treats as non-expiring. Callers that require an expiry check
// [SecurityToken.ExpiresAt] themselves.
func ParseSecurityToken(raw string) (*SecurityToken, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, trace.Wrap(err, "decoding security token")
	}
	token := &SecurityToken{raw: raw, claims: claims}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, trace.Wrap(err, "decoding security token expiry")
	}
	if exp != nil {
		token.exp = exp.Time
	}
	return token, nil
}

// newOpaqueToken wraps a token that is not a JWT, such as the contents
// of a session token file minted by tooling the driver does not know.
// Opaque tokens never expire on the client side.
func newOpaqueToken(raw string) *SecurityToken {
	return &SecurityToken{raw: raw}
}

// Raw returns the encoded token.
func (t *SecurityToken) Raw() string { return t.raw }

// KeyID returns the token formatted as a Signature header keyId.
func (t *SecurityToken) KeyID() string { return securityTokenPrefix + t.raw }

// ExpiresAt returns the token expiry, zero when the token carries none.
func (t *SecurityToken) ExpiresAt() time.Time { return t.exp }

// Valid reports whether the token is still usable at now. A token
// within expireBefore of its expiry counts as lapsed so that a request
// signed now does not arrive with a dead token. Tokens without an
// expiry are always valid.
func (t *SecurityToken) Valid(now time.Time, expireBefore time.Duration) bool {
	if t.exp.IsZero() {
		return true
	}
	return now.Before(t.exp.Add(-expireBefore))
}

// Remaining returns how long the token stays usable from now, with the
// expireBefore margin already deducted. It returns zero for lapsed
// tokens and a negative duration never.
func (t *SecurityToken) Remaining(now time.Time, expireBefore time.Duration) time.Duration {
	if t.exp.IsZero() {
		return 0
	}
	remaining := t.exp.Add(-expireBefore).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Claim returns the named string claim, empty when absent or not a
// string.
func (t *SecurityToken) Claim(name string) string {
	value, ok := t.claims[name].(string)
	if !ok {
		return ""
	}
	return value
}
