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

// Package iam signs NoSQL cloud service requests with OCI IAM
// HTTP signatures.
//
// A [Signer] caches a signed Signature header and re-signs when the
// signature lapses, ahead of schedule on a background timer, or on
// demand after the service rejects a signature. The identity behind
// the signature comes from a [ProfileProvider]: long-lived user
// credentials (API key), an OCI configuration file, or one of the
// security-token principals (instance, resource, workload identity,
// session token) that exchange ambient platform identity for a
// short-lived token and a session key.
//
// All providers are safe for concurrent use. Refreshes are coalesced
// so that at most one credential exchange is in flight per provider
// at any time.
package iam

import (
	"context"
	"crypto/rsa"

	"github.com/gonosql/gonosql/lib/oci"
)

// Profile is a signing identity: the keyId written into the Signature
// header and the RSA key that produces the signature. Security-token
// principals mint a fresh Profile on every token exchange; user
// credentials keep one for the provider's lifetime.
type Profile struct {
	// KeyID identifies the signing key to the service. For user
	// credentials it is "tenancy/user/fingerprint", for token
	// principals "ST$" followed by the security token.
	KeyID string

	// PrivateKey signs the request. Token principals pair the token
	// with an ephemeral session key, user credentials use the API key.
	PrivateKey *rsa.PrivateKey

	// TenancyOCID is the tenancy the identity belongs to, when known.
	// It is the fallback compartment for requests that name none.
	TenancyOCID string

	// CompartmentOCID is the compartment baked into the identity, set
	// only by resource principals (the res_compartment claim).
	CompartmentOCID string
}

// ProfileProvider yields the signing identity for a [Signer].
// Implementations own the credential lifetime: they decide when a
// cached identity is still fresh and coalesce concurrent refreshes.
type ProfileProvider interface {
	// Profile returns a usable signing identity, performing whatever
	// exchange the principal requires when the cached one lapsed.
	// force discards the cached identity first. It is set after the
	// service rejected a signature, so the returned identity must not
	// be the one that produced it.
	Profile(ctx context.Context, force bool) (*Profile, error)

	// Region reports the region the identity was discovered in, used
	// for endpoint resolution when the caller configured none. It
	// returns trace.NotFound when the principal has no region of its
	// own, such as plain user credentials.
	Region(ctx context.Context) (oci.Region, error)

	// Close releases keys, timers and idle connections. The provider
	// is unusable afterward. Close is idempotent.
	Close() error
}
