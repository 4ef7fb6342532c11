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
	"context"
	"crypto/rsa"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/oci"
	"github.com/gonosql/gonosql/lib/pki"
)

// Credentials are long-lived user signing credentials: the identity
// triple that forms the keyId plus the API signing key.
type Credentials struct {
	// TenancyOCID and UserOCID identify the user.
	TenancyOCID string
	UserOCID    string
	// Fingerprint is the colon-separated fingerprint of the key as
	// uploaded to the identity service.
	Fingerprint string
	// PrivateKeyPEM is the signing key, inline. Mutually exclusive
	// with PrivateKeyFile.
	PrivateKeyPEM []byte
	// PrivateKeyFile is a path to the signing key.
	PrivateKeyFile string
	// Passphrase decrypts the key when it is encrypted.
	Passphrase []byte
}

// CheckAndSetDefaults validates the credentials structurally. The key
// itself is not parsed until first use.
func (c *Credentials) CheckAndSetDefaults() error {
	if !oci.IsValidOCID(c.TenancyOCID) {
		return nosqlerr.IllegalArgument("tenancy %q is not a valid OCID", c.TenancyOCID)
	}
	if !oci.IsValidOCID(c.UserOCID) {
		return nosqlerr.IllegalArgument("user %q is not a valid OCID", c.UserOCID)
	}
	if c.Fingerprint == "" {
		return nosqlerr.IllegalArgument("missing key fingerprint")
	}
	if len(c.PrivateKeyPEM) == 0 && c.PrivateKeyFile == "" {
		return nosqlerr.IllegalArgument("missing private key")
	}
	if len(c.PrivateKeyPEM) != 0 && c.PrivateKeyFile != "" {
		return nosqlerr.IllegalArgument("private key and private key file are mutually exclusive")
	}
	return nil
}

func (c *Credentials) keyID() string {
	return c.TenancyOCID + "/" + c.UserOCID + "/" + c.Fingerprint
}

func (c *Credentials) loadKey() (*rsa.PrivateKey, error) {
	if c.PrivateKeyFile != "" {
		key, err := pki.LoadPrivateKey(c.PrivateKeyFile, c.Passphrase)
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, nosqlerr.IllegalArgument("private key file %q not found", c.PrivateKeyFile)
			}
			return nil, nosqlerr.CredentialsError(err, "loading private key from %q", c.PrivateKeyFile)
		}
		return key, nil
	}
	key, err := pki.ParsePrivateKeyPEM(c.PrivateKeyPEM, c.Passphrase)
	if err != nil {
		return nil, nosqlerr.CredentialsError(err, "parsing private key")
	}
	return key, nil
}

// CredentialsFunc supplies user credentials on demand. It is invoked
// on first use and again on a forced refresh, so rotated keys get
// picked up without rebuilding the client.
type CredentialsFunc func(ctx context.Context) (*Credentials, error)

// UserProvider signs with long-lived user credentials. There is no
// token exchange and nothing expires: the key is parsed once and kept
// until Close.
type UserProvider struct {
	mu      sync.Mutex
	creds   Credentials
	load    CredentialsFunc
	profile *Profile
	closed  bool
}

// NewUserProvider returns a provider over fixed credentials.
func NewUserProvider(creds Credentials) (*UserProvider, error) {
	if err := creds.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &UserProvider{creds: creds}, nil
}

// NewCallbackProvider returns a provider that obtains credentials from
// fn.
func NewCallbackProvider(fn CredentialsFunc) (*UserProvider, error) {
	if fn == nil {
		return nil, trace.BadParameter("missing credentials callback")
	}
	return &UserProvider{load: fn}, nil
}

// Profile implements [ProfileProvider]. With a callback, force
// re-invokes it; with fixed credentials force is a no-op because there
// is nothing fresher to produce.
func (p *UserProvider) Profile(ctx context.Context, force bool) (*Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nosqlerr.IllegalState("user credentials provider is closed")
	}
	if p.profile != nil && !(force && p.load != nil) {
		return p.profile, nil
	}
	creds := p.creds
	if p.load != nil {
		loaded, err := p.load(ctx)
		if err != nil {
			return nil, nosqlerr.CredentialsError(err, "loading user credentials")
		}
		if loaded == nil {
			return nil, nosqlerr.CredentialsError(nil, "credentials callback returned no credentials")
		}
		creds = *loaded
		if err := creds.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		p.creds = creds
	}
	key, err := creds.loadKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.profile = &Profile{
		KeyID:       creds.keyID(),
		PrivateKey:  key,
		TenancyOCID: creds.TenancyOCID,
	}
	return p.profile, nil
}

// Region implements [ProfileProvider]. User credentials carry no
// region.
func (p *UserProvider) Region(ctx context.Context) (oci.Region, error) {
	return oci.Region{}, trace.NotFound("user credentials carry no region")
}

// Close zeroes the key material.
func (p *UserProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	pki.Zero(p.creds.Passphrase)
	pki.Zero(p.creds.PrivateKeyPEM)
	p.profile = nil
	return nil
}
