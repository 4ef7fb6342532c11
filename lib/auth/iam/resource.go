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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/oci"
	"github.com/gonosql/gonosql/lib/pki"
)

// Environment of a version 2.2 resource principal. Each value is
// either an absolute path to a file or the material itself.
const (
	EnvResourcePrincipalVersion    = "OCI_RESOURCE_PRINCIPAL_VERSION"
	EnvResourcePrincipalPrivateKey = "OCI_RESOURCE_PRINCIPAL_PRIVATE_PEM"
	EnvResourcePrincipalPassphrase = "OCI_RESOURCE_PRINCIPAL_PRIVATE_PEM_PASSPHRASE"
	EnvResourcePrincipalRPST       = "OCI_RESOURCE_PRINCIPAL_RPST"
	EnvResourcePrincipalRegion     = "OCI_RESOURCE_PRINCIPAL_REGION"
)

const resourcePrincipalVersion = "2.2"

// Claims of a resource principal session token naming the identity's
// place in the tenancy.
const (
	claimTenancy     = "res_tenant"
	claimCompartment = "res_compartment"
)

// ResourcePrincipalConfig configures a [ResourcePrincipalProvider].
// The identity itself comes from the environment the platform
// injects, there is nothing to point at.
type ResourcePrincipalConfig struct {
	// ExpireBefore and RefreshAhead tune token caching, see
	// [SignerConfig].
	ExpireBefore time.Duration
	RefreshAhead time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// ResourcePrincipalProvider authenticates as the resource the process
// runs as, such as a function. The platform supplies a session token
// and a private key through the environment; path-valued entries are
// re-read on every refresh so the platform can rotate them in place.
type ResourcePrincipalProvider struct {
	region oci.Region
	rpst   string
	cached *cachedProfile

	// mu guards the key material, parsed per refresh and zeroed on
	// Close.
	mu         sync.Mutex
	key        []byte
	passphrase []byte
	closed     bool
}

// NewResourcePrincipalProvider validates the resource principal
// environment and returns a provider over it. Only version 2.2
// environments are supported.
func NewResourcePrincipalProvider(cfg ResourcePrincipalConfig) (*ResourcePrincipalProvider, error) {
	version := os.Getenv(EnvResourcePrincipalVersion)
	if version == "" {
		return nil, nosqlerr.IllegalArgument("resource principal requires %s in the environment", EnvResourcePrincipalVersion)
	}
	if version != resourcePrincipalVersion {
		return nil, nosqlerr.IllegalArgument("resource principal version %q is not supported, need %s", version, resourcePrincipalVersion)
	}
	key := os.Getenv(EnvResourcePrincipalPrivateKey)
	if key == "" {
		return nil, nosqlerr.IllegalArgument("resource principal requires %s in the environment", EnvResourcePrincipalPrivateKey)
	}
	passphrase := os.Getenv(EnvResourcePrincipalPassphrase)
	if passphrase != "" && filepath.IsAbs(passphrase) != filepath.IsAbs(key) {
		return nil, nosqlerr.IllegalArgument("%s and %s must both be paths or both be values",
			EnvResourcePrincipalPrivateKey, EnvResourcePrincipalPassphrase)
	}
	rpst := os.Getenv(EnvResourcePrincipalRPST)
	if rpst == "" {
		return nil, nosqlerr.IllegalArgument("resource principal requires %s in the environment", EnvResourcePrincipalRPST)
	}
	rawRegion := os.Getenv(EnvResourcePrincipalRegion)
	if rawRegion == "" {
		return nil, nosqlerr.IllegalArgument("resource principal requires %s in the environment", EnvResourcePrincipalRegion)
	}
	region, err := oci.ParseRegion(rawRegion)
	if err != nil {
		return nil, nosqlerr.IllegalArgument("resource principal region %q is not known", rawRegion)
	}

	provider := &ResourcePrincipalProvider{
		region:     region,
		rpst:       rpst,
		key:        []byte(key),
		passphrase: []byte(passphrase),
	}
	provider.cached, err = newCachedProfile(cachedProfileConfig{
		Name:         "resource-principal",
		Fetch:        provider.fetch,
		ExpireBefore: cfg.ExpireBefore,
		RefreshAhead: cfg.RefreshAhead,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return provider, nil
}

// Profile implements [ProfileProvider].
func (p *ResourcePrincipalProvider) Profile(ctx context.Context, force bool) (*Profile, error) {
	profile, err := p.cached.get(ctx, force)
	return profile, trace.Wrap(err)
}

// Region implements [ProfileProvider]. The region is pinned from the
// environment at construction.
func (p *ResourcePrincipalProvider) Region(ctx context.Context) (oci.Region, error) {
	return p.region, nil
}

// Close implements [ProfileProvider]. Inline key material is zeroed.
func (p *ResourcePrincipalProvider) Close() error {
	p.cached.close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	pki.Zero(p.key)
	pki.Zero(p.passphrase)
	return nil
}

func (p *ResourcePrincipalProvider) fetch(ctx context.Context) (*Profile, *SecurityToken, error) {
	raw, err := envValue(p.rpst)
	if err != nil {
		return nil, nil, nosqlerr.CredentialsError(err, "reading resource principal session token")
	}
	token, err := ParseSecurityToken(raw)
	if err != nil {
		return nil, nil, nosqlerr.CredentialsError(err, "parsing resource principal session token")
	}
	key, err := p.loadKey()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return &Profile{
		KeyID:           token.KeyID(),
		PrivateKey:      key,
		TenancyOCID:     token.Claim(claimTenancy),
		CompartmentOCID: token.Claim(claimCompartment),
	}, token, nil
}

// loadKey parses the signing key under the lock, so Close can zero the
// material without racing an exchange still in flight.
func (p *ResourcePrincipalProvider) loadKey() (*rsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nosqlerr.IllegalState("resource principal provider is closed")
	}
	var passphrase []byte
	if len(p.passphrase) != 0 {
		value, err := envValue(string(p.passphrase))
		if err != nil {
			return nil, nosqlerr.CredentialsError(err, "reading resource principal passphrase")
		}
		passphrase = []byte(value)
		defer pki.Zero(passphrase)
	}
	if entry := string(p.key); filepath.IsAbs(entry) {
		key, err := pki.LoadPrivateKey(entry, passphrase)
		if err != nil {
			if trace.IsNotFound(err) {
				return nil, nosqlerr.IllegalArgument("resource principal key file %q not found", entry)
			}
			return nil, nosqlerr.CredentialsError(err, "loading resource principal key from %q", entry)
		}
		return key, nil
	}
	key, err := pki.ParsePrivateKeyPEM(p.key, passphrase)
	if err != nil {
		return nil, nosqlerr.CredentialsError(err, "parsing resource principal key")
	}
	return key, nil
}

// envValue resolves a resource principal environment entry, reading
// the file when the value is an absolute path.
func envValue(value string) (string, error) {
	if !filepath.IsAbs(value) {
		return value, nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return strings.TrimSpace(string(data)), nil
}
