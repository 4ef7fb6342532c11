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
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/httplib"
	"github.com/gonosql/gonosql/lib/imds"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/oci"
)

// InstancePrincipalConfig configures an [InstancePrincipalProvider].
// The zero value works on any instance: the region and the federation
// endpoint are discovered through the metadata endpoint on first use.
type InstancePrincipalConfig struct {
	// FederationEndpoint overrides the identity endpoint derived from
	// the instance's region. It must look like
	// https://auth.<region>.<second-level-domain>, nothing extra.
	FederationEndpoint string
	// IMDS serves instance metadata.
	IMDS *imds.Client
	// HTTP performs the federation exchange.
	HTTP *httplib.Client
	// ExpireBefore and RefreshAhead tune token caching, see
	// [SignerConfig].
	ExpireBefore time.Duration
	RefreshAhead time.Duration
	// Timeout bounds one exchange.
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *InstancePrincipalConfig) CheckAndSetDefaults() error {
	if c.FederationEndpoint != "" {
		if err := validateFederationEndpoint(c.FederationEndpoint); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gonosql.ComponentKey, gonosql.Component(gonosql.ComponentIAM, "instance-principal"))
	}
	if c.IMDS == nil {
		client, err := imds.NewClient(imds.Config{Logger: c.Logger})
		if err != nil {
			return trace.Wrap(err)
		}
		c.IMDS = client
	}
	if c.HTTP == nil {
		client, err := httplib.NewClient(httplib.Config{Clock: c.Clock, Logger: c.Logger})
		if err != nil {
			return trace.Wrap(err)
		}
		c.HTTP = client
	}
	return nil
}

// InstancePrincipalProvider authenticates as the compute instance the
// process runs on. Every refresh reads the instance identity
// certificates from the metadata endpoint and trades them for a
// security token paired with an ephemeral session key.
type InstancePrincipalProvider struct {
	cfg    InstancePrincipalConfig
	fed    *federationClient
	cached *cachedProfile

	mu       sync.Mutex
	endpoint string
	region   *oci.Region
}

// NewInstancePrincipalProvider returns a provider over the instance's
// identity. Nothing contacts the metadata endpoint until the first
// profile is requested.
func NewInstancePrincipalProvider(cfg InstancePrincipalConfig) (*InstancePrincipalProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	provider := &InstancePrincipalProvider{
		cfg:      cfg,
		fed:      &federationClient{imds: cfg.IMDS, http: cfg.HTTP, clock: cfg.Clock},
		endpoint: cfg.FederationEndpoint,
	}
	cached, err := newCachedProfile(cachedProfileConfig{
		Name:         "instance-principal",
		Fetch:        provider.fetch,
		ExpireBefore: cfg.ExpireBefore,
		RefreshAhead: cfg.RefreshAhead,
		Timeout:      cfg.Timeout,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	provider.cached = cached
	return provider, nil
}

// Profile implements [ProfileProvider].
func (p *InstancePrincipalProvider) Profile(ctx context.Context, force bool) (*Profile, error) {
	profile, err := p.cached.get(ctx, force)
	return profile, trace.Wrap(err)
}

// Region implements [ProfileProvider]. The region comes from the
// metadata endpoint and is pinned for the provider's lifetime.
func (p *InstancePrincipalProvider) Region(ctx context.Context) (oci.Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	region, err := p.regionLocked(ctx)
	return region, trace.Wrap(err)
}

// Close implements [ProfileProvider].
func (p *InstancePrincipalProvider) Close() error {
	p.cached.close()
	p.cfg.HTTP.CloseIdleConnections()
	return nil
}

func (p *InstancePrincipalProvider) fetch(ctx context.Context) (*Profile, *SecurityToken, error) {
	endpoint, err := p.federationEndpoint(ctx)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	profile, token, err := p.fed.exchange(ctx, endpoint)
	return profile, token, trace.Wrap(err)
}

// federationEndpoint resolves and pins the identity endpoint, deriving
// it from the instance's region unless the configuration named one.
func (p *InstancePrincipalProvider) federationEndpoint(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoint != "" {
		return p.endpoint, nil
	}
	region, err := p.regionLocked(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	p.endpoint = region.AuthEndpoint()
	return p.endpoint, nil
}

func (p *InstancePrincipalProvider) regionLocked(ctx context.Context) (oci.Region, error) {
	if p.region != nil {
		return *p.region, nil
	}
	region, err := p.cfg.IMDS.Region(ctx)
	if err != nil {
		return oci.Region{}, trace.Wrap(err)
	}
	p.region = &region
	return region, nil
}

// validateFederationEndpoint checks that an endpoint override looks
// like https://auth.<region>.<second-level-domain> with no port, path,
// query or fragment on it.
func validateFederationEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nosqlerr.IllegalArgument("invalid federation endpoint %q: %v", endpoint, err)
	}
	switch {
	case u.Scheme != "https":
		return nosqlerr.IllegalArgument("federation endpoint %q must use https", endpoint)
	case u.Port() != "":
		return nosqlerr.IllegalArgument("federation endpoint %q must not name a port", endpoint)
	case u.RawQuery != "" || u.Fragment != "":
		return nosqlerr.IllegalArgument("federation endpoint %q must not carry a query or fragment", endpoint)
	case u.Path != "" && u.Path != "/":
		return nosqlerr.IllegalArgument("federation endpoint %q must not carry a path", endpoint)
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) < 3 || labels[0] != "auth" {
		return nosqlerr.IllegalArgument("federation endpoint %q must look like https://auth.<region>.<domain>", endpoint)
	}
	return nil
}
