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

// Package imds reads small text resources from the instance metadata
// service reachable from cloud instances. The V2 tree requires a fixed
// bearer header; instances with V2 disabled answer 404 and are served
// from the V1 tree instead.
package imds

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/httplib"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/oci"
)

const (
	baseURLV2 = "http://169.254.169.254/opc/v2"
	baseURLV1 = "http://169.254.169.254/opc/v1"

	// bearerValue is the constant credential the V2 tree requires.
	bearerValue = "Bearer Oracle"
)

// Resource paths used by the instance principal provider.
const (
	// RegionPath answers the instance's region, long or short form.
	RegionPath = "instance/region"
	// LeafCertPath answers the instance identity certificate, PEM.
	LeafCertPath = "identity/cert.pem"
	// LeafKeyPath answers the private key of the identity certificate,
	// PEM.
	LeafKeyPath = "identity/key.pem"
	// IntermediateCertPath answers the issuing intermediate
	// certificate, PEM.
	IntermediateCertPath = "identity/intermediate.pem"
)

// Config configures a metadata Client.
type Config struct {
	// HTTP performs the exchanges. A default client is built when nil.
	HTTP *httplib.Client
	// BaseURL overrides the V2 tree location in tests.
	BaseURL string
	// FallbackURL overrides the V1 tree location in tests.
	FallbackURL string
	// Logger defaults to a component logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.HTTP == nil {
		client, err := httplib.NewClient(httplib.Config{})
		if err != nil {
			return trace.Wrap(err)
		}
		c.HTTP = client
	}
	if c.BaseURL == "" {
		c.BaseURL = baseURLV2
	}
	if c.FallbackURL == "" {
		c.FallbackURL = baseURLV1
	}
	if c.Logger == nil {
		c.Logger = slog.With(gonosql.ComponentKey, gonosql.ComponentIMDS)
	}
	return nil
}

// Client fetches metadata resources. Safe for concurrent use.
type Client struct {
	cfg Config
}

// NewClient creates a metadata client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// Get fetches one resource as text. A 404 from the V2 tree repeats the
// fetch against V1, which takes no bearer header. Other failures
// surface as classified errors; in particular a throttled metadata
// endpoint retries inside the HTTP client and does not fall back.
func (c *Client) Get(ctx context.Context, path string) (string, error) {
	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, bearerValue)
	headers.Set("Accept", "text/plain")

	resp, err := c.cfg.HTTP.Get(ctx, c.cfg.BaseURL+"/"+path, headers)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		c.cfg.Logger.DebugContext(ctx, "Metadata V2 answered 404, falling back to V1", "path", path)
		headers.Del(gonosql.AuthorizationHeader)
		resp, err = c.cfg.HTTP.Get(ctx, c.cfg.FallbackURL+"/"+path, headers)
		if err != nil {
			return "", trace.Wrap(err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", httplib.StatusError(resp, "imds/"+path)
	}
	return string(resp.Body), nil
}

// Region fetches and resolves the instance's region. A literal the
// registry does not know surfaces as ILLEGAL_STATE; it is never used
// to build an endpoint.
func (c *Client) Region(ctx context.Context) (oci.Region, error) {
	raw, err := c.Get(ctx, RegionPath)
	if err != nil {
		return oci.Region{}, trace.Wrap(err)
	}
	region, err := oci.ParseRegion(strings.TrimSpace(raw))
	if err != nil {
		return oci.Region{}, nosqlerr.WithKind(nosqlerr.KindIllegalState, err,
			"metadata endpoint reported unknown region %q", strings.TrimSpace(raw))
	}
	return region, nil
}
