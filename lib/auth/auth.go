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

// Package auth is the single entry point the data plane calls to
// authorize requests against a NoSQL service. A [Client] owns one of
// three authorization chains, selected by configuration: the cloud
// service signs every request with an IAM identity, an on-premise
// store exchanges a username and password for a bearer token, and the
// local cloud simulator accepts a plain client id.
//
// The data plane asks for headers before each request:
//
//	headers, err := client.Authorization(ctx, &auth.Request{Compartment: compartment})
//
// and retries with the failure attached, so a rejected signature or a
// lapsed store token is replaced exactly once per request:
//
//	headers, err = client.Authorization(ctx, &auth.Request{LastError: err})
package auth

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/auth/iam"
	"github.com/gonosql/gonosql/lib/auth/kvstore"
	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// Provider supplies the authorization headers of data-plane requests.
// Implementations are safe for concurrent callers.
type Provider interface {
	// Authorization returns the headers that authorize one request. The
	// returned map is freshly built per call and never touched again by
	// the provider; the caller may keep or mutate it freely.
	Authorization(ctx context.Context, req *Request) (http.Header, error)
	// PrecacheAuth warms the chain: credentials are loaded, tokens
	// exchanged and the first signature minted, so the first data
	// request does no synchronous authorization work.
	PrecacheAuth(ctx context.Context) error
	// Close releases the chain: timers stop, the on-premise session is
	// logged out, secrets are zeroed and idle connections dropped.
	// Close is idempotent.
	Close() error
}

// Request describes the data-plane request being authorized. The zero
// value is a plain request against the client's defaults.
type Request struct {
	// Compartment routes the request to a compartment other than the
	// client's default, as an OCID or a dot-separated compartment path.
	// Cloud mode only.
	Compartment string
	// Namespace is the on-premise counterpart of Compartment: the store
	// reads the target namespace from the same header slot.
	Namespace string
	// Content is the serialized request body. Consulted only when
	// NeedsContentSigning is set.
	Content []byte
	// NeedsContentSigning marks the handful of control-plane operations
	// whose signature must also cover the body, such as table DDL.
	NeedsContentSigning bool
	// LastError is the failure of the previous attempt when the data
	// plane retries a request. An INVALID_AUTHORIZATION kind makes the
	// cloud chain drop its cached signature and identity;
	// RETRY_AUTHENTICATION makes the store chain log in again. Either
	// is honored once per Request: a second retry with the same kind
	// gets the already refreshed credentials back.
	LastError error

	// invalidated marks the one forced refresh of this request as
	// spent.
	invalidated bool
}

// consumeHint reports whether req carries a not yet honored LastError
// of the given kind, and spends it. One forced refresh per request
// keeps a persistently failing peer from looping the chain.
func consumeHint(req *Request, kind nosqlerr.Kind) bool {
	if req.invalidated || req.LastError == nil {
		return false
	}
	if nosqlerr.KindOf(req.LastError) != kind {
		return false
	}
	req.invalidated = true
	return true
}

// authorizer is one authorization chain behind the facade.
type authorizer interface {
	authorization(ctx context.Context, req *Request) (http.Header, error)
	precache(ctx context.Context) error
	close() error
}

// Client is the facade over the configured authorization chain.
type Client struct {
	cfg      Config
	endpoint serviceEndpoint
	backend  authorizer
	closed   atomic.Bool
}

var _ Provider = (*Client)(nil)

// New validates cfg, builds the authorization chain it selects and
// resolves the service endpoint. ctx bounds endpoint resolution, which
// may ask the credential source for its region. No credentials are
// exchanged until the first request or an explicit [Client.PrecacheAuth].
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := &Client{cfg: cfg}

	switch cfg.ServiceType {
	case ServiceKVStore:
		endpoint, err := parseEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		provider, err := kvstore.NewProvider(kvstore.Config{
			Endpoint:           endpoint.url(),
			User:               cfg.KVStore.User,
			Password:           cfg.KVStore.Password,
			CredentialsFile:    cfg.KVStore.CredentialsFile,
			CredentialsFunc:    cfg.KVStore.CredentialsFunc,
			DisableAutoRenew:   cfg.KVStore.DisableAutoRenew,
			NoRenewBefore:      cfg.KVStore.NoRenewBefore,
			Timeout:            cfg.KVStore.Timeout,
			CAPool:             cfg.KVStore.CAPool,
			InsecureSkipVerify: cfg.KVStore.InsecureSkipVerify,
			Clock:              cfg.Clock,
			Logger:             cfg.Logger.With(gonosql.ComponentKey, gonosql.ComponentKVStore),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		client.endpoint = endpoint
		client.backend = &storeAuthorizer{
			provider: provider,
			logger:   cfg.Logger.With(gonosql.ComponentKey, gonosql.ComponentAuth),
		}

	case ServiceCloudSim:
		endpoint, err := parseEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		client.endpoint = endpoint
		client.backend = &cloudsimAuthorizer{
			clientID:    cfg.CloudSim.ClientID,
			compartment: cfg.Compartment,
		}

	default:
		provider, err := cfg.IAM.buildProvider(cfg.Clock, cfg.Logger.With(gonosql.ComponentKey, gonosql.ComponentIAM))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		endpoint, err := resolveCloudEndpoint(ctx, &cfg, provider)
		if err != nil {
			provider.Close()
			return nil, trace.Wrap(err)
		}
		var delegation *iam.TokenSource
		if !cfg.IAM.DelegationToken.IsZero() {
			delegation = &cfg.IAM.DelegationToken
		}
		signer, err := iam.NewSigner(iam.SignerConfig{
			Provider:     provider,
			Host:         endpoint.hostHeader(),
			Duration:     cfg.IAM.Duration,
			RefreshAhead: cfg.IAM.RefreshAhead,
			Timeout:      cfg.IAM.Timeout,
			Delegation:   delegation,
			Clock:        cfg.Clock,
			Logger:       cfg.Logger.With(gonosql.ComponentKey, gonosql.ComponentIAM),
		})
		if err != nil {
			provider.Close()
			return nil, trace.Wrap(err)
		}
		client.endpoint = endpoint
		client.backend = &cloudAuthorizer{
			signer:              signer,
			compartment:         cfg.Compartment,
			resourceCompartment: cfg.IAM.UseResourcePrincipalCompartment,
			logger:              cfg.Logger.With(gonosql.ComponentKey, gonosql.ComponentAuth),
		}
	}
	return client, nil
}

// Authorization implements [Provider]. A nil req authorizes a plain
// request against the client's defaults.
func (c *Client) Authorization(ctx context.Context, req *Request) (http.Header, error) {
	if c.closed.Load() {
		return nil, nosqlerr.IllegalState("authorization client is closed")
	}
	if req == nil {
		req = &Request{}
	}
	headers, err := c.backend.authorization(ctx, req)
	return headers, trace.Wrap(err)
}

// PrecacheAuth implements [Provider].
func (c *Client) PrecacheAuth(ctx context.Context) error {
	if c.closed.Load() {
		return nosqlerr.IllegalState("authorization client is closed")
	}
	return trace.Wrap(c.backend.precache(ctx))
}

// Close implements [Provider].
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return trace.Wrap(c.backend.close())
}

// Endpoint returns the resolved service URL requests should be sent
// to, without a trailing slash or path.
func (c *Client) Endpoint() string {
	return c.endpoint.url()
}
