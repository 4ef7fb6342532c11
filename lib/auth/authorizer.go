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

package auth

import (
	"cmp"
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/auth/iam"
	"github.com/gonosql/gonosql/lib/auth/kvstore"
	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// cloudAuthorizer signs requests for the IAM protected cloud service.
type cloudAuthorizer struct {
	signer              *iam.Signer
	compartment         string
	resourceCompartment bool
	logger              *slog.Logger
}

func (a *cloudAuthorizer) authorization(ctx context.Context, req *Request) (http.Header, error) {
	force := consumeHint(req, nosqlerr.KindInvalidAuthorization)
	if force {
		a.logger.DebugContext(ctx, "Request was rejected as invalid, re-signing.")
	}

	var details *iam.SignatureDetails
	var err error
	if req.NeedsContentSigning {
		details, err = a.signer.SignContent(ctx, req.Content, force)
	} else {
		details, err = a.signer.Authorization(ctx, force)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, details.Authorization)
	headers.Set(gonosql.DateHeader, details.Date)
	if compartment := a.resolveCompartment(req, details); compartment != "" {
		headers.Set(gonosql.CompartmentIDHeader, compartment)
	}
	if details.DelegationToken != "" {
		headers.Set(gonosql.DelegationTokenHeader, details.DelegationToken)
	}
	if req.NeedsContentSigning {
		headers.Set(gonosql.ContentSHA256Header, details.ContentDigest)
		headers.Set(gonosql.ContentTypeHeader, gonosql.JSONContentType)
		headers.Set(gonosql.ContentLengthHeader, strconv.Itoa(details.ContentLength))
	}
	return headers, nil
}

// resolveCompartment picks the compartment a request runs against: the
// request's own, then the client default, then the resource principal's
// compartment claim when opted in, then the identity's tenancy root.
func (a *cloudAuthorizer) resolveCompartment(req *Request, details *iam.SignatureDetails) string {
	if req.Compartment != "" {
		return req.Compartment
	}
	if a.compartment != "" {
		return a.compartment
	}
	if a.resourceCompartment && details.CompartmentOCID != "" {
		return details.CompartmentOCID
	}
	return details.TenancyOCID
}

func (a *cloudAuthorizer) precache(ctx context.Context) error {
	_, err := a.signer.Authorization(ctx, false)
	return trace.Wrap(err)
}

func (a *cloudAuthorizer) close() error {
	return trace.Wrap(a.signer.Close())
}

// storeAuthorizer authorizes requests against an on-premise store with
// the bearer token its security service mints.
type storeAuthorizer struct {
	provider *kvstore.Provider
	logger   *slog.Logger
}

func (a *storeAuthorizer) authorization(ctx context.Context, req *Request) (http.Header, error) {
	force := consumeHint(req, nosqlerr.KindRetryAuthentication)
	if force {
		a.logger.DebugContext(ctx, "Store asked for re-authentication, logging in again.")
	}

	token, err := a.provider.BearerToken(ctx, force)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, "Bearer "+token)
	if req.Namespace != "" {
		headers.Set(gonosql.CompartmentIDHeader, req.Namespace)
	}
	return headers, nil
}

func (a *storeAuthorizer) precache(ctx context.Context) error {
	_, err := a.provider.BearerToken(ctx, false)
	return trace.Wrap(err)
}

func (a *storeAuthorizer) close() error {
	return trace.Wrap(a.provider.Close())
}

// cloudsimAuthorizer labels requests for the cloud simulator, which
// authenticates nobody and only tells clients apart.
type cloudsimAuthorizer struct {
	clientID    string
	compartment string
}

func (a *cloudsimAuthorizer) authorization(_ context.Context, req *Request) (http.Header, error) {
	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, "Bearer "+a.clientID)
	if compartment := cmp.Or(req.Compartment, a.compartment); compartment != "" {
		headers.Set(gonosql.CompartmentIDHeader, compartment)
	}
	return headers, nil
}

func (a *cloudsimAuthorizer) precache(context.Context) error { return nil }

func (a *cloudsimAuthorizer) close() error { return nil }
