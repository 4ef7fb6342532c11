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

// Package gonosql holds constants shared across the driver packages.
package gonosql

import "strings"

// Version is the driver version reported in the User-Agent header of
// every outbound request.
const Version = "1.0.0"

const (
	// ComponentKey is the log field under which every subsystem reports
	// its component name.
	ComponentKey = "component"

	// ComponentAuth is the authorization facade.
	ComponentAuth = "auth"

	// ComponentIAM is the cloud IAM authorization provider.
	ComponentIAM = "auth:iam"

	// ComponentKVStore is the on-premise authorization provider.
	ComponentKVStore = "auth:kvstore"

	// ComponentIMDS is the instance metadata service client.
	ComponentIMDS = "imds"

	// ComponentHTTP is the internal HTTP client used for authorization
	// exchanges.
	ComponentHTTP = "httplib"
)

// Component joins component names into a single log value, e.g.
// Component("auth:iam", "federation").
func Component(components ...string) string {
	return strings.Join(components, ":")
}

// MetricNamespace is the prometheus namespace of all driver metrics.
const MetricNamespace = "gonosql"

// Header names used on requests to the NoSQL service and to the
// identity endpoints.
const (
	// AuthorizationHeader carries the request signature or bearer token.
	AuthorizationHeader = "Authorization"

	// DateHeader carries the RFC 1123 timestamp covered by the request
	// signature. It must match the date line of the signed content
	// byte for byte.
	DateHeader = "Date"

	// CompartmentIDHeader routes a cloud request to a compartment or an
	// on-premise request to a namespace.
	CompartmentIDHeader = "x-nosql-compartment-id"

	// ContentSHA256Header carries the base64 SHA-256 digest of the
	// request body on content-signed operations.
	ContentSHA256Header = "x-content-sha256"

	// ContentTypeHeader and ContentLengthHeader are included in the
	// signed headers of content-signed operations.
	ContentTypeHeader   = "content-type"
	ContentLengthHeader = "content-length"

	// DelegationTokenHeader carries the on-behalf-of token when an
	// instance principal acts for another identity.
	DelegationTokenHeader = "opc-obo-token"

	// RequestIDHeader correlates identity exchanges with service side
	// logs.
	RequestIDHeader = "opc-request-id"

	// UserAgentHeader identifies the driver to the service.
	UserAgentHeader = "User-Agent"
)

// RequestTarget is the pseudo-header covering the method and path in
// signed content.
const RequestTarget = "(request-target)"

// JSONContentType is the content type of every signed request body.
const JSONContentType = "application/json"
