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

// Package defaults contains default values applied across the driver
// when configuration leaves them unset.
package defaults

import "time"

// Signature cache defaults, cloud mode.
const (
	// SignatureDuration is how long a cached request signature stays
	// usable. The service rejects signatures older than five minutes,
	// so this is both the default and the maximum.
	SignatureDuration = 5 * time.Minute

	// MinSignatureDuration is the smallest accepted signature lifetime.
	MinSignatureDuration = time.Second

	// SignatureRefreshAhead is how long before signature expiry the
	// background refresh fires. Zero disables background refresh.
	SignatureRefreshAhead = 10 * time.Second

	// SecurityTokenExpireBefore is the safety margin subtracted from a
	// security token's exp claim when deciding whether the token is
	// still usable.
	SecurityTokenExpireBefore time.Duration = 0
)

// HTTP defaults for authorization exchanges.
const (
	// AuthRequestTimeout bounds a single authorization exchange
	// (federation, workload identity, metadata fetch) including the
	// retries inside the HTTP client.
	AuthRequestTimeout = 2 * time.Minute

	// RetryDelay is the fixed pause between retries of a failed
	// authorization exchange.
	RetryDelay = time.Second

	// HTTPIdleTimeout is how long idle connections to identity
	// endpoints are kept around.
	HTTPIdleTimeout = 30 * time.Second

	// HTTPSPort is the implied port of https endpoints given without
	// one.
	HTTPSPort = 443

	// HTTPPort is the implied port of plain http endpoints given
	// without one.
	HTTPPort = 8080
)

// On-premise store defaults.
const (
	// KVRequestTimeout bounds login, renew and logout calls to the
	// on-premise security service.
	KVRequestTimeout = 30 * time.Second

	// KVNoRenewBefore suppresses a scheduled renew that would fire
	// closer than this to token expiry, avoiding tight renew loops on
	// short-lived tokens.
	KVNoRenewBefore = 10 * time.Second
)

// Service paths.
const (
	// DataPath is the request target of every data-plane operation and
	// therefore the path covered by request signatures.
	DataPath = "/V2/nosql/data"

	// SecurityBasePath is the base path of the on-premise security
	// service. Login, renew and logout live under it.
	SecurityBasePath = "/V2/nosql/security"
)

// OCI configuration file defaults.
const (
	// ConfigFileDir is the directory under the user's home holding the
	// OCI configuration file.
	ConfigFileDir = ".oci"

	// ConfigFileName is the configuration file name inside ConfigFileDir.
	ConfigFileName = "config"

	// ConfigFileProfile is the profile read when none is named.
	ConfigFileProfile = "DEFAULT"
)

// Kubernetes workload identity defaults.
const (
	// ServiceAccountTokenPath is where Kubernetes projects the pod's
	// service account token.
	ServiceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	// ServiceAccountCertPath is where Kubernetes projects the cluster
	// CA bundle.
	ServiceAccountCertPath = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	// WorkloadIdentityPort is the port of the workload identity token
	// endpoint on the cluster's control plane host.
	WorkloadIdentityPort = 12250
)
