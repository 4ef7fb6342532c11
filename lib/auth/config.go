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
	"crypto/x509"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql/lib/auth/iam"
	"github.com/gonosql/gonosql/lib/auth/kvstore"
	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// ServiceType names the kind of NoSQL service a client talks to.
type ServiceType string

const (
	// ServiceCloud is the IAM protected cloud service.
	ServiceCloud ServiceType = "cloud"
	// ServiceCloudSim is the local cloud simulator.
	ServiceCloudSim ServiceType = "cloudsim"
	// ServiceKVStore is an on-premise secure store behind its proxy.
	ServiceKVStore ServiceType = "kvstore"
)

// Config configures a [Client].
type Config struct {
	// ServiceType picks the authorization chain. When empty it is
	// inferred: KVStore settings select the store, CloudSim settings
	// the simulator, everything else the cloud service.
	ServiceType ServiceType
	// Endpoint is where the service lives, as a URL or a bare
	// host[:port]. Without a scheme https is assumed, unless a port
	// other than 443 makes it a plain http endpoint. Mutually exclusive
	// with Region.
	Endpoint string
	// Region locates the cloud service through the region registry, by
	// long identifier or airport code. When both Endpoint and Region
	// are empty the credential source must name a region: the OCI
	// configuration file's region key, the resource principal
	// environment, or instance metadata.
	Region string
	// Compartment is the default compartment of requests that name
	// none. Defaults to the root compartment of the identity's tenancy.
	Compartment string
	// IAM tunes the cloud chain and selects the identity within it.
	// Cloud mode only; nil means the default OCI configuration file.
	IAM *IAMConfig
	// KVStore holds the on-premise store credentials. Store mode only.
	KVStore *KVStoreConfig
	// CloudSim tunes the simulator chain. Simulator mode only.
	CloudSim *CloudSimConfig
	// Clock drives every cache expiry and refresh timer underneath.
	Clock clockwork.Clock
	// Logger is the base logger; each subsystem tags its component.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch ServiceType(strings.ToLower(string(c.ServiceType))) {
	case "":
		switch {
		case c.KVStore != nil:
			c.ServiceType = ServiceKVStore
		case c.CloudSim != nil:
			c.ServiceType = ServiceCloudSim
		default:
			c.ServiceType = ServiceCloud
		}
	case ServiceCloud:
		c.ServiceType = ServiceCloud
	case ServiceCloudSim:
		c.ServiceType = ServiceCloudSim
	case ServiceKVStore:
		c.ServiceType = ServiceKVStore
	default:
		return nosqlerr.IllegalArgument("unknown service type %q", c.ServiceType)
	}

	if c.Endpoint != "" && c.Region != "" {
		return nosqlerr.IllegalArgument("endpoint and region are mutually exclusive")
	}

	switch c.ServiceType {
	case ServiceKVStore:
		if c.IAM != nil {
			return nosqlerr.IllegalArgument("IAM settings do not apply to an on-premise store")
		}
		if c.CloudSim != nil {
			return nosqlerr.IllegalArgument("cloud simulator settings do not apply to an on-premise store")
		}
		if c.KVStore == nil {
			return nosqlerr.IllegalArgument("on-premise store requires credentials, set KVStore")
		}
		if c.Region != "" {
			return nosqlerr.IllegalArgument("a region names a cloud service, the store needs an endpoint")
		}
		if c.Endpoint == "" {
			return nosqlerr.IllegalArgument("missing store endpoint")
		}
	case ServiceCloudSim:
		if c.IAM != nil {
			return nosqlerr.IllegalArgument("IAM settings do not apply to the cloud simulator")
		}
		if c.KVStore != nil {
			return nosqlerr.IllegalArgument("store credentials do not apply to the cloud simulator")
		}
		if c.Region != "" {
			return nosqlerr.IllegalArgument("the cloud simulator has no regions, set an endpoint")
		}
		if c.Endpoint == "" {
			return nosqlerr.IllegalArgument("missing cloud simulator endpoint")
		}
		if c.CloudSim == nil {
			c.CloudSim = &CloudSimConfig{}
		}
		if c.CloudSim.ClientID == "" {
			c.CloudSim.ClientID = uuid.NewString()
		}
	default:
		if c.KVStore != nil {
			return nosqlerr.IllegalArgument("store credentials do not apply to the cloud service")
		}
		if c.CloudSim != nil {
			return nosqlerr.IllegalArgument("cloud simulator settings do not apply to the cloud service")
		}
		if c.IAM == nil {
			c.IAM = &IAMConfig{}
		}
		if err := c.IAM.checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// IAMConfig selects the cloud identity and tunes the caches above it.
// The identity families are mutually exclusive; with none selected the
// default OCI configuration file is read.
type IAMConfig struct {
	// UseResourcePrincipal authenticates as the resource the process
	// runs as, from the environment the platform injects.
	UseResourcePrincipal bool
	// UseInstancePrincipal authenticates as the compute instance,
	// through instance metadata and the federation endpoint.
	UseInstancePrincipal bool
	// UseWorkloadIdentity authenticates as the Kubernetes workload on
	// an OKE cluster.
	UseWorkloadIdentity bool
	// UseSessionToken signs with the session token named by the OCI
	// configuration file, minted beforehand by external tooling.
	// Combines with ConfigFile and Profile.
	UseSessionToken bool
	// Credentials are direct user signing credentials.
	Credentials *iam.Credentials
	// CredentialsFunc supplies user credentials on demand.
	CredentialsFunc iam.CredentialsFunc
	// ConfigFile and Profile locate an OCI configuration file profile.
	// Empty values mean ~/.oci/config and DEFAULT.
	ConfigFile string
	Profile    string

	// FederationEndpoint overrides the instance principal's identity
	// endpoint, usually derived from the instance's region.
	FederationEndpoint string
	// DelegationToken makes an instance principal act on behalf of the
	// identity the token names, carried as opc-obo-token.
	DelegationToken iam.TokenSource
	// ServiceAccountToken overrides where the workload identity reads
	// the Kubernetes service account token from.
	ServiceAccountToken iam.TokenSource
	// UseResourcePrincipalCompartment routes requests that name no
	// compartment to the resource principal's own compartment instead
	// of the tenancy root.
	UseResourcePrincipalCompartment bool

	// Duration is the signature cache TTL, between one second and five
	// minutes. Defaults to five minutes.
	Duration time.Duration
	// RefreshAhead re-signs in the background this long before Duration
	// runs out. Defaults to ten seconds.
	RefreshAhead time.Duration
	// SecurityTokenExpireBefore is the safety margin a security token
	// must clear beyond its exp claim to keep serving.
	SecurityTokenExpireBefore time.Duration
	// SecurityTokenRefreshAhead refreshes the security token in the
	// background this long before it expires. Zero disables it.
	SecurityTokenRefreshAhead time.Duration
	// Timeout bounds one credential exchange, retries included.
	Timeout time.Duration
}

// checkAndSetDefaults verifies the selected identity families do not
// conflict and their options belong to them.
func (c *IAMConfig) checkAndSetDefaults() error {
	selected := make([]string, 0, 2)
	if c.UseResourcePrincipal {
		selected = append(selected, "UseResourcePrincipal")
	}
	if c.UseInstancePrincipal {
		selected = append(selected, "UseInstancePrincipal")
	}
	if c.UseWorkloadIdentity {
		selected = append(selected, "UseWorkloadIdentity")
	}
	if c.UseSessionToken {
		selected = append(selected, "UseSessionToken")
	}
	if c.Credentials != nil {
		selected = append(selected, "Credentials")
	}
	if c.CredentialsFunc != nil {
		selected = append(selected, "CredentialsFunc")
	}
	// The configuration file combines with UseSessionToken, which only
	// says how the file's profile is used.
	if (c.ConfigFile != "" || c.Profile != "") && !c.UseSessionToken {
		selected = append(selected, "ConfigFile")
	}
	if len(selected) > 1 {
		return nosqlerr.IllegalArgument("identities %s are mutually exclusive, pick one",
			strings.Join(selected, " and "))
	}

	if c.FederationEndpoint != "" && !c.UseInstancePrincipal {
		return nosqlerr.IllegalArgument("a federation endpoint applies only to instance principals")
	}
	if err := c.DelegationToken.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if !c.DelegationToken.IsZero() && !c.UseInstancePrincipal {
		return nosqlerr.IllegalArgument("a delegation token applies only to instance principals")
	}
	if err := c.ServiceAccountToken.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if !c.ServiceAccountToken.IsZero() && !c.UseWorkloadIdentity {
		return nosqlerr.IllegalArgument("a service account token applies only to workload identities")
	}
	if c.UseResourcePrincipalCompartment && !c.UseResourcePrincipal {
		return nosqlerr.IllegalArgument("UseResourcePrincipalCompartment applies only to resource principals")
	}
	return nil
}

// buildProvider constructs the profile provider the configuration
// selects. Construction validates eagerly but exchanges nothing.
func (c *IAMConfig) buildProvider(clock clockwork.Clock, logger *slog.Logger) (iam.ProfileProvider, error) {
	switch {
	case c.UseResourcePrincipal:
		provider, err := iam.NewResourcePrincipalProvider(iam.ResourcePrincipalConfig{
			ExpireBefore: c.SecurityTokenExpireBefore,
			RefreshAhead: c.SecurityTokenRefreshAhead,
			Clock:        clock,
			Logger:       logger,
		})
		return provider, trace.Wrap(err)
	case c.UseInstancePrincipal:
		provider, err := iam.NewInstancePrincipalProvider(iam.InstancePrincipalConfig{
			FederationEndpoint: c.FederationEndpoint,
			ExpireBefore:       c.SecurityTokenExpireBefore,
			RefreshAhead:       c.SecurityTokenRefreshAhead,
			Timeout:            c.Timeout,
			Clock:              clock,
			Logger:             logger,
		})
		return provider, trace.Wrap(err)
	case c.UseWorkloadIdentity:
		provider, err := iam.NewWorkloadIdentityProvider(iam.WorkloadIdentityConfig{
			ServiceAccountToken: c.ServiceAccountToken,
			ExpireBefore:        c.SecurityTokenExpireBefore,
			RefreshAhead:        c.SecurityTokenRefreshAhead,
			Timeout:             c.Timeout,
			Clock:               clock,
			Logger:              logger,
		})
		return provider, trace.Wrap(err)
	case c.Credentials != nil:
		provider, err := iam.NewUserProvider(*c.Credentials)
		return provider, trace.Wrap(err)
	case c.CredentialsFunc != nil:
		provider, err := iam.NewCallbackProvider(c.CredentialsFunc)
		return provider, trace.Wrap(err)
	default:
		provider, err := iam.NewFileProvider(iam.FileConfig{
			Path:         c.ConfigFile,
			Profile:      c.Profile,
			SessionToken: c.UseSessionToken,
			ExpireBefore: c.SecurityTokenExpireBefore,
			RefreshAhead: c.SecurityTokenRefreshAhead,
			Clock:        clock,
			Logger:       logger,
		})
		return provider, trace.Wrap(err)
	}
}

// KVStoreConfig holds on-premise store credentials, one source of
// [kvstore.Config] minus the endpoint, which the facade resolves.
type KVStoreConfig struct {
	// User and Password authenticate directly. Mutually exclusive with
	// the other credential sources.
	User     string
	Password []byte
	// CredentialsFile is a JSON credentials file read on every login.
	CredentialsFile string
	// CredentialsFunc supplies credentials on every login.
	CredentialsFunc kvstore.CredentialsFunc
	// DisableAutoRenew turns off the mid-life token renew timer.
	DisableAutoRenew bool
	// NoRenewBefore suppresses renewals this close to token expiry.
	NoRenewBefore time.Duration
	// Timeout bounds login, renew and logout calls.
	Timeout time.Duration
	// CAPool, when set, replaces the system roots for verifying the
	// store's certificate.
	CAPool *x509.CertPool
	// InsecureSkipVerify disables verification of the store's
	// certificate.
	InsecureSkipVerify bool
}

// CloudSimConfig tunes the cloud simulator chain. The simulator does
// no authentication; it only tells clients apart.
type CloudSimConfig struct {
	// ClientID identifies this client to the simulator. A random one is
	// generated when empty.
	ClientID string
}
