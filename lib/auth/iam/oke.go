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
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/httplib"
	"github.com/gonosql/gonosql/lib/imds"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/oci"
	"github.com/gonosql/gonosql/lib/pki"
)

const (
	// EnvKubernetesServiceHost is set by Kubernetes in every pod. Its
	// absence means the process is not running inside a cluster.
	EnvKubernetesServiceHost = "KUBERNETES_SERVICE_HOST"
	// EnvServiceAccountCertPath overrides the cluster CA bundle the
	// token exchange is verified against.
	EnvServiceAccountCertPath = "OCI_KUBERNETES_SERVICE_ACCOUNT_CERT_PATH"
)

const workloadIdentityPath = "/resourcePrincipalSessionTokens"

type workloadIdentityRequest struct {
	PodKey string `json:"podKey"`
}

// WorkloadIdentityConfig configures a [WorkloadIdentityProvider].
type WorkloadIdentityConfig struct {
	// ServiceAccountToken overrides where the Kubernetes service
	// account token comes from. By default it is read from the
	// standard projected token file on every refresh.
	ServiceAccountToken TokenSource
	// CACertPath is the cluster CA bundle the exchange is verified
	// against. Defaults to $OCI_KUBERNETES_SERVICE_ACCOUNT_CERT_PATH,
	// then to the conventional in-cluster path.
	CACertPath string
	// Endpoint overrides the token exchange URL in tests.
	Endpoint string
	// HTTP performs the exchange. When nil a client trusting the
	// cluster CA is built.
	HTTP *httplib.Client
	// IMDS discovers the region. Failing that is not fatal, the
	// provider just contributes no region.
	IMDS *imds.Client
	// ExpireBefore and RefreshAhead tune token caching, see
	// [SignerConfig].
	ExpireBefore time.Duration
	RefreshAhead time.Duration
	// Timeout bounds one exchange.
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults. The
// proxy address comes from the environment Kubernetes injects.
func (c *WorkloadIdentityConfig) CheckAndSetDefaults() error {
	if err := c.ServiceAccountToken.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.ServiceAccountToken.IsZero() {
		c.ServiceAccountToken.Path = defaults.ServiceAccountTokenPath
	}
	if c.Endpoint == "" {
		host := os.Getenv(EnvKubernetesServiceHost)
		if host == "" {
			return nosqlerr.IllegalArgument("workload identity requires %s in the environment, the process is not running inside a Kubernetes cluster", EnvKubernetesServiceHost)
		}
		c.Endpoint = fmt.Sprintf("https://%s:%d%s", host, defaults.WorkloadIdentityPort, workloadIdentityPath)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gonosql.ComponentKey, gonosql.Component(gonosql.ComponentIAM, "workload-identity"))
	}
	if c.HTTP == nil {
		pool, err := clusterCAPool(c.CACertPath)
		if err != nil {
			return trace.Wrap(err)
		}
		client, err := httplib.NewClient(httplib.Config{CAPool: pool, Clock: c.Clock, Logger: c.Logger})
		if err != nil {
			return trace.Wrap(err)
		}
		c.HTTP = client
	}
	if c.IMDS == nil {
		client, err := imds.NewClient(imds.Config{Logger: c.Logger})
		if err != nil {
			return trace.Wrap(err)
		}
		c.IMDS = client
	}
	return nil
}

func clusterCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		path = os.Getenv(EnvServiceAccountCertPath)
	}
	if path == "" {
		path = defaults.ServiceAccountCertPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		err = trace.ConvertSystemError(err)
		if trace.IsNotFound(err) {
			return nil, nosqlerr.IllegalArgument("cluster CA bundle %q not found", path)
		}
		return nil, nosqlerr.WithKind(nosqlerr.KindIllegalState, err, "reading cluster CA bundle %q", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, nosqlerr.IllegalState("cluster CA bundle %q holds no certificates", path)
	}
	return pool, nil
}

// WorkloadIdentityProvider authenticates as an OKE workload: it trades
// the pod's Kubernetes service account token for a resource principal
// session token at the cluster's identity proxy, pairing it with an
// ephemeral session key.
type WorkloadIdentityProvider struct {
	cfg    WorkloadIdentityConfig
	cached *cachedProfile

	mu     sync.Mutex
	region *oci.Region
}

// NewWorkloadIdentityProvider returns a provider over the pod's
// workload identity.
func NewWorkloadIdentityProvider(cfg WorkloadIdentityConfig) (*WorkloadIdentityProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	provider := &WorkloadIdentityProvider{cfg: cfg}
	cached, err := newCachedProfile(cachedProfileConfig{
		Name:         "workload-identity",
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
func (p *WorkloadIdentityProvider) Profile(ctx context.Context, force bool) (*Profile, error) {
	profile, err := p.cached.get(ctx, force)
	return profile, trace.Wrap(err)
}

// Region implements [ProfileProvider]. The region comes from the
// instance metadata endpoint underneath the cluster; clusters that
// block it simply contribute no region.
func (p *WorkloadIdentityProvider) Region(ctx context.Context) (oci.Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.region != nil {
		return *p.region, nil
	}
	region, err := p.cfg.IMDS.Region(ctx)
	if err != nil {
		return oci.Region{}, trace.NotFound("workload identity region is not discoverable: %v", err)
	}
	p.region = &region
	return region, nil
}

// Close implements [ProfileProvider].
func (p *WorkloadIdentityProvider) Close() error {
	p.cached.close()
	p.cfg.HTTP.CloseIdleConnections()
	return nil
}

func (p *WorkloadIdentityProvider) fetch(ctx context.Context) (*Profile, *SecurityToken, error) {
	serviceAccount, err := p.cfg.ServiceAccountToken.Token(ctx)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if err := p.checkServiceAccountToken(serviceAccount); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	sessionKey, err := pki.GenerateKeyPair()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	podKey, err := pki.MarshalPublicKeyBase64(&sessionKey.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	body, err := json.Marshal(workloadIdentityRequest{PodKey: podKey})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, "Bearer "+serviceAccount)
	headers.Set(gonosql.ContentTypeHeader, gonosql.JSONContentType)
	headers.Set(gonosql.RequestIDHeader, newRequestID())

	resp, err := p.cfg.HTTP.Post(ctx, p.cfg.Endpoint, headers, body)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, httplib.StatusError(resp, "workload-identity")
	}
	token, err := decodeWorkloadToken(resp.Body)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return &Profile{
		KeyID:           token.KeyID(),
		PrivateKey:      sessionKey,
		TenancyOCID:     token.Claim(claimTenancy),
		CompartmentOCID: token.Claim(claimCompartment),
	}, token, nil
}

// checkServiceAccountToken rejects a token the proxy is guaranteed to
// bounce, before any key generation happens.
func (p *WorkloadIdentityProvider) checkServiceAccountToken(raw string) error {
	token, err := ParseSecurityToken(raw)
	if err != nil {
		return nosqlerr.CredentialsError(err, "service account token is not a JWT")
	}
	exp := token.ExpiresAt()
	if exp.IsZero() {
		return nosqlerr.CredentialsError(nil, "service account token carries no expiry")
	}
	if now := p.cfg.Clock.Now(); !exp.After(now) {
		return nosqlerr.CredentialsError(nil, "service account token expired at %v", exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// decodeWorkloadToken unwraps the proxy response: a JSON string
// holding base64 of a JSON document whose token field is the session
// token prefixed with its keyId marker.
func decodeWorkloadToken(body []byte) (*SecurityToken, error) {
	text := strings.TrimSpace(string(body))
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		text = text[1 : len(text)-1]
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, nosqlerr.BadProtocolMessage(err, "decoding workload identity response")
	}
	var answer struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(decoded, &answer); err != nil {
		return nil, nosqlerr.BadProtocolMessage(err, "decoding workload identity response")
	}
	if answer.Token == "" {
		return nil, nosqlerr.BadProtocolMessage(nil, "workload identity response carries no token")
	}
	if len(answer.Token) <= len(securityTokenPrefix) {
		return nil, nosqlerr.BadProtocolMessage(nil, "workload identity token is malformed")
	}
	token, err := ParseSecurityToken(answer.Token[len(securityTokenPrefix):])
	if err != nil {
		return nil, nosqlerr.BadProtocolMessage(err, "decoding workload identity token")
	}
	return token, nil
}

// newRequestID returns an opc-request-id value, 32 uppercase hex
// characters.
func newRequestID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
