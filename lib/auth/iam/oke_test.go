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
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/nosqlerr"
)

var requestIDPattern = regexp.MustCompile(`^[0-9A-F]{32}$`)

func testServiceAccountToken(t *testing.T) string {
	t.Helper()
	return signTestJWT(t, jwt.MapClaims{
		"sub": "system:serviceaccount:db:nosql-client",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

// fakeWorkloadProxy stands in for the OKE workload identity proxy. It
// checks the exchange request the way the proxy would and answers with
// a session token wrapped the way the proxy wraps it.
type fakeWorkloadProxy struct {
	t              *testing.T
	serviceAccount string

	mu        sync.Mutex
	token     string
	status    int
	body      string
	exchanges int
	// podKeys records the ephemeral public key of each exchange.
	podKeys    []*rsa.PublicKey
	requestIDs []string
}

func (f *fakeWorkloadProxy) set(fn func(*fakeWorkloadProxy)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeWorkloadProxy) exchangeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges
}

func (f *fakeWorkloadProxy) sessionKeys() []*rsa.PublicKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*rsa.PublicKey(nil), f.podKeys...)
}

func (f *fakeWorkloadProxy) requestIDValues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requestIDs...)
}

func (f *fakeWorkloadProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := f.t
	if !assert.Equal(t, http.MethodPost, r.Method) || !assert.Equal(t, workloadIdentityPath, r.URL.Path) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(r.Body)
	assert.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++

	assert.Equal(t, "Bearer "+f.serviceAccount, r.Header.Get("Authorization"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	requestID := r.Header.Get("opc-request-id")
	assert.Regexp(t, requestIDPattern, requestID)
	f.requestIDs = append(f.requestIDs, requestID)

	var request workloadIdentityRequest
	assert.NoError(t, json.Unmarshal(body, &request))
	spki, err := base64.StdEncoding.DecodeString(request.PodKey)
	if assert.NoError(t, err) {
		parsed, err := x509.ParsePKIXPublicKey(spki)
		if assert.NoError(t, err) {
			podKey, ok := parsed.(*rsa.PublicKey)
			if assert.True(t, ok, "pod key is %T, not RSA", parsed) {
				f.podKeys = append(f.podKeys, podKey)
			}
		}
	}

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if f.body != "" {
		io.WriteString(w, f.body)
		return
	}
	inner, err := json.Marshal(map[string]string{"token": securityTokenPrefix + f.token})
	assert.NoError(t, err)
	io.WriteString(w, `"`+base64.StdEncoding.EncodeToString(inner)+`"`)
}

func (f *fakeWorkloadProxy) serve(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return server.URL + workloadIdentityPath
}

func newTestWorkloadProvider(t *testing.T, cfg WorkloadIdentityConfig) *WorkloadIdentityProvider {
	t.Helper()
	if cfg.HTTP == nil {
		cfg.HTTP = newTestHTTP(t)
	}
	provider, err := NewWorkloadIdentityProvider(cfg)
	require.NoError(t, err)
	return provider
}

func TestDecodeWorkloadToken(t *testing.T) {
	t.Parallel()

	wrap := func(inner string) string {
		return `"` + base64.StdEncoding.EncodeToString([]byte(inner)) + `"`
	}

	raw := signTestJWT(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	inner, err := json.Marshal(map[string]string{"token": securityTokenPrefix + raw})
	require.NoError(t, err)
	wrapped := `"` + base64.StdEncoding.EncodeToString(inner) + `"`

	token, err := decodeWorkloadToken([]byte(wrapped))
	require.NoError(t, err)
	require.Equal(t, securityTokenPrefix+raw, token.KeyID())

	// The surrounding quotes are optional.
	token, err = decodeWorkloadToken([]byte(wrapped[1 : len(wrapped)-1]))
	require.NoError(t, err)
	require.Equal(t, securityTokenPrefix+raw, token.KeyID())

	tests := []struct {
		name string
		body string
	}{
		{name: "not base64", body: `"%%%"`},
		{name: "not json", body: wrap("<html>bad gateway</html>")},
		{name: "no token", body: wrap(`{}`)},
		{name: "bare marker", body: wrap(`{"token":"ST$"}`)},
		{name: "not a jwt", body: wrap(`{"token":"ST$garbage"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := decodeWorkloadToken([]byte(tt.body))
			require.True(t, nosqlerr.IsKind(err, nosqlerr.KindBadProtocolMessage), "got %v", err)
		})
	}
}

func TestWorkloadIdentityExchange(t *testing.T) {
	t.Parallel()

	serviceAccount := testServiceAccountToken(t)
	rpst := signTestJWT(t, jwt.MapClaims{
		"exp":             time.Now().Add(time.Hour).Unix(),
		"res_tenant":      "ocid1.tenancy.oc1..oke",
		"res_compartment": "ocid1.compartment.oc1..oke",
	})
	proxy := &fakeWorkloadProxy{t: t, serviceAccount: serviceAccount, token: rpst}

	provider := newTestWorkloadProvider(t, WorkloadIdentityConfig{
		ServiceAccountToken: TokenSource{Inline: serviceAccount},
		Endpoint:            proxy.serve(t),
	})
	defer provider.Close()

	profile, err := provider.Profile(t.Context(), false)
	require.NoError(t, err)
	require.Equal(t, securityTokenPrefix+rpst, profile.KeyID)
	require.Equal(t, "ocid1.tenancy.oc1..oke", profile.TenancyOCID)
	require.Equal(t, "ocid1.compartment.oc1..oke", profile.CompartmentOCID)

	// The private key pairs with the pod key sent to the proxy and is
	// minted fresh for the exchange, not taken from any configuration.
	keys := proxy.sessionKeys()
	require.Len(t, keys, 1)
	require.True(t, profile.PrivateKey.PublicKey.Equal(keys[0]))
	require.False(t, testSigningKey.PublicKey.Equal(keys[0]))

	again, err := provider.Profile(t.Context(), false)
	require.NoError(t, err)
	require.Same(t, profile, again)
	require.Equal(t, 1, proxy.exchangeCount())

	fresh, err := provider.Profile(t.Context(), true)
	require.NoError(t, err)
	require.Equal(t, 2, proxy.exchangeCount())
	require.False(t, fresh.PrivateKey.Equal(profile.PrivateKey))

	keys = proxy.sessionKeys()
	require.Len(t, keys, 2)
	require.False(t, keys[0].Equal(keys[1]))

	ids := proxy.requestIDValues()
	require.Len(t, ids, 2)
	require.NotEqual(t, ids[0], ids[1])
}

func TestWorkloadIdentityServiceAccountChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
	}{
		{name: "not a jwt", token: "sa-token-from-a-file"},
		{name: "no expiry", token: signTestJWT(t, jwt.MapClaims{"sub": "x"})},
		{name: "expired", token: signTestJWT(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proxy := &fakeWorkloadProxy{t: t, serviceAccount: tt.token}
			provider := newTestWorkloadProvider(t, WorkloadIdentityConfig{
				ServiceAccountToken: TokenSource{Inline: tt.token},
				Endpoint:            proxy.serve(t),
			})
			defer provider.Close()

			_, err := provider.Profile(t.Context(), false)
			require.True(t, nosqlerr.IsKind(err, nosqlerr.KindCredentialsError), "got %v", err)
			// The token is rejected before the proxy is consulted.
			require.Zero(t, proxy.exchangeCount())
		})
	}
}

func TestWorkloadIdentityServiceAccountRotation(t *testing.T) {
	t.Parallel()

	first := testServiceAccountToken(t)
	second := signTestJWT(t, jwt.MapClaims{
		"sub": "system:serviceaccount:db:nosql-client",
		"exp": time.Now().Add(2 * time.Hour).Unix(),
	})
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte(first+"\n"), 0o600))

	rpst := signTestJWT(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	proxy := &fakeWorkloadProxy{t: t, serviceAccount: first, token: rpst}

	provider := newTestWorkloadProvider(t, WorkloadIdentityConfig{
		ServiceAccountToken: TokenSource{Path: tokenPath},
		Endpoint:            proxy.serve(t),
	})
	defer provider.Close()

	_, err := provider.Profile(t.Context(), false)
	require.NoError(t, err)

	// Kubernetes rotates the projected token file underneath the
	// provider; the next exchange must pick up the fresh token.
	require.NoError(t, os.WriteFile(tokenPath, []byte(second), 0o600))
	proxy.set(func(f *fakeWorkloadProxy) { f.serviceAccount = second })

	_, err = provider.Profile(t.Context(), true)
	require.NoError(t, err)
	require.Equal(t, 2, proxy.exchangeCount())
}

func TestWorkloadIdentityProxyErrors(t *testing.T) {
	t.Parallel()

	serviceAccount := testServiceAccountToken(t)
	tests := []struct {
		name string
		fn   func(*fakeWorkloadProxy)
		kind nosqlerr.Kind
	}{
		{
			name: "rejected",
			fn:   func(f *fakeWorkloadProxy) { f.status = http.StatusUnauthorized },
			kind: nosqlerr.KindUnauthorized,
		},
		{
			name: "garbage answer",
			fn:   func(f *fakeWorkloadProxy) { f.body = "<html>bad gateway</html>" },
			kind: nosqlerr.KindBadProtocolMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proxy := &fakeWorkloadProxy{t: t, serviceAccount: serviceAccount}
			tt.fn(proxy)
			provider := newTestWorkloadProvider(t, WorkloadIdentityConfig{
				ServiceAccountToken: TokenSource{Inline: serviceAccount},
				Endpoint:            proxy.serve(t),
			})
			defer provider.Close()

			_, err := provider.Profile(t.Context(), false)
			require.True(t, nosqlerr.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestWorkloadIdentityEndpointFromEnvironment(t *testing.T) {
	t.Setenv(EnvKubernetesServiceHost, "10.96.0.1")

	cfg := WorkloadIdentityConfig{HTTP: newTestHTTP(t)}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, "https://10.96.0.1:12250/resourcePrincipalSessionTokens", cfg.Endpoint)
	require.Equal(t, defaults.ServiceAccountTokenPath, cfg.ServiceAccountToken.Path)

	t.Setenv(EnvKubernetesServiceHost, "")
	outside := WorkloadIdentityConfig{HTTP: newTestHTTP(t)}
	err := outside.CheckAndSetDefaults()
	require.True(t, nosqlerr.IsKind(err, nosqlerr.KindIllegalArgument), "got %v", err)
}

func TestWorkloadIdentityRegion(t *testing.T) {
	t.Parallel()

	metadata := &fakeIMDS{region: "phx"}
	provider := newTestWorkloadProvider(t, WorkloadIdentityConfig{
		ServiceAccountToken: TokenSource{Inline: "unused"},
		Endpoint:            "https://192.0.2.10:12250/resourcePrincipalSessionTokens",
		IMDS:                metadata.serve(t),
	})
	defer provider.Close()

	region, err := provider.Region(t.Context())
	require.NoError(t, err)
	require.Equal(t, "us-phoenix-1", region.ID)

	// Pinned after the first answer.
	seen := metadata.requestCount()
	again, err := provider.Region(t.Context())
	require.NoError(t, err)
	require.Equal(t, region, again)
	require.Equal(t, seen, metadata.requestCount())
}

func TestWorkloadIdentityRegionUnavailable(t *testing.T) {
	t.Parallel()

	// Clusters that block the metadata endpoint contribute no region.
	metadata := &fakeIMDS{}
	provider := newTestWorkloadProvider(t, WorkloadIdentityConfig{
		ServiceAccountToken: TokenSource{Inline: "unused"},
		Endpoint:            "https://192.0.2.10:12250/resourcePrincipalSessionTokens",
		IMDS:                metadata.serve(t),
	})
	defer provider.Close()

	_, err := provider.Region(t.Context())
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "got %v", err)
}

func TestClusterCAPool(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(certPath, selfSignedCert(t, pkix.Name{CommonName: "cluster-ca"}), 0o600))

	pool, err := clusterCAPool(certPath)
	require.NoError(t, err)
	require.NotNil(t, pool)

	t.Setenv(EnvServiceAccountCertPath, certPath)
	pool, err = clusterCAPool("")
	require.NoError(t, err)
	require.NotNil(t, pool)

	_, err = clusterCAPool(filepath.Join(dir, "absent.crt"))
	require.True(t, nosqlerr.IsKind(err, nosqlerr.KindIllegalArgument), "got %v", err)

	junkPath := filepath.Join(dir, "junk.crt")
	require.NoError(t, os.WriteFile(junkPath, []byte("not a certificate"), 0o600))
	_, err = clusterCAPool(junkPath)
	require.True(t, nosqlerr.IsKind(err, nosqlerr.KindIllegalState), "got %v", err)
}

func TestWorkloadIdentityClose(t *testing.T) {
	t.Parallel()

	proxy := &fakeWorkloadProxy{t: t, serviceAccount: "unused"}
	provider := newTestWorkloadProvider(t, WorkloadIdentityConfig{
		ServiceAccountToken: TokenSource{Inline: "unused"},
		Endpoint:            proxy.serve(t),
	})

	require.NoError(t, provider.Close())
	_, err := provider.Profile(t.Context(), false)
	require.True(t, nosqlerr.IsKind(err, nosqlerr.KindIllegalState), "got %v", err)
	require.NoError(t, provider.Close())
	require.Zero(t, proxy.exchangeCount())
}
