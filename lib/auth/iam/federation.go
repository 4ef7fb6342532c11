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
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/httplib"
	"github.com/gonosql/gonosql/lib/imds"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/pki"
)

const (
	federationPath    = "/v1/x509"
	federationPurpose = "DEFAULT"

	// federationSigningHeaders is the header list a federation request
	// signature covers. Unlike data requests there is no host line and
	// date leads.
	federationSigningHeaders = "date (request-target) content-length content-type x-content-sha256"
)

// Subject prefixes carrying the tenancy in instance identity
// certificates.
const (
	tenantPrefix   = "opc-tenant:"
	identityPrefix = "opc-identity:"
)

type federationRequest struct {
	PublicKey                string   `json:"publicKey"`
	Certificate              string   `json:"certificate"`
	Purpose                  string   `json:"purpose"`
	IntermediateCertificates []string `json:"intermediateCertificates"`
}

type federationResponse struct {
	Token string `json:"token"`
}

// federationClient trades the instance identity certificate for a
// security token at the identity service's x509 federation endpoint.
// Each exchange reads fresh certificates from the metadata endpoint,
// mints an ephemeral session keypair and signs the exchange with the
// instance's own identity key.
type federationClient struct {
	imds  *imds.Client
	http  *httplib.Client
	clock clockwork.Clock

	mu      sync.Mutex
	tenancy string
}

func (f *federationClient) exchange(ctx context.Context, endpoint string) (*Profile, *SecurityToken, error) {
	leafPEM, err := f.imds.Get(ctx, imds.LeafCertPath)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	keyPEM, err := f.imds.Get(ctx, imds.LeafKeyPath)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	intermediatePEM, err := f.imds.Get(ctx, imds.IntermediateCertPath)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	leaf, err := pki.ParseCertificatePEM([]byte(leafPEM))
	if err != nil {
		return nil, nil, nosqlerr.BadProtocolMessage(err, "parsing instance identity certificate")
	}
	tenancy := tenancyFromCert(leaf)
	if tenancy == "" {
		return nil, nil, nosqlerr.IllegalState("instance identity certificate names no tenancy")
	}
	if err := f.checkTenancy(tenancy); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	instanceKey, err := pki.ParsePrivateKeyPEM([]byte(keyPEM), nil)
	if err != nil {
		return nil, nil, nosqlerr.BadProtocolMessage(err, "parsing instance identity key")
	}

	sessionKey, err := pki.GenerateKeyPair()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	publicKey, err := pki.MarshalPublicKeyBase64(&sessionKey.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	leafDER, err := pki.CertificateBase64([]byte(leafPEM))
	if err != nil {
		return nil, nil, nosqlerr.BadProtocolMessage(err, "encoding instance identity certificate")
	}
	intermediateDER, err := pki.CertificateBase64([]byte(intermediatePEM))
	if err != nil {
		return nil, nil, nosqlerr.BadProtocolMessage(err, "encoding intermediate certificate")
	}

	body, err := json.Marshal(federationRequest{
		PublicKey:                publicKey,
		Certificate:              leafDER,
		Purpose:                  federationPurpose,
		IntermediateCertificates: []string{intermediateDER},
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	keyID := fmt.Sprintf("%s/fed-x509/%s", tenancy, pki.Fingerprint(leaf.Raw))
	headers, err := signFederationRequest(f.clock.Now(), keyID, instanceKey, body)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	// Correlation only, not covered by the signature.
	headers.Set(gonosql.RequestIDHeader, newRequestID())

	resp, err := f.http.Post(ctx, endpoint+federationPath, headers, body)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, httplib.StatusError(resp, "federation/x509")
	}
	var answer federationResponse
	if err := json.Unmarshal(resp.Body, &answer); err != nil {
		return nil, nil, nosqlerr.BadProtocolMessage(err, "decoding federation response")
	}
	if answer.Token == "" {
		return nil, nil, nosqlerr.BadProtocolMessage(nil, "federation response carries no token")
	}
	token, err := ParseSecurityToken(answer.Token)
	if err != nil {
		return nil, nil, nosqlerr.BadProtocolMessage(err, "decoding federation token")
	}
	return &Profile{
		KeyID:       token.KeyID(),
		PrivateKey:  sessionKey,
		TenancyOCID: tenancy,
	}, token, nil
}

// checkTenancy pins the tenancy seen on the first exchange. An
// instance cannot move tenancies while the process runs, so a change
// means the metadata endpoint served someone else's certificate.
func (f *federationClient) checkTenancy(tenancy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tenancy == "" {
		f.tenancy = tenancy
		return nil
	}
	if f.tenancy != tenancy {
		return nosqlerr.IllegalState("instance tenancy changed from %q to %q across certificate refreshes", f.tenancy, tenancy)
	}
	return nil
}

// signFederationRequest signs the exchange body with the instance
// identity key. The signed lines, in this order: date,
// (request-target), content-length, content-type, x-content-sha256.
func signFederationRequest(now time.Time, keyID string, key *rsa.PrivateKey, body []byte) (http.Header, error) {
	date := formatDateHeader(now)
	digest := pki.DigestBase64(body)
	content := fmt.Sprintf("date: %s\n%s: post %s\ncontent-length: %d\ncontent-type: %s\nx-content-sha256: %s",
		date, gonosql.RequestTarget, federationPath, len(body), gonosql.JSONContentType, digest)
	signature, err := pki.Sign(key, []byte(content))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	headers := http.Header{}
	headers.Set(gonosql.DateHeader, date)
	headers.Set(gonosql.ContentTypeHeader, gonosql.JSONContentType)
	headers.Set(gonosql.ContentSHA256Header, digest)
	headers.Set(gonosql.AuthorizationHeader, signatureHeader(federationSigningHeaders, keyID, signature))
	return headers, nil
}

func tenancyFromCert(cert *x509.Certificate) string {
	for _, unit := range cert.Subject.OrganizationalUnit {
		if strings.HasPrefix(unit, tenantPrefix) {
			return strings.TrimPrefix(unit, tenantPrefix)
		}
	}
	for _, org := range cert.Subject.Organization {
		if strings.HasPrefix(org, identityPrefix) {
			return strings.TrimPrefix(org, identityPrefix)
		}
	}
	return ""
}
