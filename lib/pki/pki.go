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

// Package pki holds the crypto primitives behind request signing: RSA
// key loading and generation, PKCS#1 v1.5 SHA-256 signatures, digests,
// fingerprints, and PEM handling for the certificates exchanged with
// identity endpoints.
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// KeyBits is the size of ephemeral keypairs generated for principal
// token exchanges.
const KeyBits = 2048

const (
	pkcs1PrivateKeyType = "RSA PRIVATE KEY"
	pkcs8PrivateKeyType = "PRIVATE KEY"
	certificateType     = "CERTIFICATE"
)

// GenerateKeyPair returns a fresh in-memory RSA keypair.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, trace.Wrap(err, "generating RSA keypair")
	}
	return key, nil
}

// ParsePrivateKeyPEM parses an RSA private key from its PEM encoding.
// PKCS#1 and PKCS#8 encodings are accepted. RFC 1423 encrypted blocks
// are decrypted with the passphrase, which must be non-empty for them.
func ParsePrivateKeyPEM(pemData, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, trace.BadParameter("expected PEM encoded private key")
	}

	der := block.Bytes
	//nolint:staticcheck // SA1019. Deprecated, but identity services still issue RFC 1423 keys.
	if x509.IsEncryptedPEMBlock(block) {
		if len(passphrase) == 0 {
			return nil, trace.BadParameter("private key is encrypted and no passphrase was given")
		}
		var err error
		//nolint:staticcheck // SA1019. See above.
		der, err = x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			return nil, trace.Wrap(err, "decrypting private key")
		}
	}

	switch block.Type {
	case pkcs1PrivateKeyType:
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, trace.Wrap(err, "parsing PKCS#1 private key")
		}
		return key, nil
	case pkcs8PrivateKeyType:
		parsed, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, trace.Wrap(err, "parsing PKCS#8 private key")
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, trace.BadParameter("expected an RSA private key, got %T", parsed)
		}
		return key, nil
	default:
		return nil, trace.BadParameter("unexpected private key PEM type %q", block.Type)
	}
}

// LoadPrivateKey reads and parses an RSA private key file. The file
// contents are zeroed before return.
func LoadPrivateKey(path string, passphrase []byte) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer Zero(pemData)

	key, err := ParsePrivateKeyPEM(pemData, passphrase)
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key from %v", path)
	}
	return key, nil
}

// Sign returns the base64 encoded RSA PKCS#1 v1.5 signature of the
// SHA-256 digest of content.
func Sign(key *rsa.PrivateKey, content []byte) (string, error) {
	hashed := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", trace.Wrap(err, "signing content")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// DigestBase64 returns the base64 encoded SHA-256 digest of data, the
// form carried by the x-content-sha256 header.
func DigestBase64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Fingerprint returns the SHA-1 digest of der as lowercase colon
// separated hex, the form used in certificate key identifiers.
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	hexed := hex.EncodeToString(sum[:])
	var b strings.Builder
	b.Grow(len(hexed) + len(sum) - 1)
	for i := 0; i < len(hexed); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexed[i : i+2])
	}
	return b.String()
}

// ParseCertificatePEM parses the first certificate block of pemData.
func ParseCertificatePEM(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != certificateType {
		return nil, trace.BadParameter("expected PEM encoded certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing certificate")
	}
	return cert, nil
}

// CertificateBase64 strips the PEM armor from a certificate and
// returns its DER bytes base64 encoded, the form identity endpoints
// expect inside JSON bodies.
func CertificateBase64(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != certificateType {
		return "", trace.BadParameter("expected PEM encoded certificate")
	}
	return base64.StdEncoding.EncodeToString(block.Bytes), nil
}

// MarshalPublicKeyBase64 returns the base64 encoded PKIX DER form of
// an RSA public key.
func MarshalPublicKeyBase64(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", trace.Wrap(err, "marshaling public key")
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Zero overwrites b with zeros. Buffers holding secrets are zeroed
// before they are dropped.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
