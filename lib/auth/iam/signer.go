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
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/pki"
)

const (
	signatureAlgorithm = "rsa-sha256"
	signatureVersion   = "1"

	// dataSigningHeaders covers every data request: the same three
	// lines regardless of payload, which is what makes the signature
	// cacheable.
	dataSigningHeaders = "(request-target) host date"

	// contentSigningHeaders additionally binds the signature to the
	// request body. Used for table DDL, where the service demands a
	// payload digest.
	contentSigningHeaders = "(request-target) host date content-length content-type x-content-sha256"
)

const (
	triggerDemand     = "demand"
	triggerBackground = "background"
	triggerInvalidate = "invalidate"
)

// formatDateHeader renders t the way both the Date header and the
// signed date line expect it. The two must be byte-identical or the
// service rejects the signature.
func formatDateHeader(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// signatureHeader assembles the Authorization value. Parameter order
// is fixed, the service parses it positionally in places.
func signatureHeader(signingHeaders, keyID, signature string) string {
	return fmt.Sprintf("Signature headers=%q,keyId=%q,algorithm=%q,signature=%q,version=%q",
		signingHeaders, keyID, signatureAlgorithm, signature, signatureVersion)
}

func dataSigningContent(host, date string) string {
	return fmt.Sprintf("%s: post %s\nhost: %s\ndate: %s",
		gonosql.RequestTarget, defaults.DataPath, host, date)
}

func contentSigningContent(host, date string, contentLength int, digest string) string {
	return fmt.Sprintf("%s: post %s\nhost: %s\ndate: %s\ncontent-length: %d\ncontent-type: %s\nx-content-sha256: %s",
		gonosql.RequestTarget, defaults.DataPath, host, date, contentLength, gonosql.JSONContentType, digest)
}

// parseSignatureHeader splits a Signature header value back into its
// parameters.
func parseSignatureHeader(value string) map[string]string {
	rawValues := strings.TrimPrefix(value, "Signature ")
	keyValuePairs := strings.Split(rawValues, ",")
	values := make(map[string]string, len(keyValuePairs))
	for _, pair := range keyValuePairs {
		k, v, _ := strings.Cut(pair, "=")
		values[k] = strings.Trim(v, "\"")
	}
	return values
}

// SignatureDetails is one minted signature and the header values that
// must accompany it verbatim.
type SignatureDetails struct {
	// CreatedAt is when the signature was minted, on the signer's
	// clock.
	CreatedAt time.Time
	// Date is the exact Date header value the signature covers.
	Date string
	// Authorization is the Signature header value.
	Authorization string
	// TenancyOCID is the signing identity's tenancy, when known. It is
	// the compartment of last resort for requests that name none.
	TenancyOCID string
	// CompartmentOCID is the compartment baked into the identity,
	// currently set only by resource principals.
	CompartmentOCID string
	// DelegationToken is sent as opc-obo-token when non-empty.
	DelegationToken string
	// ContentDigest and ContentLength are set only by content
	// signatures: the x-content-sha256 and content-length values the
	// signature covers.
	ContentDigest Digest
	ContentLength int
}

// Digest is a base64 SHA-256 payload digest as it appears on the wire.
type Digest = string

// SignerConfig configures a [Signer].
type SignerConfig struct {
	// Provider yields the signing identity. The signer owns it and
	// closes it on Close.
	Provider ProfileProvider
	// Host is the value of the signed host line, the service host as
	// dialed.
	Host string
	// Duration is how long a minted signature serves requests, between
	// one second and five minutes. Defaults to five minutes.
	Duration time.Duration
	// RefreshAhead re-signs in the background this long before
	// Duration runs out, so requests keep hitting a warm cache.
	// Defaults to ten seconds. No background refresh happens when the
	// window does not fit inside Duration.
	RefreshAhead time.Duration
	// Timeout bounds one refresh, including the identity exchange
	// behind it.
	Timeout time.Duration
	// Delegation optionally yields a token the caller acts on behalf
	// of. It is loaded at signing time and carried with the signature.
	Delegation *TokenSource
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SignerConfig) CheckAndSetDefaults() error {
	if c.Provider == nil {
		return trace.BadParameter("missing Provider")
	}
	if c.Host == "" {
		return trace.BadParameter("missing Host")
	}
	if c.Duration == 0 {
		c.Duration = defaults.SignatureDuration
	}
	if c.Duration < defaults.MinSignatureDuration || c.Duration > defaults.SignatureDuration {
		return nosqlerr.IllegalArgument("signature duration %v is outside [%v, %v]",
			c.Duration, defaults.MinSignatureDuration, defaults.SignatureDuration)
	}
	if c.RefreshAhead < 0 {
		return nosqlerr.IllegalArgument("signature refresh-ahead must not be negative")
	}
	if c.RefreshAhead == 0 {
		c.RefreshAhead = defaults.SignatureRefreshAhead
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.AuthRequestTimeout
	}
	if c.Delegation != nil {
		if err := c.Delegation.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if c.Delegation.IsZero() {
			return trace.BadParameter("delegation token source has no backing")
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gonosql.ComponentKey, gonosql.ComponentIAM)
	}
	return nil
}

// Signer mints and caches the Signature header for data requests. A
// signature is reused until its duration runs out, renewed ahead of
// time by a background timer, and discarded immediately when the
// service rejects it. Concurrent cache misses share one signing pass.
type Signer struct {
	cfg SignerConfig

	mu       sync.Mutex
	details  *SignatureDetails
	inflight *signFetch
	timer    clockwork.Timer
	closed   bool
}

// signFetch is one signing pass in flight. Waiters block on done and
// read the result fields afterward.
type signFetch struct {
	done    chan struct{}
	details *SignatureDetails
	err     error
}

// NewSigner returns a Signer that signs for cfg.Host with identities
// from cfg.Provider. Nothing is signed until the first call.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureMetrics()
	return &Signer{cfg: cfg}, nil
}

// Authorization returns a signature for a data request, minting one
// when the cache is empty or the cached one lapsed. force discards the
// cached signature and the identity behind it first, used after the
// service rejected the previous signature.
func (s *Signer) Authorization(ctx context.Context, force bool) (*SignatureDetails, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nosqlerr.IllegalState("authorization provider is closed")
	}
	if force {
		s.details = nil
	} else if s.validLocked() {
		details := s.details
		s.mu.Unlock()
		return details, nil
	}
	fetch := s.inflight
	if fetch == nil {
		fetch = &signFetch{done: make(chan struct{})}
		s.inflight = fetch
		trigger := triggerDemand
		if force {
			trigger = triggerInvalidate
		}
		go s.run(fetch, force, trigger)
	}
	s.mu.Unlock()

	select {
	case <-fetch.done:
		if fetch.err != nil {
			return nil, trace.Wrap(fetch.err)
		}
		return fetch.details, nil
	case <-ctx.Done():
		// The signing pass keeps running for the other waiters.
		return nil, trace.Wrap(ctx.Err())
	}
}

// SignContent mints a signature bound to the given request body.
// Content signatures are never cached, every call signs, but the
// identity behind them is the provider's cached one. force refreshes
// that identity first and drops any cached data signature minted with
// it, used after the service rejected the previous signature.
func (s *Signer) SignContent(ctx context.Context, content []byte, force bool) (*SignatureDetails, error) {
	s.mu.Lock()
	closed := s.closed
	if force {
		s.details = nil
	}
	s.mu.Unlock()
	if closed {
		return nil, nosqlerr.IllegalState("authorization provider is closed")
	}

	profile, err := s.cfg.Provider.Profile(ctx, force)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	date := formatDateHeader(now)
	digest := pki.DigestBase64(content)
	signature, err := pki.Sign(profile.PrivateKey, []byte(contentSigningContent(s.cfg.Host, date, len(content), digest)))
	if err != nil {
		return nil, nosqlerr.WithKind(nosqlerr.KindIllegalState, err, "signing request content")
	}
	details := &SignatureDetails{
		CreatedAt:       now,
		Date:            date,
		Authorization:   signatureHeader(contentSigningHeaders, profile.KeyID, signature),
		TenancyOCID:     profile.TenancyOCID,
		CompartmentOCID: profile.CompartmentOCID,
		ContentDigest:   digest,
		ContentLength:   len(content),
	}
	if err := s.loadDelegation(ctx, details); err != nil {
		return nil, trace.Wrap(err)
	}
	return details, nil
}

// Close stops the refresh timer, drops the cached signature and closes
// the identity provider. Close is idempotent.
func (s *Signer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.details = nil
	s.mu.Unlock()
	return trace.Wrap(s.cfg.Provider.Close())
}

func (s *Signer) validLocked() bool {
	return s.details != nil && s.cfg.Clock.Now().Sub(s.details.CreatedAt) < s.cfg.Duration
}

// run executes one signing pass and publishes the result, first into
// the cache, then to the waiters parked on fetch.done.
func (s *Signer) run(fetch *signFetch, force bool, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	details, err := s.sign(ctx, force)
	signatureRefreshes.WithLabelValues(trigger, metricResult(err)).Inc()

	s.mu.Lock()
	s.inflight = nil
	if err == nil && !s.closed {
		s.details = details
		s.scheduleLocked(details.CreatedAt)
	}
	s.mu.Unlock()

	fetch.details, fetch.err = details, err
	close(fetch.done)
}

func (s *Signer) sign(ctx context.Context, force bool) (*SignatureDetails, error) {
	profile, err := s.cfg.Provider.Profile(ctx, force)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	date := formatDateHeader(now)
	signature, err := pki.Sign(profile.PrivateKey, []byte(dataSigningContent(s.cfg.Host, date)))
	if err != nil {
		return nil, nosqlerr.WithKind(nosqlerr.KindIllegalState, err, "signing request")
	}
	details := &SignatureDetails{
		CreatedAt:       now,
		Date:            date,
		Authorization:   signatureHeader(dataSigningHeaders, profile.KeyID, signature),
		TenancyOCID:     profile.TenancyOCID,
		CompartmentOCID: profile.CompartmentOCID,
	}
	if err := s.loadDelegation(ctx, details); err != nil {
		return nil, trace.Wrap(err)
	}
	return details, nil
}

func (s *Signer) loadDelegation(ctx context.Context, details *SignatureDetails) error {
	if s.cfg.Delegation == nil || s.cfg.Delegation.IsZero() {
		return nil
	}
	token, err := s.cfg.Delegation.Token(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	details.DelegationToken = token
	return nil
}

// scheduleLocked arms the next background refresh. A duration shorter
// than the refresh window leaves the signature demand-driven.
func (s *Signer) scheduleLocked(createdAt time.Time) {
	if s.cfg.RefreshAhead <= 0 {
		return
	}
	wait := s.cfg.Duration - s.cfg.RefreshAhead - s.cfg.Clock.Now().Sub(createdAt)
	if wait <= 0 {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.cfg.Clock.AfterFunc(wait, s.backgroundRefresh)
}

// backgroundRefresh re-signs off the request path. A failure is logged
// and dropped, the cached signature keeps serving until its duration
// runs out and the next demand retries.
func (s *Signer) backgroundRefresh() {
	s.mu.Lock()
	if s.closed || s.inflight != nil {
		s.mu.Unlock()
		return
	}
	fetch := &signFetch{done: make(chan struct{})}
	s.inflight = fetch
	s.mu.Unlock()

	s.run(fetch, false, triggerBackground)
	if fetch.err != nil {
		s.cfg.Logger.WarnContext(context.Background(), "Background signature refresh failed.", "error", fetch.err)
	}
}
