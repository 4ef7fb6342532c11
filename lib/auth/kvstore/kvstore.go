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

// Package kvstore authorizes requests against a secure on-premise
// NoSQL store. The store's proxy authenticates by username and
// password and hands out a bearer token with an absolute expiration;
// the provider logs in on first use, renews the token at half of its
// remaining life, logs in again when the store reports the token
// lapsed, and logs out when closed.
package kvstore

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/httplib"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/pki"
)

const (
	loginPath  = defaults.SecurityBasePath + "/login"
	renewPath  = defaults.SecurityBasePath + "/renew"
	logoutPath = defaults.SecurityBasePath + "/logout"
)

// Config configures a Provider.
type Config struct {
	// Endpoint is the store's base URL. The security service must be
	// reachable over https: tokens and passwords travel on this
	// connection.
	Endpoint string
	// User and Password authenticate directly. The provider keeps both
	// for re-login and zeroes the password on Close. Mutually
	// exclusive with CredentialsFile and CredentialsFunc.
	User     string
	Password []byte
	// CredentialsFile is a JSON file {"user": ..., "password": ...}
	// read on every login, so rotated passwords get picked up.
	// Mutually exclusive with the other credential fields.
	CredentialsFile string
	// CredentialsFunc supplies credentials on every login. Mutually
	// exclusive with the other credential fields.
	CredentialsFunc CredentialsFunc
	// DisableAutoRenew turns off the mid-life renew timer. The token
	// is then replaced only when it lapses or the store demands it.
	DisableAutoRenew bool
	// NoRenewBefore suppresses a scheduled renew that would fire
	// closer than this to token expiry. Defaults to ten seconds.
	NoRenewBefore time.Duration
	// Timeout bounds login, renew and logout calls. Defaults to
	// thirty seconds.
	Timeout time.Duration
	// CAPool, when set, replaces the system roots for verifying the
	// store's certificate.
	CAPool *x509.CertPool
	// InsecureSkipVerify disables verification of the store's
	// certificate.
	InsecureSkipVerify bool
	// HTTP performs the exchanges. Built from CAPool and
	// InsecureSkipVerify when nil.
	HTTP   *httplib.Client
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nosqlerr.IllegalArgument("invalid store endpoint %q: %v", c.Endpoint, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nosqlerr.IllegalArgument("store endpoint %q must be an https URL", c.Endpoint)
	}
	direct := c.User != "" || len(c.Password) != 0
	sources := 0
	if direct {
		sources++
	}
	if c.CredentialsFile != "" {
		sources++
	}
	if c.CredentialsFunc != nil {
		sources++
	}
	if sources == 0 {
		return nosqlerr.IllegalArgument("missing store credentials: set user and password, a credentials file, or a credentials callback")
	}
	if sources > 1 {
		return nosqlerr.IllegalArgument("user and password, credentials file and credentials callback are mutually exclusive")
	}
	if direct && (c.User == "" || len(c.Password) == 0) {
		return nosqlerr.IllegalArgument("user and password must both be set")
	}
	if c.Timeout < 0 || c.NoRenewBefore < 0 {
		return nosqlerr.IllegalArgument("timeout and renew margin must not be negative")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.KVRequestTimeout
	}
	if c.NoRenewBefore == 0 {
		c.NoRenewBefore = defaults.KVNoRenewBefore
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gonosql.ComponentKey, gonosql.ComponentKVStore)
	}
	if c.HTTP == nil {
		client, err := httplib.NewClient(httplib.Config{
			Timeout:            c.Timeout,
			CAPool:             c.CAPool,
			InsecureSkipVerify: c.InsecureSkipVerify,
			Clock:              c.Clock,
			Logger:             c.Logger,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		c.HTTP = client
	}
	return nil
}

// loginResult is the security service's answer to login and renew.
type loginResult struct {
	// Token is the opaque bearer token.
	Token string `json:"token"`
	// ExpireAt is the token's absolute expiration, milliseconds since
	// the epoch on the server's clock.
	ExpireAt int64 `json:"expireAt"`
}

// Provider holds the bearer token for one store client. Safe for
// concurrent use; concurrent callers that need a login share one.
type Provider struct {
	cfg Config

	mu       sync.Mutex
	token    string
	expireAt time.Time
	inflight *loginFetch
	timer    clockwork.Timer
	closed   bool
}

// loginFetch is one login in flight. Waiters block on done and read
// the result fields afterward.
type loginFetch struct {
	done  chan struct{}
	token string
	err   error
}

// NewProvider returns a Provider over cfg. Nothing contacts the store
// until the first token is requested.
func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureMetrics()
	return &Provider{cfg: cfg}, nil
}

// BearerToken returns a usable bearer token, logging in when there is
// none or the cached one lapsed. force discards the cached token
// first; it is set after the store answered RETRY_AUTHENTICATION, so
// the returned token must not be the one the store rejected.
func (p *Provider) BearerToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", nosqlerr.IllegalState("store authorization provider is closed")
	}
	if force {
		p.token = ""
	} else if p.validLocked() {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	fetch := p.inflight
	if fetch == nil {
		fetch = &loginFetch{done: make(chan struct{})}
		p.inflight = fetch
		go p.run(fetch)
	}
	p.mu.Unlock()

	select {
	case <-fetch.done:
		if fetch.err != nil {
			return "", trace.Wrap(fetch.err)
		}
		return fetch.token, nil
	case <-ctx.Done():
		// The login keeps running for the other waiters.
		return "", trace.Wrap(ctx.Err())
	}
}

// Close logs out and drops the token. Logout failures are logged and
// swallowed, closing is best effort. Close is idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	token := p.token
	p.token = ""
	fetch := p.inflight
	p.mu.Unlock()

	// An inflight login may still be reading the configured password;
	// let it finish before the buffer is zeroed.
	if fetch != nil {
		<-fetch.done
	}
	if token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		if err := p.logout(ctx, token); err != nil {
			p.cfg.Logger.DebugContext(ctx, "Store logout failed.", "error", err)
		}
	}
	pki.Zero(p.cfg.Password)
	p.cfg.HTTP.CloseIdleConnections()
	return nil
}

func (p *Provider) validLocked() bool {
	return p.token != "" && p.cfg.Clock.Now().Before(p.expireAt)
}

// run performs one login and publishes the result, first into the
// cache, then to the waiters parked on fetch.done.
func (p *Provider) run(fetch *loginFetch) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	result, err := p.login(ctx)
	storeExchanges.WithLabelValues(operationLogin, metricResult(err)).Inc()

	p.mu.Lock()
	p.inflight = nil
	if err == nil && !p.closed {
		p.token = result.Token
		p.expireAt = time.UnixMilli(result.ExpireAt)
		p.scheduleRenewLocked()
	}
	p.mu.Unlock()

	if err != nil {
		fetch.err = err
	} else {
		fetch.token = result.Token
	}
	close(fetch.done)
}

// login authenticates with Basic auth and returns the store's token.
// Credentials from a file or callback are fetched fresh for each
// login and zeroed afterward.
func (p *Provider) login(ctx context.Context) (*loginResult, error) {
	user, password, err := p.credentials(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	basic := make([]byte, 0, len(user)+1+len(password))
	basic = append(basic, user...)
	basic = append(basic, ':')
	basic = append(basic, password...)
	authorization := "Basic " + base64.StdEncoding.EncodeToString(basic)
	pki.Zero(basic)
	if !p.directCredentials() {
		pki.Zero(password)
	}

	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, authorization)
	result, err := p.exchange(ctx, loginPath, headers, "login")
	return result, trace.Wrap(err)
}

func (p *Provider) directCredentials() bool {
	return p.cfg.CredentialsFile == "" && p.cfg.CredentialsFunc == nil
}

// credentials resolves the login credentials. The returned password
// is owned by the caller except with direct configuration, where it
// aliases the configured buffer and must survive for the next login.
func (p *Provider) credentials(ctx context.Context) (string, []byte, error) {
	switch {
	case p.cfg.CredentialsFunc != nil:
		creds, err := p.cfg.CredentialsFunc(ctx)
		if err != nil {
			return "", nil, nosqlerr.CredentialsError(err, "loading store credentials from callback")
		}
		if creds == nil || creds.User == "" || len(creds.Password) == 0 {
			return "", nil, nosqlerr.CredentialsError(nil, "credentials callback returned no usable credentials")
		}
		return creds.User, creds.Password, nil
	case p.cfg.CredentialsFile != "":
		creds, err := LoadCredentials(p.cfg.CredentialsFile)
		if err != nil {
			return "", nil, trace.Wrap(err)
		}
		return creds.User, creds.Password, nil
	default:
		return p.cfg.User, p.cfg.Password, nil
	}
}

// renew trades the current token for a fresh one off the request
// path. A failure is logged and dropped without rescheduling: the
// next request either finds the token still usable or logs in again.
func (p *Provider) renew() {
	p.mu.Lock()
	if p.closed || p.token == "" {
		p.mu.Unlock()
		return
	}
	token := p.token
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, "Bearer "+token)
	result, err := p.exchange(ctx, renewPath, headers, "renew")
	storeExchanges.WithLabelValues(operationRenew, metricResult(err)).Inc()
	if err != nil {
		p.cfg.Logger.WarnContext(ctx, "Store token renewal failed.", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// A login may have replaced the token while the renewal ran; its
	// result is the fresher one.
	if p.closed || p.token != token {
		return
	}
	p.token = result.Token
	p.expireAt = time.UnixMilli(result.ExpireAt)
	p.scheduleRenewLocked()
}

func (p *Provider) logout(ctx context.Context, token string) error {
	headers := http.Header{}
	headers.Set(gonosql.AuthorizationHeader, "Bearer "+token)
	_, err := p.exchange(ctx, logoutPath, headers, "logout")
	storeExchanges.WithLabelValues(operationLogout, metricResult(err)).Inc()
	return trace.Wrap(err)
}

// exchange performs one GET against the security service and decodes
// the token payload. Logout answers an empty body, which decodes to a
// result nothing reads.
func (p *Provider) exchange(ctx context.Context, path string, headers http.Header, op string) (*loginResult, error) {
	resp, err := p.cfg.HTTP.Get(ctx, p.cfg.Endpoint+path, headers)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httplib.StatusError(resp, "kvstore/"+op)
	}
	if len(resp.Body) == 0 {
		return &loginResult{}, nil
	}
	var result loginResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, nosqlerr.BadProtocolMessage(err, "decoding store %s response", op)
	}
	if op != "logout" && result.Token == "" {
		return nil, nosqlerr.BadProtocolMessage(nil, "store %s response carries no token", op)
	}
	return &result, nil
}

// scheduleRenewLocked arms the renew timer at half of the token's
// remaining life. Tokens already within NoRenewBefore of expiry are
// not worth renewing: a renewed token would lapse about as fast as
// the renewal takes.
func (p *Provider) scheduleRenewLocked() {
	if p.cfg.DisableAutoRenew {
		return
	}
	remaining := p.expireAt.Sub(p.cfg.Clock.Now())
	if remaining <= p.cfg.NoRenewBefore {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.cfg.Clock.AfterFunc(remaining/2, p.renew)
}
