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

// Package httplib is the small HTTP client behind every authorization
// exchange: metadata fetches, federation calls, workload identity
// token requests and on-premise login. It retries transport errors and
// 5xx answers at a fixed delay until the call deadline, and maps the
// terminal failure into the driver error taxonomy.
package httplib

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// MaxResponseSize caps how much of a peer response is read. Identity
// responses are small; anything bigger is a protocol problem.
const MaxResponseSize = 10 * 1024 * 1024

// Config configures a Client.
type Config struct {
	// Timeout bounds a whole Get or Post call, retries included.
	// Defaults to defaults.AuthRequestTimeout.
	Timeout time.Duration
	// RetryDelay is the fixed pause between attempts. Defaults to
	// defaults.RetryDelay.
	RetryDelay time.Duration
	// CAPool, when set, replaces the system roots for server identity
	// verification.
	CAPool *x509.CertPool
	// InsecureSkipVerify disables server identity verification. Only
	// honored for endpoints the caller explicitly opted out of
	// verifying.
	InsecureSkipVerify bool
	// Clock paces retries.
	Clock clockwork.Clock
	// Logger emits one debug line per retried attempt.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Timeout < 0 || c.RetryDelay < 0 {
		return trace.BadParameter("timeout and retry delay must not be negative")
	}
	if c.CAPool != nil && c.InsecureSkipVerify {
		return trace.BadParameter("a CA pool and InsecureSkipVerify cannot both be set")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.AuthRequestTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gonosql.ComponentKey, gonosql.ComponentHTTP)
	}
	return nil
}

// Response is a fully read peer response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues GET and POST requests with retries. Safe for
// concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		IdleConnTimeout: defaults.HTTPIdleTimeout,
	}
	if cfg.CAPool != nil || cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{
			RootCAs:            cfg.CAPool,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}, nil
}

// Get issues a GET request. See Do for retry and error semantics.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, headers, nil)
}

// Post issues a POST request with the given body. The body is buffered
// so attempts can be repeated.
func (c *Client) Post(ctx context.Context, url string, headers http.Header, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, headers, body)
}

// do runs attempts until a non-5xx response arrives or the deadline
// passes. Responses below 500 are returned to the caller, who owns
// their status semantics. An attempt cut down by the deadline surfaces
// REQUEST_TIMEOUT; a deadline reached between attempts surfaces the
// last classified failure.
func (c *Client) do(ctx context.Context, method, url string, headers http.Header, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, method, url, headers, body)
		var perm *permanentError
		switch {
		case err == nil && resp.StatusCode < 500:
			return resp, nil
		case err == nil:
			lastErr = nosqlerr.ServiceError(resp.StatusCode, "%s %s answered %d", method, url, resp.StatusCode)
		case errors.As(err, &perm):
			return nil, trace.Wrap(perm.err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, nosqlerr.RequestTimeout(lastErr, "%s %s exceeded its deadline", method, url)
		case errors.Is(err, context.Canceled):
			if lastErr != nil {
				return nil, trace.Wrap(lastErr)
			}
			return nil, trace.Wrap(err)
		default:
			lastErr = nosqlerr.NetworkError(err, "%s %s failed", method, url)
		}

		c.cfg.Logger.DebugContext(ctx, "Retrying authorization exchange",
			"method", method, "url", url, "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return nil, trace.Wrap(lastErr)
		case <-c.cfg.Clock.After(c.cfg.RetryDelay):
		}
	}
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func (c *Client) attempt(ctx context.Context, method, url string, headers http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &permanentError{err: nosqlerr.WithKind(nosqlerr.KindIllegalArgument, err, "building %s request for %s", method, url)}
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get(gonosql.UserAgentHeader) == "" {
		req.Header.Set(gonosql.UserAgentHeader, fmt.Sprintf("gonosql/%s", gonosql.Version))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// CloseIdleConnections drops kept-alive connections. Called when the
// owning provider closes.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// StatusError maps an unsuccessful response the client chose not to
// retry into the taxonomy: 401 becomes UNAUTHORIZED, anything else a
// non-retryable SERVICE_ERROR.
func StatusError(resp *Response, op string) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return nosqlerr.WithOp(nosqlerr.Unauthorized("peer rejected credentials"), op)
	}
	return nosqlerr.WithOp(nosqlerr.ServiceError(resp.StatusCode, "unexpected status %d", resp.StatusCode), op)
}
