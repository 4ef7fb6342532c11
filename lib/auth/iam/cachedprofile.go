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
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gonosql/gonosql"
	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// profileFetchFunc performs one identity exchange and returns the
// minted profile together with the security token that bounds its
// lifetime.
type profileFetchFunc func(ctx context.Context) (*Profile, *SecurityToken, error)

type cachedProfileConfig struct {
	// Name is the principal kind, used in logs and metrics.
	Name string
	// Fetch performs the exchange.
	Fetch profileFetchFunc
	// ExpireBefore treats a token within this margin of its expiry as
	// lapsed.
	ExpireBefore time.Duration
	// RefreshAhead starts a background exchange this long before the
	// cached token lapses. Zero disables background refresh.
	RefreshAhead time.Duration
	// Timeout bounds a single exchange. Exchanges run detached from
	// caller contexts because their result is shared.
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

func (c *cachedProfileConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing Name")
	}
	if c.Fetch == nil {
		return trace.BadParameter("missing Fetch")
	}
	if c.ExpireBefore < 0 {
		return trace.BadParameter("ExpireBefore must not be negative")
	}
	if c.RefreshAhead < 0 {
		return trace.BadParameter("RefreshAhead must not be negative")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.AuthRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gonosql.ComponentKey, gonosql.Component(gonosql.ComponentIAM, c.Name))
	}
	return nil
}

// cachedProfile caches the profile minted by an identity exchange
// until its security token lapses. Concurrent callers that miss the
// cache share a single exchange, and an optional background timer
// replaces the token before demand ever sees it lapse.
type cachedProfile struct {
	cfg cachedProfileConfig

	mu       sync.Mutex
	profile  *Profile
	token    *SecurityToken
	inflight *profileFetch
	timer    clockwork.Timer
	closed   bool
}

// profileFetch is one exchange in flight. Waiters block on done and
// read the result fields afterward.
type profileFetch struct {
	done    chan struct{}
	profile *Profile
	err     error
}

func newCachedProfile(cfg cachedProfileConfig) (*cachedProfile, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureMetrics()
	return &cachedProfile{cfg: cfg}, nil
}

// get returns the cached profile, running an exchange when the cache
// is empty, lapsed, or force is set. force additionally drops the
// cached profile so no other caller signs with it again.
func (c *cachedProfile) get(ctx context.Context, force bool) (*Profile, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nosqlerr.IllegalState("%s provider is closed", c.cfg.Name)
	}
	if force {
		c.profile, c.token = nil, nil
	} else if c.validLocked() {
		profile := c.profile
		c.mu.Unlock()
		return profile, nil
	}
	fetch := c.inflight
	if fetch == nil {
		fetch = &profileFetch{done: make(chan struct{})}
		c.inflight = fetch
		go c.run(fetch)
	}
	c.mu.Unlock()

	select {
	case <-fetch.done:
		if fetch.err != nil {
			return nil, trace.Wrap(fetch.err)
		}
		return fetch.profile, nil
	case <-ctx.Done():
		// The exchange keeps running for the other waiters.
		return nil, trace.Wrap(ctx.Err())
	}
}

func (c *cachedProfile) validLocked() bool {
	return c.profile != nil && c.token != nil &&
		c.token.Valid(c.cfg.Clock.Now(), c.cfg.ExpireBefore)
}

// run performs one exchange and publishes the result, first into the
// cache, then to the waiters parked on fetch.done.
func (c *cachedProfile) run(fetch *profileFetch) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	profile, token, err := c.cfg.Fetch(ctx)
	tokenExchanges.WithLabelValues(c.cfg.Name, metricResult(err)).Inc()

	c.mu.Lock()
	c.inflight = nil
	if err == nil && !c.closed {
		c.profile, c.token = profile, token
		c.scheduleLocked(token)
	}
	c.mu.Unlock()

	fetch.profile, fetch.err = profile, err
	close(fetch.done)
}

// scheduleLocked arms the background refresh for the freshly cached
// token. Tokens without an expiry, or ones that lapse inside the
// refresh window, stay demand-driven.
func (c *cachedProfile) scheduleLocked(token *SecurityToken) {
	if c.cfg.RefreshAhead <= 0 || token.ExpiresAt().IsZero() {
		return
	}
	wait := token.Remaining(c.cfg.Clock.Now(), c.cfg.ExpireBefore) - c.cfg.RefreshAhead
	if wait <= 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.cfg.Clock.AfterFunc(wait, c.backgroundRefresh)
}

// backgroundRefresh runs an exchange off the request path. A failure
// is logged and dropped: the next demand retries, and a token the
// exchange could not replace lapses on its own schedule.
func (c *cachedProfile) backgroundRefresh() {
	c.mu.Lock()
	if c.closed || c.inflight != nil {
		c.mu.Unlock()
		return
	}
	fetch := &profileFetch{done: make(chan struct{})}
	c.inflight = fetch
	c.mu.Unlock()

	c.run(fetch)
	if fetch.err != nil {
		c.cfg.Logger.WarnContext(context.Background(), "Background credential refresh failed.",
			"principal", c.cfg.Name,
			"error", fetch.err,
		)
	}
}

// close stops the timer and drops the cached profile. An exchange in
// flight still completes for its waiters but its result is discarded.
func (c *cachedProfile) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.profile, c.token = nil, nil
}
