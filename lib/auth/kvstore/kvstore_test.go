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

package kvstore

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gonosql/gonosql/lib/httplib"
	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// fakeStore plays the proxy security service. It mints tokens tok-1,
// tok-2, ... with expirations computed against the injected clock.
type fakeStore struct {
	t     *testing.T
	clock clockwork.Clock

	mu          sync.Mutex
	user        string
	password    string
	life        time.Duration
	renewStatus int
	minted      int
	logins      int
	renews      int
	logouts     int
	renewAuths  []string
	logoutAuths []string
}

func (s *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.t.Errorf("unexpected method %q for %q", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Path {
	case loginPath:
		s.logins++
		user, password, ok := r.BasicAuth()
		if !ok || user != s.user || password != s.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.writeTokenLocked(w)
	case renewPath:
		s.renews++
		s.renewAuths = append(s.renewAuths, r.Header.Get("Authorization"))
		if s.renewStatus != 0 {
			w.WriteHeader(s.renewStatus)
			return
		}
		s.writeTokenLocked(w)
	case logoutPath:
		s.logouts++
		s.logoutAuths = append(s.logoutAuths, r.Header.Get("Authorization"))
	default:
		s.t.Errorf("unexpected path %q", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakeStore) writeTokenLocked(w http.ResponseWriter) {
	s.minted++
	json.NewEncoder(w).Encode(loginResult{
		Token:    fmt.Sprintf("tok-%d", s.minted),
		ExpireAt: s.clock.Now().Add(s.life).UnixMilli(),
	})
}

func (s *fakeStore) counts() (logins, renews, logouts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins, s.renews, s.logouts
}

func (s *fakeStore) serve(t *testing.T) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	server := httptest.NewTLSServer(s)
	t.Cleanup(server.Close)
	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	return server, pool
}

// newStoreHTTP builds a real-clock client so retry pauses and call
// deadlines keep working while the provider itself runs on fake time.
func newStoreHTTP(t *testing.T, pool *x509.CertPool) *httplib.Client {
	t.Helper()
	client, err := httplib.NewClient(httplib.Config{
		Timeout:    2 * time.Second,
		RetryDelay: 10 * time.Millisecond,
		CAPool:     pool,
	})
	require.NoError(t, err)
	return client
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		cfg  Config
	}{
		{
			name: "plain http endpoint",
			cfg:  Config{Endpoint: "http://store.example.com:8080", User: "driver", Password: []byte("p")},
		},
		{
			name: "endpoint without scheme",
			cfg:  Config{Endpoint: "store.example.com", User: "driver", Password: []byte("p")},
		},
		{
			name: "missing credentials",
			cfg:  Config{Endpoint: "https://store.example.com"},
		},
		{
			name: "user without password",
			cfg:  Config{Endpoint: "https://store.example.com", User: "driver"},
		},
		{
			name: "direct credentials and file",
			cfg: Config{
				Endpoint: "https://store.example.com", User: "driver", Password: []byte("p"),
				CredentialsFile: "/etc/store/creds.json",
			},
		},
		{
			name: "file and callback",
			cfg: Config{
				Endpoint:        "https://store.example.com",
				CredentialsFile: "/etc/store/creds.json",
				CredentialsFunc: func(context.Context) (*Credentials, error) { return nil, nil },
			},
		},
		{
			name: "negative timeout",
			cfg:  Config{Endpoint: "https://store.example.com", User: "driver", Password: []byte("p"), Timeout: -time.Second},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			err := test.cfg.CheckAndSetDefaults()
			require.Error(t, err)
			require.Equal(t, nosqlerr.KindIllegalArgument, nosqlerr.KindOf(err))
		})
	}

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Endpoint: "https://store.example.com", User: "driver", Password: []byte("p")}
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.Equal(t, 30*time.Second, cfg.Timeout)
		require.Equal(t, 10*time.Second, cfg.NoRenewBefore)
		require.NotNil(t, cfg.HTTP)
		require.NotNil(t, cfg.Clock)
		require.NotNil(t, cfg.Logger)
	})
}

func TestBearerTokenLoginAndCache(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		User:     "driver",
		Password: []byte("s3cret"),
		HTTP:     newStoreHTTP(t, pool),
	})
	require.NoError(t, err)
	defer provider.Close()

	token, err := provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	// The cached token serves until it lapses.
	token, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)
	logins, _, _ := store.counts()
	require.Equal(t, 1, logins)
}

func TestBearerTokenForceRelogin(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		User:     "driver",
		Password: []byte("s3cret"),
		HTTP:     newStoreHTTP(t, pool),
	})
	require.NoError(t, err)
	defer provider.Close()

	token, err := provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	// The store told the driver to authenticate again; the rejected
	// token must not come back.
	token, err = provider.BearerToken(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
	logins, _, _ := store.counts()
	require.Equal(t, 2, logins)
}

func TestBearerTokenBadPassword(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		User:     "driver",
		Password: []byte("wrong"),
		HTTP:     newStoreHTTP(t, pool),
	})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.BearerToken(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, nosqlerr.KindUnauthorized, nosqlerr.KindOf(err))
}

func TestBearerTokenBadResponse(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>backend error</html>"},
		{name: "missing token", body: `{"expireAt": 1}`},
		{name: "empty token", body: `{"token": "", "expireAt": 1}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(test.body))
			}))
			defer server.Close()
			pool := x509.NewCertPool()
			pool.AddCert(server.Certificate())

			provider, err := NewProvider(Config{
				Endpoint: server.URL,
				User:     "driver",
				Password: []byte("s3cret"),
				HTTP:     newStoreHTTP(t, pool),
			})
			require.NoError(t, err)
			defer provider.Close()

			_, err = provider.BearerToken(context.Background(), false)
			require.Error(t, err)
			require.Equal(t, nosqlerr.KindBadProtocolMessage, nosqlerr.KindOf(err))
		})
	}
}

func TestRenewAtHalfLife(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := &fakeStore{t: t, clock: clock, user: "driver", password: "s3cret", life: 5 * time.Second}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint:      server.URL,
		User:          "driver",
		Password:      []byte("s3cret"),
		NoRenewBefore: time.Second,
		HTTP:          newStoreHTTP(t, pool),
		Clock:         clock,
	})
	require.NoError(t, err)

	token, err := provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	// Nothing fires before the token's half-life.
	clock.Advance(2499 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	_, renews, _ := store.counts()
	require.Zero(t, renews)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		token, err := provider.BearerToken(context.Background(), false)
		return err == nil && token == "tok-2"
	}, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	renewAuths := append([]string(nil), store.renewAuths...)
	store.mu.Unlock()
	require.Equal(t, []string{"Bearer tok-1"}, renewAuths)
	logins, _, _ := store.counts()
	require.Equal(t, 1, logins)
}

func TestRenewFailureIsNotRescheduled(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := &fakeStore{
		t: t, clock: clock, user: "driver", password: "s3cret",
		life: 5 * time.Second, renewStatus: http.StatusUnauthorized,
	}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint:      server.URL,
		User:          "driver",
		Password:      []byte("s3cret"),
		NoRenewBefore: time.Second,
		HTTP:          newStoreHTTP(t, pool),
		Clock:         clock,
	})
	require.NoError(t, err)

	token, err := provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	clock.Advance(2500 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, renews, _ := store.counts()
		return renews == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The failed renewal does not re-arm; the token keeps serving until
	// it lapses.
	clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	_, renews, _ := store.counts()
	require.Equal(t, 1, renews)

	token, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	// Past expiry the next request logs in again.
	clock.Advance(2 * time.Second)
	token, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
	logins, _, _ := store.counts()
	require.Equal(t, 2, logins)
}

func TestRenewSkippedCloseToExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := &fakeStore{t: t, clock: clock, user: "driver", password: "s3cret", life: 5 * time.Second}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint:      server.URL,
		User:          "driver",
		Password:      []byte("s3cret"),
		NoRenewBefore: 10 * time.Second,
		HTTP:          newStoreHTTP(t, pool),
		Clock:         clock,
	})
	require.NoError(t, err)

	_, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	_, renews, _ := store.counts()
	require.Zero(t, renews, "a token within the no-renew margin must not be renewed")
}

func TestDisableAutoRenew(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := &fakeStore{t: t, clock: clock, user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint:         server.URL,
		User:             "driver",
		Password:         []byte("s3cret"),
		DisableAutoRenew: true,
		HTTP:             newStoreHTTP(t, pool),
		Clock:            clock,
	})
	require.NoError(t, err)

	_, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	_, renews, _ := store.counts()
	require.Zero(t, renews)
}

func TestCloseLogsOut(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		User:     "driver",
		Password: []byte("s3cret"),
		HTTP:     newStoreHTTP(t, pool),
	})
	require.NoError(t, err)

	_, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, provider.Close())
	_, _, logouts := store.counts()
	require.Equal(t, 1, logouts)
	store.mu.Lock()
	logoutAuths := append([]string(nil), store.logoutAuths...)
	store.mu.Unlock()
	require.Equal(t, []string{"Bearer tok-1"}, logoutAuths)

	// Close is idempotent and does not log out twice.
	require.NoError(t, provider.Close())
	_, _, logouts = store.counts()
	require.Equal(t, 1, logouts)

	_, err = provider.BearerToken(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, nosqlerr.KindIllegalState, nosqlerr.KindOf(err))
}

func TestCloseZeroesPassword(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	password := []byte("s3cret")
	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		User:     "driver",
		Password: password,
		HTTP:     newStoreHTTP(t, pool),
	})
	require.NoError(t, err)

	_, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, provider.Close())
	require.Equal(t, make([]byte, len(password)), password)
}

func TestCloseSwallowsLogoutFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == logoutPath {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(loginResult{Token: "tok-1", ExpireAt: time.Now().Add(time.Hour).UnixMilli()})
	}))
	defer server.Close()
	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		User:     "driver",
		Password: []byte("s3cret"),
		HTTP:     newStoreHTTP(t, pool),
	})
	require.NoError(t, err)

	_, err = provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, provider.Close())
}

func TestCredentialsFileReadPerLogin(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "first", life: time.Hour}
	server, pool := store.serve(t)

	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user": "driver", "password": "first"}`), 0o600))

	provider, err := NewProvider(Config{
		Endpoint:        server.URL,
		CredentialsFile: path,
		HTTP:            newStoreHTTP(t, pool),
	})
	require.NoError(t, err)
	defer provider.Close()

	token, err := provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	// Rotate the password on disk and in the store; the forced login
	// must pick up the new file contents.
	require.NoError(t, os.WriteFile(path, []byte(`{"user": "driver", "password": "second"}`), 0o600))
	store.mu.Lock()
	store.password = "second"
	store.mu.Unlock()

	token, err = provider.BearerToken(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
}

func TestCredentialsFuncPasswordZeroed(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	var handedOut [][]byte
	var mu sync.Mutex
	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		CredentialsFunc: func(ctx context.Context) (*Credentials, error) {
			password := []byte("s3cret")
			mu.Lock()
			handedOut = append(handedOut, password)
			mu.Unlock()
			return &Credentials{User: "driver", Password: password}, nil
		},
		HTTP: newStoreHTTP(t, pool),
	})
	require.NoError(t, err)
	defer provider.Close()

	token, err := provider.BearerToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handedOut, 1)
	require.Equal(t, make([]byte, 6), handedOut[0], "the callback password must be zeroed after use")
}

func TestCredentialsFuncError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{t: t, clock: clockwork.NewRealClock(), user: "driver", password: "s3cret", life: time.Hour}
	server, pool := store.serve(t)

	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		CredentialsFunc: func(ctx context.Context) (*Credentials, error) {
			return nil, fmt.Errorf("vault sealed")
		},
		HTTP: newStoreHTTP(t, pool),
	})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.BearerToken(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, nosqlerr.KindCredentialsError, nosqlerr.KindOf(err))
	logins, _, _ := store.counts()
	require.Zero(t, logins, "no login attempt without credentials")
}

func TestLoadCredentials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, contents string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
		return path
	}

	creds, err := LoadCredentials(write("good.json", `{"user": "driver", "password": "s3cret"}`))
	require.NoError(t, err)
	require.Equal(t, "driver", creds.User)
	require.Equal(t, []byte("s3cret"), creds.Password)

	for _, test := range []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "absent.json")},
		{name: "not json", path: write("bad.json", "user=driver")},
		{name: "missing password", path: write("partial.json", `{"user": "driver"}`)},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadCredentials(test.path)
			require.Error(t, err)
			require.Equal(t, nosqlerr.KindCredentialsError, nosqlerr.KindOf(err))
		})
	}
}

func TestConcurrentLoginsShareOneFlight(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	logins := 0
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath {
			return
		}
		mu.Lock()
		logins++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(loginResult{Token: "tok-1", ExpireAt: time.Now().Add(time.Hour).UnixMilli()})
	}))
	defer server.Close()
	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	provider, err := NewProvider(Config{
		Endpoint: server.URL,
		User:     "driver",
		Password: []byte("s3cret"),
		HTTP:     newStoreHTTP(t, pool),
	})
	require.NoError(t, err)
	defer provider.Close()

	const callers = 8
	tokens := make(chan string, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := provider.BearerToken(context.Background(), false)
			if err != nil {
				t.Errorf("BearerToken: %v", err)
				return
			}
			tokens <- token
		}()
	}
	wg.Wait()
	close(tokens)

	for token := range tokens {
		require.Equal(t, "tok-1", token)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, logins)
}
