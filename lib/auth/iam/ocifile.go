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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/ini.v1"

	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/oci"
	"github.com/gonosql/gonosql/lib/pki"
)

// Keys of an OCI configuration file profile.
const (
	keyTenancy           = "tenancy"
	keyUser              = "user"
	keyFingerprint       = "fingerprint"
	keyKeyFile           = "key_file"
	keyPassphrase        = "pass_phrase"
	keyRegion            = "region"
	keySecurityTokenFile = "security_token_file"
)

// FileConfig locates a profile in an OCI configuration file.
type FileConfig struct {
	// Path of the configuration file. Defaults to ~/.oci/config. A
	// leading ~ expands to the user home directory.
	Path string
	// Profile is the section to read. Defaults to DEFAULT.
	Profile string
	// SessionToken switches the provider to session-token mode: it
	// signs with the token from the profile's security_token_file and
	// the profile's own key, re-reading the file whenever the token
	// lapses. Tooling such as the OCI CLI rotates the file in place.
	SessionToken bool
	// ExpireBefore and RefreshAhead tune session token caching, see
	// [SignerConfig].
	ExpireBefore time.Duration
	RefreshAhead time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

func (c *FileConfig) checkAndSetDefaults() error {
	if c.Path == "" {
		c.Path = filepath.Join("~", defaults.ConfigFileDir, defaults.ConfigFileName)
	}
	path, err := expandPath(c.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	c.Path = path
	if c.Profile == "" {
		c.Profile = defaults.ConfigFileProfile
	}
	if c.ExpireBefore < 0 || c.RefreshAhead < 0 {
		return nosqlerr.IllegalArgument("token expiry margins must not be negative")
	}
	return nil
}

// NewFileProvider reads the named profile and returns a provider over
// it: a [UserProvider] carrying the profile's region, or a session
// token provider when cfg.SessionToken is set. The file is read at
// construction so a broken configuration fails before any request
// does.
func NewFileProvider(cfg FileConfig) (ProfileProvider, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	section, err := loadProfile(cfg.Path, cfg.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	region := profileRegion(section)
	if cfg.SessionToken {
		provider, err := newSessionTokenProvider(cfg, section)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		provider.region = region
		return provider, nil
	}
	creds, err := profileCredentials(section, cfg.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := NewUserProvider(*creds)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &fileProvider{UserProvider: user, region: region}, nil
}

func loadProfile(path, profile string) (*ini.Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = trace.ConvertSystemError(err)
		if trace.IsNotFound(err) {
			return nil, nosqlerr.IllegalArgument("configuration file %q not found", path)
		}
		return nil, nosqlerr.CredentialsError(err, "reading configuration file %q", path)
	}
	file, err := ini.Load(data)
	if err != nil {
		return nil, nosqlerr.CredentialsError(err, "parsing configuration file %q", path)
	}
	section, err := file.GetSection(profile)
	if err != nil {
		return nil, nosqlerr.IllegalArgument("profile %q not found in %q", profile, path)
	}
	return section, nil
}

func profileCredentials(section *ini.Section, profile string) (*Credentials, error) {
	tenancy, err := requireKey(section, profile, keyTenancy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := requireKey(section, profile, keyUser)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fingerprint, err := requireKey(section, profile, keyFingerprint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keyFile, err := profileKeyFile(section, profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Credentials{
		TenancyOCID:    tenancy,
		UserOCID:       user,
		Fingerprint:    fingerprint,
		PrivateKeyFile: keyFile,
		Passphrase:     []byte(section.Key(keyPassphrase).String()),
	}, nil
}

func profileKeyFile(section *ini.Section, profile string) (string, error) {
	keyFile, err := requireKey(section, profile, keyKeyFile)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return expandPath(keyFile)
}

// profileRegion parses the optional region key. The raw value is kept
// so a typo surfaces as an error rather than as a silently missing
// region.
func profileRegion(section *ini.Section) *profileRegionValue {
	if !section.HasKey(keyRegion) {
		return &profileRegionValue{}
	}
	raw := section.Key(keyRegion).String()
	region, err := oci.ParseRegion(raw)
	if err != nil {
		return &profileRegionValue{raw: raw}
	}
	return &profileRegionValue{raw: raw, region: region, known: true}
}

type profileRegionValue struct {
	raw    string
	region oci.Region
	known  bool
}

func (v *profileRegionValue) get() (oci.Region, error) {
	if v.known {
		return v.region, nil
	}
	if v.raw != "" {
		return oci.Region{}, nosqlerr.IllegalArgument("profile names unknown region %q", v.raw)
	}
	return oci.Region{}, trace.NotFound("profile names no region")
}

func requireKey(section *ini.Section, profile, name string) (string, error) {
	if !section.HasKey(name) || section.Key(name).String() == "" {
		return "", nosqlerr.CredentialsError(nil, "profile %q is missing %s", profile, name)
	}
	return section.Key(name).String(), nil
}

func expandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// fileProvider is a UserProvider plus the region its profile names.
type fileProvider struct {
	*UserProvider
	region *profileRegionValue
}

func (p *fileProvider) Region(ctx context.Context) (oci.Region, error) {
	return p.region.get()
}

// sessionTokenProvider signs with a session token minted by external
// tooling. The token file is re-read on every refresh; content that
// does not decode as a JWT is used as is and treated as non-expiring.
type sessionTokenProvider struct {
	tokenFile string
	keyFile   string
	tenancy   string
	region    *profileRegionValue
	cached    *cachedProfile

	// mu guards the passphrase so Close can zero it without racing a
	// refresh in flight.
	mu         sync.Mutex
	passphrase []byte
	closed     bool
}

func newSessionTokenProvider(cfg FileConfig, section *ini.Section) (*sessionTokenProvider, error) {
	tenancy, err := requireKey(section, cfg.Profile, keyTenancy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tokenFile, err := requireKey(section, cfg.Profile, keySecurityTokenFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tokenFile, err = expandPath(tokenFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keyFile, err := profileKeyFile(section, cfg.Profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	provider := &sessionTokenProvider{
		tokenFile:  tokenFile,
		keyFile:    keyFile,
		passphrase: []byte(section.Key(keyPassphrase).String()),
		tenancy:    tenancy,
	}
	provider.cached, err = newCachedProfile(cachedProfileConfig{
		Name:         "session-token",
		Fetch:        provider.fetch,
		ExpireBefore: cfg.ExpireBefore,
		RefreshAhead: cfg.RefreshAhead,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return provider, nil
}

func (p *sessionTokenProvider) fetch(ctx context.Context) (*Profile, *SecurityToken, error) {
	data, err := os.ReadFile(p.tokenFile)
	if err != nil {
		return nil, nil, nosqlerr.CredentialsError(trace.ConvertSystemError(err), "reading session token file %q", p.tokenFile)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, nil, nosqlerr.CredentialsError(nil, "session token file %q is empty", p.tokenFile)
	}
	token, err := ParseSecurityToken(raw)
	if err != nil {
		token = newOpaqueToken(raw)
	}
	key, err := p.loadKey()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return &Profile{
		KeyID:       token.KeyID(),
		PrivateKey:  key,
		TenancyOCID: p.tenancy,
	}, token, nil
}

func (p *sessionTokenProvider) loadKey() (*rsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nosqlerr.IllegalState("session token provider is closed")
	}
	key, err := pki.LoadPrivateKey(p.keyFile, p.passphrase)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nosqlerr.IllegalArgument("private key file %q not found", p.keyFile)
		}
		return nil, nosqlerr.CredentialsError(err, "loading private key from %q", p.keyFile)
	}
	return key, nil
}

func (p *sessionTokenProvider) Profile(ctx context.Context, force bool) (*Profile, error) {
	profile, err := p.cached.get(ctx, force)
	return profile, trace.Wrap(err)
}

func (p *sessionTokenProvider) Region(ctx context.Context) (oci.Region, error) {
	return p.region.get()
}

func (p *sessionTokenProvider) Close() error {
	p.cached.close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		pki.Zero(p.passphrase)
	}
	return nil
}
