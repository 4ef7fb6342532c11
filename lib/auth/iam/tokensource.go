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
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// TokenSource names where a bearer token comes from: an inline value,
// a file on disk, or a caller function. At most one backing may be
// set. File and function backings are consulted on every load so the
// token can rotate underneath a running client.
type TokenSource struct {
	// Inline is the token itself.
	Inline string
	// Path is a file holding the token. Surrounding whitespace is
	// trimmed on read.
	Path string
	// Provider returns the token on demand.
	Provider func(ctx context.Context) (string, error)
}

// CheckAndSetDefaults verifies at most one backing is configured.
func (s *TokenSource) CheckAndSetDefaults() error {
	set := 0
	if s.Inline != "" {
		set++
	}
	if s.Path != "" {
		set++
	}
	if s.Provider != nil {
		set++
	}
	if set > 1 {
		return trace.BadParameter("token value, file and provider are mutually exclusive")
	}
	return nil
}

// IsZero reports whether no backing is configured.
func (s *TokenSource) IsZero() bool {
	return s.Inline == "" && s.Path == "" && s.Provider == nil
}

// Token loads the token from the configured backing. An empty result
// is an error: a token source exists to produce a token.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	switch {
	case s.Inline != "":
		return s.Inline, nil
	case s.Provider != nil:
		token, err := s.Provider(ctx)
		if err != nil {
			return "", nosqlerr.CredentialsError(err, "loading token from provider")
		}
		if token == "" {
			return "", nosqlerr.CredentialsError(nil, "token provider returned an empty token")
		}
		return token, nil
	case s.Path != "":
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return "", nosqlerr.CredentialsError(trace.ConvertSystemError(err), "reading token file %q", s.Path)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", nosqlerr.CredentialsError(nil, "token file %q is empty", s.Path)
		}
		return token, nil
	}
	return "", nosqlerr.IllegalState("no token source configured")
}
