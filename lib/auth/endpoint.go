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

package auth

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gonosql/gonosql/lib/auth/iam"
	"github.com/gonosql/gonosql/lib/defaults"
	"github.com/gonosql/gonosql/lib/nosqlerr"
	"github.com/gonosql/gonosql/lib/oci"
)

// serviceEndpoint is a normalized service location. The scheme is
// always filled in and the port always explicit.
type serviceEndpoint struct {
	scheme string
	host   string
	port   int
}

// parseEndpoint normalizes an endpoint given as a URL or a bare
// host[:port]. Without a scheme https is assumed, except that an
// explicit port other than 443 selects plain http. Missing ports
// default per scheme, 443 for https and 8080 for http.
func parseEndpoint(value string) (serviceEndpoint, error) {
	if value == "" {
		return serviceEndpoint{}, nosqlerr.IllegalArgument("missing service endpoint")
	}
	raw := value
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return serviceEndpoint{}, nosqlerr.IllegalArgument("invalid service endpoint %q: %v", value, err)
	}
	if u.Hostname() == "" {
		return serviceEndpoint{}, nosqlerr.IllegalArgument("invalid service endpoint %q: missing host", value)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return serviceEndpoint{}, nosqlerr.IllegalArgument("invalid service endpoint %q: only host and port are allowed", value)
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return serviceEndpoint{}, nosqlerr.IllegalArgument("invalid service endpoint %q: bad port %q", value, p)
		}
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https":
	case "":
		// A bare host is the production service. A bare host with an
		// unusual port is somebody's proxy on plain http.
		if port != 0 && port != defaults.HTTPSPort {
			scheme = "http"
		} else {
			scheme = "https"
		}
	default:
		return serviceEndpoint{}, nosqlerr.IllegalArgument("invalid service endpoint %q: scheme must be http or https", value)
	}
	if port == 0 {
		if scheme == "https" {
			port = defaults.HTTPSPort
		} else {
			port = defaults.HTTPPort
		}
	}

	return serviceEndpoint{
		scheme: scheme,
		host:   strings.ToLower(u.Hostname()),
		port:   port,
	}, nil
}

// hostHeader is the value signed into and sent as the Host header. The
// port is dropped when it is the scheme's canonical one, matching what
// HTTP clients put on the wire.
func (e serviceEndpoint) hostHeader() string {
	if (e.scheme == "https" && e.port == 443) || (e.scheme == "http" && e.port == 80) {
		return e.host
	}
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

func (e serviceEndpoint) url() string {
	return e.scheme + "://" + e.hostHeader()
}

// resolveCloudEndpoint locates the cloud service from the explicit
// endpoint, the named region, or the region the credential source
// itself knows, in that order.
func resolveCloudEndpoint(ctx context.Context, cfg *Config, provider iam.ProfileProvider) (serviceEndpoint, error) {
	switch {
	case cfg.Endpoint != "":
		endpoint, err := parseEndpoint(cfg.Endpoint)
		return endpoint, trace.Wrap(err)
	case cfg.Region != "":
		region, err := oci.ParseRegion(cfg.Region)
		if err != nil {
			return serviceEndpoint{}, nosqlerr.IllegalArgument("unknown region %q", cfg.Region)
		}
		endpoint, err := parseEndpoint(region.Endpoint())
		return endpoint, trace.Wrap(err)
	default:
		region, err := provider.Region(ctx)
		if err != nil {
			return serviceEndpoint{}, nosqlerr.WithKind(nosqlerr.KindIllegalArgument, err,
				"no service endpoint or region configured and the credentials name none")
		}
		endpoint, err := parseEndpoint(region.Endpoint())
		return endpoint, trace.Wrap(err)
	}
}
