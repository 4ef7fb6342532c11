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
	"encoding/json"
	"os"

	"github.com/gonosql/gonosql/lib/nosqlerr"
)

// Credentials authenticate one store user. The password is a byte
// slice so callers can zero it once it has been used.
type Credentials struct {
	User     string `json:"user"`
	Password []byte `json:"password"`
}

// CredentialsFunc supplies store credentials for a login. The
// provider zeroes the returned password after each use, so the
// callback must hand out a fresh copy every time.
type CredentialsFunc func(ctx context.Context) (*Credentials, error)

// LoadCredentials reads a credentials JSON file of the form
//
//	{"user": "driver", "password": "..."}
//
// The file is read on every login rather than once at startup, so a
// password rotated on disk takes effect at the next login.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nosqlerr.CredentialsError(err, "reading store credentials file %q", path)
	}
	var file struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nosqlerr.CredentialsError(err, "parsing store credentials file %q", path)
	}
	if file.User == "" || file.Password == "" {
		return nil, nosqlerr.CredentialsError(nil, "store credentials file %q must set user and password", path)
	}
	return &Credentials{User: file.User, Password: []byte(file.Password)}, nil
}
