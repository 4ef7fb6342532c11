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

package nosqlerr

import (
	"errors"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	base := ServiceError(503, "metadata endpoint overloaded")
	wrapped := trace.Wrap(trace.Wrap(base, "fetching region"), "building profile")

	require.Equal(t, KindServiceError, KindOf(wrapped))
	require.True(t, IsKind(wrapped, KindServiceError))
	require.True(t, IsRetryable(wrapped))

	var de *Error
	require.ErrorAs(t, wrapped, &de)
	require.Equal(t, 503, de.Status)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "network", err: NetworkError(errors.New("conn reset"), "posting"), retryable: true},
		{name: "timeout", err: RequestTimeout(nil, "deadline exceeded"), retryable: true},
		{name: "service 500", err: ServiceError(500, "boom"), retryable: true},
		{name: "service 503", err: ServiceError(503, "busy"), retryable: true},
		{name: "service 502", err: ServiceError(502, "bad gateway"), retryable: false},
		{name: "service 404", err: ServiceError(404, "gone"), retryable: false},
		{name: "retry authentication", err: RetryAuthentication("token lapsed"), retryable: true},
		{name: "unauthorized", err: Unauthorized("denied"), retryable: false},
		{name: "illegal argument", err: IllegalArgument("bad flag"), retryable: false},
		{name: "credentials", err: CredentialsError(nil, "unparseable file"), retryable: false},
		{name: "foreign error", err: errors.New("not ours"), retryable: false},
		{name: "nil", err: nil, retryable: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, test.retryable, IsRetryable(test.err))
		})
	}
}

func TestKindOfForeignError(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestWithOp(t *testing.T) {
	t.Parallel()

	require.NoError(t, WithOp(nil, "login"))

	err := WithOp(Unauthorized("bad password"), "kvstore/login")
	require.Equal(t, KindUnauthorized, KindOf(err))
	require.Contains(t, err.Error(), "kvstore/login: UNAUTHORIZED")

	// The kind of a foreign cause stays unknown rather than being
	// invented.
	err = WithOp(errors.New("mystery"), "kvstore/renew")
	require.Equal(t, KindUnknown, KindOf(err))
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := &Error{
		Kind:    KindIllegalState,
		Op:      "federation/v1/x509",
		Message: "tenancy changed",
		Err:     errors.New("was tenantA, got tenantB"),
	}
	require.Equal(t,
		"federation/v1/x509: ILLEGAL_STATE: tenancy changed: was tenantA, got tenantB",
		err.Error())
}
