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

package oci

import "regexp"

// ocidPattern accepts identifiers of the shape
// <type>[.:]<realm>[.:]<region>[.:][future][.:]<unique>, with at least
// five dot or colon separated parts.
var ocidPattern = regexp.MustCompile(`^([0-9a-zA-Z-_]+[.:])([0-9a-zA-Z-_]*[.:]){3,}([0-9a-zA-Z-_]+)$`)

// IsValidOCID reports whether s is syntactically a valid resource
// identifier. It checks shape only, not existence.
func IsValidOCID(s string) bool {
	return ocidPattern.MatchString(s)
}
