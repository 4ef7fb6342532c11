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

// Package oci models Oracle Cloud resource identifiers and the region
// registry used to construct service and identity endpoints.
package oci

import (
	"fmt"
	"strings"

	"github.com/gravitational/trace"
)

// Region is one row of the region registry.
type Region struct {
	// ID is the long region identifier, e.g. "us-phoenix-1".
	ID string
	// Code is the three letter region key, e.g. "phx". Instance
	// metadata may report either form.
	Code string
	// SecondLevelDomain is the realm domain endpoints are built under.
	SecondLevelDomain string
}

// Endpoint returns the NoSQL service endpoint of the region.
func (r Region) Endpoint() string {
	return fmt.Sprintf("https://nosql.%s.oci.%s", r.ID, r.SecondLevelDomain)
}

// AuthEndpoint returns the identity federation endpoint of the region.
func (r Region) AuthEndpoint() string {
	return fmt.Sprintf("https://auth.%s.%s", r.ID, r.SecondLevelDomain)
}

// Realm second-level domains.
const (
	// OC1 is the commercial realm.
	OC1 = "oraclecloud.com"
	// OC2 and OC3 are the US government realms.
	OC2 = "oraclegovcloud.com"
	OC3 = "oraclegovcloud.com"
	// OC4 is the UK government realm.
	OC4 = "oraclegovcloud.uk"
	// OC8 is the Japan dedicated realm.
	OC8 = "oraclecloud8.com"
	// OC9 is the Oman dedicated realm.
	OC9 = "oraclecloud9.com"
	// OC10 is the Australia dedicated realm.
	OC10 = "oraclecloud10.com"
)

// regions holds every known region. Kept sorted by realm, then ID.
var regions = []Region{
	// OC1
	{ID: "af-johannesburg-1", Code: "jnb", SecondLevelDomain: OC1},
	{ID: "ap-chuncheon-1", Code: "yny", SecondLevelDomain: OC1},
	{ID: "ap-hyderabad-1", Code: "hyd", SecondLevelDomain: OC1},
	{ID: "ap-melbourne-1", Code: "mel", SecondLevelDomain: OC1},
	{ID: "ap-mumbai-1", Code: "bom", SecondLevelDomain: OC1},
	{ID: "ap-osaka-1", Code: "kix", SecondLevelDomain: OC1},
	{ID: "ap-seoul-1", Code: "icn", SecondLevelDomain: OC1},
	{ID: "ap-singapore-1", Code: "sin", SecondLevelDomain: OC1},
	{ID: "ap-sydney-1", Code: "syd", SecondLevelDomain: OC1},
	{ID: "ap-tokyo-1", Code: "nrt", SecondLevelDomain: OC1},
	{ID: "ca-montreal-1", Code: "yul", SecondLevelDomain: OC1},
	{ID: "ca-toronto-1", Code: "yyz", SecondLevelDomain: OC1},
	{ID: "eu-amsterdam-1", Code: "ams", SecondLevelDomain: OC1},
	{ID: "eu-frankfurt-1", Code: "fra", SecondLevelDomain: OC1},
	{ID: "eu-madrid-1", Code: "mad", SecondLevelDomain: OC1},
	{ID: "eu-marseille-1", Code: "mrs", SecondLevelDomain: OC1},
	{ID: "eu-milan-1", Code: "lin", SecondLevelDomain: OC1},
	{ID: "eu-paris-1", Code: "cdg", SecondLevelDomain: OC1},
	{ID: "eu-stockholm-1", Code: "arn", SecondLevelDomain: OC1},
	{ID: "eu-zurich-1", Code: "zrh", SecondLevelDomain: OC1},
	{ID: "il-jerusalem-1", Code: "mtz", SecondLevelDomain: OC1},
	{ID: "me-abudhabi-1", Code: "auh", SecondLevelDomain: OC1},
	{ID: "me-dubai-1", Code: "dxb", SecondLevelDomain: OC1},
	{ID: "me-jeddah-1", Code: "jed", SecondLevelDomain: OC1},
	{ID: "mx-monterrey-1", Code: "mty", SecondLevelDomain: OC1},
	{ID: "mx-queretaro-1", Code: "qro", SecondLevelDomain: OC1},
	{ID: "sa-santiago-1", Code: "scl", SecondLevelDomain: OC1},
	{ID: "sa-saopaulo-1", Code: "gru", SecondLevelDomain: OC1},
	{ID: "sa-vinhedo-1", Code: "vcp", SecondLevelDomain: OC1},
	{ID: "uk-cardiff-1", Code: "cwl", SecondLevelDomain: OC1},
	{ID: "uk-london-1", Code: "lhr", SecondLevelDomain: OC1},
	{ID: "us-ashburn-1", Code: "iad", SecondLevelDomain: OC1},
	{ID: "us-chicago-1", Code: "ord", SecondLevelDomain: OC1},
	{ID: "us-phoenix-1", Code: "phx", SecondLevelDomain: OC1},
	{ID: "us-sanjose-1", Code: "sjc", SecondLevelDomain: OC1},
	// OC2
	{ID: "us-langley-1", Code: "lfi", SecondLevelDomain: OC2},
	{ID: "us-luke-1", Code: "luf", SecondLevelDomain: OC2},
	// OC3
	{ID: "us-gov-ashburn-1", Code: "ric", SecondLevelDomain: OC3},
	{ID: "us-gov-chicago-1", Code: "pia", SecondLevelDomain: OC3},
	{ID: "us-gov-phoenix-1", Code: "tus", SecondLevelDomain: OC3},
	// OC4
	{ID: "uk-gov-cardiff-1", Code: "brs", SecondLevelDomain: OC4},
	{ID: "uk-gov-london-1", Code: "ltn", SecondLevelDomain: OC4},
	// OC8
	{ID: "ap-chiyoda-1", Code: "nja", SecondLevelDomain: OC8},
	{ID: "ap-ibaraki-1", Code: "ukb", SecondLevelDomain: OC8},
	// OC9
	{ID: "me-dcc-muscat-1", Code: "mct", SecondLevelDomain: OC9},
	// OC10
	{ID: "ap-dcc-canberra-1", Code: "wga", SecondLevelDomain: OC10},
}

var (
	regionsByID   = make(map[string]Region, len(regions))
	regionsByCode = make(map[string]Region, len(regions))
)

func init() {
	for _, r := range regions {
		regionsByID[r.ID] = r
		regionsByCode[r.Code] = r
	}
}

// ParseRegion resolves a region given either its long identifier or
// its three letter code, in any case. Instance metadata V1 reports the
// code form, V2 and configuration files the long form.
func ParseRegion(s string) (Region, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if r, ok := regionsByID[key]; ok {
		return r, nil
	}
	if r, ok := regionsByCode[key]; ok {
		return r, nil
	}
	return Region{}, trace.NotFound("unknown region %q", s)
}
