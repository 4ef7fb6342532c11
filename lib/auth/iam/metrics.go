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
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gonosql/gonosql"
)

var signatureRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: gonosql.MetricNamespace,
	Subsystem: "auth",
	Name:      "signature_refreshes_total",
	Help:      "Request signature refreshes by trigger and result.",
}, []string{"trigger", "result"})

var tokenExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: gonosql.MetricNamespace,
	Subsystem: "auth",
	Name:      "token_exchanges_total",
	Help:      "Security token exchanges by principal and result.",
}, []string{"principal", "result"})

var registerOnce sync.Once

func ensureMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(signatureRefreshes, tokenExchanges)
	})
}

func metricResult(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
