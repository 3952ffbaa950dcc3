/*
Copyright 2024 The Constellation Engine Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"strconv"

	restful "github.com/emicklei/go-restful/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// apiMetrics instruments the REST surface.
type apiMetrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	executionsTotal *prometheus.CounterVec
	suspensionsLive prometheus.GaugeFunc
}

func newAPIMetrics(suspensionCount func() int) *apiMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &apiMetrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "constellation",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Pipeline executions by outcome.",
		}, []string{"status"}),
		suspensionsLive: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "constellation",
			Subsystem: "engine",
			Name:      "suspensions_live",
			Help:      "Suspension records currently held.",
		}, func() float64 { return float64(suspensionCount()) }),
	}
}

// filter records per-route counters and latency for every request.
func (m *apiMetrics) filter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	route := req.SelectedRoutePath()
	if route == "" {
		route = req.Request.URL.Path
	}
	timer := prometheus.NewTimer(m.requestDuration.WithLabelValues(route, req.Request.Method))
	chain.ProcessFilter(req, resp)
	timer.ObserveDuration()
	m.requestsTotal.WithLabelValues(route, req.Request.Method, strconv.Itoa(resp.StatusCode())).Inc()
}
