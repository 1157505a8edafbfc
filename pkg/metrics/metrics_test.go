// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/containers/pnm-resmgr/pkg/metrics"
	"github.com/containers/pnm-resmgr/pkg/metrics/collectors"
)

func TestMetricsDescriptors(t *testing.T) {
	r := metrics.NewRegistry()

	for _, name := range []string{"test1", "test2", "test3"} {
		newTestGauge(t, r, name, metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	}

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"*"}, nil))
	defer srv.stop()

	descriptors, values := srv.collect(t)
	for _, name := range []string{"test1", "test2", "test3"} {
		require.True(t, descriptors.HasEntry(name, "gauge"), "%s described", name)
		require.Equal(t, "0", values.GetValue(name))
	}
}

func TestPrefixes(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "plain",
		metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()))
	newTestGauge(t, r, "grouped", metrics.WithGroup("grp"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace()))
	newTestGauge(t, r, "namespaced", metrics.WithGroup("grp"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "full", metrics.WithGroup("grp"))

	srv := newTestServer(t, r,
		metrics.WithNamespace("ns"),
		metrics.WithMetrics([]string{"*"}, nil),
	)
	defer srv.stop()

	_, values := srv.collect(t)
	require.True(t, values.HasEntry("plain"))
	require.True(t, values.HasEntry("grp_grouped"))
	require.True(t, values.HasEntry("ns_namespaced"))
	require.True(t, values.HasEntry("ns_grp_full"))
}

func TestUpdatedMetricsCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"*"}, nil))
	defer srv.stop()

	g1.Inc()
	g2.Set(5)

	_, values := srv.collect(t)
	require.Equal(t, "1", values.GetValue("test1"))
	require.Equal(t, "5", values.GetValue("test2"))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{"test1", "group2"}, nil))
	defer srv.stop()

	_, values := srv.collect(t)
	require.True(t, values.HasEntry("group1_test1"), "group1_test1 collected")
	require.False(t, values.HasEntry("test2"), "test2 not collected")
	require.True(t, values.HasEntry("test3"), "test3 collected")
	require.True(t, values.HasEntry("group2_test4"), "group2_test4 collected")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"nonexistent"}, nil))
	require.Error(t, err)
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test")
	require.Error(t, r.Register("test", prometheus.NewGauge(prometheus.GaugeOpts{Name: "test"})))
	require.NoError(t, r.Register("test", prometheus.NewGauge(prometheus.GaugeOpts{Name: "test"}),
		metrics.WithGroup("other")))
}

func TestMetricsPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p := newTestPolled(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r,
		metrics.WithMetrics(nil, []string{"*"}),
		metrics.WithoutPolling(),
	)
	defer srv.stop()

	_, values := srv.collect(t)
	require.Equal(t, "0", values.GetValue("test1"))

	p.Set(3)
	_, values = srv.collect(t)
	require.Equal(t, "0", values.GetValue("test1"), "polled value should be cached")

	srv.g.Poll()
	_, values = srv.collect(t)
	require.Equal(t, "3", values.GetValue("test1"))
}

func TestStandardCollectors(t *testing.T) {
	r := metrics.NewRegistry()
	require.NoError(t, collectors.Register(r))

	srv := newTestServer(t, r, metrics.WithMetrics([]string{collectors.Group}, nil))
	defer srv.stop()

	_, values := srv.collect(t)
	require.True(t, values.HasEntry("go_goroutines"))
}

type testPolled struct {
	desc  *prometheus.Desc
	value int
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "Test gauge " + name,
	})
	require.NoError(t, r.Register(name, g, options...))
	return g
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testPolled {
	p := &testPolled{
		desc: prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
	}
	require.NoError(t, r.Register(name, p, options...))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(p.value))
}

func (p *testPolled) Set(v int) {
	p.value = v
}

type described []string

func (d described) HasEntry(name, kind string) bool {
	for _, e := range d {
		split := strings.Split(e, " ")
		if len(split) >= 2 && split[0] == name && split[1] == kind {
			return true
		}
	}
	return false
}

type collected []string

func (c collected) HasEntry(name string) bool {
	for _, e := range c {
		name0, _, _ := strings.Cut(e, " ")
		if strings.HasPrefix(name0, name) && (len(name0) == len(name) || name0[len(name)] == '{') {
			return true
		}
	}
	return false
}

func (c collected) GetValue(name string) string {
	for _, e := range c {
		if n, v, ok := strings.Cut(e, " "); ok && n == name {
			return v
		}
	}
	return ""
}

type testServer struct {
	srv *httptest.Server
	g   *metrics.Gatherer
}

func newTestServer(t *testing.T, r *metrics.Registry, opts ...metrics.GathererOption) *testServer {
	g, err := r.NewGatherer(opts...)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.PanicOnError,
	}))

	return &testServer{
		srv: httptest.NewServer(mux),
		g:   g,
	}
}

func (srv *testServer) stop() {
	srv.srv.Close()
	srv.g.Stop()
}

func (srv *testServer) collect(t *testing.T) (described, collected) {
	resp, err := http.Get(srv.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var (
		types   []string
		values  []string
		scanner = bufio.NewScanner(resp.Body)
	)

	for scanner.Scan() {
		e := scanner.Text()
		switch {
		case strings.HasPrefix(e, "# TYPE "):
			types = append(types, strings.TrimPrefix(e, "# TYPE "))
		case strings.HasPrefix(e, "#"):
		default:
			values = append(values, e)
		}
	}

	return described(types), collected(values)
}
