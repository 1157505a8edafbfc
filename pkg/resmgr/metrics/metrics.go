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

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/metrics"
	"github.com/containers/pnm-resmgr/pkg/resmgr"
)

const (
	// Group is the metrics group of device collectors.
	Group = "pnm"
	// CollectorName is the name of the device collector.
	CollectorName = "device"
)

// Source provides device state snapshots.
type Source interface {
	Snapshot() resmgr.Status
}

// Collector exports device state as prometheus metrics.
type Collector struct {
	src         Source
	memSize     *prometheus.Desc
	memFree     *prometheus.Desc
	poolSize    *prometheus.Desc
	poolFree    *prometheus.Desc
	poolLargest *prometheus.Desc
	poolAllocs  *prometheus.Desc
	unitBusy    *prometheus.Desc
	unitAcqs    *prometheus.Desc
	waiters     *prometheus.Desc
	sessions    *prometheus.Desc
	leaked      *prometheus.Desc
	cleanup     *prometheus.Desc
	shared      *prometheus.Desc
	events      *prometheus.Desc
}

var (
	log = logger.NewLogger("metrics")
)

// NewCollector creates a collector for the given source.
func NewCollector(src Source) *Collector {
	var (
		class  = []string{"class"}
		pool   = []string{"class", "pool"}
		unit   = []string{"class", "unit"}
		events = []string{"class", "event"}
	)

	return &Collector{
		src: src,
		memSize: prometheus.NewDesc("memory_size_bytes",
			"Total size of device memory.", class, nil),
		memFree: prometheus.NewDesc("memory_free_bytes",
			"Free device memory.", class, nil),
		poolSize: prometheus.NewDesc("pool_size_bytes",
			"Size of a device memory pool.", pool, nil),
		poolFree: prometheus.NewDesc("pool_free_bytes",
			"Free memory in a device memory pool.", pool, nil),
		poolLargest: prometheus.NewDesc("pool_largest_free_extent_bytes",
			"Largest contiguous free extent in a device memory pool.", pool, nil),
		poolAllocs: prometheus.NewDesc("pool_allocations",
			"Number of live allocations in a device memory pool.", pool, nil),
		unitBusy: prometheus.NewDesc("unit_busy",
			"Whether an execution unit is held by a session.", unit, nil),
		unitAcqs: prometheus.NewDesc("unit_acquisitions_total",
			"Number of times an execution unit has been acquired.", unit, nil),
		waiters: prometheus.NewDesc("unit_waiters",
			"Number of acquisitions waiting for a free execution unit.", class, nil),
		sessions: prometheus.NewDesc("sessions",
			"Number of open sessions.", class, nil),
		leaked: prometheus.NewDesc("leaked_sessions",
			"Number of abandoned sessions with unreclaimed resources.", class, nil),
		cleanup: prometheus.NewDesc("cleanup_enabled",
			"Whether abandoned sessions are reclaimed right away.", class, nil),
		shared: prometheus.NewDesc("shared_allocations",
			"Number of shared allocations.", class, nil),
		events: prometheus.NewDesc("session_events_total",
			"Number of session lifecycle events.", events, nil),
	}
}

// Register registers a polled device collector for src with the registry.
func Register(r *metrics.Registry, src Source) error {
	return r.Register(CollectorName, NewCollector(src),
		metrics.WithGroup(Group),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem(), metrics.WithPolled()),
	)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.memSize, c.memFree, c.poolSize, c.poolFree, c.poolLargest, c.poolAllocs,
		c.unitBusy, c.unitAcqs, c.waiters, c.sessions, c.leaked, c.cleanup,
		c.shared, c.events,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Snapshot()
	class := string(st.Class)

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{class}, labels...)...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{class}, labels...)...)
	}

	gauge(c.memSize, float64(st.MemorySize))
	gauge(c.memFree, float64(st.FreeSize))

	for _, p := range st.Pools {
		id := strconv.Itoa(int(p.ID))
		gauge(c.poolSize, float64(p.Size), id)
		gauge(c.poolFree, float64(p.Free), id)
		gauge(c.poolLargest, float64(p.LargestFree), id)
		gauge(c.poolAllocs, float64(p.Allocations), id)
	}

	for _, u := range st.Units {
		id := strconv.Itoa(u.ID)
		gauge(c.unitBusy, boolValue(u.Busy), id)
		counter(c.unitAcqs, u.AcquisitionCount, id)
	}

	gauge(c.waiters, float64(st.Waiters))
	gauge(c.sessions, float64(st.Sessions))
	gauge(c.leaked, float64(st.Leaked))
	gauge(c.cleanup, boolValue(st.Cleanup))
	gauge(c.shared, float64(len(st.Shared)))

	counter(c.events, st.Stats.Opened, "opened")
	counter(c.events, st.Stats.Destroyed, "destroyed")
	counter(c.events, st.Stats.Reclaimed, "reclaimed")
	counter(c.events, st.Stats.Leaked, "leaked")
	counter(c.events, st.Stats.ReclaimFailures, "reclaim-failure")

	log.Debug("collected %s device metrics", class)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
