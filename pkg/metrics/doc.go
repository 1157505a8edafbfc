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

// Package metrics is a thin layer over prometheus for collecting and
// exporting metrics. It namespaces and groups collectors, allows enabling
// and disabling them by glob patterns at runtime, and supports periodic
// collection of metrics which would be too costly to calculate on every
// scrape.
//
// A typical setup registers collectors with a Registry and serves a
// Gatherer created for it:
//
//	r := metrics.NewRegistry()
//	r.Register("golang", collectors.NewGoCollector(), metrics.WithGroup("standard"))
//	r.Register("device", deviceCollector, metrics.WithGroup("pnm"),
//	    metrics.WithCollectorOptions(metrics.WithPolled()))
//
//	g, err := r.NewGatherer(metrics.WithNamespace("pnm"),
//	    metrics.WithMetrics([]string{"*"}, nil))
//	if err != nil {
//	    return err
//	}
//
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
