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

package main

import (
	"fmt"
	"strings"

	model "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
)

var (
	metricsPrefix string
)

func init() {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show exported metrics",
		Long: `The metrics command fetches the Prometheus metrics of the resource
manager and prints one line per sample.

Example:
  pnmctl metrics --prefix pnm_pool`,
		Args: cobra.NoArgs,
		RunE: runMetrics,
	}
	cmd.Flags().StringVar(&metricsPrefix, "prefix", "pnm_", "only show metrics with this name prefix")
	rootCmd.AddCommand(cmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	families, err := newClient().Metrics(ctx)
	if err != nil {
		return err
	}

	var selected []*model.MetricFamily
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), metricsPrefix) {
			selected = append(selected, f)
		}
	}

	if jsonOut {
		return printJSON(selected)
	}

	w := newTable()
	for _, f := range selected {
		for _, m := range f.GetMetric() {
			fmt.Fprintf(w, "%s%s\t%g\n", f.GetName(), formatLabels(m), sampleValue(f.GetType(), m))
		}
	}
	return w.Flush()
}

func formatLabels(m *model.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	labels := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(labels, ",") + "}"
}

func sampleValue(t model.MetricType, m *model.Metric) float64 {
	switch t {
	case model.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case model.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case model.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	case model.MetricType_SUMMARY:
		return m.GetSummary().GetSampleSum()
	case model.MetricType_HISTOGRAM:
		return m.GetHistogram().GetSampleSum()
	}
	return 0
}
