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

	"github.com/spf13/cobra"

	"github.com/containers/pnm-resmgr/pkg/pnm"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show device status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	st, err := newClient().Status(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(st)
	}

	w := newTable()
	fmt.Fprintf(w, "class:\t%s\n", st.Class)
	fmt.Fprintf(w, "memory:\t%s (%d bytes)\n", pnm.PrettySize(st.MemorySize), st.MemorySize)
	fmt.Fprintf(w, "free:\t%s (%d bytes)\n", pnm.PrettySize(st.FreeSize), st.FreeSize)
	fmt.Fprintf(w, "granularity:\t%s\n", pnm.PrettySize(st.Granularity))
	fmt.Fprintf(w, "alignment:\t%s (forced: %v)\n", pnm.PrettySize(st.Alignment), st.ForceAligned)
	fmt.Fprintf(w, "fit policy:\t%s\n", st.FitPolicy)
	fmt.Fprintf(w, "pools:\t%d\n", len(st.Pools))
	fmt.Fprintf(w, "units:\t%d (%d waiters)\n", len(st.Units), st.Waiters)
	fmt.Fprintf(w, "acquire timeout:\t%s\n", st.AcquireTimeout)
	fmt.Fprintf(w, "sessions:\t%d\n", st.Sessions)
	fmt.Fprintf(w, "leaked:\t%d\n", st.Leaked)
	fmt.Fprintf(w, "cleanup:\t%v (policy: %s)\n", st.Cleanup, st.ReclaimPolicy)
	fmt.Fprintf(w, "shared:\t%d\n", len(st.Shared))
	fmt.Fprintf(w, "uptime:\t%s\n", st.Uptime)
	return w.Flush()
}
