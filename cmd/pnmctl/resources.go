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
	"github.com/containers/pnm-resmgr/pkg/pnm/procmgr"
)

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "pools",
			Short: "List device memory pools",
			Args:  cobra.NoArgs,
			RunE:  runPools,
		},
		&cobra.Command{
			Use:   "units",
			Short: "List execution units",
			Args:  cobra.NoArgs,
			RunE:  runUnits,
		},
		&cobra.Command{
			Use:   "sessions",
			Short: "List open sessions",
			Args:  cobra.NoArgs,
			RunE:  runSessions,
		},
		&cobra.Command{
			Use:   "leaked",
			Short: "List abandoned sessions waiting for cleanup",
			Args:  cobra.NoArgs,
			RunE:  runLeaked,
		},
		&cobra.Command{
			Use:   "shared",
			Short: "List shared allocations",
			Args:  cobra.NoArgs,
			RunE:  runShared,
		},
	)
}

func runPools(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	pools, err := newClient().Pools(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(pools)
	}

	w := newTable()
	fmt.Fprintln(w, "POOL\tBASE\tSIZE\tFREE\tLARGEST FREE\tALLOCATIONS")
	for _, p := range pools {
		fmt.Fprintf(w, "%d\t0x%x\t%s\t%s\t%s\t%d\n", p.ID, p.Base, pnm.PrettySize(p.Size),
			pnm.PrettySize(p.Free), pnm.PrettySize(p.LargestFree), p.Allocations)
	}
	return w.Flush()
}

func runUnits(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	units, err := newClient().Units(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(units)
	}

	w := newTable()
	fmt.Fprintln(w, "UNIT\tSTATE\tHOLDER\tACQUISITIONS")
	for _, u := range units {
		state, holder := "free", "-"
		if u.Busy {
			state, holder = "busy", u.Holder.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", u.ID, state, holder, u.AcquisitionCount)
	}
	return w.Flush()
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	sessions, err := newClient().Sessions(ctx)
	if err != nil {
		return err
	}
	return printSessions(sessions)
}

func runLeaked(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	sessions, err := newClient().LeakedSessions(ctx)
	if err != nil {
		return err
	}
	return printSessions(sessions)
}

func printSessions(sessions []procmgr.SessionInfo) error {
	if jsonOut {
		return printJSON(sessions)
	}

	w := newTable()
	fmt.Fprintln(w, "SESSION\tCLIENT\tREFS\tALLOCATIONS\tMEMORY\tUNITS\tOPENED")
	for _, s := range sessions {
		size := uint64(0)
		for _, a := range s.Allocations {
			size += a.Size
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n", s.ID, s.Client, s.RefCount,
			len(s.Allocations), pnm.PrettySize(size), s.Units.ListString(),
			s.Opened.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runShared(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	entries, err := newClient().SharedAllocations(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}

	w := newTable()
	fmt.Fprintln(w, "KEY\tPOOL\tADDRESS\tSIZE\tREFS")
	for _, e := range entries {
		a := e.Allocation
		fmt.Fprintf(w, "%s\t%d\t0x%x\t%s\t%d\n", e.Key, a.Pool, a.Addr, pnm.PrettySize(a.Size), e.RefCount)
	}
	return w.Flush()
}
