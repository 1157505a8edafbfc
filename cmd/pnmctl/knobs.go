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
	"time"

	"github.com/spf13/cobra"

	"github.com/containers/pnm-resmgr/pkg/utils"
)

var (
	forceReset bool
)

func init() {
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset the device to its initial state",
		Long: `The reset command drops all allocations, shared allocations, unit
holders and leaked sessions. It is refused while live sessions hold
resources unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: runReset,
	}
	reset.Flags().BoolVar(&forceReset, "force", false, "reset even if live sessions hold resources")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "cleanup [on|off]",
			Short: "Show or set cleanup of abandoned sessions",
			Long: `Without arguments cleanup shows whether abandoned sessions are
reclaimed right away. Turning cleanup on reclaims all leaked sessions.`,
			Args: cobra.MaximumNArgs(1),
			RunE: runCleanup,
		},
		&cobra.Command{
			Use:   "reclaim-policy [drop|retain]",
			Short: "Show or set the policy for sessions failing reclamation",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runReclaimPolicy,
		},
		&cobra.Command{
			Use:   "acquire-timeout [duration]",
			Short: "Show or set the execution unit acquisition timeout",
			Long: `The acquisition timeout is how long a request for an execution unit
waits for one to become free. Zero fails right away, a negative
duration waits forever.`,
			Args: cobra.MaximumNArgs(1),
			RunE: runAcquireTimeout,
		},
		&cobra.Command{
			Use:   "force-aligned [on|off]",
			Short: "Show or set force-aligned allocation",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runForceAligned,
		},
		reset,
	)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	c := newClient()
	if len(args) == 0 {
		state, err := c.Cleanup(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(state)
		}
		fmt.Printf("cleanup: %v, leaked sessions: %d\n", state.Enabled, state.Leaked)
		return nil
	}

	enable, err := utils.ParseEnabled(args[0])
	if err != nil {
		return err
	}

	state, err := c.SetCleanup(ctx, enable)
	if err != nil {
		return err
	}
	log.Infof("cleanup set to %v, %d leaked sessions", state.Enabled, state.Leaked)

	return nil
}

func runReclaimPolicy(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	c := newClient()
	if len(args) == 0 {
		policy, err := c.ReclaimPolicy(ctx)
		if err != nil {
			return err
		}
		return printValue("policy", policy)
	}

	policy, err := c.SetReclaimPolicy(ctx, args[0])
	if err != nil {
		return err
	}
	log.Infof("reclaim policy set to %s", policy)

	return nil
}

func runAcquireTimeout(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	c := newClient()
	if len(args) == 0 {
		timeout, err := c.AcquireTimeout(ctx)
		if err != nil {
			return err
		}
		return printValue("timeout", timeout.String())
	}

	timeout, err := time.ParseDuration(args[0])
	if err != nil {
		return fmt.Errorf("invalid acquisition timeout %q: %w", args[0], err)
	}

	timeout, err = c.SetAcquireTimeout(ctx, timeout)
	if err != nil {
		return err
	}
	log.Infof("acquisition timeout set to %s", timeout)

	return nil
}

func runForceAligned(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	c := newClient()
	if len(args) == 0 {
		enabled, err := c.ForceAligned(ctx)
		if err != nil {
			return err
		}
		return printValue("enabled", enabled)
	}

	enable, err := utils.ParseEnabled(args[0])
	if err != nil {
		return err
	}

	enabled, err := c.SetForceAligned(ctx, enable)
	if err != nil {
		return err
	}
	log.Infof("force-aligned allocation set to %v", enabled)

	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	st, err := newClient().Reset(ctx, forceReset)
	if err != nil {
		return err
	}
	log.Warnf("device reset, %d bytes free", st.FreeSize)

	return nil
}
