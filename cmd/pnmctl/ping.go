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

	"github.com/containers/pnm-resmgr/pkg/transport"
)

var (
	pingCount int
)

func init() {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send NOP requests over the client socket",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}
	cmd.Flags().IntVarP(&pingCount, "count", "c", 3, "number of requests to send")
	rootCmd.AddCommand(cmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	c, err := transport.Dial(ctx, socket)
	if err != nil {
		return err
	}
	defer c.Close()

	var total time.Duration
	for i := 0; i < pingCount; i++ {
		start := time.Now()
		if err := c.Nop(); err != nil {
			return err
		}
		rtt := time.Since(start)
		total += rtt
		log.Debugf("request #%d: %s", i, rtt)
	}

	if pingCount > 0 {
		fmt.Printf("%d requests to %s, average round trip %s\n", pingCount, socket,
			total/time.Duration(pingCount))
	}

	return nil
}
