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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	instcfg "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/instrumentation"
	transportcfg "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1/transport"
	"github.com/containers/pnm-resmgr/pkg/resmgr/admin"
	"github.com/containers/pnm-resmgr/pkg/version"
)

var (
	log *logrus.Logger

	// global flags
	server  string
	socket  string
	timeout time.Duration
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "pnmctl",
	Short: "Inspect and control a PNM device resource manager",
	Long: `pnmctl talks to a running pnm-resmgr. It inspects and tunes the
device through the HTTP admin API and exercises the client socket.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	log = logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{
		PadLevelText: true,
	})

	rootCmd.PersistentFlags().StringVarP(&server, "server", "s", instcfg.DefaultHTTPEndpoint,
		"HTTP endpoint of the resource manager")
	rootCmd.PersistentFlags().StringVar(&socket, "socket", transportcfg.DefaultSocket,
		"client socket of the resource manager")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newClient() *admin.Client {
	log.Debugf("using HTTP endpoint %s", server)
	return admin.NewClient(server, timeout)
}

func newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printValue(name string, value interface{}) error {
	if jsonOut {
		return printJSON(map[string]interface{}{name: value})
	}
	fmt.Printf("%v\n", value)
	return nil
}
