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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/pnm-resmgr/pkg/apis/config/v1alpha1"
	"github.com/containers/pnm-resmgr/pkg/config"
	logger "github.com/containers/pnm-resmgr/pkg/log"
	"github.com/containers/pnm-resmgr/pkg/pnm/device"
	daemon "github.com/containers/pnm-resmgr/pkg/resmgr/main"
	"github.com/containers/pnm-resmgr/pkg/version"
)

var (
	log = logger.Default()
)

func main() {
	var (
		configFile   string
		class        string
		socket       string
		httpEndpoint string
		printConfig  bool
	)

	flag.StringVar(&configFile, "config", "", "configuration file, watched for changes")
	flag.StringVar(&class, "class", string(device.ClassSLS),
		"device class ("+strings.Join(classNames(), ", ")+") if no configuration file is given")
	flag.StringVar(&socket, "socket", "", "override the client socket path")
	flag.StringVar(&httpEndpoint, "http-endpoint", "", "override the HTTP endpoint address")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
	flag.Parse()
	logger.Flush()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("version: %s\n", version.Version)
			fmt.Printf("build: %s\n", version.Build)
			os.Exit(0)
		default:
			log.Error("unknown command line arguments: %s", strings.Join(args, " "))
			flag.Usage()
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configFile, class)
	if err != nil {
		log.Fatal("%v", err)
	}
	if socket != "" {
		cfg.Spec.Transport.Socket = socket
	}
	if httpEndpoint != "" {
		cfg.Spec.Instrumentation.HTTPEndpoint = httpEndpoint
	}

	if printConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal("failed to dump configuration: %v", err)
		}
		fmt.Print(string(data))
		os.Exit(0)
	}

	logger.SetSlogLogger("slog")
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	m, err := daemon.New(cfg, configFile)
	if err != nil {
		log.Fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}

	logger.Flush()
}

func loadConfig(file, class string) (*cfgapi.ResourceManagerConfig, error) {
	if file != "" {
		return config.Load(file)
	}

	if _, err := device.ParseClass(class); err != nil {
		return nil, err
	}

	return cfgapi.NewConfig(class), nil
}

func classNames() []string {
	var names []string
	for _, c := range device.Classes() {
		names = append(names, string(c))
	}
	return names
}
