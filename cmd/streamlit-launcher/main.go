// Copyright 2025 The landcover-io Authors
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

// streamlit-launcher is a native launcher for the land-cover change detection
// app. It replaces the shell-based launch script with a Go binary that:
//
//   - Installs Python dependencies via pip before startup, aborting on failure
//   - Builds an explicit environment for the application (allocator tuning,
//     thread caps, Streamlit upload limit, rasterio cache size)
//   - Reads total system memory and applies a virtual-memory address-space
//     limit before spawn (Linux only; a best-effort constraint)
//   - Runs the Streamlit server in the foreground, forwarding signals and
//     propagating its exit code
//
// Usage:
//
//	streamlit-launcher                       # launch with default config paths
//	streamlit-launcher status                # check if the service is running
//	streamlit-launcher version               # print build metadata
//	streamlit-launcher --static-config PATH  # override static config path
//	streamlit-launcher --custom-config PATH  # override custom config path
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/landcover-io/streamlit-launcher/launchlib"
)

var (
	// Build-time variables set by -ldflags
	version   = "dev"
	gitCommit = "unknown"
)

type rootFlags struct {
	staticConfig   string
	customConfig   string
	distRoot       string
	serviceName    string
	serviceVersion string
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "streamlit-launcher",
		Short:         "Launch the land-cover analysis app with resource constraints",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode, err := doStartup(flags)
			if err != nil {
				return err
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.staticConfig, "static-config", "",
		"Path to static launcher config (default: service/bin/launcher-static.yml)")
	rootCmd.PersistentFlags().StringVar(&flags.customConfig, "custom-config", "",
		"Path to custom launcher config (default: var/conf/launcher-custom.yml)")
	rootCmd.PersistentFlags().StringVar(&flags.distRoot, "dist-root", "",
		"Distribution root directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flags.serviceName, "service-name", "",
		"Service name (read from deployment/manifest.yml if omitted)")
	rootCmd.PersistentFlags().StringVar(&flags.serviceVersion, "service-version", "",
		"Service version (read from deployment/manifest.yml if omitted)")

	rootCmd.AddCommand(newStatusCmd(flags))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := enterDistRoot(flags.distRoot); err != nil {
				return err
			}
			name, _ := resolveServiceIdentity(flags)
			os.Exit(doStatus(name))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("streamlit-launcher %s (commit: %s)\n", version, gitCommit)
		},
	}
}

func doStartup(flags *rootFlags) (int, error) {
	if err := enterDistRoot(flags.distRoot); err != nil {
		return 1, err
	}

	distRoot, err := os.Getwd()
	if err != nil {
		return 1, err
	}

	serviceName, serviceVersion := resolveServiceIdentity(flags)

	params := launchlib.LauncherParams{
		DistRoot:         distRoot,
		StaticConfigPath: flags.staticConfig,
		CustomConfigPath: flags.customConfig,
		ServiceName:      serviceName,
		ServiceVersion:   serviceVersion,
		Stdout:           os.Stdout,
	}

	launcher := launchlib.NewLauncher(params)
	result, err := launcher.Launch()
	if err != nil {
		return 1, fmt.Errorf("launch failed: %w", err)
	}

	if result.MonitorTriggered {
		fmt.Fprintln(os.Stderr, "Process was terminated by the RSS monitor")
	}

	return result.ExitCode, nil
}

func doStatus(serviceName string) int {
	pidPath := fmt.Sprintf("var/run/%s.pid", serviceName)
	pid, err := launchlib.ReadPidFile(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service not running (no pid file at %s)\n", pidPath)
		return 1
	}

	if !launchlib.IsProcessAlive(pid) {
		fmt.Fprintf(os.Stderr, "Service not running (stale pid file, pid=%d)\n", pid)
		launchlib.RemovePidFile(pidPath)
		return 1
	}

	fmt.Printf("Service running: pid=%d\n", pid)
	return 0
}

// enterDistRoot changes to the distribution root so relative paths resolve.
func enterDistRoot(distRoot string) error {
	if distRoot == "" {
		return nil
	}
	if err := os.Chdir(distRoot); err != nil {
		return fmt.Errorf("failed to chdir to distribution root %s: %w", distRoot, err)
	}
	return nil
}

// serviceManifest is the optional deployment metadata file.
type serviceManifest struct {
	ProductName    string `yaml:"product-name"`
	ProductVersion string `yaml:"product-version"`
}

// resolveServiceIdentity fills in service name and version from flags, then
// the deployment manifest, then fallbacks.
func resolveServiceIdentity(flags *rootFlags) (string, string) {
	name := flags.serviceName
	version := flags.serviceVersion
	if name != "" && version != "" {
		return name, version
	}

	manifest, err := readManifest(filepath.Join("deployment", "manifest.yml"))
	if err == nil {
		if name == "" {
			name = manifest.ProductName
		}
		if version == "" {
			version = manifest.ProductVersion
		}
	}

	if name == "" {
		name = "landcover-app"
	}
	if version == "" {
		version = "0.0.0"
	}
	return name, version
}

func readManifest(path string) (serviceManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return serviceManifest{}, err
	}
	var manifest serviceManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return serviceManifest{}, err
	}
	return manifest, nil
}
