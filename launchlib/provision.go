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

package launchlib

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ProvisioningConfig controls the pip install step that runs before launch.
type ProvisioningConfig struct {
	// Enabled controls whether provisioning runs. When unset, provisioning
	// runs iff the requirements file exists.
	Enabled *bool `yaml:"enabled,omitempty"`

	// RequirementsPath is the requirements file, relative to the distribution
	// root. Default: "requirements.txt".
	RequirementsPath string `yaml:"requirementsPath,omitempty"`

	// IndexURL overrides the package index passed to pip via --index-url.
	IndexURL string `yaml:"indexUrl,omitempty"`

	// PipArgs are extra arguments appended to the pip command line.
	PipArgs []string `yaml:"pipArgs,omitempty"`
}

// DefaultProvisioningConfig returns the provisioning defaults.
func DefaultProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{
		RequirementsPath: "requirements.txt",
	}
}

// ProvisioningError reports a failed dependency install. Launching without
// dependencies guarantees an application failure, so this error aborts startup.
type ProvisioningError struct {
	Command  string
	ExitCode int
	Err      error
}

func (e *ProvisioningError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("dependency install failed: %s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("dependency install failed: %s: %v", e.Command, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Provisioner runs pip install against the configured requirements file.
type Provisioner struct {
	config     ProvisioningConfig
	pythonPath string
	dir        string
	output     io.Writer
	logger     *Logger
}

// NewProvisioner creates a Provisioner. Output from pip is streamed to the
// given writer as it is produced.
func NewProvisioner(config ProvisioningConfig, pythonPath, dir string, output io.Writer, logger *Logger) *Provisioner {
	return &Provisioner{
		config:     config,
		pythonPath: pythonPath,
		dir:        dir,
		output:     output,
		logger:     logger,
	}
}

// ShouldRun reports whether provisioning is active for this launch. An
// explicit enabled flag wins; otherwise provisioning runs when the
// requirements file is present.
func (p *Provisioner) ShouldRun() bool {
	if p.config.Enabled != nil {
		return *p.config.Enabled
	}
	_, err := os.Stat(p.requirementsPath())
	return err == nil
}

// Run executes pip install and blocks until it completes. There is no retry
// and no timeout; cancellation comes only from the context.
func (p *Provisioner) Run(ctx context.Context) error {
	reqPath := p.requirementsPath()
	if _, err := os.Stat(reqPath); err != nil {
		return &ProvisioningError{
			Command: "pip install",
			Err:     fmt.Errorf("requirements file %s: %w", reqPath, err),
		}
	}

	args := []string{"-m", "pip", "install", "-r", reqPath}
	if p.config.IndexURL != "" {
		args = append(args, "--index-url", p.config.IndexURL)
	}
	args = append(args, p.config.PipArgs...)

	python := ResolveEnvVarPath(p.pythonPath)
	p.logger.Printf("Provisioning dependencies: %s %v", python, args)

	cmd := exec.CommandContext(ctx, python, args...)
	cmd.Stdout = p.output
	cmd.Stderr = p.output
	cmd.Dir = p.dir

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ProvisioningError{
				Command:  python + " -m pip install",
				ExitCode: exitErr.ExitCode(),
				Err:      err,
			}
		}
		return &ProvisioningError{
			Command: python + " -m pip install",
			Err:     err,
		}
	}

	p.logger.Printf("Provisioning complete")
	return nil
}

func (p *Provisioner) requirementsPath() string {
	if p.config.RequirementsPath != "" {
		return p.config.RequirementsPath
	}
	return DefaultProvisioningConfig().RequirementsPath
}

func mergeProvisioningConfig(static ProvisioningConfig, custom *ProvisioningConfig) ProvisioningConfig {
	result := static
	if custom != nil {
		if custom.Enabled != nil {
			result.Enabled = custom.Enabled
		}
		if custom.RequirementsPath != "" {
			result.RequirementsPath = custom.RequirementsPath
		}
		if custom.IndexURL != "" {
			result.IndexURL = custom.IndexURL
		}
		if len(custom.PipArgs) > 0 {
			result.PipArgs = append(append([]string{}, result.PipArgs...), custom.PipArgs...)
		}
	}
	if result.RequirementsPath == "" {
		result.RequirementsPath = DefaultProvisioningConfig().RequirementsPath
	}
	return result
}
