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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvisioner(t *testing.T, config ProvisioningConfig, pythonPath string) (*Provisioner, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	logger := NewLogger(&out, LoggingConfig{Format: LogFormatText})
	return NewProvisioner(config, pythonPath, "", &out, logger), &out
}

func TestProvisionerShouldRunDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	// No requirements file: provisioning is skipped.
	p, _ := newTestProvisioner(t, ProvisioningConfig{}, "python3")
	assert.False(t, p.ShouldRun())

	// File appears: provisioning runs.
	require.NoError(t, os.WriteFile("requirements.txt", []byte("streamlit\nrasterio\n"), 0644))
	assert.True(t, p.ShouldRun())
}

func TestProvisionerShouldRunExplicitFlag(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	disabled := false
	require.NoError(t, os.WriteFile("requirements.txt", []byte("streamlit\n"), 0644))
	p, _ := newTestProvisioner(t, ProvisioningConfig{Enabled: &disabled}, "python3")
	assert.False(t, p.ShouldRun(), "explicit enabled=false wins over file presence")

	enabled := true
	p, _ = newTestProvisioner(t, ProvisioningConfig{Enabled: &enabled, RequirementsPath: "missing.txt"}, "python3")
	assert.True(t, p.ShouldRun(), "explicit enabled=true wins over file absence")
}

func TestProvisionerRunFailureAborts(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile("requirements.txt", []byte("streamlit\n"), 0644))

	// /bin/false ignores its arguments and exits 1, standing in for a pip
	// failure (unreachable index, broken wheel build, etc.).
	p, _ := newTestProvisioner(t, ProvisioningConfig{}, "/bin/false")
	err := p.Run(context.Background())
	require.Error(t, err)

	var provErr *ProvisioningError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, 1, provErr.ExitCode)
}

func TestProvisionerRunSuccess(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile("requirements.txt", []byte("streamlit\n"), 0644))

	p, _ := newTestProvisioner(t, ProvisioningConfig{}, "/bin/true")
	assert.NoError(t, p.Run(context.Background()))
}

func TestProvisionerRunMissingRequirements(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	p, _ := newTestProvisioner(t, ProvisioningConfig{RequirementsPath: filepath.Join(dir, "nope.txt")}, "/bin/true")
	err := p.Run(context.Background())
	require.Error(t, err)

	var provErr *ProvisioningError
	assert.True(t, errors.As(err, &provErr))
}

func TestMergeProvisioningConfig(t *testing.T) {
	static := ProvisioningConfig{
		RequirementsPath: "requirements.txt",
		PipArgs:          []string{"--no-cache-dir"},
	}
	custom := &ProvisioningConfig{
		IndexURL: "https://pypi.internal/simple",
		PipArgs:  []string{"--prefer-binary"},
	}

	merged := mergeProvisioningConfig(static, custom)
	assert.Equal(t, "requirements.txt", merged.RequirementsPath)
	assert.Equal(t, "https://pypi.internal/simple", merged.IndexURL)
	assert.Equal(t, []string{"--no-cache-dir", "--prefer-binary"}, merged.PipArgs)
}

func TestProvisioningErrorMessage(t *testing.T) {
	err := &ProvisioningError{Command: "python3 -m pip install", ExitCode: 2}
	assert.Contains(t, err.Error(), "exited with code 2")
}
