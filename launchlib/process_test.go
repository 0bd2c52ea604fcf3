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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildCommandArgsStreamlitMode(t *testing.T) {
	config := MergedConfig{
		LaunchMode: LaunchModeStreamlit,
		Executable: "app.py",
		PythonPath: "/usr/bin/python3",
		Args:       []string{"--server.port=8501"},
	}
	args := BuildCommandArgs(config)
	expected := []string{"/usr/bin/python3", "-m", "streamlit", "run", "app.py", "--server.port=8501"}
	assertArgs(t, expected, args)
}

func TestBuildCommandArgsDefaultModeIsStreamlit(t *testing.T) {
	config := MergedConfig{
		Executable: "app.py",
	}
	args := BuildCommandArgs(config)
	expected := []string{"python3", "-m", "streamlit", "run", "app.py"}
	assertArgs(t, expected, args)
}

func TestBuildCommandArgsModuleMode(t *testing.T) {
	config := MergedConfig{
		LaunchMode: LaunchModeModule,
		Executable: "landcover.server",
		PythonPath: "/usr/bin/python3",
		Args:       []string{"--port", "8080"},
	}
	args := BuildCommandArgs(config)
	expected := []string{"/usr/bin/python3", "-m", "landcover.server", "--port", "8080"}
	assertArgs(t, expected, args)
}

func TestBuildCommandArgsScriptMode(t *testing.T) {
	config := MergedConfig{
		LaunchMode: LaunchModeScript,
		Executable: "process_large_image.py",
		PythonPath: "/usr/bin/python3",
		Args:       []string{"--input", "scene.tif"},
	}
	args := BuildCommandArgs(config)
	expected := []string{"/usr/bin/python3", "process_large_image.py", "--input", "scene.tif"}
	assertArgs(t, expected, args)
}

func TestBuildCommandArgsCommandMode(t *testing.T) {
	config := MergedConfig{
		LaunchMode: LaunchModeCommand,
		Executable: "/usr/local/bin/myserver",
		Args:       []string{"--config", "/etc/myserver.yml"},
	}
	args := BuildCommandArgs(config)
	expected := []string{"/usr/local/bin/myserver", "--config", "/etc/myserver.yml"}
	assertArgs(t, expected, args)
}

func TestBuildCommandArgsResolvesPythonEnvVar(t *testing.T) {
	t.Setenv("TEST_PYTHON_HOME", "/opt/python")
	config := MergedConfig{
		LaunchMode: LaunchModeScript,
		Executable: "app.py",
		PythonPath: "$TEST_PYTHON_HOME/bin/python3",
	}
	args := BuildCommandArgs(config)
	if args[0] != "/opt/python/bin/python3" {
		t.Errorf("expected resolved python path, got %s", args[0])
	}
}

// The five tuning variables must reach the child environment with their
// documented defaults.
func TestBuildProcessEnvTuningDefaults(t *testing.T) {
	merged := MergeConfigs(StaticLauncherConfig{}, CustomLauncherConfig{})
	env := BuildProcessEnv(merged, "landcover-app", "1.0.0")

	expected := map[string]string{
		"PYTHONMALLOC":                     "malloc",
		"MALLOC_TRIM_THRESHOLD_":           "65536",
		"STREAMLIT_SERVER_MAX_UPLOAD_SIZE": "1000",
		"OMP_NUM_THREADS":                  "1",
		"RASTERIO_CACHE_SIZE":              "128",
	}

	got := envToMap(env)
	for k, v := range expected {
		if got[k] != v {
			t.Errorf("expected %s=%s, got %q", k, v, got[k])
		}
	}
}

func TestBuildProcessEnvServiceMetadata(t *testing.T) {
	merged := MergeConfigs(StaticLauncherConfig{}, CustomLauncherConfig{})
	env := envToMap(BuildProcessEnv(merged, "landcover-app", "2.3.4"))

	if env["SERVICE_NAME"] != "landcover-app" {
		t.Errorf("unexpected SERVICE_NAME: %s", env["SERVICE_NAME"])
	}
	if env["SERVICE_VERSION"] != "2.3.4" {
		t.Errorf("unexpected SERVICE_VERSION: %s", env["SERVICE_VERSION"])
	}
	if env["PYTHONUNBUFFERED"] != "1" {
		t.Errorf("expected PYTHONUNBUFFERED=1, got %s", env["PYTHONUNBUFFERED"])
	}
}

func TestBuildProcessEnvConfigOverridesTuning(t *testing.T) {
	static := StaticLauncherConfig{
		Env: map[string]string{
			"OMP_NUM_THREADS": "4",
		},
	}
	merged := MergeConfigs(static, CustomLauncherConfig{})
	env := envToMap(BuildProcessEnv(merged, "svc", "1"))

	// Config env layers above the tuning variables.
	if env["OMP_NUM_THREADS"] != "4" {
		t.Errorf("expected config override to win, got %s", env["OMP_NUM_THREADS"])
	}
}

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "svc.pid")

	if err := WritePidFile(12345, path); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPidFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 12345 {
		t.Errorf("expected pid 12345, got %d", pid)
	}

	RemovePidFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected pid file to be removed")
	}
}

func TestReadPidFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPidFile(path); err == nil {
		t.Error("expected error for invalid pid file")
	}
}

func TestCreateDirectories(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := CreateDirectories([]string{"var/data/tmp", "var/log"}); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{"var/data/tmp", "var/log"} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", d)
		}
	}
}

func TestIsProcessAliveSelf(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("expected own process to be alive")
	}
}

func envToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

func assertArgs(t *testing.T, expected, actual []string) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("expected %d args, got %d: %v (expected: %v)", len(expected), len(actual), actual, expected)
	}
	for i, a := range expected {
		if actual[i] != a {
			t.Errorf("arg[%d]: expected %q, got %q", i, a, actual[i])
		}
	}
}
