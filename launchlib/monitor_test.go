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
	"strings"
	"testing"
	"time"
)

func testBudget() MemoryBudget {
	return MemoryBudget{
		CeilingBytes:   1000,
		SoftWarnBytes:  850,
		HardLimitBytes: 950,
	}
}

func newTestMonitor(rss uint64, config MonitorConfig) (*RSSMonitor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LoggingConfig{Format: LogFormatText})
	m := NewRSSMonitor(99999, testBudget(), config, logger)
	m.readRSS = func(pid int) (uint64, error) { return rss, nil }
	return m, &buf
}

func TestMonitorHealthyBelowThresholds(t *testing.T) {
	m, buf := newTestMonitor(500, MonitorConfig{})

	if triggered := m.check(); triggered {
		t.Error("healthy RSS must not trigger")
	}
	if m.state != MonitorStateHealthy {
		t.Errorf("expected healthy state, got %s", m.state)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestMonitorSoftWarning(t *testing.T) {
	m, buf := newTestMonitor(900, MonitorConfig{})

	if triggered := m.check(); triggered {
		t.Error("soft warning must not trigger")
	}
	if m.state != MonitorStateSoftWarning {
		t.Errorf("expected soft_warning state, got %s", m.state)
	}
	if !strings.Contains(buf.String(), "warning threshold") {
		t.Errorf("expected a warning log, got %q", buf.String())
	}
}

func TestMonitorRecovery(t *testing.T) {
	m, buf := newTestMonitor(900, MonitorConfig{})
	m.check()

	m.readRSS = func(pid int) (uint64, error) { return 500, nil }
	m.check()

	if m.state != MonitorStateHealthy {
		t.Errorf("expected recovery to healthy, got %s", m.state)
	}
	if !strings.Contains(buf.String(), "recovered") {
		t.Errorf("expected a recovery log, got %q", buf.String())
	}
}

func TestMonitorHardLimitObserveOnly(t *testing.T) {
	// Without Enforce the monitor logs the crossing but never terminates.
	m, buf := newTestMonitor(990, MonitorConfig{})

	if triggered := m.check(); triggered {
		t.Error("observe-only monitor must not report a termination")
	}
	if m.state != MonitorStateHardLimit {
		t.Errorf("expected hard_limit state, got %s", m.state)
	}
	if !strings.Contains(buf.String(), "HARD LIMIT EXCEEDED") {
		t.Errorf("expected a hard limit log, got %q", buf.String())
	}
}

func TestMonitorReadErrorIsNonFatal(t *testing.T) {
	m, _ := newTestMonitor(0, MonitorConfig{})
	m.readRSS = func(pid int) (uint64, error) {
		return 0, context.DeadlineExceeded
	}

	if triggered := m.check(); triggered {
		t.Error("a read error must not trigger termination")
	}
	if m.state != MonitorStateHealthy {
		t.Errorf("expected state unchanged, got %s", m.state)
	}
}

func TestMonitorRunWithoutBudget(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LoggingConfig{Format: LogFormatText})
	m := NewRSSMonitor(99999, MemoryBudget{}, MonitorConfig{PollIntervalSeconds: 1}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if triggered := m.Run(ctx); triggered {
		t.Error("monitor without a budget must not trigger")
	}
}

func TestMonitorStateStrings(t *testing.T) {
	tests := []struct {
		state    MonitorState
		expected string
	}{
		{MonitorStateHealthy, "healthy"},
		{MonitorStateSoftWarning, "soft_warning"},
		{MonitorStateHardLimit, "hard_limit"},
		{MonitorStateTerminating, "terminating"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("state %d: expected %q, got %q", tt.state, tt.expected, got)
		}
	}
}
