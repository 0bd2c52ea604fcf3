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
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// LogFormat controls the output format of the launcher's logger.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// LoggingConfig controls launcher log output.
type LoggingConfig struct {
	// Format selects the log output format. When empty, text is used on a
	// terminal and JSON otherwise, so service managers collect structured
	// lines while interactive runs stay readable.
	Format LogFormat `yaml:"format,omitempty"`

	// Level is the minimum log level. Default: "info".
	Level string `yaml:"level,omitempty"`

	// Fields are extra key-value pairs included in every JSON log line.
	Fields map[string]string `yaml:"fields,omitempty"`
}

// DefaultLoggingConfig returns sensible logging defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level: "info",
	}
}

// Logger wraps the standard library logger to support structured JSON output.
type Logger struct {
	inner  *log.Logger
	config LoggingConfig
}

// NewLogger creates a Logger based on the configuration.
func NewLogger(w io.Writer, config LoggingConfig) *Logger {
	if w == nil {
		w = os.Stdout
	}
	if config.Format == "" {
		config.Format = detectFormat(w)
	}
	if config.Level == "" {
		config.Level = "info"
	}
	var inner *log.Logger
	if config.Format == LogFormatJSON {
		inner = log.New(w, "", 0) // no prefix for JSON
	} else {
		inner = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	}
	return &Logger{inner: inner, config: config}
}

// detectFormat picks text when the writer is a terminal and JSON otherwise.
func detectFormat(w io.Writer) LogFormat {
	if f, ok := w.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return LogFormatText
		}
	}
	return LogFormatJSON
}

// Printf logs a formatted message.
func (l *Logger) Printf(format string, args ...interface{}) {
	if l.config.Format == LogFormatJSON {
		l.jsonLog("info", fmt.Sprintf(format, args...))
		return
	}
	l.inner.Printf(format, args...)
}

// Println logs a message.
func (l *Logger) Println(msg string) {
	if l.config.Format == LogFormatJSON {
		l.jsonLog("info", msg)
		return
	}
	l.inner.Println(msg)
}

// Warnf logs a warning-level formatted message.
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.config.Format == LogFormatJSON {
		l.jsonLog("warn", fmt.Sprintf(format, args...))
		return
	}
	l.inner.Printf("WARNING: "+format, args...)
}

// Errorf logs an error-level formatted message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.config.Format == LogFormatJSON {
		l.jsonLog("error", fmt.Sprintf(format, args...))
		return
	}
	l.inner.Printf("ERROR: "+format, args...)
}

func (l *Logger) jsonLog(level, message string) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"message":   message,
		"logger":    "streamlit-launcher",
	}
	for k, v := range l.config.Fields {
		entry[k] = v
	}
	data, _ := json.Marshal(entry)
	l.inner.Output(0, string(data))
}
