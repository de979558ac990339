// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the structured logger used by every core package.
// It wraps zerolog with an ECS-shaped field set, optionally writing through
// a rotating file sink.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = ecszerolog.New(os.Stderr).Level(zerolog.InfoLevel)

// FileConfig configures the rotating file sink used in place of stderr.
type FileConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Configure replaces the package logger, optionally writing through a
// rotating file sink described by fc, and sets the minimum level.
func Configure(level zerolog.Level, fc *FileConfig) {
	var w io.Writer = os.Stderr
	if fc != nil && fc.Filename != "" {
		w = &lumberjack.Logger{
			Filename:   fc.Filename,
			MaxSize:    fc.MaxSizeMB,
			MaxBackups: fc.MaxBackups,
			MaxAge:     fc.MaxAgeDays,
			Compress:   fc.Compress,
		}
	}
	logger = ecszerolog.New(w).Level(level)
}

// With returns a child logger with the given component name attached.
// The core packages log through Debugf/Warnf/Errorf on the package
// logger and do not call it.
func With(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// Debugf logs a formatted debug-level message on the package logger.
func Debugf(format string, args ...interface{}) {
	logger.Debug().Msgf(format, args...)
}

// Warnf logs a formatted warn-level message on the package logger.
func Warnf(format string, args ...interface{}) {
	logger.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error-level message on the package logger.
func Errorf(format string, args ...interface{}) {
	logger.Error().Msgf(format, args...)
}
