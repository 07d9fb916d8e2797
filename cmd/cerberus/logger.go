// Copyright 2025 Kadir Pekel
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
	"os"

	"github.com/kadirpekel/cerberus/pkg/config"
	"github.com/kadirpekel/cerberus/pkg/logger"
)

const (
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogFormat is the default log format
	DefaultLogFormat = "simple"
)

// initLoggerFromCLI initializes the logger from CLI flags and environment
// variables. Priority: CLI flags > env vars > defaults.
func initLoggerFromCLI(cliLogLevel, cliLogFile, cliLogFormat string) (func(), error) {
	logLevel := cliLogLevel
	if logLevel == "" {
		logLevel = os.Getenv(LogLevelEnvVar)
	}
	if logLevel == "" {
		logLevel = "info"
	}

	logFile := cliLogFile
	if logFile == "" {
		logFile = os.Getenv(LogFileEnvVar)
	}

	logFormat := cliLogFormat
	if logFormat == "" {
		logFormat = os.Getenv(LogFormatEnvVar)
	}
	if logFormat == "" {
		logFormat = DefaultLogFormat
	}

	return initLogger(logLevel, logFile, logFormat)
}

// initLoggerFromConfig re-initializes the logger from config file settings.
// Called by serve after config loading when neither CLI flags nor env vars
// overrode the defaults.
func initLoggerFromConfig(cfg *config.LoggerConfig) (func(), error) {
	if cfg == nil {
		return nil, nil
	}

	logLevel := cfg.Level
	if logLevel == "" {
		logLevel = "info"
	}

	logFormat := cfg.Format
	if logFormat == "" {
		logFormat = DefaultLogFormat
	}

	return initLogger(logLevel, cfg.File, logFormat)
}

func initLogger(logLevel, logFile, logFormat string) (func(), error) {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output *os.File
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	} else {
		output = os.Stderr
	}

	logger.Init(level, output, logFormat)

	return cleanup, nil
}

// loggingOverriddenByCLI reports whether logging was explicitly configured
// on the command line or via environment, in which case the config file's
// logger section must not clobber it.
func loggingOverriddenByCLI(cli *CLI) bool {
	if cli.LogLevel != "" && cli.LogLevel != "info" {
		return true
	}
	if cli.LogFile != "" || (cli.LogFormat != "" && cli.LogFormat != DefaultLogFormat) {
		return true
	}
	return os.Getenv(LogLevelEnvVar) != "" ||
		os.Getenv(LogFileEnvVar) != "" ||
		os.Getenv(LogFormatEnvVar) != ""
}
