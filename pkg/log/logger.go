/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package log

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerHandle is used to efficiently look up logger references
type LoggerHandle struct {
	id   int
	name string
}

func (h LoggerHandle) String() string {
	return h.name
}

const (
	// DefaultLevelKey sets the level for all subsystems without an explicit level
	DefaultLevelKey = "log.level"
	levelPrefix     = "log."
	levelSuffix     = ".level"
)

// Predefined loggers: ids must be sequential and match the order of the loggers slice
var (
	Root        = &LoggerHandle{id: 0, name: ""}
	Core        = &LoggerHandle{id: 1, name: "core"}
	Tree        = &LoggerHandle{id: 2, name: "core.tree"}
	Scheduling  = &LoggerHandle{id: 3, name: "core.scheduling"}
	Preemption  = &LoggerHandle{id: 4, name: "core.preemption"}
	Packing     = &LoggerHandle{id: 5, name: "core.packing"}
	Update      = &LoggerHandle{id: 6, name: "core.update"}
	Metrics     = &LoggerHandle{id: 7, name: "core.metrics"}
	Config      = &LoggerHandle{id: 8, name: "core.config"}
	REST        = &LoggerHandle{id: 9, name: "core.rest"}
	Diagnostics = &LoggerHandle{id: 10, name: "diagnostics"}
	Simulator   = &LoggerHandle{id: 11, name: "simulator"}
)

var loggers = []*LoggerHandle{
	Root, Core, Tree, Scheduling, Preemption, Packing, Update, Metrics, Config, REST, Diagnostics, Simulator,
}

type loggerConfig struct {
	loggers []*zap.Logger
	levels  []zapcore.Level
}

var (
	once          sync.Once
	logger        *zap.Logger
	config        *zap.Config
	currentConfig atomic.Pointer[loggerConfig]
	configLock    sync.Mutex
	levelSettings = map[string]string{}
)

// Log retrieves the logger for the given subsystem. A nil handle returns the root logger.
func Log(handle *LoggerHandle) *zap.Logger {
	once.Do(initLogger)
	if handle == nil {
		handle = Root
	}
	conf := currentConfig.Load()
	if conf == nil || handle.id >= len(conf.loggers) {
		return logger
	}
	return conf.loggers[handle.id]
}

// IsDebugEnabled returns true if the given subsystem would emit debug messages.
func IsDebugEnabled(handle *LoggerHandle) bool {
	return Log(handle).Core().Enabled(zapcore.DebugLevel)
}

func initLogger() {
	if logger = zap.L(); isNopLogger(logger) {
		// no global logger was set by the embedding process: build our own
		config = createConfig()
		var err error
		logger, err = config.Build()
		if err != nil {
			fmt.Printf("Logging disabled, logger init failed with error: %v\n", err)
			logger = zap.NewNop()
		}
	}
	rebuild()
}

// Returns true if the logger is a noop which means no global logger was set
// by the process embedding the library, see zap.ReplaceGlobals().
func isNopLogger(logger *zap.Logger) bool {
	return reflect.DeepEqual(zap.NewNop(), logger)
}

// UpdateLoggingConfig replaces the level settings. Keys are of the form "log.level" for the default level
// and "log.<subsystem>.level" for a single subsystem, subsystems inherit the level of their parent name.
func UpdateLoggingConfig(settings map[string]string) {
	once.Do(initLogger)
	configLock.Lock()
	defer configLock.Unlock()
	levelSettings = make(map[string]string, len(settings))
	for k, v := range settings {
		levelSettings[k] = v
	}
	rebuild()
}

// SetLevel sets the level of a single subsystem, mostly used in tests.
func SetLevel(handle *LoggerHandle, level zapcore.Level) {
	once.Do(initLogger)
	configLock.Lock()
	defer configLock.Unlock()
	key := DefaultLevelKey
	if handle != nil && handle.name != "" {
		key = levelPrefix + handle.name + levelSuffix
	}
	levelSettings[key] = level.String()
	rebuild()
}

// rebuild must be called with configLock held, or from the init
func rebuild() {
	defaultLevel := zapcore.DebugLevel
	if value, ok := levelSettings[DefaultLevelKey]; ok {
		if lvl, err := parseLevel(value); err == nil {
			defaultLevel = lvl
		}
	}
	conf := &loggerConfig{
		loggers: make([]*zap.Logger, len(loggers)),
		levels:  make([]zapcore.Level, len(loggers)),
	}
	for i, handle := range loggers {
		level := resolveLevel(handle.name, defaultLevel)
		conf.levels[i] = level
		named := logger
		if handle.name != "" {
			named = logger.Named(handle.name)
		}
		conf.loggers[i] = named.WithOptions(zap.WrapCore(func(inner zapcore.Core) zapcore.Core {
			return filteredCore{level: level, inner: inner}
		}))
	}
	currentConfig.Store(conf)
}

// resolveLevel walks up the dotted subsystem name until a setting is found
func resolveLevel(name string, defaultLevel zapcore.Level) zapcore.Level {
	for name != "" {
		if value, ok := levelSettings[levelPrefix+name+levelSuffix]; ok {
			if lvl, err := parseLevel(value); err == nil {
				return lvl
			}
		}
		idx := strings.LastIndex(name, ".")
		if idx < 0 {
			break
		}
		name = name[:idx]
	}
	return defaultLevel
}

func parseLevel(value string) (zapcore.Level, error) {
	var level zapcore.Level
	err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(value))))
	return level, err
}

// Create a log config to keep full control over
// LogLevel set to DEBUG, Encodes for console, Writes to stderr,
// Enables development mode (DPanicLevel),
// Print stack traces for messages at WarnLevel and above
func createConfig() *zap.Config {
	return &zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.DebugLevel),
		Development: true,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "name",
			CallerKey:      "caller",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}
