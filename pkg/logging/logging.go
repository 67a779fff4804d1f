/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging builds the daemon's structured logger and carries it
// on a context.Context, replacing the original Python daemon's global
// "logger" singleton (common.get_logger) per the REDESIGN FLAGS: no
// package-level globals, an explicit value threaded through.
package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// Level is one of the five levels the configuration file accepts.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelCritical:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger writing to both stderr and filename, mirroring
// the dual StreamHandler/FileHandler setup in the original daemon's
// common.py:get_logger.
func New(level Level, filename string) (*zap.SugaredLogger, error) {
	consoleEncoder := zap.NewProductionEncoderConfig()
	consoleEncoder.EncodeTime = zapcore.ISO8601TimeEncoder

	fileSink, _, err := zap.Open(filename)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoder), zapcore.Lock(zapcore.AddSync(os.Stderr)), level.zapLevel()),
		zapcore.NewCore(zapcore.NewJSONEncoder(consoleEncoder), fileSink, level.zapLevel()),
	)
	return zap.New(core).Sugar(), nil
}

func WithLogger(ctx context.Context, log *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored on ctx, or a no-op logger if
// none was set (e.g. in unit tests that don't care about log output).
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if log, ok := ctx.Value(ctxKey{}).(*zap.SugaredLogger); ok {
		return log
	}
	return zap.NewNop().Sugar()
}
