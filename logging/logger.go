/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package logging provides the Logger interface every component in this
// module takes as an explicit constructor argument, never a package
// global.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LogLevelSilent = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Logger is implemented by anything that can sink leveled, optionally
// formatted, log lines.
type Logger interface {
	Debug(v ...interface{})
	Debugf(f string, v ...interface{})
	Info(v ...interface{})
	Infof(f string, v ...interface{})
	Error(v ...interface{})
	Errorf(f string, v ...interface{})
}

var _ Logger = &zapLogger{}

type zapLogger struct {
	sugar *zap.SugaredLogger
	level int
}

// New builds a Logger backed by a zap.SugaredLogger. prepend is added as
// a static "component" field so log lines from multiple Contexts
// (multiple nearby.Context instances in one process) stay distinguishable.
func New(level int, prepend string) Logger {
	zapLevel := zapcore.FatalLevel
	switch {
	case level >= LogLevelDebug:
		zapLevel = zapcore.DebugLevel
	case level >= LogLevelInfo:
		zapLevel = zapcore.InfoLevel
	case level >= LogLevelError:
		zapLevel = zapcore.ErrorLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		zapLevel,
	)

	base := zap.New(core)
	if prepend != "" {
		base = base.With(zap.String("component", prepend))
	}

	return &zapLogger{sugar: base.Sugar(), level: level}
}

// Discard returns a Logger that drops everything, used by tests that
// don't want log noise but still need to satisfy constructors that
// require a non-nil Logger.
func Discard() Logger {
	return New(LogLevelSilent, "")
}

func (l *zapLogger) Debug(v ...interface{}) {
	l.sugar.Debug(v...)
}

func (l *zapLogger) Debugf(f string, v ...interface{}) {
	l.sugar.Debugf(f, v...)
}

func (l *zapLogger) Info(v ...interface{}) {
	l.sugar.Info(v...)
}

func (l *zapLogger) Infof(f string, v ...interface{}) {
	l.sugar.Infof(f, v...)
}

func (l *zapLogger) Error(v ...interface{}) {
	l.sugar.Error(v...)
}

func (l *zapLogger) Errorf(f string, v ...interface{}) {
	l.sugar.Errorf(f, v...)
}
